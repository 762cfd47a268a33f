package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mereville/idb/internal/storage"
)

// NewListCommand creates the "list" subcommand: databases with versions.
func NewListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List databases in the storage directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := storage.Open(opts.Dir)
			if err != nil {
				return err
			}
			defer d.Close()

			dbs := d.ListDatabases()
			if opts.Format == "json" {
				type entry struct {
					Name    string `json:"name"`
					Version uint64 `json:"version"`
				}
				out := make([]entry, 0, len(dbs))
				for _, db := range dbs {
					out = append(out, entry{Name: db.Name, Version: db.Version})
				}
				raw, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return nil
			}

			if len(dbs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no databases")
				return nil
			}
			for _, db := range dbs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tversion %d\n", db.Name, db.Version)
			}
			return nil
		},
	}
}
