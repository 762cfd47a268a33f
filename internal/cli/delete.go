package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mereville/idb/internal/storage"
)

// NewDeleteCommand creates the "delete" subcommand: remove a database and
// its files.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <database>",
		Short: "Delete a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			d, err := storage.Open(opts.Dir)
			if err != nil {
				return err
			}
			defer d.Close()

			if !d.Exists(name) {
				fmt.Fprintf(cmd.OutOrStdout(), "no database named %q, nothing to do\n", name)
				return nil
			}
			if err := d.DeleteDatabase(name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %q\n", name)
			return nil
		},
	}
}
