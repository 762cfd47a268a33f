package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mereville/idb/internal/storage"
)

// NewStoresCommand creates the "stores" subcommand: object stores and their
// indexes for one database.
func NewStoresCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stores <database>",
		Short: "Show a database's object stores and indexes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			d, err := storage.Open(opts.Dir)
			if err != nil {
				return err
			}
			defer d.Close()

			if !d.Exists(name) {
				return fmt.Errorf("no database named %q", name)
			}
			ctx := context.Background()
			db, err := d.OpenDatabase(ctx, name)
			if err != nil {
				return err
			}
			stores, err := db.ListStores(ctx)
			if err != nil {
				return err
			}

			type indexOut struct {
				Name       string `json:"name"`
				KeyPath    any    `json:"key_path"`
				Unique     bool   `json:"unique"`
				MultiEntry bool   `json:"multi_entry"`
			}
			type storeOut struct {
				Name          string     `json:"name"`
				KeyPath       any        `json:"key_path"`
				AutoIncrement bool       `json:"auto_increment"`
				Indexes       []indexOut `json:"indexes"`
			}

			out := make([]storeOut, 0, len(stores))
			for _, st := range stores {
				indexes, err := db.ListIndexes(ctx, st.ID)
				if err != nil {
					return err
				}
				so := storeOut{
					Name:          st.Name,
					KeyPath:       st.KeyPath.Raw(),
					AutoIncrement: st.AutoIncrement,
					Indexes:       make([]indexOut, 0, len(indexes)),
				}
				for _, ix := range indexes {
					so.Indexes = append(so.Indexes, indexOut{
						Name:       ix.Name,
						KeyPath:    ix.KeyPath.Raw(),
						Unique:     ix.Unique,
						MultiEntry: ix.MultiEntry,
					})
				}
				out = append(out, so)
			}

			if opts.Format == "json" {
				raw, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return nil
			}

			for _, so := range out {
				fmt.Fprintf(cmd.OutOrStdout(), "store %s (keyPath=%v autoIncrement=%v)\n",
					so.Name, so.KeyPath, so.AutoIncrement)
				for _, ix := range so.Indexes {
					fmt.Fprintf(cmd.OutOrStdout(), "  index %s (keyPath=%v unique=%v multiEntry=%v)\n",
						ix.Name, ix.KeyPath, ix.Unique, ix.MultiEntry)
				}
			}
			return nil
		},
	}
}
