package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mereville/idb/internal/key"
	"github.com/mereville/idb/internal/storage"
	"github.com/mereville/idb/internal/vclone"
)

// NewDumpCommand creates the "dump" subcommand: records of one store in key
// order, with decoded keys and values.
func NewDumpCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dump <database> <store>",
		Short: "Dump a store's records in key order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbName, storeName := args[0], args[1]
			d, err := storage.Open(opts.Dir)
			if err != nil {
				return err
			}
			defer d.Close()

			if !d.Exists(dbName) {
				return fmt.Errorf("no database named %q", dbName)
			}
			ctx := context.Background()
			db, err := d.OpenDatabase(ctx, dbName)
			if err != nil {
				return err
			}
			stores, err := db.ListStores(ctx)
			if err != nil {
				return err
			}
			var storeID int64 = -1
			for _, st := range stores {
				if st.Name == storeName {
					storeID = st.ID
					break
				}
			}
			if storeID < 0 {
				return fmt.Errorf("no store named %q in %q", storeName, dbName)
			}

			rows, err := db.GetRecordsInRange(ctx, storeID, storage.Bounds{}, false, limit)
			if err != nil {
				return err
			}

			type recordOut struct {
				Key   any `json:"key"`
				Value any `json:"value"`
			}
			out := make([]recordOut, 0, len(rows))
			for _, row := range rows {
				k, err := key.Decode(row.Key)
				if err != nil {
					return fmt.Errorf("decode key %x: %w", row.Key, err)
				}
				v, err := vclone.Deserialize(row.Value)
				if err != nil {
					return fmt.Errorf("decode value for key %v: %w", k.Value(), err)
				}
				out = append(out, recordOut{Key: k.Value(), Value: v})
			}

			if opts.Format == "json" {
				raw, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return nil
			}

			for _, rec := range out {
				fmt.Fprintf(cmd.OutOrStdout(), "%v\t%v\n", rec.Key, rec.Value)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records to dump (0 = all)")
	return cmd
}
