// Package cli implements the idb command line tool: offline inspection of a
// storage directory (databases, stores, records) without going through the
// engine's event machinery.
package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Dir    string
	Format string // "json" | "text"
}

// NewRootCommand creates the root command for the idb CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "idb",
		Short: "Inspect idb storage directories",
		Long:  "Offline inspection of IndexedDB-on-SQLite storage: list databases, show store schemas, dump records.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.validate()
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", "", "storage directory")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	// Add subcommands
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewStoresCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))

	return cmd
}

// validate rejects unusable global flags before any subcommand runs.
func (o *RootOptions) validate() error {
	if o.Dir == "" {
		return errors.New("no storage directory given (use --dir)")
	}
	switch o.Format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text or json)", o.Format)
	}
}
