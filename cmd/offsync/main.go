// Package main implements the offsync binary: a local caching proxy for a
// remote table service, plus commands to inspect and reconcile the cache.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	opts := &Options{}
	root := &cobra.Command{
		Use:           "offsync",
		Short:         "Offline request cache and reconciliation proxy",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	opts.AddFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCommand(opts),
		newTablesCommand(opts),
		newSchemaCommand(opts),
		newPendingCommand(opts),
		newPushCommand(opts),
		newSnapshotCommand(opts),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
