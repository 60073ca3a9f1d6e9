// Package main: tokensync service.
//
// tokensync mirrors the transfers of the platform token contract into a queryable ledger, issues token operations
// signed by the operator account and executes airdrops in resumable chunks. The same binary serves the REST API and
// runs the maintenance commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	confPath string
	monitor  bool
	dev      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "tokensync",
		Short:         "Token ledger, listener and airdrop service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.confPath, "conf", "c", "", "configuration file (json or yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.monitor, "monitor", "m", false,
		"serve Prometheus metrics at http://localhost:9100/metrics")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "human readable logs")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newBackfillCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tokensync:", err)
		os.Exit(1)
	}
}
