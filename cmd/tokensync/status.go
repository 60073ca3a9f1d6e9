package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/tarancss/tokensync/airdrop"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "airdrop-status <request-id>",
		Short: "Print the status of an airdrop request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(opts, false)
			if err != nil {
				return err
			}
			defer a.close()

			drop := airdrop.New(a.db, a.chain, a.dir, a.ledger, a.sched,
				airdrop.Options{JobName: a.conf.JobName, ChunkSize: a.conf.ChunkSize}, a.log)

			rep, err := drop.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(rep)
		},
	}
}
