package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tarancss/tokensync/explorer"
)

func newBackfillCommand(opts *rootOptions) *cobra.Command {
	var window uint64

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Record the events of the recent blocks once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load(opts, false)
			if err != nil {
				return err
			}
			defer a.close()

			if cmd.Flags().Changed("window") {
				a.conf.BackfillWindow = window
			}

			ctx, stop := signalContext()
			defer stop()

			exp, err := explorer.New(ctx, a.conf.Bc.Name, a.db, a.chain, a.ledger, nil, explorer.Options{
				Window:  a.conf.BackfillWindow,
				Workers: a.conf.BackfillWorkers,
				Events:  a.conf.Events,
			}, a.log)
			if err != nil {
				return err
			}

			st, err := exp.Backfill(ctx)
			if err != nil {
				return err
			}

			if err = exp.Checkpoint(ctx); err != nil {
				return fmt.Errorf("cannot save cursor: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "blocks %d-%d: %d events, %d failed\n", st.From, st.To, st.Events, st.Failed)

			return nil
		},
	}

	cmd.Flags().Uint64Var(&window, "window", 0, "blocks behind the head to backfill (default from configuration)")

	return cmd
}
