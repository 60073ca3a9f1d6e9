package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tarancss/tokensync/airdrop"
	"github.com/tarancss/tokensync/api"
	"github.com/tarancss/tokensync/explorer"
	"github.com/tarancss/tokensync/token"
)

// shutdown bounds the graceful stop of the API.
const shutdown = 15 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the listener, the airdrop jobs and the REST API",
		Long: `Run the listener, the airdrop jobs and the REST API until SIGINT or SIGTERM.

At start-up the listener backfills the configured window of recent blocks before subscribing to the live
events, and every airdrop left unfinished by a previous run is queued again.`,
		Args: cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return serve(opts)
		},
	}
}

func serve(opts *rootOptions) error {
	a, err := load(opts, true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signalContext()
	defer stop()

	tok := token.New(a.chain, a.ledger, a.dir, a.guard, a.log)
	drop := airdrop.New(a.db, a.chain, a.dir, a.ledger, a.sched,
		airdrop.Options{JobName: a.conf.JobName, ChunkSize: a.conf.ChunkSize}, a.log)

	exp, err := explorer.New(ctx, a.conf.Bc.Name, a.db, a.chain, a.ledger, a.guard, explorer.Options{
		Window:  a.conf.BackfillWindow,
		Workers: a.conf.BackfillWorkers,
		Events:  a.conf.Events,
	}, a.log)
	if err != nil {
		return err
	}

	// consume the job queues before queuing the unfinished airdrops again
	if err = a.sched.Start(ctx); err != nil {
		return err
	}
	defer a.sched.Stop()

	if _, err = drop.Resume(ctx); err != nil {
		a.log.Error("cannot resume unfinished airdrops", zap.Error(err))
	}

	if err = exp.Start(ctx); err != nil {
		return err
	}
	defer exp.Stop(context.Background())

	srv := api.New(a.ledger, tok, drop, a.log)

	go func() {
		<-ctx.Done()
		a.log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdown)
		defer cancel()

		if errS := srv.Stop(sctx); errS != nil {
			a.log.Warn("cannot stop API server", zap.Error(errS))
		}
	}()

	return srv.Serve(a.conf.RestfulEndpoint, a.conf.Port)
}
