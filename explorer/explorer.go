// Package explorer implements the listener of the platform contract. At start-up it backfills the events of a
// bounded window of recent blocks into the ledger and then subscribes to the live events, recording each one as it
// arrives unless the service's own operation is about to record it.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	ne "github.com/tarancss/tokensync/explorer/netexplorer"
	"github.com/tarancss/tokensync/ledger"
	"github.com/tarancss/tokensync/lib/block"
	"github.com/tarancss/tokensync/lib/block/types"
	"github.com/tarancss/tokensync/lib/errs"
	"github.com/tarancss/tokensync/lib/guard"
	"github.com/tarancss/tokensync/lib/logging"
	"github.com/tarancss/tokensync/lib/metrics"
	"github.com/tarancss/tokensync/lib/store"
)

// Options of an explorer.
type Options struct {
	Window  uint64   // number of blocks behind the head backfilled at start-up
	Workers int      // concurrent ledger writes during the backfill
	Events  []string // contract event names to mirror
}

// Stats summarises a backfill.
type Stats struct {
	From, To uint64
	Events   int // events found in the window
	Failed   int // events that could not be recorded
}

// Explorer implements the listener of one network.
type Explorer struct {
	net    string
	opts   Options
	db     store.DB
	chain  block.Chain
	ledger *ledger.Ledger
	guard  *guard.Guard
	nexp   *ne.NetExplorer
	log    *zap.Logger

	ctx    context.Context // live handlers context, valid while running
	cancel context.CancelFunc
}

// New instantiates a stopped explorer for network net. g is the guard of the component issuing chain calls whose
// events must not be recorded by the listener; it may be nil.
func New(ctx context.Context, net string, db store.DB, c block.Chain, l *ledger.Ledger, g *guard.Guard, opts Options,
	log *zap.Logger) (*Explorer, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	if g == nil {
		g = new(guard.Guard)
	}

	nexp, err := ne.New(ctx, net, db)
	if err != nil {
		return nil, fmt.Errorf("explorer: cannot load cursor: %w", err)
	}

	return &Explorer{
		net:    net,
		opts:   opts,
		db:     db,
		chain:  c,
		ledger: l,
		guard:  g,
		nexp:   nexp,
		log:    logging.OrNop(log).Named("explorer").With(zap.String("net", net)),
	}, nil
}

// Running reports whether the explorer is subscribed to live events.
func (e *Explorer) Running() bool {
	return e.nexp.Status() == ne.RUNNING
}

// Start backfills the configured window and subscribes to the live events. Calling Start on a running explorer
// does nothing.
func (e *Explorer) Start(ctx context.Context) error {
	if e.Running() {
		return nil
	}

	st, err := e.Backfill(ctx)
	if err != nil {
		return err
	}

	e.log.Info("backfill done", zap.Uint64("from", st.From), zap.Uint64("to", st.To), zap.Int("events", st.Events),
		zap.Int("failed", st.Failed))

	e.ctx, e.cancel = context.WithCancel(context.Background())

	for _, name := range e.opts.Events {
		if err = e.chain.Subscribe(ctx, name, e.handle(name)); err != nil {
			e.unsubscribe()
			e.cancel()

			return errs.E(errs.Chain, "explorer.Start", fmt.Errorf("cannot subscribe to %s: %w", name, err))
		}

		e.nexp.Add(name)
	}

	e.nexp.Start()
	e.saveCursor(ctx)
	e.log.Info("listening", zap.Strings("events", e.opts.Events))

	return nil
}

// Stop unsubscribes from the live events and saves the cursor. Stopping a stopped explorer does nothing.
func (e *Explorer) Stop(ctx context.Context) {
	if !e.nexp.Stop() {
		return
	}

	e.unsubscribe()
	e.cancel()
	e.saveCursor(ctx)
	e.log.Info("stopped")
}

func (e *Explorer) unsubscribe() {
	for _, name := range e.nexp.Names() {
		e.nexp.Del(name)

		if err := e.chain.Unsubscribe(name); err != nil {
			if errors.Is(err, types.ErrNotSubscribed) {
				e.log.Debug("already unsubscribed", zap.String("event", name))

				continue
			}

			e.log.Warn("cannot unsubscribe", zap.String("event", name), zap.Error(err))
		}
	}
}

func (e *Explorer) saveCursor(ctx context.Context) {
	if err := e.Checkpoint(ctx); err != nil {
		e.log.Warn("cannot save cursor", zap.Error(err))
	}
}

// Checkpoint persists the last block seen.
func (e *Explorer) Checkpoint(ctx context.Context) error {
	return e.db.SaveCursor(ctx, e.nexp.ToStore())
}

// handle returns the live handler of event name.
func (e *Explorer) handle(name string) types.Handler {
	return func(ev types.Event) {
		e.nexp.Seen(ev.Block)

		if e.guard.Engaged() {
			// the operation in flight records its own events
			metrics.ListenerEvents.WithLabelValues(name, "skipped").Inc()

			return
		}

		if _, err := e.ledger.Record(e.ctx, ledger.Listener, ev); err != nil {
			metrics.ListenerEvents.WithLabelValues(name, "failed").Inc()
			e.log.Error("cannot record live event", zap.String("tx", ev.TxHash), zap.Error(err))

			return
		}

		metrics.ListenerEvents.WithLabelValues(name, "recorded").Inc()
	}
}

// Backfill records the events of the blocks [max(head-window, 0), head]. Each event is recorded independently:
// failures are logged and counted, and never stop the rest. Only a failure to read the head is returned.
func (e *Explorer) Backfill(ctx context.Context) (st Stats, err error) {
	head, err := e.chain.Head(ctx)
	if err != nil {
		return st, errs.E(errs.Chain, "explorer.Backfill", err)
	}

	st.To = head
	if head > e.opts.Window {
		st.From = head - e.opts.Window
	}

	if last, ok := e.nexp.Last(); ok && last+1 < st.From {
		e.log.Warn("events between the cursor and the backfill window are not recovered",
			zap.Uint64("cursor", last), zap.Uint64("from", st.From), zap.Uint64("gap", st.From-last-1))
	}

	var evs []types.Event

	for _, name := range e.opts.Events {
		found, errEv := e.chain.Events(ctx, name, st.From, st.To)
		if errEv != nil {
			e.log.Warn("cannot query events", zap.String("event", name), zap.Error(errEv))

			continue
		}

		evs = append(evs, found...)
	}

	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].Block != evs[j].Block {
			return evs[i].Block < evs[j].Block
		}

		return evs[i].LogIndex < evs[j].LogIndex
	})

	st.Events = len(evs)
	failed := make([]bool, len(evs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	for i := range evs {
		i := i

		g.Go(func() error {
			if _, errRec := e.ledger.Record(gctx, ledger.Backfill, evs[i]); errRec != nil {
				failed[i] = true
				metrics.BackfillEvents.WithLabelValues("failed").Inc()
				e.log.Warn("cannot record historical event", zap.String("tx", evs[i].TxHash),
					zap.Uint64("block", evs[i].Block), zap.Error(errRec))

				return nil
			}

			metrics.BackfillEvents.WithLabelValues("recorded").Inc()

			return nil
		})
	}

	_ = g.Wait()

	for _, f := range failed {
		if f {
			st.Failed++
		}
	}

	e.nexp.Seen(head)

	return st, nil
}
