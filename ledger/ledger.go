// Package ledger keeps the local mirror of the transfers recorded by the platform contract. Records are keyed by
// (transaction, destination) so the same event can be delivered any number of times, by the listener, the
// backfill or the service's own operations, and is stored once.
package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tarancss/tokensync/lib/block"
	"github.com/tarancss/tokensync/lib/block/types"
	"github.com/tarancss/tokensync/lib/directory"
	"github.com/tarancss/tokensync/lib/errs"
	"github.com/tarancss/tokensync/lib/logging"
	"github.com/tarancss/tokensync/lib/metrics"
	"github.com/tarancss/tokensync/lib/store"
)

// Source identifies the path an event reached the ledger through.
type Source string

// Sources of recorded events.
const (
	Listener Source = "listener"
	Backfill Source = "backfill"
	Token    Source = "token"
	Airdrop  Source = "airdrop"
)

// EntryType is the role of an address in a transfer.
type EntryType string

// Entry types.
const (
	Mint    EntryType = "mint"
	Burn    EntryType = "burn"
	Send    EntryType = "send"
	Receive EntryType = "receive"
)

// Entry is a transfer seen from one address.
type Entry struct {
	store.Transfer
	Type             EntryType `json:"type"`
	Counterparty     string    `json:"counterparty"`
	CounterpartyUser string    `json:"counterpartyUser,omitempty"`
}

// Notifier publishes newly stored transfers.
type Notifier interface {
	SendTransfers(net string, ts []store.Transfer) error
}

// Ledger records and queries mirrored transfers.
type Ledger struct {
	net   string
	db    store.DB
	chain block.Chain
	dir   directory.Resolver
	n     Notifier
	log   *zap.Logger
}

// New returns a ledger for network net. n may be nil.
func New(net string, db store.DB, chain block.Chain, dir directory.Resolver, n Notifier, log *zap.Logger) *Ledger {
	return &Ledger{
		net:   net,
		db:    db,
		chain: chain,
		dir:   dir,
		n:     n,
		log:   logging.OrNop(log).Named("ledger"),
	}
}

// KindOf returns the transfer kind of the contract event called name.
func KindOf(name string) (store.Kind, bool) {
	switch name {
	case types.EventTransfer:
		return store.KindToken, true
	case types.EventItemTransfer:
		return store.KindItem, true
	}

	return "", false
}

// Record stores the transfer described by ev unless it is already present, and returns it.
//
// The record is returned with a nil error even when it could not be persisted: the event already happened on
// chain and the caller's operation must not fail because of the local mirror. Only malformed events and a failure
// to read the block timestamp are returned as errors.
func (l *Ledger) Record(ctx context.Context, src Source, ev types.Event) (store.Transfer, error) {
	const op = "ledger.Record"

	kind, ok := KindOf(ev.Name)
	if !ok {
		return store.Transfer{}, errs.Errorf(errs.Validation, op, "unknown event %q", ev.Name)
	}

	if ev.TxHash == "" || ev.To == "" {
		return store.Transfer{}, errs.Errorf(errs.Validation, op, "event without transaction or destination")
	}

	txID, to := strings.ToLower(ev.TxHash), strings.ToLower(ev.To)
	log := l.log.With(zap.String("source", string(src)), zap.String("tx", txID), zap.String("to", to))

	existing, err := l.db.FindTransfer(ctx, txID, to)
	if err == nil {
		metrics.LedgerRecords.WithLabelValues(string(src), "existing").Inc()

		return existing, nil
	}

	if !errors.Is(err, store.ErrDataNotFound) {
		// the insert below is still safe, the unique key rejects a duplicate
		log.Warn("cannot look up transfer", zap.Error(err))
	}

	ts, err := l.chain.BlockTime(ctx, ev.Block)
	if err != nil {
		return store.Transfer{}, errs.E(errs.Chain, op, err)
	}

	t := store.Transfer{
		ID:        uuid.NewString(),
		Kind:      kind,
		From:      strings.ToLower(ev.From),
		To:        to,
		Block:     ev.Block,
		Timestamp: ts,
		TxID:      txID,
		Quantity:  ev.Quantity,
		ItemID:    ev.ItemID,
		Note:      ev.Note,
	}

	switch err = l.db.SaveTransfer(ctx, t); {
	case err == nil:
		metrics.LedgerRecords.WithLabelValues(string(src), "stored").Inc()
		log.Debug("transfer recorded", zap.Uint64("block", t.Block))
		l.notify(t)
	case errors.Is(err, store.ErrDuplicateKey):
		metrics.LedgerRecords.WithLabelValues(string(src), "duplicate").Inc()
		log.Debug("transfer already recorded")

		if stored, errF := l.db.FindTransfer(ctx, txID, to); errF == nil {
			return stored, nil
		}
	default:
		metrics.LedgerRecords.WithLabelValues(string(src), "unpersisted").Inc()
		log.Error("cannot persist transfer", zap.Error(err))
	}

	return t, nil
}

func (l *Ledger) notify(t store.Transfer) {
	if l.n == nil {
		return
	}

	if err := l.n.SendTransfers(l.net, []store.Transfer{t}); err != nil {
		l.log.Warn("cannot notify transfer", zap.String("tx", t.TxID), zap.Error(err))
	}
}

// History returns the transfers of address of the given kind (every kind if empty) sorted by block timestamp.
func (l *Ledger) History(ctx context.Context, address string, kind store.Kind) ([]Entry, error) {
	const op = "ledger.History"

	address = strings.ToLower(address)
	if address == "" {
		return nil, errs.Errorf(errs.Validation, op, "address is required")
	}

	if kind != "" && kind != store.KindToken && kind != store.KindItem {
		return nil, errs.Errorf(errs.Validation, op, "unknown kind %q", kind)
	}

	ts, err := l.db.Transfers(ctx, address, kind)
	if err != nil {
		return nil, errs.E(errs.Internal, op, err)
	}

	null := l.chain.Null()
	entries := make([]Entry, 0, len(ts))
	others := make([]string, 0, len(ts))

	for _, t := range ts {
		e := Entry{Transfer: t}

		switch {
		case t.From == null && t.To == address:
			e.Type, e.Counterparty = Mint, t.From
		case t.To == null && t.From == address:
			e.Type, e.Counterparty = Burn, t.To
		case t.From == address:
			e.Type, e.Counterparty = Send, t.To
		case t.To == address:
			e.Type, e.Counterparty = Receive, t.From
		default:
			l.log.Error("dropping transfer not involving address", zap.String("address", address),
				zap.String("tx", t.TxID), zap.String("from", t.From), zap.String("to", t.To))

			continue
		}

		if e.Counterparty != null {
			others = append(others, e.Counterparty)
		}

		entries = append(entries, e)
	}

	if users, err := l.dir.Identify(ctx, others); err != nil {
		l.log.Warn("cannot identify counterparties", zap.Error(err))
	} else {
		for i := range entries {
			entries[i].CounterpartyUser = users[entries[i].Counterparty]
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}

		if a.Block != b.Block {
			return a.Block < b.Block
		}

		return a.TxID < b.TxID
	})

	return entries, nil
}
