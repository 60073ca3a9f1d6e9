package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/tokensync/lib/block/blocktest"
	"github.com/tarancss/tokensync/lib/block/types"
	"github.com/tarancss/tokensync/lib/directory"
	"github.com/tarancss/tokensync/lib/errs"
	"github.com/tarancss/tokensync/lib/store"
	"github.com/tarancss/tokensync/lib/store/memory"
)

const (
	alice = "0x357dd3856d856197c1a000bbab4abcb97dfc92c4"
	bob   = "0xc4581843a8dacd100c7d435bb00b2a20d038e31d"
	carol = "0x7762440182222620a7435195208038708d27ee41"
)

type notifier struct {
	mu sync.Mutex
	ts []store.Transfer
}

func (n *notifier) SendTransfers(_ string, ts []store.Transfer) error {
	n.mu.Lock()
	n.ts = append(n.ts, ts...)
	n.mu.Unlock()

	return nil
}

func newLedger(t *testing.T) (*Ledger, *memory.Memory, *blocktest.Chain, *notifier) {
	t.Helper()

	db, chain, n := memory.New(), blocktest.New(100), &notifier{}
	require.NoError(t, db.AddUser(context.Background(), store.User{ID: "bob", Address: bob}))

	return New("test", db, chain, directory.New(db), n, nil), db, chain, n
}

func transfer(tx string, block uint64, from, to string) types.Event {
	return types.Event{Name: types.EventTransfer, Block: block, TxHash: tx, From: from, To: to, Quantity: "10"}
}

func TestRecordIdempotent(t *testing.T) {
	l, db, chain, n := newLedger(t)
	ctx := context.Background()

	ev := transfer("0xAA", 10, alice, bob)

	first, err := l.Record(ctx, Listener, ev)
	require.NoError(t, err)
	assert.Equal(t, blocktest.Genesis.Add(10*time.Minute), first.Timestamp)
	assert.Equal(t, "0xaa", first.TxID)
	assert.Equal(t, store.KindToken, first.Kind)

	second, err := l.Record(ctx, Token, ev)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, 1, db.Count())
	assert.Len(t, n.ts, 1)
	assert.Equal(t, 1, chain.Calls("BlockTime"))

	// same transaction, another destination
	_, err = l.Record(ctx, Airdrop, transfer("0xaa", 10, alice, carol))
	require.NoError(t, err)
	assert.Equal(t, 2, db.Count())
}

func TestRecordConcurrent(t *testing.T) {
	l, db, _, _ := newLedger(t)
	ctx := context.Background()

	// both paths miss the lookup, the second insert hits the unique key
	db.Fail("FindTransfer", func(int) error { return store.ErrDataNotFound })

	ev := transfer("0xbb", 5, alice, bob)

	var wg sync.WaitGroup

	for _, src := range []Source{Token, Listener} {
		wg.Add(1)

		go func(src Source) {
			defer wg.Done()

			_, err := l.Record(ctx, src, ev)
			assert.NoError(t, err)
		}(src)
	}

	wg.Wait()
	assert.Equal(t, 1, db.Count())
}

func TestRecordDuplicateReturnsStored(t *testing.T) {
	l, db, _, n := newLedger(t)
	ctx := context.Background()

	ev := transfer("0xee", 7, alice, bob)

	first, err := l.Record(ctx, Listener, ev)
	require.NoError(t, err)

	// the lookup misses once, as if the listener inserted between lookup and insert
	missed := false
	db.Fail("FindTransfer", func(int) error {
		if missed {
			return nil
		}
		missed = true

		return store.ErrDataNotFound
	})

	second, err := l.Record(ctx, Token, ev)
	require.NoError(t, err)
	assert.True(t, missed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, db.Count())
	assert.Len(t, n.ts, 1)
}

func TestRecordFailures(t *testing.T) {
	l, db, chain, _ := newLedger(t)
	ctx := context.Background()

	db.Fail("SaveTransfer", func(int) error { return errors.New("disk full") })

	tr, err := l.Record(ctx, Token, transfer("0xcc", 3, alice, bob))
	require.NoError(t, err)
	assert.Equal(t, "0xcc", tr.TxID)
	assert.Equal(t, 0, db.Count())

	db.Fail("SaveTransfer", nil)
	db.Fail("FindTransfer", func(int) error { return errors.New("timeout") })

	_, err = l.Record(ctx, Token, transfer("0xcc", 3, alice, bob))
	require.NoError(t, err)
	assert.Equal(t, 1, db.Count())

	_, err = l.Record(ctx, Token, transfer("0xdd", 500, alice, bob))
	assert.True(t, errs.Is(err, errs.Chain))
	assert.ErrorIs(t, err, types.ErrNoBlock)
	assert.Equal(t, 3, chain.Calls("BlockTime"))

	_, err = l.Record(ctx, Token, types.Event{Name: "Approval", TxHash: "0x1", To: bob})
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = l.Record(ctx, Token, types.Event{Name: types.EventTransfer, To: bob})
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestHistory(t *testing.T) {
	l, _, chain, _ := newLedger(t)
	ctx := context.Background()
	null := chain.Null()

	item := types.Event{Name: types.EventItemTransfer, Block: 20, TxHash: "0x05", From: null, To: alice,
		Quantity: "1", ItemID: carol + ":1", Note: "hi"}

	// recorded out of order
	for _, ev := range []types.Event{
		transfer("0x04", 40, alice, null),
		transfer("0x02", 30, bob, alice),
		transfer("0x01", 10, null, alice),
		transfer("0x03", 35, alice, bob),
		transfer("0x06", 50, bob, carol),
		item,
	} {
		_, err := l.Record(ctx, Listener, ev)
		require.NoError(t, err)
	}

	es, err := l.History(ctx, alice, "")
	require.NoError(t, err)
	require.Len(t, es, 5)

	got := make([]EntryType, len(es))
	for i, e := range es {
		got[i] = e.Type
	}

	assert.Equal(t, []EntryType{Mint, Mint, Receive, Send, Burn}, got)
	assert.Equal(t, "0x01", es[0].TxID)
	assert.Equal(t, store.KindItem, es[1].Kind)
	assert.Equal(t, "bob", es[2].CounterpartyUser)
	assert.Equal(t, bob, es[3].Counterparty)

	for i := 1; i < len(es); i++ {
		assert.False(t, es[i].Timestamp.Before(es[i-1].Timestamp))
	}

	es, err = l.History(ctx, alice, store.KindItem)
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, "hi", es[0].Note)

	_, err = l.History(ctx, "", "")
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = l.History(ctx, alice, "nft")
	assert.True(t, errs.Is(err, errs.Validation))
}

// leaky returns a transfer that does not involve the queried address.
type leaky struct {
	*memory.Memory
}

func (d leaky) Transfers(ctx context.Context, address string, kind store.Kind) ([]store.Transfer, error) {
	ts, err := d.Memory.Transfers(ctx, address, kind)

	return append(ts, store.Transfer{TxID: "0xff", From: bob, To: carol}), err
}

func TestHistoryDropsForeignRows(t *testing.T) {
	db, chain := memory.New(), blocktest.New(100)
	l := New("test", leaky{db}, chain, directory.New(db), nil, nil)
	ctx := context.Background()

	_, err := l.Record(ctx, Listener, transfer("0x01", 1, alice, bob))
	require.NoError(t, err)

	es, err := l.History(ctx, alice, "")
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, "0x01", es[0].TxID)
}

func TestHistoryChecksummedUser(t *testing.T) {
	db, chain := memory.New(), blocktest.New(100)
	ctx := context.Background()
	require.NoError(t, db.AddUser(ctx, store.User{ID: "carol", Address: "0x7762440182222620a7435195208038708D27EE41"}))

	l := New("test", db, chain, directory.New(db), nil, nil)

	_, err := l.Record(ctx, Listener, transfer("0x01", 1, alice, carol))
	require.NoError(t, err)

	es, err := l.History(ctx, alice, "")
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, Send, es[0].Type)
	assert.Equal(t, "carol", es[0].CounterpartyUser)
}
