package token

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/tokensync/explorer"
	"github.com/tarancss/tokensync/ledger"
	"github.com/tarancss/tokensync/lib/block/blocktest"
	"github.com/tarancss/tokensync/lib/block/types"
	"github.com/tarancss/tokensync/lib/directory"
	"github.com/tarancss/tokensync/lib/errs"
	"github.com/tarancss/tokensync/lib/guard"
	"github.com/tarancss/tokensync/lib/store"
	"github.com/tarancss/tokensync/lib/store/memory"
)

const alice = "0x357dd3856d856197c1a000bbab4abcb97dfc92c4"

type fixture struct {
	db     *memory.Memory
	chain  *blocktest.Chain
	ledger *ledger.Ledger
	guard  *guard.Guard
	s      *Service
}

// transfers emits the Transfer event a token call produces.
func transfers(op string) func(string, types.Call) types.Receipt {
	return func(hash string, call types.Call) types.Receipt {
		ev := types.Event{Name: types.EventTransfer, TxHash: hash}

		switch call.Method {
		case types.MethodMint:
			ev.From, ev.To, ev.Quantity = blocktest.NullAddress, call.Args[0].(string), call.Args[1].(*big.Int).String()
		case types.MethodTransfer:
			ev.From, ev.To, ev.Quantity = op, call.Args[0].(string), call.Args[1].(*big.Int).String()
		case types.MethodBurn:
			ev.From, ev.To, ev.Quantity = op, blocktest.NullAddress, call.Args[0].(*big.Int).String()
		}

		return types.Receipt{TxHash: hash, Success: true, Events: []types.Event{ev}}
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, chain, g := memory.New(), blocktest.New(10), new(guard.Guard)
	dir := directory.New(db)
	l := ledger.New("test", db, chain, dir, nil, nil)

	chain.Mined = transfers(chain.Operator())
	chain.SetBalance(chain.Operator(), 1e18, 100)
	require.NoError(t, db.AddUser(context.Background(), store.User{ID: "alice", Address: alice}))

	return &fixture{db: db, chain: chain, ledger: l, guard: g, s: New(chain, l, dir, g, nil)}
}

func TestMint(t *testing.T) {
	f, ctx := newFixture(t), context.Background()

	engaged := false
	f.chain.OnAwait = func(string) { engaged = f.guard.Engaged() }

	res, err := f.s.Mint(ctx, Target{User: "alice"}, "40")
	require.NoError(t, err)
	assert.True(t, engaged)
	assert.False(t, f.guard.Engaged())

	assert.Equal(t, "0x1", res.TxID)
	require.Len(t, res.Transfers, 1)
	assert.Equal(t, alice, res.Transfers[0].To)
	assert.Equal(t, "40", res.Transfers[0].Quantity)
	assert.Equal(t, 1, f.db.Count())

	calls := f.chain.Submitted()
	require.Len(t, calls, 1)
	assert.Equal(t, types.MethodMint, calls[0].Method)
	assert.Equal(t, alice, calls[0].Args[0])
}

func TestSendAndBurn(t *testing.T) {
	f, ctx := newFixture(t), context.Background()

	res, err := f.s.Send(ctx, Target{Address: "0x357DD3856D856197C1A000BBAB4ABCB97DFC92C4"}, "60")
	require.NoError(t, err)
	assert.Equal(t, f.chain.Operator(), res.Transfers[0].From)
	assert.Equal(t, alice, res.Transfers[0].To)

	_, err = f.s.Send(ctx, Target{User: "alice"}, "101")
	assert.True(t, errs.Is(err, errs.Precondition))
	assert.ErrorIs(t, err, ErrInsufficient)

	_, err = f.s.Burn(ctx, "101")
	assert.True(t, errs.Is(err, errs.Precondition))
	assert.Len(t, f.chain.Submitted(), 1)

	res, err = f.s.Burn(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, blocktest.NullAddress, res.Transfers[0].To)

	hs, err := f.ledger.History(ctx, f.chain.Operator(), "")
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, ledger.Send, hs[0].Type)
	assert.Equal(t, "alice", hs[0].CounterpartyUser)
	assert.Equal(t, ledger.Burn, hs[1].Type)
}

func TestValidation(t *testing.T) {
	f, ctx := newFixture(t), context.Background()

	_, err := f.s.Mint(ctx, Target{User: "alice"}, "0")
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = f.s.Mint(ctx, Target{}, "1")
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = f.s.Mint(ctx, Target{User: "alice", Address: alice}, "1")
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = f.s.Mint(ctx, Target{Address: "alice"}, "1")
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = f.s.Mint(ctx, Target{User: "mallory"}, "1")
	assert.True(t, errs.Is(err, errs.NotFound))

	_, err = f.s.Balance(ctx, "nope")
	assert.True(t, errs.Is(err, errs.Validation))

	assert.Empty(t, f.chain.Submitted())
}

func TestChainFailures(t *testing.T) {
	f, ctx := newFixture(t), context.Background()

	f.chain.SubmitErr = func(n int, _ types.Call) error {
		if n == 1 {
			return errors.New("nonce too low")
		}

		return nil
	}

	_, err := f.s.Mint(ctx, Target{User: "alice"}, "1")
	assert.True(t, errs.Is(err, errs.Chain))

	mined := f.chain.Mined
	f.chain.Mined = func(hash string, call types.Call) types.Receipt {
		r := mined(hash, call)
		r.Success = false

		return r
	}

	_, err = f.s.Mint(ctx, Target{User: "alice"}, "1")
	assert.True(t, errs.Is(err, errs.Chain))
	assert.ErrorIs(t, err, types.ErrReverted)
	assert.False(t, f.guard.Engaged())
	assert.Zero(t, f.db.Count())
}

func TestLedgerFailureDoesNotFailOperation(t *testing.T) {
	f, ctx := newFixture(t), context.Background()

	f.db.Fail("SaveTransfer", func(int) error { return errors.New("disk full") })

	res, err := f.s.Mint(ctx, Target{User: "alice"}, "1")
	require.NoError(t, err)
	assert.Len(t, res.Transfers, 1)
	assert.Zero(t, f.db.Count())
}

func TestDoubleDelivery(t *testing.T) {
	f, ctx := newFixture(t), context.Background()

	e, err := explorer.New(ctx, "test", f.db, f.chain, f.ledger, f.guard,
		explorer.Options{Window: 10, Workers: 1, Events: []string{types.EventTransfer}}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	defer e.Stop(ctx)

	var mined types.Receipt

	build := f.chain.Mined
	f.chain.Mined = func(hash string, call types.Call) types.Receipt {
		mined = build(hash, call)
		mined.Events[0].TxHash, mined.Events[0].Block = hash, 11

		return mined
	}

	// the node pushes the event while the operation is still waiting for its receipt
	delivered := false
	f.chain.OnAwait = func(string) { delivered = f.chain.Emit(mined.Events[0]) }

	_, err = f.s.Mint(ctx, Target{User: "alice"}, "5")
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Equal(t, 1, f.db.Count())

	// and once more after it finished
	hs, err := f.ledger.History(ctx, alice, "")
	require.NoError(t, err)
	require.Len(t, hs, 1)

	assert.True(t, f.chain.Emit(types.Event{Name: types.EventTransfer, Block: hs[0].Block, TxHash: hs[0].TxID,
		From: hs[0].From, To: hs[0].To, Quantity: hs[0].Quantity}))
	assert.Equal(t, 1, f.db.Count())

	bal, err := f.s.Balance(ctx, f.chain.Operator())
	require.NoError(t, err)
	assert.Equal(t, "100", bal.Token)
}
