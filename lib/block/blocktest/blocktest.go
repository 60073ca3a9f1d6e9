// Package blocktest provides a scriptable in-memory block.Chain for tests.
package blocktest

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tarancss/tokensync/lib/block/types"
)

// NullAddress of the fake chain.
const NullAddress = "0x0000000000000000000000000000000000000000"

// Chain is a fake chain. Zero values are not usable, call New.
type Chain struct {
	mu sync.Mutex

	head      uint64
	times     map[uint64]time.Time
	events    map[string][]types.Event
	subs      map[string]types.Handler
	receipts  map[string]types.Receipt
	pending   map[string]chan struct{}
	awaitErr  map[string]error
	balances  map[string][2]*big.Int
	operator  string
	seq       int
	submitted []types.Call
	calls     map[string]int

	// SubmitErr, when set, is called before every submission. A non-nil result fails the submission.
	SubmitErr func(n int, call types.Call) error
	// Mined, when set, builds the receipt of a submitted call. By default calls succeed and emit no events.
	Mined func(hash string, call types.Call) types.Receipt
	// OnAwait, when set, is called every time Await is entered.
	OnAwait func(hash string)
}

// New returns a chain whose head is at height head and whose blocks are one minute apart.
func New(head uint64) *Chain {
	return &Chain{
		head:     head,
		times:    make(map[uint64]time.Time),
		events:   make(map[string][]types.Event),
		subs:     make(map[string]types.Handler),
		receipts: make(map[string]types.Receipt),
		pending:  make(map[string]chan struct{}),
		awaitErr: make(map[string]error),
		balances: make(map[string][2]*big.Int),
		operator: "0x00000000000000000000000000000000000000aa",
		calls:    make(map[string]int),
	}
}

// Genesis is the timestamp of block 0.
var Genesis = time.Date(2021, time.March, 1, 0, 0, 0, 0, time.UTC)

// SetHead moves the chain head.
func (c *Chain) SetHead(h uint64) {
	c.mu.Lock()
	c.head = h
	c.mu.Unlock()
}

// SetBlockTime overrides the timestamp of a block.
func (c *Chain) SetBlockTime(h uint64, ts time.Time) {
	c.mu.Lock()
	c.times[h] = ts
	c.mu.Unlock()
}

// AddEvents appends historical events returned by Events.
func (c *Chain) AddEvents(evs ...types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ev := range evs {
		c.events[ev.Name] = append(c.events[ev.Name], ev)
	}
}

// SetReceipt registers the receipt returned by Await for hash.
func (c *Chain) SetReceipt(r types.Receipt) {
	c.mu.Lock()
	c.receipts[r.TxHash] = r
	c.mu.Unlock()
}

// SetAwaitErr makes Await fail for hash.
func (c *Chain) SetAwaitErr(hash string, err error) {
	c.mu.Lock()
	c.awaitErr[hash] = err
	c.mu.Unlock()
}

// Hold makes Await block for hash until the returned function is called.
func (c *Chain) Hold(hash string) (release func()) {
	ch := make(chan struct{})

	c.mu.Lock()
	c.pending[hash] = ch
	c.mu.Unlock()

	var once sync.Once

	return func() { once.Do(func() { close(ch) }) }
}

// SetBalance sets the ether and token balances of account.
func (c *Chain) SetBalance(account string, bal, tokBal int64) {
	c.mu.Lock()
	c.balances[account] = [2]*big.Int{big.NewInt(bal), big.NewInt(tokBal)}
	c.mu.Unlock()
}

// Emit delivers ev to the live subscription for its name. It reports whether there was one.
func (c *Chain) Emit(ev types.Event) bool {
	c.mu.Lock()
	h, ok := c.subs[ev.Name]
	c.mu.Unlock()

	if ok {
		h(ev)
	}

	return ok
}

// Subscribed reports whether there is a live subscription for name.
func (c *Chain) Subscribed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.subs[name]

	return ok
}

// Submitted returns the calls submitted so far.
func (c *Chain) Submitted() []types.Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]types.Call(nil), c.submitted...)
}

// Calls returns how many times method (Head, BlockTime, Events, Submit, Await) was called.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls[method]
}

// Null implements block.Chain.
func (c *Chain) Null() string { return NullAddress }

// Operator implements block.Chain.
func (c *Chain) Operator() string { return c.operator }

// Close implements block.Chain.
func (c *Chain) Close() {
	c.mu.Lock()
	c.subs = make(map[string]types.Handler)
	c.mu.Unlock()
}

// Head implements block.Chain.
func (c *Chain) Head(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls["Head"]++

	return c.head, ctx.Err()
}

// BlockTime implements block.Chain.
func (c *Chain) BlockTime(ctx context.Context, h uint64) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls["BlockTime"]++

	if h > c.head {
		return time.Time{}, types.ErrNoBlock
	}

	if ts, ok := c.times[h]; ok {
		return ts, nil
	}

	return Genesis.Add(time.Duration(h) * time.Minute), ctx.Err()
}

// Events implements block.Chain. Events are returned in block order.
func (c *Chain) Events(ctx context.Context, name string, from, to uint64) ([]types.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls["Events"]++

	if name != types.EventTransfer && name != types.EventItemTransfer {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownEvent, name)
	}

	var evs []types.Event

	for _, ev := range c.events[name] {
		if ev.Block >= from && ev.Block <= to {
			evs = append(evs, ev)
		}
	}

	sort.SliceStable(evs, func(i, j int) bool { return evs[i].Block < evs[j].Block })

	return evs, ctx.Err()
}

// Subscribe implements block.Chain.
func (c *Chain) Subscribe(_ context.Context, name string, h types.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[name]; ok {
		return fmt.Errorf("%w: %s", types.ErrSubscribed, name)
	}

	c.subs[name] = h

	return nil
}

// Unsubscribe implements block.Chain.
func (c *Chain) Unsubscribe(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[name]; !ok {
		return fmt.Errorf("%w: %s", types.ErrNotSubscribed, name)
	}

	delete(c.subs, name)

	return nil
}

// Submit implements block.Chain. Hashes are 0x1, 0x2... in submission order.
func (c *Chain) Submit(ctx context.Context, call types.Call) (string, error) {
	c.mu.Lock()
	c.calls["Submit"]++
	c.seq++
	n, hook, mined := c.seq, c.SubmitErr, c.Mined
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if hook != nil {
		if err := hook(n, call); err != nil {
			return "", err
		}
	}

	hash := "0x" + strconv.FormatInt(int64(n), 16)

	r := types.Receipt{TxHash: hash, Success: true}
	if mined != nil {
		r = mined(hash, call)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if r.Block == 0 {
		c.head++
		r.Block = c.head
	}

	for i := range r.Events {
		r.Events[i].TxHash, r.Events[i].Block = hash, r.Block
	}

	c.submitted = append(c.submitted, call)
	c.receipts[hash] = r

	return hash, nil
}

// Await implements block.Chain.
func (c *Chain) Await(ctx context.Context, hash string) (types.Receipt, error) {
	c.mu.Lock()
	c.calls["Await"]++
	hold, onAwait := c.pending[hash], c.OnAwait
	c.mu.Unlock()

	if onAwait != nil {
		onAwait(hash)
	}

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return types.Receipt{}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.awaitErr[hash]; err != nil {
		return types.Receipt{}, err
	}

	r, ok := c.receipts[hash]
	if !ok {
		return types.Receipt{}, fmt.Errorf("%w: %s", types.ErrNoTrx, hash)
	}

	return r, nil
}

// Balance implements block.Chain. Unknown accounts have zero balances.
func (c *Chain) Balance(account string, bal, tokBal *big.Int) error {
	if bal == nil || tokBal == nil {
		return types.ErrWrongAmt
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.balances[account]
	if !ok {
		bal.SetInt64(0)
		tokBal.SetInt64(0)

		return nil
	}

	bal.Set(b[0])
	tokBal.Set(b[1])

	return nil
}
