// Package ethereum implements the block.Chain interface for EVM networks: events and receipts of the platform
// contract are read with go-ethereum's ethclient, live events come from a websocket subscription (or from polling
// the logs of new blocks when the node has no notifications), calls are signed with the operator key, and balances
// are read through ethcli.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/tarancss/ethcli"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tarancss/tokensync/lib/block/types"
	"github.com/tarancss/tokensync/lib/logging"
	"github.com/tarancss/tokensync/lib/metrics"
)

// NullAddress is the source of mints and the destination of burns.
const NullAddress = "0x0000000000000000000000000000000000000000"

const (
	dialTimeout = 10 * time.Second
	defaultPoll = 2 * time.Second
)

// Options holds the connection settings of an Ethereum client.
type Options struct {
	Node     string        // http url for queries and submissions
	WSNode   string        // websocket url for subscriptions, defaults to Node
	Secret   string        // basic auth secret for ethcli, optional
	Contract string        // platform contract address
	ChainID  int64         // 0 asks the node
	RPS      float64       // max node requests per second, 0 is unlimited
	Poll     time.Duration // receipt and event polling interval
	Key      string        // hex operator private key, optional
}

// Ethereum implements a connection to an ethereum-type chain.
type Ethereum struct {
	opts     Options
	c        *ethclient.Client
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	limiter  *rate.Limiter
	log      *zap.Logger

	sendMu sync.Mutex // serialises nonce assignment

	l    sync.Mutex // guards the fields below
	ws   *ethclient.Client
	cli  *ethcli.EthCli
	subs map[string]geth.Subscription
}

// Init returns a connection to an ethereum node.
func Init(opts Options, log *zap.Logger) (*Ethereum, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("cannot parse contract ABI: %w", err)
	}

	if !common.IsHexAddress(opts.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", opts.Contract)
	}

	e := &Ethereum{
		opts:     opts,
		abi:      parsed,
		contract: common.HexToAddress(opts.Contract),
		limiter:  rate.NewLimiter(rate.Inf, 1),
		log:      logging.OrNop(log).Named("ethereum"),
		subs:     make(map[string]geth.Subscription),
	}

	if opts.RPS > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.RPS), int(opts.RPS)+1)
	}

	if e.opts.Poll <= 0 {
		e.opts.Poll = defaultPoll
	}

	if opts.Key != "" {
		if e.key, err = crypto.HexToECDSA(strings.TrimPrefix(opts.Key, "0x")); err != nil {
			return nil, fmt.Errorf("invalid operator key: %w", err)
		}

		e.from = crypto.PubkeyToAddress(e.key.PublicKey)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if e.c, err = ethclient.DialContext(ctx, opts.Node); err != nil {
		return nil, fmt.Errorf("cannot connect to ethereum node in %s: %w", opts.Node, err)
	}

	if opts.ChainID > 0 {
		e.chainID = big.NewInt(opts.ChainID)
	} else if e.chainID, err = e.c.ChainID(ctx); err != nil {
		e.c.Close()

		return nil, fmt.Errorf("cannot get chain id: %w", err)
	}

	return e, nil
}

// Null returns the null address.
func (e *Ethereum) Null() string {
	return NullAddress
}

// Operator returns the address of the operator key, or the null address if no key was given.
func (e *Ethereum) Operator() string {
	return normalize(e.from)
}

// Close ends the connections and live subscriptions.
func (e *Ethereum) Close() {
	e.l.Lock()
	defer e.l.Unlock()

	for name, sub := range e.subs {
		sub.Unsubscribe()
		delete(e.subs, name)
	}

	if e.ws != nil && e.ws != e.c {
		e.ws.Close()
	}

	if e.cli != nil {
		e.cli.End()
	}

	e.c.Close()
}

// Head returns the latest block number.
func (e *Ethereum) Head(ctx context.Context) (n uint64, err error) {
	defer count("head", &err)

	if err = e.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	return e.c.BlockNumber(ctx)
}

// BlockTime returns the timestamp of the block at height.
func (e *Ethereum) BlockTime(ctx context.Context, height uint64) (ts time.Time, err error) {
	defer count("block_time", &err)

	if err = e.limiter.Wait(ctx); err != nil {
		return ts, err
	}

	h, err := e.c.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if errors.Is(err, geth.NotFound) {
		return ts, types.ErrNoBlock
	}

	if err != nil {
		return ts, fmt.Errorf("cannot get header %d: %w", height, err)
	}

	return time.Unix(int64(h.Time), 0).UTC(), nil
}

// Events returns the contract events called name in blocks [from, to].
func (e *Ethereum) Events(ctx context.Context, name string, from, to uint64) (evs []types.Event, err error) {
	defer count("events", &err)

	q, err := e.query(name)
	if err != nil {
		return nil, err
	}

	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)

	if err = e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	logs, err := e.c.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("cannot filter %s logs in [%d, %d]: %w", name, from, to, err)
	}

	evs = make([]types.Event, 0, len(logs))

	for i := range logs {
		ev, errDec := e.decode(&logs[i])
		if errDec != nil {
			e.log.Warn("skipping undecodable log", zap.String("tx", logs[i].TxHash.Hex()), zap.Error(errDec))

			continue
		}

		evs = append(evs, ev)
	}

	return evs, nil
}

// Subscribe starts a websocket subscription to the contract events called name. Events are delivered to h from
// a single goroutine, in order. When the node does not support notifications, as with an http node, the logs of
// the blocks mined after the subscription are polled every Poll instead.
func (e *Ethereum) Subscribe(ctx context.Context, name string, h types.Handler) error {
	q, err := e.query(name)
	if err != nil {
		return err
	}

	e.l.Lock()
	defer e.l.Unlock()

	if _, ok := e.subs[name]; ok {
		return fmt.Errorf("%w: %s", types.ErrSubscribed, name)
	}

	if e.ws == nil {
		if e.opts.WSNode == "" || e.opts.WSNode == e.opts.Node {
			e.ws = e.c
		} else if e.ws, err = ethclient.DialContext(ctx, e.opts.WSNode); err != nil {
			return fmt.Errorf("cannot connect to ethereum websocket in %s: %w", e.opts.WSNode, err)
		}
	}

	ch := make(chan gtypes.Log, 64) //nolint:gomnd // enough to absorb a block worth of events
	sub, err := e.ws.SubscribeFilterLogs(ctx, q, ch)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		var head uint64
		if head, err = e.Head(ctx); err == nil {
			e.log.Info("node without notifications, polling events", zap.String("event", name),
				zap.Uint64("from", head+1), zap.Duration("every", e.opts.Poll))

			sub = e.poll(q, ch, head)
		}
	}

	metrics.ChainCalls.WithLabelValues("subscribe", metrics.Result(err)).Inc()

	if err != nil {
		return fmt.Errorf("cannot subscribe to %s: %w", name, err)
	}

	e.subs[name] = sub

	go func() {
		for {
			select {
			case l := <-ch:
				if l.Removed {
					continue
				}

				ev, errDec := e.decode(&l)
				if errDec != nil {
					e.log.Warn("skipping undecodable live log", zap.String("event", name), zap.Error(errDec))

					continue
				}

				h(ev)
			case errSub := <-sub.Err():
				if errSub != nil {
					e.log.Error("subscription ended", zap.String("event", name), zap.Error(errSub))
				}

				return
			}
		}
	}()

	return nil
}

// poll returns a subscription sending to ch the logs matching q of every block mined after block last. Failed
// requests are retried on the next tick.
func (e *Ethereum) poll(q geth.FilterQuery, ch chan<- gtypes.Log, last uint64) geth.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			select {
			case <-quit:
				cancel()
			case <-ctx.Done():
			}
		}()

		t := time.NewTicker(e.opts.Poll)
		defer t.Stop()

		for {
			select {
			case <-quit:
				return nil
			case <-t.C:
			}

			head, err := e.Head(ctx)
			if err != nil || head <= last {
				if err != nil && ctx.Err() == nil {
					e.log.Warn("cannot poll head", zap.Error(err))
				}

				continue
			}

			q.FromBlock, q.ToBlock = new(big.Int).SetUint64(last+1), new(big.Int).SetUint64(head)

			logs, err := e.filter(ctx, q)
			if err != nil {
				if ctx.Err() == nil {
					e.log.Warn("cannot poll logs", zap.Uint64("from", last+1), zap.Uint64("to", head), zap.Error(err))
				}

				continue
			}

			for i := range logs {
				select {
				case ch <- logs[i]:
				case <-quit:
					return nil
				}
			}

			last = head
		}
	})
}

func (e *Ethereum) filter(ctx context.Context, q geth.FilterQuery) (logs []gtypes.Log, err error) {
	defer count("poll", &err)

	if err = e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return e.c.FilterLogs(ctx, q)
}

// Unsubscribe stops the subscription to the events called name.
func (e *Ethereum) Unsubscribe(name string) error {
	e.l.Lock()
	defer e.l.Unlock()

	sub, ok := e.subs[name]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotSubscribed, name)
	}

	sub.Unsubscribe()
	delete(e.subs, name)

	return nil
}

// Submit signs call with the operator key and sends it to the contract.
func (e *Ethereum) Submit(ctx context.Context, call types.Call) (hash string, err error) {
	defer count("submit", &err)

	if e.key == nil {
		return "", types.ErrNoSigner
	}

	data, err := e.pack(call)
	if err != nil {
		return "", err
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if err = e.limiter.Wait(ctx); err != nil {
		return "", err
	}

	nonce, err := e.c.PendingNonceAt(ctx, e.from)
	if err != nil {
		return "", fmt.Errorf("cannot get nonce: %w", err)
	}

	price, err := e.c.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot get gas price: %w", err)
	}

	gas, err := e.c.EstimateGas(ctx, geth.CallMsg{From: e.from, To: &e.contract, Data: data})
	if err != nil {
		return "", fmt.Errorf("cannot estimate gas for %s: %w", call.Method, err)
	}

	tx, err := gtypes.SignTx(gtypes.NewTransaction(nonce, e.contract, big.NewInt(0), gas, price, data),
		gtypes.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return "", fmt.Errorf("cannot sign %s: %w", call.Method, err)
	}

	if err = e.c.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("cannot send %s: %w", call.Method, err)
	}

	return tx.Hash().Hex(), nil
}

// Await polls for the receipt of the transaction until it is mined or ctx ends.
func (e *Ethereum) Await(ctx context.Context, hash string) (r types.Receipt, err error) {
	defer count("await", &err)

	t := time.NewTicker(e.opts.Poll)
	defer t.Stop()

	for {
		if err = e.limiter.Wait(ctx); err != nil {
			return r, err
		}

		rcpt, errR := e.c.TransactionReceipt(ctx, common.HexToHash(hash))
		if errR == nil {
			return e.receipt(rcpt), nil
		}

		if !errors.Is(errR, geth.NotFound) {
			return r, fmt.Errorf("cannot get receipt of %s: %w", hash, errR)
		}

		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case <-t.C:
		}
	}
}

// Balance loads the ether balance and the contract token balance of account onto the provided big.Int pointers.
func (e *Ethereum) Balance(account string, bal, tokBal *big.Int) (err error) {
	defer count("balance", &err)

	if bal == nil || tokBal == nil {
		return types.ErrWrongAmt
	}

	e.l.Lock()
	if e.cli == nil {
		e.cli = ethcli.Init(e.opts.Node, e.opts.Secret)
	}
	cli := e.cli
	e.l.Unlock()

	if cli == nil {
		return fmt.Errorf("cannot connect to ethereum blockchain in %s", e.opts.Node)
	}

	b, tb, err := cli.GetBalance(account, normalize(e.contract))
	if err != nil {
		return err
	}

	bal.Set(b)
	tokBal.Set(tb)

	return nil
}

// query returns a filter for the contract events called name.
func (e *Ethereum) query(name string) (geth.FilterQuery, error) {
	ev, ok := e.abi.Events[name]
	if !ok {
		return geth.FilterQuery{}, fmt.Errorf("%w: %s", types.ErrUnknownEvent, name)
	}

	return geth.FilterQuery{
		Addresses: []common.Address{e.contract},
		Topics:    [][]common.Hash{{ev.ID}},
	}, nil
}

// receipt converts a go-ethereum receipt keeping only the contract events.
func (e *Ethereum) receipt(rcpt *gtypes.Receipt) types.Receipt {
	r := types.Receipt{
		TxHash:  rcpt.TxHash.Hex(),
		Success: rcpt.Status == gtypes.ReceiptStatusSuccessful,
	}

	if rcpt.BlockNumber != nil {
		r.Block = rcpt.BlockNumber.Uint64()
	}

	for _, l := range rcpt.Logs {
		if l.Address != e.contract {
			continue
		}

		if ev, err := e.decode(l); err == nil {
			if ev.Block == 0 {
				ev.Block = r.Block
			}

			r.Events = append(r.Events, ev)
		}
	}

	return r
}

// decode converts a contract log into an Event.
func (e *Ethereum) decode(l *gtypes.Log) (types.Event, error) {
	var ev types.Event

	if len(l.Topics) < 3 { //nolint:gomnd // signature, from and to
		return ev, types.ErrUnknownEvent
	}

	def, err := e.abi.EventByID(l.Topics[0])
	if err != nil {
		return ev, fmt.Errorf("%w: %v", types.ErrUnknownEvent, err)
	}

	vals, err := def.Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return ev, fmt.Errorf("cannot unpack %s: %w", def.Name, err)
	}

	ev = types.Event{
		Name:     def.Name,
		Block:    l.BlockNumber,
		TxHash:   l.TxHash.Hex(),
		LogIndex: l.Index,
		From:     normalize(common.BytesToAddress(l.Topics[1].Bytes())),
		To:       normalize(common.BytesToAddress(l.Topics[2].Bytes())),
	}

	switch def.Name {
	case types.EventTransfer:
		if len(vals) != 1 {
			return ev, fmt.Errorf("%w: malformed Transfer data", types.ErrUnknownEvent)
		}

		ev.Quantity = vals[0].(*big.Int).String()
	case types.EventItemTransfer:
		if len(l.Topics) < 4 || len(vals) != 2 { //nolint:gomnd // itemId is the third indexed input
			return ev, fmt.Errorf("%w: malformed ItemTransfer data", types.ErrUnknownEvent)
		}

		ev.ItemID = normalize(l.Address) + ":" + new(big.Int).SetBytes(l.Topics[3].Bytes()).String()
		ev.Quantity = vals[0].(*big.Int).String()
		ev.Note, _ = vals[1].(string)
	}

	return ev, nil
}

// pack encodes call converting address strings to common.Address as required by the method inputs.
func (e *Ethereum) pack(call types.Call) ([]byte, error) {
	m, ok := e.abi.Methods[call.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownMethod, call.Method)
	}

	if len(m.Inputs) != len(call.Args) {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", call.Method, len(m.Inputs), len(call.Args))
	}

	args := make([]interface{}, len(call.Args))

	for i, in := range m.Inputs {
		args[i] = call.Args[i]

		switch {
		case in.Type.T == abi.AddressTy:
			if s, ok := call.Args[i].(string); ok {
				args[i] = common.HexToAddress(s)
			}
		case in.Type.T == abi.SliceTy && in.Type.Elem.T == abi.AddressTy:
			if ss, ok := call.Args[i].([]string); ok {
				addrs := make([]common.Address, len(ss))
				for j, s := range ss {
					addrs[j] = common.HexToAddress(s)
				}

				args[i] = addrs
			}
		}
	}

	data, err := e.abi.Pack(call.Method, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot pack %s: %w", call.Method, err)
	}

	return data, nil
}

func normalize(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func count(method string, err *error) {
	metrics.ChainCalls.WithLabelValues(method, metrics.Result(*err)).Inc()
}
