package ethereum

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/tokensync/lib/block/types"
)

const (
	contract = "0x7762440182222620a7435195208038708d27ee41"
	alice    = "0x357dd3856d856197c1a000bbab4abcb97dfc92c4"
	bob      = "0xc4581843a8dacd100c7d435bb00b2a20d038e31d"
	txHash   = "0xdbd3184b2f947dab243071000df22cf5acc6efdce90a04aaf057521b1ee5bf60"
)

// offline returns a client that never needs to reach the node.
func offline(t *testing.T, node string) *Ethereum {
	t.Helper()

	e, err := Init(Options{Node: node, Contract: contract, ChainID: 1, Poll: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	return e
}

func topic(addr string) common.Hash {
	return common.BytesToHash(common.HexToAddress(addr).Bytes())
}

func itemLog(t *testing.T, e *Ethereum) *gtypes.Log {
	t.Helper()

	def := e.abi.Events[types.EventItemTransfer]
	data, err := def.Inputs.NonIndexed().Pack(big.NewInt(3), "welcome aboard")
	require.NoError(t, err)

	return &gtypes.Log{
		Address:     common.HexToAddress(contract),
		Topics:      []common.Hash{def.ID, topic(NullAddress), topic(alice), common.BigToHash(big.NewInt(42))},
		Data:        data,
		BlockNumber: 2736027,
		TxHash:      common.HexToHash(txHash),
		Index:       7,
	}
}

func TestDecode(t *testing.T) {
	e := offline(t, "http://127.0.0.1:1")

	ev, err := e.decode(itemLog(t, e))
	require.NoError(t, err)
	assert.Equal(t, types.Event{
		Name:     types.EventItemTransfer,
		Block:    2736027,
		TxHash:   txHash,
		LogIndex: 7,
		From:     NullAddress,
		To:       alice,
		Quantity: "3",
		ItemID:   contract + ":42",
		Note:     "welcome aboard",
	}, ev)

	def := e.abi.Events[types.EventTransfer]
	data, err := def.Inputs.NonIndexed().Pack(big.NewInt(1000))
	require.NoError(t, err)

	ev, err = e.decode(&gtypes.Log{Topics: []common.Hash{def.ID, topic(alice), topic(bob)}, Data: data})
	require.NoError(t, err)
	assert.Equal(t, types.EventTransfer, ev.Name)
	assert.Equal(t, alice, ev.From)
	assert.Equal(t, bob, ev.To)
	assert.Equal(t, "1000", ev.Quantity)
	assert.Empty(t, ev.ItemID)

	// unknown signature
	_, err = e.decode(&gtypes.Log{Topics: []common.Hash{topic(bob), topic(alice), topic(bob)}})
	assert.ErrorIs(t, err, types.ErrUnknownEvent)
}

func TestPack(t *testing.T) {
	e := offline(t, "http://127.0.0.1:1")

	data, err := e.pack(types.Call{Method: types.MethodMintBatch, Args: []interface{}{
		[]string{alice, bob}, []string{"", "thanks"}, big.NewInt(5),
	}})
	require.NoError(t, err)
	assert.Equal(t, e.abi.Methods[types.MethodMintBatch].ID, data[:4])

	data, err = e.pack(types.Call{Method: types.MethodTransfer, Args: []interface{}{bob, big.NewInt(5)}})
	require.NoError(t, err)
	assert.Len(t, data, 4+32+32)
	assert.Equal(t, strings.TrimPrefix(bob, "0x"), hex.EncodeToString(data[4+12:4+32]))

	_, err = e.pack(types.Call{Method: "approve"})
	assert.ErrorIs(t, err, types.ErrUnknownMethod)

	_, err = e.pack(types.Call{Method: types.MethodBurn})
	assert.Error(t, err)

	_, err = e.Submit(context.Background(), types.Call{Method: types.MethodBurn, Args: []interface{}{big.NewInt(1)}})
	assert.ErrorIs(t, err, types.ErrNoSigner)
}

func TestInit(t *testing.T) {
	_, err := Init(Options{Node: "http://127.0.0.1:1", Contract: "nope", ChainID: 1}, nil)
	assert.Error(t, err)

	_, err = Init(Options{Node: "http://127.0.0.1:1", Contract: contract, ChainID: 1, Key: "zz"}, nil)
	assert.Error(t, err)

	e, err := Init(Options{Node: "http://127.0.0.1:1", Contract: contract, ChainID: 1,
		Key: "642ce4e20f09c9f4d285c2b336063eaafbe4cb06dece8134f3a64bdd8f8c0c24"}, nil)
	require.NoError(t, err)
	defer e.Close()
	assert.True(t, common.IsHexAddress(e.Operator()))
	assert.NotEqual(t, NullAddress, e.Operator())
	assert.ErrorIs(t, e.Unsubscribe(types.EventTransfer), types.ErrNotSubscribed)
}

// mockRequest
type mockRequest struct {
	Version string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      *json.RawMessage  `json:"id"`
}

// mockResponse
type mockResponse struct {
	Version string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id"`
	Result  interface{}      `json:"result"`
}

// mockNode replies to the JSON-RPC methods used by the client. Receipts are only returned from the second
// request on, to exercise polling.
type mockNode struct {
	receipts int32
	filters  atomic.Int32  // eth_getLogs requests
	head     atomic.Uint64 // 0 replies block 0x29bf9b
	logs     []map[string]interface{}
}

func (m *mockNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req mockRequest

	res := mockResponse{Version: "2.0"}

	defer func() {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	}()

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return
	}

	res.ID = req.ID

	switch req.Method {
	case "eth_blockNumber":
		res.Result = "0x29bf9b"
		if h := m.head.Load(); h > 0 {
			res.Result = hexutil.EncodeUint64(h)
		}
	case "eth_getBlockByNumber":
		res.Result = mockHeader
	case "eth_getLogs":
		m.filters.Add(1)
		res.Result = m.logs
	case "eth_getBalance":
		res.Result = "0xde0b6b3a7640000" // 1 ether
	case "eth_call": // balanceOf
		res.Result = "0x" + strings.Repeat("0", 62) + "64"
	case "eth_getTransactionReceipt":
		if atomic.AddInt32(&m.receipts, 1) < 2 {
			return // null: not mined yet
		}

		res.Result = map[string]interface{}{
			"transactionHash":   txHash,
			"blockNumber":       "0x29bf9c",
			"status":            "0x1",
			"cumulativeGasUsed": "0x5208",
			"gasUsed":           "0x5208",
			"logsBloom":         "0x" + strings.Repeat("0", 512),
			"logs":              m.logs,
		}
	}
}

// rpcLogs returns l as replied by eth_getLogs.
func rpcLogs(l *gtypes.Log) []map[string]interface{} {
	return []map[string]interface{}{{
		"address":         contract,
		"topics":          []string{l.Topics[0].Hex(), l.Topics[1].Hex(), l.Topics[2].Hex(), l.Topics[3].Hex()},
		"data":            "0x" + hex.EncodeToString(l.Data),
		"blockNumber":     "0x29bf9b",
		"transactionHash": txHash,
		"logIndex":        "0x7",
		"removed":         false,
	}}
}

func TestNode(t *testing.T) {
	node := &mockNode{}
	mock := httptest.NewServer(node)
	defer mock.Close()

	e := offline(t, mock.URL)
	ctx := context.Background()

	node.logs = rpcLogs(itemLog(t, e))

	head, err := e.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x29bf9b), head)

	ts, err := e.BlockTime(ctx, head)
	require.NoError(t, err)
	assert.Equal(t, int64(0x5a952da9), ts.Unix())

	evs, err := e.Events(ctx, types.EventItemTransfer, head-10, head)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, alice, evs[0].To)
	assert.Equal(t, uint64(0x29bf9b), evs[0].Block)

	_, err = e.Events(ctx, "Approval", 0, head)
	assert.ErrorIs(t, err, types.ErrUnknownEvent)

	r, err := e.Await(ctx, txHash)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, uint64(0x29bf9c), r.Block)
	require.Len(t, r.Events, 1)
	assert.Equal(t, "welcome aboard", r.Events[0].Note)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&node.receipts), int32(2))

	bal, tok := new(big.Int), new(big.Int)
	require.NoError(t, e.Balance(alice, bal, tok))
	assert.Equal(t, "1000000000000000000", bal.String())
	assert.Equal(t, int64(100), tok.Int64())
	assert.ErrorIs(t, e.Balance(alice, nil, tok), types.ErrWrongAmt)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Await(cctx, txHash)
	assert.Error(t, err)
}

func TestSubscribePolling(t *testing.T) {
	node := &mockNode{}
	node.head.Store(100)

	mock := httptest.NewServer(node)
	defer mock.Close()

	// an http node has no notifications
	e := offline(t, mock.URL)
	ctx := context.Background()
	node.logs = rpcLogs(itemLog(t, e))

	got := make(chan types.Event, 4)
	require.NoError(t, e.Subscribe(ctx, types.EventItemTransfer, func(ev types.Event) { got <- ev }))
	assert.ErrorIs(t, e.Subscribe(ctx, types.EventItemTransfer, func(types.Event) {}), types.ErrSubscribed)

	// no block mined yet
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, node.filters.Load())

	node.head.Store(101)

	select {
	case ev := <-got:
		assert.Equal(t, types.EventItemTransfer, ev.Name)
		assert.Equal(t, alice, ev.To)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for polled event")
	}

	require.NoError(t, e.Unsubscribe(types.EventItemTransfer))

	// the same blocks are not filtered again
	assert.Equal(t, int32(1), node.filters.Load())
	assert.Empty(t, got)
}

// mockHeader is the header of ropsten block 0x29bf9b.
var mockHeader = map[string]interface{}{"difficulty": "0x7ee56684", "extraData": "0x414952412f7630", "gasLimit": "0x47b784", "gasUsed": "0x47addd", "hash": "0xd44a255e40eee23bd90a54a792f7a35c175400958de22a9bbfe08a7b2c244ed6", "logsBloom": "0x" + strings.Repeat("0", 512), "miner": "0x00d8ae40d9a06d0e7a2877b62e32eb959afbe16d", "mixHash": "0xd93c06ec00e2c653b7958114ba8224aad8749caf8de6aee2c2f465c5f09cc0cc", "nonce": "0x34b98c94071402d8", "number": "0x29bf9b", "parentHash": "0x25e2e6cfc2f49ef320c652d91a7bea99a2d115d29ea832631e5f11911a463158", "receiptsRoot": "0x0506189cdc814f4440690b43aaf7cf278a9b346b8ef3174c03dde2d23aa820ea", "sha3Uncles": "0x1dcc4de8dec75d7aab85b567b6ccd41ad312451b948a7413f0a142fd40d49347", "size": "0x299a", "stateRoot": "0xf8be81979f9a92cd123f8e6295dca2660184df4f58e275c6c9fe7adee0016e7c", "timestamp": "0x5a952da9", "totalDifficulty": "0x1bd6b7e3c7b473", "transactionsRoot": "0x08e95959ada5ebbe3aae1a4b9179f811c326c0969b7a5fea75b4e427c2870f96", "transactions": []string{}, "uncles": []string{}} //nolint:lll // testdata
