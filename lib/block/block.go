// Package block defines the interface required for the blockchain connection.
package block

import (
	"context"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/tokensync/lib/block/ethereum"
	"github.com/tarancss/tokensync/lib/block/types"
	"github.com/tarancss/tokensync/lib/config"
)

// Chain is the access layer to the authoritative ledger: a smart contract on an EVM network. Events are those of
// the configured contract; calls are signed by the operator account.
type Chain interface {
	// Null returns the chain's null address, source of mints and destination of burns.
	Null() string
	// Head returns the current block height.
	Head(ctx context.Context) (uint64, error)
	// BlockTime returns the timestamp of the block at height.
	BlockTime(ctx context.Context, height uint64) (time.Time, error)
	// Events returns the events called name emitted in blocks [from, to].
	Events(ctx context.Context, name string, from, to uint64) ([]types.Event, error)
	// Subscribe delivers every new event called name to h until Unsubscribe is called.
	Subscribe(ctx context.Context, name string, h types.Handler) error
	// Unsubscribe stops the subscription for name, returning types.ErrNotSubscribed if there is none.
	Unsubscribe(name string) error
	// Submit signs and sends call, returning the transaction hash without waiting for it to be mined.
	Submit(ctx context.Context, call types.Call) (string, error)
	// Await blocks until the transaction is mined or ctx ends.
	Await(ctx context.Context, hash string) (types.Receipt, error)
	// Balance loads the native currency balance and the contract token balance of account.
	Balance(account string, bal, tokBal *big.Int) error
	// Operator returns the address that signs submitted calls.
	Operator() string
	Close()
}

// Init connects to the blockchain read from the config. key is the hex encoded private key of the operator
// account, it may be empty for read-only use.
func Init(bc config.BlockConfig, key string, log *zap.Logger) (Chain, error) {
	e, err := ethereum.Init(ethereum.Options{
		Node:     bc.Node,
		WSNode:   bc.WSNode,
		Secret:   bc.Secret,
		Contract: bc.Contract,
		ChainID:  bc.ChainID,
		RPS:      bc.RPS,
		Poll:     time.Duration(bc.PollMilli) * time.Millisecond,
		Key:      key,
	}, log)
	if err != nil {
		return nil, err
	}

	return e, nil
}

// End closes gracefully the blockchain client.
func End(c Chain) {
	if c != nil {
		c.Close()
	}
}
