// Package types common blockchain types.
package types

import (
	"errors"
)

// Names of the contract events mirrored by the ledger.
const (
	EventTransfer     = "Transfer"     // fungible token transfer
	EventItemTransfer = "ItemTransfer" // item (multi-token) transfer with an optional note
)

// Contract methods submitted by the services.
const (
	MethodMint      = "mint"      // mint(to, amount)
	MethodTransfer  = "transfer"  // transfer(to, amount)
	MethodBurn      = "burn"      // burn(amount)
	MethodMintBatch = "mintBatch" // mintBatch(recipients, notes, amount)
)

// Event is a decoded contract event. Quantity is a base-10 integer string. ItemID and Note are only set for
// item transfers.
type Event struct {
	Name     string `json:"name"`
	Block    uint64 `json:"block"`
	TxHash   string `json:"txHash"`
	LogIndex uint   `json:"logIndex"`
	From     string `json:"from"`
	To       string `json:"to"`
	Quantity string `json:"quantity"`
	ItemID   string `json:"itemId,omitempty"`
	Note     string `json:"note,omitempty"`
}

// Call is a contract method invocation to be signed by the operator account and submitted to the chain. Args must
// match the types of the method's ABI.
type Call struct {
	Method string        `json:"method"`
	Args   []interface{} `json:"args"`
}

// Receipt is the outcome of a mined transaction. Events holds the mirrored events emitted by it.
type Receipt struct {
	TxHash  string  `json:"txHash"`
	Block   uint64  `json:"block"`
	Success bool    `json:"success"`
	Events  []Event `json:"events,omitempty"`
}

// Handler receives live events from a subscription.
type Handler func(Event)

// Error codes.
var (
	ErrNoBlock       = errors.New("block not available yet")
	ErrNoTrx         = errors.New("transaction not found")
	ErrUnknownEvent  = errors.New("event is not part of the contract ABI")
	ErrUnknownMethod = errors.New("method is not part of the contract ABI")
	ErrNotSubscribed = errors.New("no subscription for event")
	ErrSubscribed    = errors.New("event already subscribed")
	ErrReverted      = errors.New("transaction reverted")
	ErrNoSigner      = errors.New("no operator key configured")
	ErrWrongAmt      = errors.New("amount is not a valid positive integer")
)
