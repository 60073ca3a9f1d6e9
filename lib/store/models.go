package store

import (
	"time"
)

// Kind of a mirrored transfer.
type Kind string

// Transfer kinds.
const (
	KindToken Kind = "token" // fungible token Transfer event
	KindItem  Kind = "item"  // ItemTransfer event
)

// Transfer is a contract event mirrored into the store. It is unique by (TxID, To) and never updated.
type Transfer struct {
	ID        string    `json:"id" bson:"_id"`
	Kind      Kind      `json:"kind" bson:"kind"`
	From      string    `json:"from" bson:"from"`
	To        string    `json:"to" bson:"to"`
	Block     uint64    `json:"block" bson:"block"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	TxID      string    `json:"txId" bson:"txId"`
	Quantity  string    `json:"quantity" bson:"quantity"`
	ItemID    string    `json:"itemId,omitempty" bson:"itemId,omitempty"`
	Note      string    `json:"note,omitempty" bson:"note,omitempty"`
}

// Recipient is a destination of an airdrop. User is set when the address was resolved from the directory.
type Recipient struct {
	User    string `json:"user,omitempty" bson:"user,omitempty"`
	Address string `json:"address,omitempty" bson:"address,omitempty"`
	Note    string `json:"note,omitempty" bson:"note,omitempty"`
}

// ChunkStatus is the state of an airdrop chunk.
type ChunkStatus string

// Chunk states. Complete and Error are terminal.
const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkComplete   ChunkStatus = "complete"
	ChunkError      ChunkStatus = "error"
)

// Terminal reports whether no further transition is allowed from s.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkComplete || s == ChunkError
}

// Chunk is a bounded slice of an airdrop request.
type Chunk struct {
	ID         string      `json:"id" bson:"_id"`
	RequestID  string      `json:"requestId" bson:"requestId"`
	Seq        int         `json:"seq" bson:"seq"`
	Status     ChunkStatus `json:"status" bson:"status"`
	Recipients []Recipient `json:"recipients" bson:"recipients"`
	Quantity   string      `json:"quantity" bson:"quantity"`
	TxID       string      `json:"txId,omitempty" bson:"txId,omitempty"`
	Error      string      `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt  time.Time   `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt" bson:"updatedAt"`
}

// ChunkPatch holds the fields of a chunk to update. Nil fields are left untouched.
type ChunkPatch struct {
	Status *ChunkStatus
	TxID   *string
	Error  *string
}

// Cursor is the last block processed by the listener of a network.
type Cursor struct {
	Net       string    `json:"net" bson:"_id"`
	Block     uint64    `json:"block" bson:"block"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// User maps a logical identity to its ledger address.
type User struct {
	ID      string `json:"id" bson:"_id"`
	Address string `json:"address" bson:"address"`
}
