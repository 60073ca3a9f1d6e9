// Package store defines the interface for database implementations of the record store.
package store

import (
	"context"
	"errors"
)

// DB defines required methods for the ledger, the airdrop engine, the directory and the listener.
type DB interface {
	// transfers
	FindTransfer(ctx context.Context, txID, to string) (Transfer, error)
	SaveTransfer(ctx context.Context, t Transfer) error
	Transfers(ctx context.Context, address string, kind Kind) ([]Transfer, error)
	// airdrop chunks
	SaveChunk(ctx context.Context, c Chunk) error
	Chunks(ctx context.Context, requestID string) ([]Chunk, error)
	UpdateChunk(ctx context.Context, id string, p ChunkPatch) error
	DeleteChunks(ctx context.Context, requestID string) error
	OpenRequests(ctx context.Context) ([]string, error)
	// users, addresses are stored and matched lowercased
	AddUser(ctx context.Context, u User) error
	Addresses(ctx context.Context, ids []string) (map[string]string, error)
	Users(ctx context.Context, addresses []string) (map[string]string, error)
	// listener cursor
	LoadCursor(ctx context.Context, net string) (Cursor, error)
	SaveCursor(ctx context.Context, c Cursor) error

	Close() error
}

// Errors returned
var (
	ErrDataNotFound = errors.New("data was not found in store")
	ErrDuplicateKey = errors.New("duplicate key")
)

// Patch returns a ChunkPatch setting the status and, when not nil, the tx id and error.
func Patch(s ChunkStatus, txID, errMsg *string) ChunkPatch {
	return ChunkPatch{Status: &s, TxID: txID, Error: errMsg}
}

// Apply copies the set fields of p onto c.
func (p ChunkPatch) Apply(c *Chunk) {
	if p.Status != nil {
		c.Status = *p.Status
	}

	if p.TxID != nil {
		c.TxID = *p.TxID
	}

	if p.Error != nil {
		c.Error = *p.Error
	}
}
