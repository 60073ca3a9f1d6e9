// Package memory implements the store interface in process memory. It enforces the same uniqueness constraint as
// the database implementations and lets tests inject failures.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarancss/tokensync/lib/store"
)

// Memory is an in-memory store.DB.
type Memory struct {
	mu        sync.Mutex
	transfers map[[2]string]store.Transfer
	order     [][2]string
	chunks    map[string]store.Chunk
	users     map[string]string
	cursors   map[string]store.Cursor
	fail      map[string]func(n int) error
	n         map[string]int
}

// New returns an empty store.
func New() *Memory {
	return &Memory{
		transfers: make(map[[2]string]store.Transfer),
		chunks:    make(map[string]store.Chunk),
		users:     make(map[string]string),
		cursors:   make(map[string]store.Cursor),
		fail:      make(map[string]func(int) error),
		n:         make(map[string]int),
	}
}

// Fail makes the store method called op (e.g. "SaveChunk") run f before doing anything. n counts the calls to op,
// starting at 1. A non-nil result is returned by the method. A nil f removes the injection.
func (m *Memory) Fail(op string, f func(n int) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f == nil {
		delete(m.fail, op)

		return
	}

	m.fail[op] = f
}

// check must be called with the lock held.
func (m *Memory) check(op string) error {
	m.n[op]++

	if f, ok := m.fail[op]; ok {
		return f(m.n[op])
	}

	return nil
}

// Count returns the number of transfers stored.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.transfers)
}

// FindTransfer implements store.DB.
func (m *Memory) FindTransfer(_ context.Context, txID, to string) (store.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("FindTransfer"); err != nil {
		return store.Transfer{}, err
	}

	t, ok := m.transfers[[2]string{txID, to}]
	if !ok {
		return t, store.ErrDataNotFound
	}

	return t, nil
}

// SaveTransfer implements store.DB.
func (m *Memory) SaveTransfer(_ context.Context, t store.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("SaveTransfer"); err != nil {
		return err
	}

	k := [2]string{t.TxID, t.To}
	if _, ok := m.transfers[k]; ok {
		return fmt.Errorf("%w: transfer %s to %s", store.ErrDuplicateKey, t.TxID, t.To)
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	m.transfers[k] = t
	m.order = append(m.order, k)

	return nil
}

// Transfers implements store.DB. An empty kind matches every kind.
func (m *Memory) Transfers(_ context.Context, address string, kind store.Kind) ([]store.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("Transfers"); err != nil {
		return nil, err
	}

	var ts []store.Transfer

	for _, k := range m.order {
		t := m.transfers[k]
		if (t.From == address || t.To == address) && (kind == "" || t.Kind == kind) {
			ts = append(ts, t)
		}
	}

	return ts, nil
}

// SaveChunk implements store.DB.
func (m *Memory) SaveChunk(_ context.Context, c store.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("SaveChunk"); err != nil {
		return err
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	if _, ok := m.chunks[c.ID]; ok {
		return fmt.Errorf("%w: chunk %s", store.ErrDuplicateKey, c.ID)
	}

	c.Recipients = append([]store.Recipient(nil), c.Recipients...)
	m.chunks[c.ID] = c

	return nil
}

// Chunks implements store.DB. Chunks are returned in sequence order.
func (m *Memory) Chunks(_ context.Context, requestID string) ([]store.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("Chunks"); err != nil {
		return nil, err
	}

	var cs []store.Chunk

	for _, c := range m.chunks {
		if c.RequestID == requestID {
			c.Recipients = append([]store.Recipient(nil), c.Recipients...)
			cs = append(cs, c)
		}
	}

	sort.Slice(cs, func(i, j int) bool { return cs[i].Seq < cs[j].Seq })

	return cs, nil
}

// UpdateChunk implements store.DB.
func (m *Memory) UpdateChunk(_ context.Context, id string, p store.ChunkPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("UpdateChunk"); err != nil {
		return err
	}

	c, ok := m.chunks[id]
	if !ok {
		return store.ErrDataNotFound
	}

	p.Apply(&c)
	c.UpdatedAt = time.Now().UTC()
	m.chunks[id] = c

	return nil
}

// DeleteChunks implements store.DB.
func (m *Memory) DeleteChunks(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("DeleteChunks"); err != nil {
		return err
	}

	for id, c := range m.chunks {
		if c.RequestID == requestID {
			delete(m.chunks, id)
		}
	}

	return nil
}

// OpenRequests implements store.DB. Requests are ordered by the creation of their oldest open chunk.
func (m *Memory) OpenRequests(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("OpenRequests"); err != nil {
		return nil, err
	}

	first := make(map[string]time.Time)

	for _, c := range m.chunks {
		if c.Status.Terminal() {
			continue
		}

		if ts, ok := first[c.RequestID]; !ok || c.CreatedAt.Before(ts) {
			first[c.RequestID] = c.CreatedAt
		}
	}

	ids := make([]string, 0, len(first))
	for id := range first {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool {
		if first[ids[i]].Equal(first[ids[j]]) {
			return ids[i] < ids[j]
		}

		return first[ids[i]].Before(first[ids[j]])
	})

	return ids, nil
}

// AddUser implements store.DB.
func (m *Memory) AddUser(_ context.Context, u store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("AddUser"); err != nil {
		return err
	}

	if _, ok := m.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s", store.ErrDuplicateKey, u.ID)
	}

	m.users[u.ID] = strings.ToLower(u.Address)

	return nil
}

// Addresses implements store.DB.
func (m *Memory) Addresses(_ context.Context, ids []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("Addresses"); err != nil {
		return nil, err
	}

	res := make(map[string]string, len(ids))

	for _, id := range ids {
		if a, ok := m.users[id]; ok {
			res[id] = a
		}
	}

	return res, nil
}

// Users implements store.DB.
func (m *Memory) Users(_ context.Context, addresses []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("Users"); err != nil {
		return nil, err
	}

	res := make(map[string]string, len(addresses))

	for id, a := range m.users {
		for _, want := range addresses {
			if a == strings.ToLower(want) {
				res[a] = id
			}
		}
	}

	return res, nil
}

// LoadCursor implements store.DB.
func (m *Memory) LoadCursor(_ context.Context, net string) (store.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("LoadCursor"); err != nil {
		return store.Cursor{}, err
	}

	c, ok := m.cursors[net]
	if !ok {
		return c, store.ErrDataNotFound
	}

	return c, nil
}

// SaveCursor implements store.DB.
func (m *Memory) SaveCursor(_ context.Context, c store.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("SaveCursor"); err != nil {
		return err
	}

	m.cursors[c.Net] = c

	return nil
}

// Close implements store.DB.
func (m *Memory) Close() error {
	return nil
}
