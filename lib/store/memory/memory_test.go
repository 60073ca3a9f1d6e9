package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/tokensync/lib/store"
)

func TestTransfers(t *testing.T) {
	m, ctx := New(), context.Background()

	tr := store.Transfer{Kind: store.KindToken, From: "0xa", To: "0xb", TxID: "0x1", Quantity: "5"}
	require.NoError(t, m.SaveTransfer(ctx, tr))
	assert.ErrorIs(t, m.SaveTransfer(ctx, tr), store.ErrDuplicateKey)

	tr.To = "0xc"
	tr.Kind = store.KindItem
	require.NoError(t, m.SaveTransfer(ctx, tr))
	assert.Equal(t, 2, m.Count())

	got, err := m.FindTransfer(ctx, "0x1", "0xb")
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)

	_, err = m.FindTransfer(ctx, "0x2", "0xb")
	assert.ErrorIs(t, err, store.ErrDataNotFound)

	ts, err := m.Transfers(ctx, "0xa", "")
	require.NoError(t, err)
	assert.Len(t, ts, 2)

	ts, err = m.Transfers(ctx, "0xc", store.KindToken)
	require.NoError(t, err)
	assert.Empty(t, ts)
}

func TestChunks(t *testing.T) {
	m, ctx := New(), context.Background()
	now := time.Now()

	require.NoError(t, m.SaveChunk(ctx, store.Chunk{ID: "b", RequestID: "r1", Seq: 1, Status: store.ChunkPending, CreatedAt: now}))
	require.NoError(t, m.SaveChunk(ctx, store.Chunk{ID: "a", RequestID: "r1", Seq: 0, Status: store.ChunkError, CreatedAt: now}))
	require.NoError(t, m.SaveChunk(ctx, store.Chunk{ID: "c", RequestID: "r0", Seq: 0, Status: store.ChunkProcessing,
		CreatedAt: now.Add(-time.Minute)}))
	require.NoError(t, m.SaveChunk(ctx, store.Chunk{ID: "d", RequestID: "r2", Seq: 0, Status: store.ChunkComplete, CreatedAt: now}))

	cs, err := m.Chunks(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, "a", cs[0].ID)

	open, err := m.OpenRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r0", "r1"}, open)

	tx := "0xff"
	require.NoError(t, m.UpdateChunk(ctx, "b", store.Patch(store.ChunkProcessing, &tx, nil)))
	cs, _ = m.Chunks(ctx, "r1")
	assert.Equal(t, store.ChunkProcessing, cs[1].Status)
	assert.Equal(t, tx, cs[1].TxID)
	assert.ErrorIs(t, m.UpdateChunk(ctx, "zz", store.ChunkPatch{}), store.ErrDataNotFound)

	require.NoError(t, m.DeleteChunks(ctx, "r1"))
	cs, _ = m.Chunks(ctx, "r1")
	assert.Empty(t, cs)
}

func TestFail(t *testing.T) {
	m, ctx := New(), context.Background()
	boom := errors.New("boom")

	m.Fail("SaveChunk", func(n int) error {
		if n == 2 {
			return boom
		}

		return nil
	})

	require.NoError(t, m.SaveChunk(ctx, store.Chunk{RequestID: "r"}))
	assert.ErrorIs(t, m.SaveChunk(ctx, store.Chunk{RequestID: "r"}), boom)
	require.NoError(t, m.SaveChunk(ctx, store.Chunk{RequestID: "r"}))

	m.Fail("SaveChunk", nil)
	require.NoError(t, m.SaveChunk(ctx, store.Chunk{RequestID: "r"}))
}

func TestUsersAndCursor(t *testing.T) {
	m, ctx := New(), context.Background()

	require.NoError(t, m.AddUser(ctx, store.User{ID: "alice", Address: "0xa"}))
	assert.ErrorIs(t, m.AddUser(ctx, store.User{ID: "alice", Address: "0xb"}), store.ErrDuplicateKey)

	addrs, err := m.Addresses(ctx, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "0xa"}, addrs)

	users, err := m.Users(ctx, []string{"0xa", "0xz"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"0xa": "alice"}, users)

	_, err = m.LoadCursor(ctx, "sepolia")
	assert.ErrorIs(t, err, store.ErrDataNotFound)
	require.NoError(t, m.SaveCursor(ctx, store.Cursor{Net: "sepolia", Block: 7}))
	c, err := m.LoadCursor(ctx, "sepolia")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), c.Block)
}
