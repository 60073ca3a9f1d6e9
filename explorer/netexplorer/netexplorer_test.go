package netexplorer

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/tokensync/lib/store"
	"github.com/tarancss/tokensync/lib/store/memory"
)

// TestNE unit tests the netexplorer package, covering:
// - Seen / Last: the cursor only moves forward and survives a round trip to the store.
// - Add/Del/Names: the subscription set.
// - Start/Stop: status transitions.
func TestNE(t *testing.T) {
	s, ctx := memory.New(), context.Background()

	ne, err := New(ctx, "net", s)
	require.NoError(t, err)

	_, ok := ne.Last()
	assert.False(t, ok)

	ne.Seen(10)
	ne.Seen(7)
	b, ok := ne.Last()
	assert.True(t, ok)
	assert.Equal(t, uint64(10), b)

	require.NoError(t, s.SaveCursor(ctx, ne.ToStore()))

	ne2, err := New(ctx, "net", s)
	require.NoError(t, err)
	b, ok = ne2.Last()
	assert.True(t, ok)
	assert.Equal(t, uint64(10), b)

	ne.Add("Transfer")
	ne.Add("ItemTransfer")
	names := ne.Names()
	sort.Strings(names)
	assert.Equal(t, []string{"ItemTransfer", "Transfer"}, names)
	assert.True(t, ne.Del("Transfer"))
	assert.False(t, ne.Del("Transfer"))

	assert.Equal(t, STOPPED, ne.Status())
	assert.True(t, ne.Start())
	assert.False(t, ne.Start())
	assert.Equal(t, RUNNING, ne.Status())
	assert.True(t, ne.Stop())
	assert.False(t, ne.Stop())

	s.Fail("LoadCursor", func(int) error { return errors.New("down") })
	_, err = New(ctx, "net", s)
	assert.Error(t, err)

	s.Fail("LoadCursor", func(int) error { return store.ErrDataNotFound })
	_, err = New(ctx, "other", s)
	assert.NoError(t, err)
}
