// Package netexplorer holds the state of the listener of one network: whether it is running, the event names it
// is subscribed to, and the last block seen.
package netexplorer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tarancss/tokensync/lib/store"
)

// Status possible values, control whether a NetExplorer is running or stopped.
const (
	STOPPED int = 0
	RUNNING int = 1
)

// NetExplorer contains the fields required to manage the listening of a network or blockchain.
type NetExplorer struct {
	l      sync.Mutex // l is a mutex to ensure concurrent updating of the fields below
	net    string
	status int
	Block  uint64              // last block seen
	Stored bool                // Block was loaded from the store
	subs   map[string]struct{} // subscribed event names
}

// New loads the cursor of network net and returns a stopped NetExplorer.
func New(ctx context.Context, net string, db store.DB) (*NetExplorer, error) {
	ne := &NetExplorer{net: net, subs: make(map[string]struct{})}

	c, err := db.LoadCursor(ctx, net)

	switch {
	case errors.Is(err, store.ErrDataNotFound):
		// if the cursor was not present in DB, nothing has been seen yet
	case err != nil:
		return nil, err
	default:
		ne.FromStore(c)
	}

	return ne, nil
}

// Seen moves the cursor forward to block. Older blocks are ignored.
func (n *NetExplorer) Seen(block uint64) {
	n.l.Lock()
	defer n.l.Unlock()

	if block > n.Block {
		n.Block = block
	}
}

// Last returns the last block seen and whether there was any.
func (n *NetExplorer) Last() (uint64, bool) {
	n.l.Lock()
	defer n.l.Unlock()

	return n.Block, n.Stored || n.Block > 0
}

// Add records a live subscription to event name.
func (n *NetExplorer) Add(name string) {
	n.l.Lock()
	defer n.l.Unlock()

	n.subs[name] = struct{}{}
}

// Del forgets the subscription to event name returning whether it existed.
func (n *NetExplorer) Del(name string) (ok bool) {
	n.l.Lock()
	defer n.l.Unlock()

	_, ok = n.subs[name]
	delete(n.subs, name)

	return
}

// Names returns the subscribed event names.
func (n *NetExplorer) Names() []string {
	n.l.Lock()
	defer n.l.Unlock()

	names := make([]string, 0, len(n.subs))
	for name := range n.subs {
		names = append(names, name)
	}

	return names
}

// ToStore returns a store.Cursor to be saved to store
func (n *NetExplorer) ToStore() store.Cursor {
	n.l.Lock()
	defer n.l.Unlock()

	return store.Cursor{Net: n.net, Block: n.Block, UpdatedAt: time.Now().UTC()}
}

// FromStore loads the NetExplorer with the values read from store
func (n *NetExplorer) FromStore(c store.Cursor) {
	n.l.Lock()
	defer n.l.Unlock()

	n.Block = c.Block
	n.Stored = true
}

// Stop sets status to STOPPED and returns whether it was running.
func (n *NetExplorer) Stop() bool {
	n.l.Lock()
	defer n.l.Unlock()

	was := n.status == RUNNING
	n.status = STOPPED

	return was
}

// Start sets status to RUNNING and returns whether it was stopped.
func (n *NetExplorer) Start() bool {
	n.l.Lock()
	defer n.l.Unlock()

	was := n.status == STOPPED
	n.status = RUNNING

	return was
}

// Status returns the current NetExplorer status
func (n *NetExplorer) Status() int {
	n.l.Lock()
	defer n.l.Unlock()

	return n.status
}
