// Package guard implements the operation guard: a flag raised by a component while one of its own chain calls is
// waiting for confirmation, so the event listener can skip recording what that call is about to record itself.
//
// The guard is process local. It does not exclude operations started by other instances of the service, and a
// live event can still slip through between the check and the skip. Neither case produces duplicates: the
// ledger's (transaction, destination) key makes a second write a no-op.
package guard

import "sync/atomic"

// Guard is a single engaged/released flag. The zero value is released and ready to use.
type Guard struct {
	engaged atomic.Bool
}

// Acquire engages the guard and returns the function that releases it. Guards are not re-entrant: the first
// release clears the flag even if Acquire was called more than once.
func (g *Guard) Acquire() (release func()) {
	g.engaged.Store(true)

	return func() { g.engaged.Store(false) }
}

// Do runs fn with the guard engaged. The guard is released on every exit path, panics included.
func (g *Guard) Do(fn func() error) error {
	release := g.Acquire()
	defer release()

	return fn()
}

// Engaged reports whether a guarded operation is in flight.
func (g *Guard) Engaged() bool {
	return g.engaged.Load()
}
