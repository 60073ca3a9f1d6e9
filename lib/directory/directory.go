// Package directory resolves the logical identities (user ids) of the platform to ledger addresses and back.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tarancss/tokensync/lib/store"
	"github.com/tarancss/tokensync/lib/util"
)

// ErrUnknownUser is returned by Resolve when the id has no address.
var ErrUnknownUser = errors.New("user not found")

// Resolver maps user ids to addresses.
type Resolver interface {
	// Resolve returns the address of user id.
	Resolve(ctx context.Context, id string) (string, error)
	// ResolveMany returns the addresses of the known ids. Unknown ids are absent from the result.
	ResolveMany(ctx context.Context, ids []string) (map[string]string, error)
	// Identify returns the user ids of the known addresses. Unknown addresses are absent from the result.
	Identify(ctx context.Context, addresses []string) (map[string]string, error)
}

// Store is a Resolver backed by the users of the record store.
type Store struct {
	db store.DB
}

// New returns a store backed resolver.
func New(db store.DB) *Store {
	return &Store{db: db}
}

// Resolve implements Resolver.
func (s *Store) Resolve(ctx context.Context, id string) (string, error) {
	m, err := s.ResolveMany(ctx, []string{id})
	if err != nil {
		return "", err
	}

	a, ok := m[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownUser, id)
	}

	return a, nil
}

// ResolveMany implements Resolver. Repeated ids are looked up once.
func (s *Store) ResolveMany(ctx context.Context, ids []string) (map[string]string, error) {
	ids = util.Unique(ids)
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	m, err := s.db.Addresses(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve users: %w", err)
	}

	for id, a := range m {
		m[id] = strings.ToLower(a)
	}

	return m, nil
}

// Identify implements Resolver. Addresses are matched case-insensitively and the result is keyed by the
// addresses as given.
func (s *Store) Identify(ctx context.Context, addresses []string) (map[string]string, error) {
	addresses = util.Unique(addresses)
	if len(addresses) == 0 {
		return map[string]string{}, nil
	}

	lower := make([]string, len(addresses))
	for i, a := range addresses {
		lower[i] = strings.ToLower(a)
	}

	found, err := s.db.Users(ctx, util.Unique(lower))
	if err != nil {
		return nil, fmt.Errorf("cannot identify addresses: %w", err)
	}

	m := make(map[string]string, len(found))

	for i, a := range addresses {
		if id, ok := found[lower[i]]; ok {
			m[a] = id
		}
	}

	return m, nil
}
