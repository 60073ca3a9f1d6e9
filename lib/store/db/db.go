// Package db implements the opening and graceful closing of database connections.
package db

import (
	"fmt"

	"github.com/tarancss/tokensync/lib/config"
	"github.com/tarancss/tokensync/lib/store"
	"github.com/tarancss/tokensync/lib/store/memory"
	"github.com/tarancss/tokensync/lib/store/mongo"
	"github.com/tarancss/tokensync/lib/store/postgres"
)

// New returns a new database connection according to the options (database type).
func New(options, connection string) (store.DB, error) {
	switch options {
	case config.MONGODB:
		m, err := mongo.New(connection)
		if err != nil {
			return nil, err
		}

		return m, nil
	case config.POSTGRES:
		p, err := postgres.New(connection)
		if err != nil {
			return nil, err
		}

		return p, nil
	case config.MEMORY:
		return memory.New(), nil
	}

	return nil, fmt.Errorf("%w: %q", config.ErrDBType, options)
}

// Close gracefully closes the database connection.
func Close(dh store.DB) error {
	if dh == nil {
		return nil
	}

	return dh.Close()
}
