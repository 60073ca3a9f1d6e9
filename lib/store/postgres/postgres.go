// Package postgres implements the store interface for PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tarancss/tokensync/lib/store"
)

// uniqueViolation is the SQLSTATE of a unique constraint violation.
const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id        TEXT PRIMARY KEY,
	kind      TEXT NOT NULL,
	from_addr TEXT NOT NULL,
	to_addr   TEXT NOT NULL,
	block     BIGINT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL,
	tx_id     TEXT NOT NULL,
	quantity  TEXT NOT NULL,
	item_id   TEXT NOT NULL DEFAULT '',
	note      TEXT NOT NULL DEFAULT '',
	UNIQUE (tx_id, to_addr)
);
CREATE INDEX IF NOT EXISTS transfers_from ON transfers (from_addr);
CREATE INDEX IF NOT EXISTS transfers_to ON transfers (to_addr);
CREATE TABLE IF NOT EXISTS chunks (
	id         TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	status     TEXT NOT NULL,
	recipients JSONB NOT NULL,
	quantity   TEXT NOT NULL,
	tx_id      TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (request_id, seq)
);
CREATE TABLE IF NOT EXISTS users (
	id      TEXT PRIMARY KEY,
	address TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS users_address ON users (address);
CREATE TABLE IF NOT EXISTS cursors (
	net        TEXT PRIMARY KEY,
	block      BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

const transferCols = `id, kind, from_addr, to_addr, block, ts, tx_id, quantity, item_id, note`

const chunkCols = `id, request_id, seq, status, recipients, quantity, tx_id, error, created_at, updated_at`

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

// New returns a postgres client connection to the specified database in 'connection' and creates the tables if
// they do not exist.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("cannot create schema: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close will close any database connection. Must be called at termination time.
func (p *Postgres) Close() error {
	return p.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransfer(s scanner) (t store.Transfer, err error) {
	var kind string

	err = s.Scan(&t.ID, &kind, &t.From, &t.To, &t.Block, &t.Timestamp, &t.TxID, &t.Quantity, &t.ItemID, &t.Note)
	t.Kind = store.Kind(kind)
	t.Timestamp = t.Timestamp.UTC()

	return t, err
}

// FindTransfer returns the transfer identified by its transaction and destination.
func (p *Postgres) FindTransfer(ctx context.Context, txID, to string) (store.Transfer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transferCols+` FROM transfers WHERE tx_id = $1 AND to_addr = $2`,
		txID, to)

	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, store.ErrDataNotFound
	}

	return t, err
}

// SaveTransfer inserts a transfer, returning store.ErrDuplicateKey if it already exists.
func (p *Postgres) SaveTransfer(ctx context.Context, t store.Transfer) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	_, err := p.db.ExecContext(ctx, `INSERT INTO transfers (`+transferCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, string(t.Kind), t.From, t.To, t.Block, t.Timestamp, t.TxID, t.Quantity, t.ItemID, t.Note)

	return duplicate(err)
}

// Transfers returns the transfers from or to address of the given kind, any kind if empty.
func (p *Postgres) Transfers(ctx context.Context, address string, kind store.Kind) ([]store.Transfer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+transferCols+` FROM transfers
		WHERE (from_addr = $1 OR to_addr = $1) AND ($2 = '' OR kind = $2) ORDER BY ts, block, tx_id`,
		address, string(kind))
	if err != nil {
		return nil, fmt.Errorf("cannot find transfers of %s: %w", address, err)
	}
	defer rows.Close()

	var ts []store.Transfer

	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("cannot scan transfer: %w", err)
		}

		ts = append(ts, t)
	}

	return ts, rows.Err()
}

// SaveChunk inserts an airdrop chunk.
func (p *Postgres) SaveChunk(ctx context.Context, c store.Chunk) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	rcpts, err := json.Marshal(c.Recipients)
	if err != nil {
		return fmt.Errorf("cannot marshal recipients: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `INSERT INTO chunks (`+chunkCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.RequestID, c.Seq, string(c.Status), rcpts, c.Quantity, c.TxID, c.Error, c.CreatedAt, c.UpdatedAt)

	return duplicate(err)
}

// Chunks returns the chunks of a request in sequence order.
func (p *Postgres) Chunks(ctx context.Context, requestID string) ([]store.Chunk, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+chunkCols+` FROM chunks WHERE request_id = $1 ORDER BY seq`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("cannot find chunks of %s: %w", requestID, err)
	}
	defer rows.Close()

	var cs []store.Chunk

	for rows.Next() {
		var (
			c      store.Chunk
			status string
			rcpts  []byte
		)

		if err = rows.Scan(&c.ID, &c.RequestID, &c.Seq, &status, &rcpts, &c.Quantity, &c.TxID, &c.Error,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("cannot scan chunk: %w", err)
		}

		if err = json.Unmarshal(rcpts, &c.Recipients); err != nil {
			return nil, fmt.Errorf("cannot unmarshal recipients of chunk %s: %w", c.ID, err)
		}

		c.Status = store.ChunkStatus(status)
		cs = append(cs, c)
	}

	return cs, rows.Err()
}

// UpdateChunk sets the fields present in the patch.
func (p *Postgres) UpdateChunk(ctx context.Context, id string, patch store.ChunkPatch) error {
	set := []string{"updated_at = $2"}
	args := []interface{}{id, time.Now().UTC()}

	add := func(col string, v interface{}) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}

	if patch.TxID != nil {
		add("tx_id", *patch.TxID)
	}

	if patch.Error != nil {
		add("error", *patch.Error)
	}

	res, err := p.db.ExecContext(ctx, `UPDATE chunks SET `+strings.Join(set, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("cannot update chunk %s: %w", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrDataNotFound
	}

	return nil
}

// DeleteChunks removes every chunk of a request.
func (p *Postgres) DeleteChunks(ctx context.Context, requestID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM chunks WHERE request_id = $1`, requestID)

	return err
}

// OpenRequests returns the requests with chunks not yet in a terminal state, oldest first.
func (p *Postgres) OpenRequests(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT request_id FROM chunks WHERE status = ANY($1)
		GROUP BY request_id ORDER BY MIN(created_at), request_id`,
		pq.Array([]string{string(store.ChunkPending), string(store.ChunkProcessing)}))
	if err != nil {
		return nil, fmt.Errorf("cannot find open requests: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// AddUser registers a user.
func (p *Postgres) AddUser(ctx context.Context, u store.User) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO users (id, address) VALUES ($1, $2)`, u.ID, strings.ToLower(u.Address))

	return duplicate(err)
}

// Addresses maps the known ids to their addresses.
func (p *Postgres) Addresses(ctx context.Context, ids []string) (map[string]string, error) {
	return p.pairs(ctx, `SELECT id, address FROM users WHERE id = ANY($1)`, ids)
}

// Users maps the known addresses to their user ids.
func (p *Postgres) Users(ctx context.Context, addresses []string) (map[string]string, error) {
	lower := make([]string, len(addresses))
	for i, a := range addresses {
		lower[i] = strings.ToLower(a)
	}

	return p.pairs(ctx, `SELECT lower(address), id FROM users WHERE lower(address) = ANY($1)`, lower)
}

func (p *Postgres) pairs(ctx context.Context, query string, keys []string) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("cannot find users: %w", err)
	}
	defer rows.Close()

	res := make(map[string]string, len(keys))

	for rows.Next() {
		var k, v string
		if err = rows.Scan(&k, &v); err != nil {
			return nil, err
		}

		res[k] = v
	}

	return res, rows.Err()
}

// LoadCursor loads the listener cursor for the indicated blockchain.
func (p *Postgres) LoadCursor(ctx context.Context, net string) (c store.Cursor, err error) {
	err = p.db.QueryRowContext(ctx, `SELECT net, block, updated_at FROM cursors WHERE net = $1`, net).
		Scan(&c.Net, &c.Block, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = store.ErrDataNotFound
	}

	return c, err
}

// SaveCursor saves the listener cursor for the indicated blockchain.
func (p *Postgres) SaveCursor(ctx context.Context, c store.Cursor) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO cursors (net, block, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (net) DO UPDATE SET block = EXCLUDED.block, updated_at = EXCLUDED.updated_at`,
		c.Net, c.Block, c.UpdatedAt)

	return err
}

// duplicate translates a unique constraint violation into store.ErrDuplicateKey.
func duplicate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", store.ErrDuplicateKey, pqErr.Message)
	}

	return err
}
