// Package mongo implements the store interface for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/tokensync/lib/store"
)

// Collection names.
const (
	database  = "tokensync"
	transfers = "transfers"
	chunks    = "chunks"
	users     = "users"
	cursors   = "cursors"
)

// duplicateKey is the server error code for a unique index violation.
const duplicateKey = 11000

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c  *mgo.Client
	db *mgo.Database
}

// New returns a Mongo client connection to the specified MongoDB database uri. The unique indexes backing the
// store's constraints are created if missing.
func New(uri string) (*Mongo, error) {
	// get a client
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}
	// connect client
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	m := &Mongo{c: c, db: c.Database(database)}

	if err = m.indexes(ctx); err != nil {
		_ = c.Disconnect(context.Background())

		return nil, err
	}

	return m, nil
}

func (m *Mongo) indexes(ctx context.Context) error {
	idx := map[string][]mgo.IndexModel{
		transfers: {
			{Keys: bson.D{{Key: "txId", Value: 1}, {Key: "to", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "from", Value: 1}}},
			{Keys: bson.D{{Key: "to", Value: 1}}},
		},
		chunks: {
			{Keys: bson.D{{Key: "requestId", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		users: {
			{Keys: bson.D{{Key: "address", Value: 1}}},
		},
	}

	for col, models := range idx {
		if _, err := m.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("cannot create indexes on %s: %w", col, err)
		}
	}

	return nil
}

// Close will close a database connection. Must be called at termination time.
func (m *Mongo) Close() error {
	return m.c.Disconnect(context.Background())
}

// FindTransfer returns the transfer identified by its transaction and destination.
func (m *Mongo) FindTransfer(ctx context.Context, txID, to string) (t store.Transfer, err error) {
	err = m.db.Collection(transfers).FindOne(ctx, bson.M{"txId": txID, "to": to}).Decode(&t)

	return t, notFound(err)
}

// SaveTransfer inserts a transfer, returning store.ErrDuplicateKey if it already exists.
func (m *Mongo) SaveTransfer(ctx context.Context, t store.Transfer) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	_, err := m.db.Collection(transfers).InsertOne(ctx, t)

	return duplicate(err)
}

// Transfers returns the transfers from or to address of the given kind, any kind if empty.
func (m *Mongo) Transfers(ctx context.Context, address string, kind store.Kind) ([]store.Transfer, error) {
	filter := bson.M{"$or": bson.A{bson.M{"from": address}, bson.M{"to": address}}}
	if kind != "" {
		filter["kind"] = kind
	}

	cur, err := m.db.Collection(transfers).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("cannot find transfers of %s: %w", address, err)
	}

	var ts []store.Transfer
	if err = cur.All(ctx, &ts); err != nil {
		return nil, fmt.Errorf("cannot decode transfers of %s: %w", address, err)
	}

	return ts, nil
}

// SaveChunk inserts an airdrop chunk.
func (m *Mongo) SaveChunk(ctx context.Context, c store.Chunk) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	_, err := m.db.Collection(chunks).InsertOne(ctx, c)

	return duplicate(err)
}

// Chunks returns the chunks of a request in sequence order.
func (m *Mongo) Chunks(ctx context.Context, requestID string) ([]store.Chunk, error) {
	cur, err := m.db.Collection(chunks).Find(ctx, bson.M{"requestId": requestID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("cannot find chunks of %s: %w", requestID, err)
	}

	var cs []store.Chunk
	if err = cur.All(ctx, &cs); err != nil {
		return nil, fmt.Errorf("cannot decode chunks of %s: %w", requestID, err)
	}

	return cs, nil
}

// UpdateChunk sets the fields present in the patch.
func (m *Mongo) UpdateChunk(ctx context.Context, id string, p store.ChunkPatch) error {
	set := bson.D{{Key: "updatedAt", Value: time.Now().UTC()}}

	if p.Status != nil {
		set = append(set, bson.E{Key: "status", Value: *p.Status})
	}

	if p.TxID != nil {
		set = append(set, bson.E{Key: "txId", Value: *p.TxID})
	}

	if p.Error != nil {
		set = append(set, bson.E{Key: "error", Value: *p.Error})
	}

	res, err := m.db.Collection(chunks).UpdateOne(ctx, bson.M{"_id": id}, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("cannot update chunk %s: %w", id, err)
	}

	if res.MatchedCount == 0 {
		return store.ErrDataNotFound
	}

	return nil
}

// DeleteChunks removes every chunk of a request.
func (m *Mongo) DeleteChunks(ctx context.Context, requestID string) error {
	_, err := m.db.Collection(chunks).DeleteMany(ctx, bson.M{"requestId": requestID})

	return err
}

// OpenRequests returns the requests with chunks not yet in a terminal state, oldest first.
func (m *Mongo) OpenRequests(ctx context.Context) ([]string, error) {
	pipeline := mgo.Pipeline{
		{{Key: "$match", Value: bson.M{"status": bson.M{"$in": bson.A{store.ChunkPending, store.ChunkProcessing}}}}},
		{{Key: "$group", Value: bson.M{"_id": "$requestId", "first": bson.M{"$min": "$createdAt"}}}},
		{{Key: "$sort", Value: bson.D{{Key: "first", Value: 1}, {Key: "_id", Value: 1}}}},
	}

	cur, err := m.db.Collection(chunks).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("cannot find open requests: %w", err)
	}

	var rows []struct {
		ID string `bson:"_id"`
	}

	if err = cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("cannot decode open requests: %w", err)
	}

	ids := make([]string, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}

	return ids, nil
}

// AddUser registers a user.
func (m *Mongo) AddUser(ctx context.Context, u store.User) error {
	u.Address = strings.ToLower(u.Address)
	_, err := m.db.Collection(users).InsertOne(ctx, u)

	return duplicate(err)
}

// Addresses maps the known ids to their addresses.
func (m *Mongo) Addresses(ctx context.Context, ids []string) (map[string]string, error) {
	us, err := m.users(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}

	res := make(map[string]string, len(us))
	for _, u := range us {
		res[u.ID] = u.Address
	}

	return res, nil
}

// Users maps the known addresses to their user ids.
func (m *Mongo) Users(ctx context.Context, addresses []string) (map[string]string, error) {
	lower := make([]string, len(addresses))
	for i, a := range addresses {
		lower[i] = strings.ToLower(a)
	}

	us, err := m.users(ctx, bson.M{"address": bson.M{"$in": lower}})
	if err != nil {
		return nil, err
	}

	res := make(map[string]string, len(us))
	for _, u := range us {
		res[u.Address] = u.ID
	}

	return res, nil
}

func (m *Mongo) users(ctx context.Context, filter bson.M) ([]store.User, error) {
	cur, err := m.db.Collection(users).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("cannot find users: %w", err)
	}

	var us []store.User
	if err = cur.All(ctx, &us); err != nil {
		return nil, fmt.Errorf("cannot decode users: %w", err)
	}

	return us, nil
}

// LoadCursor loads the listener cursor for the indicated blockchain.
func (m *Mongo) LoadCursor(ctx context.Context, net string) (c store.Cursor, err error) {
	err = m.db.Collection(cursors).FindOne(ctx, bson.M{"_id": net}).Decode(&c)

	return c, notFound(err)
}

// SaveCursor saves the listener cursor for the indicated blockchain.
func (m *Mongo) SaveCursor(ctx context.Context, c store.Cursor) error {
	_, err := m.db.Collection(cursors).UpdateOne(ctx,
		bson.M{"_id": c.Net}, // filter
		bson.D{ // update
			{
				Key: "$set", Value: bson.D{
					{Key: "block", Value: c.Block},
					{Key: "updatedAt", Value: c.UpdatedAt},
				},
			},
		},
		options.Update().SetUpsert(true))

	return err
}

func notFound(err error) error {
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.ErrDataNotFound
	}

	return err
}

// duplicate translates a unique index violation into store.ErrDuplicateKey.
func duplicate(err error) error {
	if err == nil {
		return nil
	}

	var we mgo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == duplicateKey {
				return fmt.Errorf("%w: %s", store.ErrDuplicateKey, e.Message)
			}
		}
	}

	var ce mgo.CommandError
	if errors.As(err, &ce) && ce.Code == duplicateKey {
		return fmt.Errorf("%w: %s", store.ErrDuplicateKey, ce.Message)
	}

	return err
}
