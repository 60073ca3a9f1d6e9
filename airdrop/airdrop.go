// Package airdrop implements the batch issuance engine. A request to mint the same quantity to many destinations
// is split into chunks of at most ChunkSize recipients, each issued by a single mintBatch call. Chunk state is
// persisted around every step so that an execution interrupted at any point can be resumed without submitting a
// confirmed chunk twice and without losing a failed one.
//
// Chunk lifecycle:
//
//	pending -> processing -> complete
//	                      -> error
//	error (destinations that could not be resolved at submission)
package airdrop

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tarancss/tokensync/ledger"
	"github.com/tarancss/tokensync/lib/block"
	"github.com/tarancss/tokensync/lib/block/types"
	"github.com/tarancss/tokensync/lib/config"
	"github.com/tarancss/tokensync/lib/directory"
	"github.com/tarancss/tokensync/lib/errs"
	"github.com/tarancss/tokensync/lib/jobs"
	"github.com/tarancss/tokensync/lib/logging"
	"github.com/tarancss/tokensync/lib/metrics"
	"github.com/tarancss/tokensync/lib/store"
	"github.com/tarancss/tokensync/lib/util"
)

// ReasonUsersNotFound is the error of the chunk holding the destinations whose user could not be resolved.
const ReasonUsersNotFound = "Users not found"

// Overall status of a request.
type Overall string

// Overall statuses.
const (
	Processing Overall = "processing"
	Complete   Overall = "complete"
	Error      Overall = "error"
)

// Destination of an airdrop: either a user of the directory or an address, with an optional note.
type Destination struct {
	User    string `json:"user,omitempty"`
	Address string `json:"address,omitempty"`
	Note    string `json:"note,omitempty"`
}

// Failed is a destination that did not receive the airdrop, with the reason of its chunk.
type Failed struct {
	store.Recipient
	Reason string `json:"reason"`
}

// Report is the status of a request.
type Report struct {
	RequestID string   `json:"requestId"`
	Status    Overall  `json:"status"`
	Chunks    int      `json:"chunks"`
	Failed    []Failed `json:"failed,omitempty"`
}

// Options of the engine.
type Options struct {
	JobName   string // name of the job executing requests
	ChunkSize int    // recipients per chunk, at most config.MaxChunkSize
}

// Engine submits, executes and reports airdrop requests.
type Engine struct {
	db     store.DB
	chain  block.Chain
	dir    directory.Resolver
	ledger *ledger.Ledger
	sched  jobs.Scheduler
	opts   Options
	log    *zap.Logger
	now    func() time.Time
}

// New returns an engine and defines its job in sched.
func New(db store.DB, c block.Chain, dir directory.Resolver, l *ledger.Ledger, sched jobs.Scheduler, opts Options,
	log *zap.Logger) *Engine {
	if opts.ChunkSize < 1 || opts.ChunkSize > config.MaxChunkSize {
		opts.ChunkSize = config.MaxChunkSize
	}

	if opts.JobName == "" {
		opts.JobName = config.JobNameDefault
	}

	e := &Engine{
		db:     db,
		chain:  c,
		dir:    dir,
		ledger: l,
		sched:  sched,
		opts:   opts,
		log:    logging.OrNop(log).Named("airdrop"),
		now:    func() time.Time { return time.Now().UTC() },
	}

	sched.Define(opts.JobName, func(ctx context.Context, requestID string, extend func()) error {
		return e.Execute(ctx, requestID, extend)
	})

	return e
}

// Quantity parses a positive base-10 integer amount.
func Quantity(q string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(q, 10)
	if !ok || n.Sign() <= 0 {
		return nil, false
	}

	return n, true
}

// Submit persists the chunks of a new request and queues its execution. It returns the request id without
// waiting for the chunks to be issued. Either every chunk is persisted and the execution queued, or nothing is.
func (e *Engine) Submit(ctx context.Context, dests []Destination, quantity string) (string, error) {
	const op = "airdrop.Submit"

	if len(dests) == 0 {
		return "", errs.Errorf(errs.Validation, op, "no destinations")
	}

	if _, ok := Quantity(quantity); !ok {
		return "", errs.Errorf(errs.Validation, op, "quantity %q is not a positive integer", quantity)
	}

	var ids []string

	for i, d := range dests {
		switch {
		case (d.User == "") == (d.Address == ""):
			return "", errs.Errorf(errs.Validation, op, "destination %d must have either a user or an address", i)
		case d.Address != "" && !common.IsHexAddress(d.Address):
			return "", errs.Errorf(errs.Validation, op, "destination %d: invalid address %q", i, d.Address)
		case d.User != "":
			ids = append(ids, d.User)
		}
	}

	resolved, err := e.dir.ResolveMany(ctx, ids)
	if err != nil {
		return "", errs.E(errs.Internal, op, err)
	}

	var valid, missing []store.Recipient

	for _, d := range dests {
		r := store.Recipient{User: d.User, Address: strings.ToLower(d.Address), Note: d.Note}

		if d.User != "" {
			a, ok := resolved[d.User]
			if !ok {
				missing = append(missing, r)

				continue
			}

			r.Address = a
		}

		valid = append(valid, r)
	}

	reqID, now := uuid.NewString(), e.now()

	var chunks []store.Chunk

	for i, group := range util.Chunk(valid, e.opts.ChunkSize) {
		chunks = append(chunks, store.Chunk{
			ID: uuid.NewString(), RequestID: reqID, Seq: i, Status: store.ChunkPending,
			Recipients: group, Quantity: quantity, CreatedAt: now, UpdatedAt: now,
		})
	}

	if len(missing) > 0 {
		chunks = append(chunks, store.Chunk{
			ID: uuid.NewString(), RequestID: reqID, Seq: len(chunks), Status: store.ChunkError,
			Recipients: missing, Quantity: quantity, Error: ReasonUsersNotFound, CreatedAt: now, UpdatedAt: now,
		})
	}

	log := e.log.With(zap.String("request", reqID))

	for _, c := range chunks {
		if err = e.db.SaveChunk(ctx, c); err != nil {
			e.rollback(ctx, log, reqID)

			return "", errs.E(errs.Internal, op, fmt.Errorf("cannot create airdrop chunks: %w", err))
		}

		metrics.AirdropChunks.WithLabelValues(string(c.Status)).Inc()
	}

	if len(valid) > 0 {
		if err = e.sched.Run(ctx, e.opts.JobName, reqID); err != nil {
			e.rollback(ctx, log, reqID)

			return "", errs.E(errs.Internal, op, fmt.Errorf("cannot queue airdrop: %w", err))
		}
	}

	log.Info("airdrop submitted", zap.Int("recipients", len(valid)), zap.Int("unresolved", len(missing)),
		zap.Int("chunks", len(chunks)))

	return reqID, nil
}

// rollback deletes every chunk of the request. A failure is logged, the caller returns its own error.
func (e *Engine) rollback(ctx context.Context, log *zap.Logger, reqID string) {
	if err := e.db.DeleteChunks(context.WithoutCancel(ctx), reqID); err != nil {
		log.Error("cannot roll back airdrop chunks", zap.Error(err))
	}
}

// Execute drives every chunk of the request to a terminal state. It first resolves the chunks left processing by
// an interrupted execution and then issues the pending ones in order. A chunk failure is recorded in the chunk
// and never stops the others. extend is called before and after each chunk.
//
// If ctx ends while a chunk is being issued, the chunk is left as it is and ctx's error is returned: the next
// execution resumes it.
func (e *Engine) Execute(ctx context.Context, requestID string, extend func()) error {
	const op = "airdrop.Execute"

	if extend == nil {
		extend = func() {}
	}

	chunks, err := e.db.Chunks(ctx, requestID)
	if err != nil {
		return errs.E(errs.Internal, op, err)
	}

	if len(chunks) == 0 {
		return errs.Errorf(errs.NotFound, op, "request %s not found", requestID)
	}

	log := e.log.With(zap.String("request", requestID))

	for i := range chunks {
		if chunks[i].Status != store.ChunkProcessing {
			continue
		}

		extend()
		e.resolve(ctx, log, &chunks[i])
		extend()

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	for i := range chunks {
		if chunks[i].Status != store.ChunkPending {
			continue
		}

		extend()
		e.issue(ctx, log, &chunks[i])
		extend()

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}

// resolve settles a chunk found processing. With a transaction the outcome is read from the chain; without one
// the call was never submitted and the chunk goes back to pending.
func (e *Engine) resolve(ctx context.Context, log *zap.Logger, c *store.Chunk) {
	log = log.With(zap.Int("chunk", c.Seq))

	if c.TxID == "" {
		log.Info("resetting unsubmitted chunk")

		if err := e.update(ctx, c, store.Patch(store.ChunkPending, nil, nil)); err != nil {
			log.Error("cannot reset chunk, it will be retried on the next execution", zap.Error(err))
		}

		return
	}

	log.Info("recovering submitted chunk", zap.String("tx", c.TxID))

	r, err := e.chain.Await(ctx, c.TxID)
	if err != nil {
		if ctx.Err() == nil {
			e.fail(ctx, log, c, nil, errs.E(errs.Recovery, "airdrop.resolve", err))
		}

		return
	}

	e.confirmed(ctx, log, c, r)
}

// issue submits a pending chunk and waits for its confirmation. The status is persisted before the call is
// submitted and the transaction right after it, so an interruption at any point leaves the chunk recoverable.
func (e *Engine) issue(ctx context.Context, log *zap.Logger, c *store.Chunk) {
	log = log.With(zap.Int("chunk", c.Seq))

	if err := e.update(ctx, c, store.Patch(store.ChunkProcessing, nil, nil)); err != nil {
		e.fail(ctx, log, c, nil, err)

		return
	}

	metrics.AirdropChunks.WithLabelValues(string(store.ChunkProcessing)).Inc()

	amount, ok := Quantity(c.Quantity)
	if !ok {
		e.fail(ctx, log, c, nil, fmt.Errorf("%w: %q", types.ErrWrongAmt, c.Quantity))

		return
	}

	addrs, notes := make([]string, len(c.Recipients)), make([]string, len(c.Recipients))
	for i, r := range c.Recipients {
		addrs[i], notes[i] = r.Address, r.Note
	}

	hash, err := e.chain.Submit(ctx, types.Call{Method: types.MethodMintBatch, Args: []interface{}{addrs, notes, amount}})
	if err != nil {
		if ctx.Err() == nil {
			e.fail(ctx, log, c, nil, errs.E(errs.Chain, "airdrop.issue", err))
		}

		return
	}

	log = log.With(zap.String("tx", hash))

	if err = e.update(ctx, c, store.ChunkPatch{TxID: &hash}); err != nil {
		e.fail(ctx, log, c, &hash, err)

		return
	}

	r, err := e.chain.Await(ctx, hash)
	if err != nil {
		if ctx.Err() == nil {
			e.fail(ctx, log, c, nil, errs.E(errs.Chain, "airdrop.issue", err))
		}

		return
	}

	e.confirmed(ctx, log, c, r)
}

// confirmed completes the chunk of a mined transaction and records its events in the ledger.
func (e *Engine) confirmed(ctx context.Context, log *zap.Logger, c *store.Chunk, r types.Receipt) {
	if !r.Success {
		e.fail(ctx, log, c, nil, errs.E(errs.Chain, "airdrop.confirm", types.ErrReverted))

		return
	}

	if err := e.update(ctx, c, store.Patch(store.ChunkComplete, nil, nil)); err != nil {
		// the chain call succeeded, the next execution completes the chunk from its transaction
		log.Error("cannot complete chunk", zap.Error(err))

		return
	}

	metrics.AirdropChunks.WithLabelValues(string(store.ChunkComplete)).Inc()
	log.Info("chunk complete", zap.Int("recipients", len(c.Recipients)))

	for _, ev := range r.Events {
		if _, err := e.ledger.Record(ctx, ledger.Airdrop, ev); err != nil {
			log.Warn("cannot record airdrop event", zap.String("to", ev.To), zap.Error(err))
		}
	}
}

// fail marks the chunk as error with the message of cause.
func (e *Engine) fail(ctx context.Context, log *zap.Logger, c *store.Chunk, txID *string, cause error) {
	msg := cause.Error()

	log.Warn("chunk failed", zap.Error(cause))
	metrics.AirdropChunks.WithLabelValues(string(store.ChunkError)).Inc()

	if err := e.update(ctx, c, store.Patch(store.ChunkError, txID, &msg)); err != nil {
		log.Error("cannot mark chunk as failed", zap.Error(err))
	}
}

// update persists p and applies it to c.
func (e *Engine) update(ctx context.Context, c *store.Chunk, p store.ChunkPatch) error {
	if err := e.db.UpdateChunk(ctx, c.ID, p); err != nil {
		return fmt.Errorf("cannot update chunk %s: %w", c.ID, err)
	}

	p.Apply(c)
	c.UpdatedAt = e.now()

	return nil
}

// Status reports whether the request is still processing, complete, or finished with errors, listing then every
// destination of the failed chunks with the reason.
func (e *Engine) Status(ctx context.Context, requestID string) (Report, error) {
	const op = "airdrop.Status"

	chunks, err := e.db.Chunks(ctx, requestID)
	if err != nil {
		return Report{}, errs.E(errs.Internal, op, err)
	}

	if len(chunks) == 0 {
		return Report{}, errs.Errorf(errs.NotFound, op, "request %s not found", requestID)
	}

	rep := Report{RequestID: requestID, Status: Complete, Chunks: len(chunks)}

	for _, c := range chunks {
		switch c.Status {
		case store.ChunkPending, store.ChunkProcessing:
			return Report{RequestID: requestID, Status: Processing, Chunks: len(chunks)}, nil
		case store.ChunkError:
			rep.Status = Error

			for _, r := range c.Recipients {
				rep.Failed = append(rep.Failed, Failed{Recipient: r, Reason: c.Error})
			}
		}
	}

	return rep, nil
}

// Resume queues an execution of every request with chunks not yet terminal. It is called at start-up, so requests
// whose execution was lost with the previous process are driven to completion. It returns the number of requests
// queued.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	ids, err := e.db.OpenRequests(ctx)
	if err != nil {
		return 0, errs.E(errs.Internal, "airdrop.Resume", err)
	}

	n := 0

	for _, id := range ids {
		if err = e.sched.Run(ctx, e.opts.JobName, id); err != nil {
			e.log.Error("cannot queue unfinished airdrop", zap.String("request", id), zap.Error(err))

			continue
		}

		n++
	}

	if n > 0 {
		e.log.Info("resumed unfinished airdrops", zap.Int("requests", n))
	}

	return n, nil
}
