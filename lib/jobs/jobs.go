// Package jobs runs named background jobs. A Scheduler guarantees that at most one execution of a given job name
// is in flight at any time within the process; executions requested meanwhile are queued and run in order.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/tokensync/lib/metrics"
)

// Handler executes one job run. extend must be called periodically by long running handlers to report they are
// alive.
type Handler func(ctx context.Context, payload string, extend func()) error

// Scheduler defines and runs named jobs.
type Scheduler interface {
	// Define registers the handler of job name. It must be called before Start.
	Define(name string, h Handler)
	// Run queues an execution of job name with payload.
	Run(ctx context.Context, name, payload string) error
	// Start begins executing queued jobs.
	Start(ctx context.Context) error
	// Stop waits for the running executions to end. Queued executions are dropped.
	Stop()
}

// Errors returned
var (
	ErrUndefined = errors.New("job is not defined")
	ErrFull      = errors.New("job queue is full")
	ErrStopped   = errors.New("scheduler is stopped")
)

// heartbeat returns the liveness extension callback of a job.
func heartbeat(name string) func() {
	g := metrics.JobHeartbeat.WithLabelValues(name)

	return func() { g.SetToCurrentTime() }
}

// execute runs h recovering from panics so the worker of name survives a faulty run.
func execute(ctx context.Context, log *zap.Logger, name, payload string, h Handler) (err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}

		if err != nil {
			log.Error("job failed", zap.String("job", name), zap.String("payload", payload),
				zap.Duration("took", time.Since(start)), zap.Error(err))

			return
		}

		log.Info("job done", zap.String("job", name), zap.String("payload", payload),
			zap.Duration("took", time.Since(start)))
	}()

	extend := heartbeat(name)
	extend()

	return h(ctx, payload, extend)
}
