package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tarancss/tokensync/lib/logging"
	"github.com/tarancss/tokensync/lib/msg"
	"github.com/tarancss/tokensync/lib/msg/types"
)

// Broker queues job executions in the message broker. Queued executions survive a restart of the process; the
// broker delivers them one at a time per job name and they are only acknowledged once the handler returns.
type Broker struct {
	mb  msg.MsgBroker
	log *zap.Logger

	l        sync.Mutex
	handlers map[string]Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewBroker returns a scheduler backed by mb.
func NewBroker(mb msg.MsgBroker, log *zap.Logger) *Broker {
	return &Broker{
		mb:       mb,
		log:      logging.OrNop(log).Named("jobs"),
		handlers: make(map[string]Handler),
	}
}

// Define implements Scheduler.
func (s *Broker) Define(name string, h Handler) {
	s.l.Lock()
	s.handlers[name] = h
	s.l.Unlock()
}

// Run implements Scheduler.
func (s *Broker) Run(_ context.Context, name, payload string) error {
	s.l.Lock()
	_, ok := s.handlers[name]
	s.l.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUndefined, name)
	}

	return s.mb.SendJob(types.Job{ID: uuid.NewString(), Name: name, Payload: payload, Enqueued: time.Now().UTC()})
}

// Start implements Scheduler. It consumes the queue of every defined job.
func (s *Broker) Start(ctx context.Context) error {
	s.l.Lock()
	defer s.l.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)

	for name, h := range s.handlers {
		mut := new(sync.Mutex)
		mut.Lock()

		jobs, errs, err := s.mb.GetJobs(name, mut, ctx.Done())
		if err != nil {
			s.cancel()

			return fmt.Errorf("cannot consume jobs %s: %w", name, err)
		}

		s.wg.Add(1)

		go s.consume(ctx, name, h, jobs, errs, mut)
	}

	return nil
}

func (s *Broker) consume(ctx context.Context, name string, h Handler, jobs <-chan types.Job, errs <-chan error,
	mut *sync.Mutex) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-jobs:
			if !ok {
				s.log.Warn("job queue closed", zap.String("job", name))

				return
			}

			_ = execute(ctx, s.log, name, j.Payload, h)

			mut.Unlock() // acknowledge
		case err := <-errs:
			s.log.Warn("discarding malformed job", zap.String("job", name), zap.Error(err))
		}
	}
}

// Stop implements Scheduler.
func (s *Broker) Stop() {
	s.l.Lock()
	cancel := s.cancel
	s.l.Unlock()

	if cancel != nil {
		cancel()
	}

	s.wg.Wait()
}
