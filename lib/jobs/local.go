package jobs

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tarancss/tokensync/lib/logging"
)

// queueSize is the number of pending executions a local job can hold.
const queueSize = 256

// Local runs jobs in process with one worker goroutine per job name.
type Local struct {
	log *zap.Logger

	l        sync.Mutex
	queues   map[string]chan string
	handlers map[string]Handler
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewLocal returns an in-process scheduler.
func NewLocal(log *zap.Logger) *Local {
	return &Local{
		log:      logging.OrNop(log).Named("jobs"),
		queues:   make(map[string]chan string),
		handlers: make(map[string]Handler),
	}
}

// Define implements Scheduler.
func (s *Local) Define(name string, h Handler) {
	s.l.Lock()
	defer s.l.Unlock()

	s.handlers[name] = h
	if _, ok := s.queues[name]; !ok {
		s.queues[name] = make(chan string, queueSize)
	}
}

// Run implements Scheduler. Executions requested before Start are run once it is called.
func (s *Local) Run(_ context.Context, name, payload string) error {
	s.l.Lock()
	defer s.l.Unlock()

	if s.stopped {
		return ErrStopped
	}

	q, ok := s.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUndefined, name)
	}

	select {
	case q <- payload:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrFull, name)
	}
}

// Start implements Scheduler.
func (s *Local) Start(ctx context.Context) error {
	s.l.Lock()
	defer s.l.Unlock()

	if s.started {
		return nil
	}

	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	for name, q := range s.queues {
		s.wg.Add(1)

		go s.worker(ctx, name, s.handlers[name], q)
	}

	return nil
}

func (s *Local) worker(ctx context.Context, name string, h Handler, q <-chan string) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-q:
			_ = execute(ctx, s.log, name, payload, h)
		}
	}
}

// Stop implements Scheduler.
func (s *Local) Stop() {
	s.l.Lock()
	s.stopped = true
	cancel := s.cancel
	s.l.Unlock()

	if cancel != nil {
		cancel()
	}

	s.wg.Wait()
}
