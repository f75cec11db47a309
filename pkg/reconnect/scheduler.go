package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
	"github.com/odvcencio/browserlink/pkg/logging"
	"github.com/odvcencio/browserlink/pkg/telemetry"
)

// ErrSessionEnded is recorded when a cycle returns without an error, which
// means the remote side closed an open transport cleanly.
var ErrSessionEnded = errors.New("session transport ended")

// State is a snapshot of the scheduler's failure bookkeeping.
type State struct {
	Failures    int
	LastFailure time.Time
	LastError   error
	NextDelay   time.Duration
	Opens       int
}

// Cycle is one connect-and-serve pass. It calls opened once a transport is
// active and returns when that transport ends or could not be opened.
type Cycle func(ctx context.Context, opened func()) error

// Options configures a Scheduler.
type Options struct {
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// OnRetry runs before each wait with the state that produced it.
	OnRetry func(State)
	Now     func() time.Time
}

// Scheduler runs cycles until its context ends, waiting Policy.Delay between
// a failed or closed cycle and the next. Races that fail and transports that
// drop after opening share one failure count.
type Scheduler struct {
	policy  Policy
	logger  *slog.Logger
	metrics *telemetry.Metrics
	onRetry func(State)
	now     func() time.Time
	delay   func(int) time.Duration

	mu    sync.Mutex
	state State
}

func New(policy Policy, opts Options) *Scheduler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		policy:  policy,
		logger:  logging.OrDefault(opts.Logger),
		metrics: opts.Metrics,
		onRetry: opts.OnRetry,
		now:     now,
		delay:   policy.Delay,
	}
}

// Failure records one failed cycle and returns the resulting state, including
// the delay before the next cycle.
func (s *Scheduler) Failure(err error) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Failures++
	s.state.LastFailure = s.now()
	s.state.LastError = err
	s.state.NextDelay = s.delay(s.state.Failures)
	return s.state
}

// Reset clears the failure count after a transport opens.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Failures = 0
	s.state.LastError = nil
	s.state.NextDelay = 0
	s.state.Opens++
}

func (s *Scheduler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run loops until ctx is done and then returns ctx.Err(). A cancelled ctx
// stops any pending wait, and no cycle starts once ctx is done.
func (s *Scheduler) Run(ctx context.Context, cycle Cycle) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := cycle(ctx, s.Reset)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err == nil {
			err = ErrSessionEnded
		}

		st := s.Failure(err)
		s.metrics.ObserveRetry(st.NextDelay)
		s.logger.Info("reconnect scheduled",
			"failures", st.Failures,
			"delay", st.NextDelay,
			"code", bkerrors.GetCode(err),
			"error", err)
		if s.onRetry != nil {
			s.onRetry(st)
		}

		timer := time.NewTimer(st.NextDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
