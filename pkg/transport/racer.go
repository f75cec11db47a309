package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/browserlink/pkg/credential"
	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
	"github.com/odvcencio/browserlink/pkg/logging"
	"github.com/odvcencio/browserlink/pkg/telemetry"
)

// Racer opens Primary immediately and Fallback only once Primary has failed
// or has not opened within PreferenceDelay. The first to open wins and every
// other attempt is closed before Race returns.
type Racer struct {
	Primary  Dialer
	Fallback Dialer

	PreferenceDelay time.Duration
	// ConnectTimeout bounds the whole race from its start. Zero leaves the
	// bound to the caller's context.
	ConnectTimeout time.Duration

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Result describes a won race.
type Result struct {
	Conn     Conn
	Winner   *Attempt
	Attempts []*Attempt
	Elapsed  time.Duration
}

// tieWindow is how long a fallback win waits for a primary that is opening
// at effectively the same instant.
const tieWindow = 5 * time.Millisecond

type outcome struct {
	attempt *Attempt
	conn    Conn
	err     error
}

// Race runs the attempts with cred. It fails with ALL_TRANSPORTS_FAILED when
// nothing opens in time, or with the context error when ctx ends first.
func (r *Racer) Race(ctx context.Context, cred credential.Credential) (_ *Result, err error) {
	if r.Primary == nil {
		return nil, bkerrors.New(bkerrors.ErrCodeInvalidInput, "racer has no primary dialer")
	}
	// No attempt starts once the caller has given up.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := logging.OrDefault(r.Logger)
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "transport.race",
		telemetry.AttrTransportKind.String(string(r.Primary.Kind())))
	defer func() { telemetry.EndSpan(span, err) }()

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if r.ConnectTimeout > 0 {
		var timeoutCancel context.CancelFunc
		raceCtx, timeoutCancel = context.WithTimeout(raceCtx, r.ConnectTimeout)
		defer timeoutCancel()
	}

	g, gctx := errgroup.WithContext(raceCtx)
	// Sized for every attempt so no dialer goroutine blocks on send.
	results := make(chan outcome, 2)
	var attempts []*Attempt

	launch := func(d Dialer) *Attempt {
		a := newAttempt(d, cred)
		attempts = append(attempts, a)
		logger.Debug("transport attempt started", "attempt", a.ID, "kind", a.Kind, "target", a.Target)
		g.Go(func() error {
			attemptCtx, attemptSpan := telemetry.StartSpan(gctx, "transport.attempt",
				telemetry.AttrAttemptID.String(a.ID),
				telemetry.AttrTransportKind.String(string(a.Kind)),
				telemetry.AttrTransportTarget.String(a.Target))
			conn, dialErr := d.Dial(attemptCtx, cred)
			telemetry.EndSpan(attemptSpan, dialErr)
			results <- outcome{attempt: a, conn: conn, err: dialErr}
			return nil
		})
		return a
	}

	primary := launch(r.Primary)
	pending := 1
	fallbackStarted := r.Fallback == nil

	var preference <-chan time.Time
	if r.Fallback != nil {
		timer := time.NewTimer(r.PreferenceDelay)
		defer timer.Stop()
		preference = timer.C
	}
	startFallback := func(reason string) {
		if fallbackStarted || raceCtx.Err() != nil {
			return
		}
		fallbackStarted = true
		preference = nil
		pending++
		telemetry.AddEvent(ctx, "transport.fallback_started")
		logger.Debug("starting fallback transport", "reason", reason, "after", time.Since(start))
		launch(r.Fallback)
	}

	var (
		winner *outcome
		errs   []error
	)
race:
	for {
		select {
		case <-preference:
			startFallback("preference delay elapsed")
		case o := <-results:
			pending--
			if o.err == nil {
				winner = &o
				break race
			}
			errs = append(errs, fmt.Errorf("%s: %w", o.attempt.Kind, o.err))
			r.settleFailed(o, StateFailed, logger)
			if o.attempt == primary {
				startFallback("primary failed")
			}
			if pending == 0 && fallbackStarted {
				break race
			}
		case <-raceCtx.Done():
			break race
		}
	}

	// Opens within tieWindow of each other resolve in favour of the primary.
	if winner != nil && winner.attempt != primary && primary.State() == StateConnecting {
		tie := time.NewTimer(tieWindow)
		select {
		case o := <-results:
			pending--
			switch {
			case o.err == nil && o.attempt == primary:
				r.closeLoser(*winner, logger)
				winner = &o
			case o.err == nil:
				r.closeLoser(o, logger)
			default:
				r.settleFailed(o, StateFailed, logger)
			}
		case <-tie.C:
		}
		tie.Stop()
	}

	if winner != nil {
		winner.attempt.settle(StateOpen, winner.conn, nil)
	}

	cancel()
	_ = g.Wait()
	close(results)
	// Anything still outstanding was cut short by the race ending.
	for o := range results {
		if o.err == nil {
			r.closeLoser(o, logger)
			continue
		}
		r.settleFailed(o, StateClosed, logger)
	}

	elapsed := time.Since(start)
	if winner != nil {
		r.Metrics.ObserveAttempt(string(winner.attempt.Kind), StateOpen.String(), winner.attempt.Elapsed())
		r.Metrics.ObserveRace(string(winner.attempt.Kind))
		logger.Info("transport race won",
			"kind", winner.attempt.Kind,
			"target", winner.attempt.Target,
			"attempts", len(attempts),
			"elapsed", elapsed)
		return &Result{Conn: winner.conn, Winner: winner.attempt, Attempts: attempts, Elapsed: elapsed}, nil
	}

	r.Metrics.ObserveRace("")
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if raceCtx.Err() != nil && r.ConnectTimeout > 0 && len(errs) < len(attempts) {
		errs = append(errs, fmt.Errorf("connect timeout after %s: %w", r.ConnectTimeout, context.DeadlineExceeded))
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("race ended without a result"))
	}
	e := bkerrors.Wrap(errors.Join(errs...), bkerrors.ErrCodeAllTransportsFailed, "no transport opened").
		WithContext("attempts", len(attempts)).
		WithContext("elapsed", elapsed.Round(time.Millisecond).String())
	logger.Warn("transport race failed", "attempts", len(attempts), "elapsed", elapsed, "error", e)
	return nil, e
}

func (r *Racer) settleFailed(o outcome, state State, logger *slog.Logger) {
	if o.attempt.settle(state, nil, o.err) {
		r.Metrics.ObserveAttempt(string(o.attempt.Kind), state.String(), o.attempt.Elapsed())
		logger.Debug("transport attempt ended", "attempt", o.attempt.ID, "kind", o.attempt.Kind, "state", state, "error", o.err)
	}
}

func (r *Racer) closeLoser(o outcome, logger *slog.Logger) {
	_ = o.conn.Close()
	if o.attempt.settle(StateClosed, nil, nil) {
		r.Metrics.ObserveAttempt(string(o.attempt.Kind), StateClosed.String(), o.attempt.Elapsed())
		logger.Debug("closed losing transport", "attempt", o.attempt.ID, "kind", o.attempt.Kind)
	}
}
