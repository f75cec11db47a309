// Package coordinator composes credentials, the transport race, the
// reconnect loop and the remote-control session into one client.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/odvcencio/browserlink/pkg/credential"
	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
	"github.com/odvcencio/browserlink/pkg/logging"
	"github.com/odvcencio/browserlink/pkg/reconnect"
	"github.com/odvcencio/browserlink/pkg/remote"
	"github.com/odvcencio/browserlink/pkg/telemetry"
	"github.com/odvcencio/browserlink/pkg/transport"
)

// Credentials supplies the credential for each connection cycle.
type Credentials interface {
	EnsureCredential(ctx context.Context) (credential.Credential, error)
	Invalidate(ctx context.Context) error
}

// Racer opens one transport for a cycle.
type Racer interface {
	Race(ctx context.Context, cred credential.Credential) (*transport.Result, error)
}

// Options wires a Coordinator. Credentials and Racer are required.
type Options struct {
	Credentials Credentials
	Racer       Racer
	Policy      reconnect.Policy
	// AuthRequired refuses to race without a credential. When false a
	// credential failure is logged and the race proceeds anonymously.
	AuthRequired bool
	// Session defaults to a new session with the same logger and metrics.
	Session *remote.Session
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// Closers are released by Close after the session, in order.
	Closers []func() error
}

// Coordinator owns one Session and keeps it connected until closed.
type Coordinator struct {
	creds        Credentials
	racer        Racer
	authRequired bool
	session      *remote.Session
	scheduler    *reconnect.Scheduler
	logger       *slog.Logger
	closers      []func() error

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

func New(opts Options) (*Coordinator, error) {
	if opts.Credentials == nil || opts.Racer == nil {
		return nil, bkerrors.New(bkerrors.ErrCodeInvalidInput, "coordinator needs credentials and a racer")
	}
	logger := logging.OrDefault(opts.Logger)
	session := opts.Session
	if session == nil {
		session = remote.NewSession(remote.SessionOptions{Logger: logger, Metrics: opts.Metrics})
	}
	c := &Coordinator{
		creds:        opts.Credentials,
		racer:        opts.Racer,
		authRequired: opts.AuthRequired,
		session:      session,
		logger:       logger.With("session", session.ID()),
		closers:      opts.Closers,
		done:         make(chan struct{}),
	}
	c.scheduler = reconnect.New(opts.Policy, reconnect.Options{
		Logger:  c.logger,
		Metrics: opts.Metrics,
		OnRetry: c.announceRetry,
	})
	return c, nil
}

// Session returns the session kept connected by the coordinator.
func (c *Coordinator) Session() *remote.Session { return c.session }

// State reports the reconnect bookkeeping.
func (c *Coordinator) State() reconnect.State { return c.scheduler.Snapshot() }

// Start begins connecting in the background. It returns immediately; watch
// the session's events for Opened and Closed.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return bkerrors.New(bkerrors.ErrCodeInvalidInput, "coordinator is closed")
	case c.started:
		return bkerrors.New(bkerrors.ErrCodeInvalidInput, "coordinator already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		defer close(c.done)
		err := c.scheduler.Run(runCtx, c.cycle)
		c.mu.Lock()
		c.runErr = err
		c.mu.Unlock()
	}()
	c.logger.Info("session started")
	return nil
}

// Done is closed once the reconnect loop has stopped.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Err is the reconnect loop's final error, set once Done is closed.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// Close stops the reconnect loop and waits for it, so no transport attempt
// starts after Close returns. It then closes the session and releases
// Closers.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if started {
		cancel()
		<-c.done
	}
	errs := []error{c.session.Close()}
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	c.logger.Info("session closed", "opens", c.session.Opens())
	return errors.Join(errs...)
}

// cycle is one credential -> race -> serve pass.
func (c *Coordinator) cycle(ctx context.Context, opened func()) error {
	cred, err := c.creds.EnsureCredential(ctx)
	if err != nil {
		if c.authRequired || ctx.Err() != nil {
			return err
		}
		c.logger.Warn("credential unavailable, connecting anonymously", "error", err)
		cred = credential.Credential{}
	}

	result, err := c.racer.Race(ctx, cred)
	if err != nil {
		c.dropRejected(ctx, err)
		return err
	}
	opened()
	err = c.session.Serve(ctx, result.Conn)
	c.dropRejected(ctx, err)
	return err
}

// dropRejected forgets a credential the remote refused so the next cycle
// mints a new one.
func (c *Coordinator) dropRejected(ctx context.Context, err error) {
	if !bkerrors.IsCode(err, bkerrors.ErrCodeAuthRejected) || ctx.Err() != nil {
		return
	}
	c.logger.Warn("remote rejected credential; discarding it")
	if invErr := c.creds.Invalidate(ctx); invErr != nil {
		c.logger.Warn("failed to discard credential", "error", invErr)
	}
}

func (c *Coordinator) announceRetry(st reconnect.State) {
	c.session.Publish(remote.Event{
		Kind:     remote.EventReconnecting,
		Failures: st.Failures,
		Delay:    st.NextDelay,
		Err:      st.LastError,
	})
}
