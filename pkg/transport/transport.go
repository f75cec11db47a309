// Package transport opens authenticated bidirectional connections to the
// remote browser host. Two wire protocols are supported: a raw WebSocket
// carrying one JSON envelope per frame, and Socket.IO over Engine.IO
// WebSockets. Racer runs them against each other with a staggered start.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/browserlink/pkg/credential"
)

// Kind identifies a wire protocol.
type Kind string

const (
	KindRaw         Kind = "raw"
	KindMultiplexed Kind = "multiplexed"
)

// State is the lifecycle of an Attempt.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrQueueFull is returned by Send when the outbound queue has no room.
	ErrQueueFull = errors.New("transport: send queue full")
	// ErrClosed is returned by operations on a connection closed locally.
	ErrClosed = errors.New("transport: closed")
)

// Conn is an open transport. Messages are JSON envelopes; framing specific to
// the wire protocol is applied and removed by the implementation.
type Conn interface {
	Kind() Kind
	// Target is the endpoint address with any credential stripped.
	Target() string
	// Send enqueues msg without blocking.
	Send(msg []byte) error
	// Receive blocks for the next inbound message, in arrival order. After the
	// connection ends it returns the terminal error.
	Receive(ctx context.Context) ([]byte, error)
	// Close tears the connection down and waits for its goroutines.
	Close() error
	// Done is closed once the connection has ended for any reason.
	Done() <-chan struct{}
	// Err reports why the connection ended, or nil while it is open.
	Err() error
}

// Dialer opens one kind of Conn.
type Dialer interface {
	Kind() Kind
	Target() string
	Dial(ctx context.Context, cred credential.Credential) (Conn, error)
}

// Attempt records one connection try made by a Racer.
type Attempt struct {
	ID         string
	Kind       Kind
	Target     string
	Credential credential.Credential
	StartedAt  time.Time

	state atomic.Int32

	mu        sync.Mutex
	err       error
	settledAt time.Time
	conn      Conn
}

func newAttempt(d Dialer, cred credential.Credential) *Attempt {
	return &Attempt{
		ID:         uuid.NewString(),
		Kind:       d.Kind(),
		Target:     d.Target(),
		Credential: cred,
		StartedAt:  time.Now(),
	}
}

// State reports the current state. An open attempt whose connection has
// since ended reports closed.
func (a *Attempt) State() State {
	s := State(a.state.Load())
	if s != StateOpen {
		return s
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		select {
		case <-conn.Done():
			a.state.CompareAndSwap(int32(StateOpen), int32(StateClosed))
			return StateClosed
		default:
		}
	}
	return StateOpen
}

// Err is the dial error for failed attempts.
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Elapsed is the time from start until the attempt left connecting.
func (a *Attempt) Elapsed() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settledAt.IsZero() {
		return time.Since(a.StartedAt)
	}
	return a.settledAt.Sub(a.StartedAt)
}

func (a *Attempt) settle(to State, conn Conn, err error) bool {
	if !a.state.CompareAndSwap(int32(StateConnecting), int32(to)) {
		return false
	}
	a.mu.Lock()
	a.err = err
	a.conn = conn
	a.settledAt = time.Now()
	a.mu.Unlock()
	return true
}
