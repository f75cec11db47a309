package remote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
	"github.com/odvcencio/browserlink/pkg/logging"
	"github.com/odvcencio/browserlink/pkg/telemetry"
	"github.com/odvcencio/browserlink/pkg/transport"
)

// SessionOptions configures a Session.
type SessionOptions struct {
	ID      string
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// SubscriberBuffer is the per-subscriber event buffer.
	SubscriberBuffer int
	Now              func() time.Time
}

// Session is the long-lived remote-control conversation. It outlives the
// transports serving it; at most one transport is active at a time.
type Session struct {
	id      string
	logger  *slog.Logger
	metrics *telemetry.Metrics
	hub     *Hub
	now     func() time.Time

	mu     sync.RWMutex
	active transport.Conn
	closed bool

	frame    atomic.Pointer[Frame]
	pageInfo atomic.Pointer[PageInfo]
	frames   atomic.Uint64
	opens    atomic.Int64
}

func NewSession(opts SessionOptions) *Session {
	id := opts.ID
	if id == "" {
		id = ulid.Make().String()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Session{
		id:      id,
		logger:  logging.OrDefault(opts.Logger).With("session", id),
		metrics: opts.Metrics,
		now:     now,
	}
	s.hub = NewHub(opts.SubscriberBuffer, opts.Metrics.EventDropped)
	return s
}

func (s *Session) ID() string { return s.id }

// Subscribe returns a channel of session events and its cleanup func. The
// channel is closed when the session closes.
func (s *Session) Subscribe() (<-chan Event, func()) { return s.hub.Subscribe() }

// Publish emits an event on behalf of the session's owner.
func (s *Session) Publish(event Event) {
	if event.SessionID == "" {
		event.SessionID = s.id
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	s.hub.Publish(event)
}

// LastFrame returns the most recent screenshot, or nil.
func (s *Session) LastFrame() *Frame { return s.frame.Load() }

// PageInfo returns the last known page, or the zero value.
func (s *Session) PageInfo() PageInfo {
	if p := s.pageInfo.Load(); p != nil {
		return *p
	}
	return PageInfo{}
}

// Active reports whether a transport is currently attached.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active != nil
}

// Transport returns the active transport kind, or "".
func (s *Session) Transport() transport.Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return ""
	}
	return s.active.Kind()
}

// Opens counts how many transports have become active for this session.
func (s *Session) Opens() int64 { return s.opens.Load() }

// FramesReceived counts screenshot messages accepted so far.
func (s *Session) FramesReceived() uint64 { return s.frames.Load() }

func (s *Session) Navigate(url string) bool   { return s.Send(Navigate(url)) }
func (s *Session) Click(x, y float64) bool    { return s.Send(Click(x, y)) }
func (s *Session) Type(text string) bool      { return s.Send(TypeText(text)) }
func (s *Session) Scroll(deltaY float64) bool { return s.Send(Scroll(deltaY)) }
func (s *Session) PressKey(key string) bool   { return s.Send(PressKey(key)) }
func (s *Session) RequestScreenshot() bool    { return s.Send(GetScreenshot()) }
func (s *Session) StartStreaming() bool       { return s.Send(StartStreaming()) }
func (s *Session) StopStreaming() bool        { return s.Send(StopStreaming()) }

// Send hands cmd to the active transport without blocking. It reports false
// when the command was dropped: no transport, a full queue or a bad command.
// Dropped commands are never retried.
func (s *Session) Send(cmd Command) bool {
	msg, err := cmd.Encode()
	if err != nil {
		s.logger.Warn("command not sent", "type", cmd.Type, "error", err)
		s.metrics.CommandSent(cmd.Type, false)
		return false
	}

	s.mu.RLock()
	conn := s.active
	s.mu.RUnlock()
	if conn == nil {
		s.logger.Debug("command dropped: no active transport", "type", cmd.Type)
		s.metrics.CommandSent(cmd.Type, false)
		return false
	}
	if err := conn.Send(msg); err != nil {
		s.logger.Debug("command dropped", "type", cmd.Type, "transport", conn.Kind(), "error", err)
		s.metrics.CommandSent(cmd.Type, false)
		return false
	}
	s.logger.Debug("command sent", "type", cmd.Type, "transport", conn.Kind())
	s.metrics.CommandSent(cmd.Type, true)
	return true
}

// Serve makes conn the active transport and dispatches what it receives
// until it ends or ctx is done. conn is closed on return. The result is
// ctx.Err() when ctx ended first, otherwise a TRANSPORT_CLOSED error.
func (s *Session) Serve(ctx context.Context, conn transport.Conn) error {
	if err := s.attach(conn); err != nil {
		_ = conn.Close()
		return err
	}

	var cause error
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			cause = err
			break
		}
		s.dispatch(msg)
	}
	_ = conn.Close()
	s.detach(conn)

	if ctxErr := ctx.Err(); ctxErr != nil {
		s.Publish(Event{Kind: EventClosed, Transport: string(conn.Kind()), Target: conn.Target(), Err: ctxErr})
		return ctxErr
	}
	if !bkerrors.IsCode(cause, bkerrors.ErrCodeTransportClosed) {
		cause = bkerrors.Wrap(cause, bkerrors.ErrCodeTransportClosed, "transport ended").
			WithContext("transport", string(conn.Kind()))
	}
	s.logger.Warn("transport closed unexpectedly", "transport", conn.Kind(), "error", cause)
	s.Publish(Event{Kind: EventClosed, Transport: string(conn.Kind()), Target: conn.Target(), Err: cause})
	return cause
}

func (s *Session) attach(conn transport.Conn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return bkerrors.New(bkerrors.ErrCodeInvalidInput, "session is closed")
	}
	previous := s.active
	s.active = conn
	s.mu.Unlock()

	if previous != nil && previous != conn {
		_ = previous.Close()
	}
	n := s.opens.Add(1)
	s.metrics.SessionOpened()
	s.logger.Info("transport active", "transport", conn.Kind(), "target", conn.Target(), "opens", n)
	s.Publish(Event{Kind: EventOpened, Transport: string(conn.Kind()), Target: conn.Target()})
	return nil
}

func (s *Session) detach(conn transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == conn {
		s.active = nil
		s.metrics.SessionClosed()
	}
}

func (s *Session) dispatch(msg []byte) {
	env, err := Decode(msg)
	if err != nil {
		s.logger.Warn("dropping malformed message", "bytes", len(msg), "error", err)
		return
	}
	switch env.Type {
	case TypeScreenshot:
		payload, err := env.screenshot()
		if err != nil {
			s.logger.Warn("dropping malformed message", "type", env.Type, "bytes", len(msg), "error", err)
			return
		}
		frame := &Frame{
			Seq:        s.frames.Add(1),
			Data:       payload.Screenshot,
			ReceivedAt: s.now(),
		}
		if payload.PageInfo != nil {
			frame.PageInfo = *payload.PageInfo
		} else {
			frame.PageInfo = s.PageInfo()
		}
		s.frame.Store(frame)
		s.metrics.FrameReceived()
		s.Publish(Event{Kind: EventScreenshot, Frame: frame})
		if payload.PageInfo != nil {
			s.updatePageInfo(*payload.PageInfo)
		}
	case TypePageInfo, "pageInfo":
		info, err := env.pageInfo()
		if err != nil {
			s.logger.Warn("dropping malformed message", "type", env.Type, "bytes", len(msg), "error", err)
			return
		}
		s.updatePageInfo(info)
	case TypeError:
		text := env.errorMessage()
		s.logger.Warn("remote error", "message", text)
		s.Publish(Event{
			Kind:    EventRemoteError,
			Message: text,
			Err:     bkerrors.New(bkerrors.ErrCodeRemote, text),
		})
	default:
		if command, ok := IsResult(env.Type); ok {
			s.Publish(Event{Kind: EventCommandResult, Command: command})
			return
		}
		s.logger.Debug("ignoring message", "type", env.Type)
	}
}

// updatePageInfo stores info and emits PageInfoChanged only when it differs.
func (s *Session) updatePageInfo(info PageInfo) {
	if current := s.pageInfo.Load(); current != nil && *current == info {
		return
	}
	s.pageInfo.Store(&info)
	s.Publish(Event{Kind: EventPageInfoChanged, PageInfo: &info})
}

// Close detaches and closes the active transport and stops event delivery.
// A closed session accepts no further transports.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.active
	s.active = nil
	s.mu.Unlock()

	var err error
	if conn != nil {
		if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, transport.ErrClosed) {
			err = closeErr
		}
		s.metrics.SessionClosed()
	}
	s.hub.Close()
	return err
}
