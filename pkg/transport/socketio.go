package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/browserlink/pkg/credential"
	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
	"github.com/odvcencio/browserlink/pkg/logging"
)

const handshakeTimeout = 10 * time.Second

// SocketIODialer opens the multiplexed transport: Socket.IO v5 over an
// Engine.IO v4 WebSocket. The credential is sent as the connect auth payload.
// When AltURL is set and URL has not opened within AltDelay, AltURL is
// dialed as well and the first to open is kept.
type SocketIODialer struct {
	URL       string
	AltURL    string
	AltDelay  time.Duration
	TLSConfig *tls.Config
	Header    http.Header
	ReadLimit int64
	SendQueue int
	Logger    *slog.Logger
}

func (d *SocketIODialer) Kind() Kind     { return KindMultiplexed }
func (d *SocketIODialer) Target() string { return d.URL }

func (d *SocketIODialer) Dial(ctx context.Context, cred credential.Credential) (Conn, error) {
	if strings.TrimSpace(d.AltURL) == "" {
		return d.dialPath(ctx, d.URL, cred)
	}
	delay := d.AltDelay
	if delay <= 0 {
		delay = 1500 * time.Millisecond
	}
	paths := &Racer{
		Primary:         socketPath{d, d.URL},
		Fallback:        socketPath{d, d.AltURL},
		PreferenceDelay: delay,
		Logger:          d.Logger,
	}
	result, err := paths.Race(ctx, cred)
	if err != nil {
		return nil, err
	}
	return result.Conn, nil
}

// socketPath dials one concrete Socket.IO endpoint.
type socketPath struct {
	d   *SocketIODialer
	url string
}

func (s socketPath) Kind() Kind     { return KindMultiplexed }
func (s socketPath) Target() string { return s.url }
func (s socketPath) Dial(ctx context.Context, cred credential.Credential) (Conn, error) {
	return s.d.dialPath(ctx, s.url, cred)
}

func (d *SocketIODialer) dialPath(ctx context.Context, target string, cred credential.Credential) (Conn, error) {
	endpoint, err := engineURL(target)
	if err != nil {
		return nil, bkerrors.Wrap(err, bkerrors.ErrCodeInvalidInput, "invalid multiplexed transport url")
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  d.TLSConfig,
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		return nil, dialError(KindMultiplexed, target, resp, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}

	logger := logging.OrDefault(d.Logger)
	// A cancelled race must unblock the handshake reads below.
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	open, early, err := handshake(ctx, ws, target, cred, logger)
	if !stop() {
		_ = ws.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("multiplexed transport handshake %s: %w", target, err)
	}
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})

	p := newPipe(KindMultiplexed, target, d.SendQueue)
	p.wrap = encodeEvent
	p.closer = func() error {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err := ws.Close()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}

	liveness := open.liveness()
	read := func() error {
		for _, msg := range early {
			if !p.deliver(msg) {
				return nil
			}
		}
		for {
			if liveness > 0 {
				_ = ws.SetReadDeadline(time.Now().Add(liveness))
			}
			_, data, err := ws.ReadMessage()
			if err != nil {
				return err
			}
			frame := string(data)
			if frame == "" {
				continue
			}
			switch frame[0] {
			case eioPing:
				if err := p.enqueue([]byte{eioPong}); err != nil {
					logger.Debug("engine.io pong dropped", "target", target, "error", err)
				}
				continue
			case eioPong, eioNoop:
				continue
			case eioClose:
				return errors.New("engine.io close from server")
			case eioMessage:
			default:
				logger.Debug("ignoring engine.io packet", "target", target, "type", string(frame[0]))
				continue
			}
			if len(frame) < 2 {
				continue
			}
			switch frame[1] {
			case sioEvent:
				envelope, ok := decodeEventFrame(frame)
				if !ok {
					// Handed on as is so the session logs and drops it.
					envelope = data
				}
				if !p.deliver(envelope) {
					return nil
				}
			case sioDisconnect:
				return errors.New("socket.io disconnect from server")
			case sioConnectError:
				return bkerrors.New(bkerrors.ErrCodeAuthRejected, "socket.io connect_error: "+connectErrorMessage(frame))
			case sioConnect, sioAck:
			}
		}
	}
	write := func(frame []byte) error {
		_ = ws.SetWriteDeadline(time.Now().Add(handshakeTimeout))
		return ws.WriteMessage(websocket.TextMessage, frame)
	}
	p.start(read, write)
	return p, nil
}

// handshake performs open -> connect -> connected. Events arriving before the
// connected ack are returned as early envelopes.
func handshake(ctx context.Context, ws *websocket.Conn, target string, cred credential.Credential, logger *slog.Logger) (openPacket, [][]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
		_ = ws.SetWriteDeadline(deadline)
	} else {
		_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
		_ = ws.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	}

	_, data, err := ws.ReadMessage()
	if err != nil {
		return openPacket{}, nil, fmt.Errorf("read engine.io open: %w", err)
	}
	open, err := parseOpen(string(data))
	if err != nil {
		return openPacket{}, nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(connectPacket(cred.Token))); err != nil {
		return openPacket{}, nil, fmt.Errorf("send socket.io connect: %w", err)
	}

	var early [][]byte
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return openPacket{}, nil, fmt.Errorf("await socket.io connect: %w", err)
		}
		frame := string(data)
		switch {
		case frame == "2":
			if err := ws.WriteMessage(websocket.TextMessage, []byte{eioPong}); err != nil {
				return openPacket{}, nil, fmt.Errorf("send engine.io pong: %w", err)
			}
		case strings.HasPrefix(frame, "40"):
			_ = ws.SetWriteDeadline(time.Time{})
			return open, early, nil
		case strings.HasPrefix(frame, "44"):
			return openPacket{}, nil, bkerrors.New(bkerrors.ErrCodeAuthRejected,
				"multiplexed transport rejected credential: "+connectErrorMessage(frame)).
				WithContext("target", target)
		case strings.HasPrefix(frame, "42"):
			env, ok := decodeEventFrame(frame)
			if !ok {
				logger.Warn("dropping malformed socket.io event", "target", target, "bytes", len(data))
				continue
			}
			early = append(early, env)
		case strings.HasPrefix(frame, "1"), strings.HasPrefix(frame, "41"):
			return openPacket{}, nil, errors.New("server closed during socket.io handshake")
		}
	}
}

func decodeEventFrame(frame string) ([]byte, bool) {
	name, args, ok := parseEvent(frame)
	if !ok {
		return nil, false
	}
	env, err := eventEnvelope(name, args)
	if err != nil || !json.Valid(env) {
		return nil, false
	}
	return env, true
}
