package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/odvcencio/browserlink/pkg/credential"
	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
	"github.com/odvcencio/browserlink/pkg/logging"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultPingTimeout  = 5 * time.Second
	closeTimeout        = time.Second
	maxErrorBodyBytes   = 2 << 10
)

// RawDialer opens the raw control socket. The credential travels as the
// token query parameter.
type RawDialer struct {
	URL          string
	HTTPClient   *http.Client
	PingInterval time.Duration
	PingTimeout  time.Duration
	ReadLimit    int64
	SendQueue    int
	Logger       *slog.Logger
}

func (d *RawDialer) Kind() Kind     { return KindRaw }
func (d *RawDialer) Target() string { return d.URL }

func (d *RawDialer) Dial(ctx context.Context, cred credential.Credential) (Conn, error) {
	endpoint, err := withQuery(d.URL, "token", cred.Token)
	if err != nil {
		return nil, bkerrors.Wrap(err, bkerrors.ErrCodeInvalidInput, "invalid raw transport url")
	}
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, dialError(KindRaw, d.URL, resp, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	logger := logging.OrDefault(d.Logger)
	interval := d.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	pingTimeout := d.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}

	connCtx, cancel := context.WithCancel(context.Background())
	p := newPipe(KindRaw, d.URL, d.SendQueue)
	p.closer = func() error {
		// A failed link gets no close handshake; the peer is not answering.
		if !errors.Is(p.Err(), ErrClosed) {
			cancel()
			return ignoreCloseError(conn.CloseNow())
		}
		done := make(chan error, 1)
		go func() { done <- conn.Close(websocket.StatusNormalClosure, "client closed") }()
		timer := time.NewTimer(closeTimeout)
		defer timer.Stop()
		select {
		case err := <-done:
			cancel()
			return ignoreCloseError(err)
		case <-timer.C:
			// Cancelling the read context makes the library drop the socket,
			// which ends the pending handshake too.
			cancel()
			return nil
		}
	}

	read := func() error {
		for {
			_, data, err := conn.Read(connCtx)
			if err != nil {
				return err
			}
			if !p.deliver(data) {
				return nil
			}
		}
	}
	write := func(frame []byte) error {
		return conn.Write(connCtx, websocket.MessageText, frame)
	}
	keepalive := func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(connCtx, pingTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					logger.Debug("raw transport ping failed", "target", d.URL, "error", err)
					p.fail(fmt.Errorf("keepalive ping: %w", err))
					return
				}
			}
		}
	}
	p.start(read, write, keepalive)
	return p, nil
}

// dialError maps a failed upgrade to the error taxonomy. A 401/403 means the
// credential was refused.
func dialError(kind Kind, target string, resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("%s transport dial %s: %w", kind, target, err)
	}
	var body string
	if resp.Body != nil {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		body = strings.TrimSpace(string(data))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		e := bkerrors.Wrap(err, bkerrors.ErrCodeAuthRejected, fmt.Sprintf("%s transport rejected credential (%s)", kind, resp.Status)).
			WithContext("target", target)
		if body != "" {
			e = e.WithContext("body", body)
		}
		return e
	}
	if body != "" {
		return fmt.Errorf("%s transport dial %s (%s): %s: %w", kind, target, resp.Status, body, err)
	}
	return fmt.Errorf("%s transport dial %s (%s): %w", kind, target, resp.Status, err)
}

func withQuery(raw, key, value string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if value == "" {
		return u.String(), nil
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func ignoreCloseError(err error) error {
	if err == nil {
		return nil
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		return nil
	}
	if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "already wrote close") {
		return nil
	}
	return err
}
