package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Engine.IO v4 packet types (first byte of a text frame).
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioNoop    = '6'
)

// Socket.IO v5 packet types (second byte of an Engine.IO message).
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

const messageEvent = "message"

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload"`
}

// liveness is how long the client waits for any frame before declaring the
// server gone: one ping interval plus the ping timeout.
func (o openPacket) liveness() time.Duration {
	if o.PingInterval <= 0 || o.PingTimeout <= 0 {
		return 0
	}
	return time.Duration(o.PingInterval+o.PingTimeout) * time.Millisecond
}

// engineURL adds the Engine.IO query parameters for a direct WebSocket.
func engineURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseOpen(frame string) (openPacket, error) {
	var open openPacket
	if len(frame) == 0 || frame[0] != eioOpen {
		return open, fmt.Errorf("expected engine.io open packet, got %q", truncate(frame, 32))
	}
	if err := json.Unmarshal([]byte(frame[1:]), &open); err != nil {
		return open, fmt.Errorf("decode engine.io open packet: %w", err)
	}
	return open, nil
}

// connectPacket carries the credential as the Socket.IO auth payload.
func connectPacket(token string) string {
	if token == "" {
		return "40"
	}
	auth, _ := json.Marshal(map[string]string{"token": token})
	return "40" + string(auth)
}

// connectErrorMessage extracts the message from a 44 packet.
func connectErrorMessage(frame string) string {
	body := strings.TrimPrefix(frame, "44")
	if i := strings.IndexByte(body, '{'); i > 0 {
		body = body[i:]
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	if body == "" {
		return "connect_error"
	}
	return truncate(body, 120)
}

// parseEvent decodes 42[/nsp,][ack][args] into the event name and arguments.
func parseEvent(frame string) (string, []json.RawMessage, bool) {
	if len(frame) < 3 || frame[0] != eioMessage || frame[1] != sioEvent {
		return "", nil, false
	}
	payload := frame[2:]
	if strings.HasPrefix(payload, "/") {
		idx := strings.IndexByte(payload, ',')
		if idx <= 0 {
			return "", nil, false
		}
		payload = payload[idx+1:]
	}
	if i := strings.IndexByte(payload, '['); i > 0 {
		if !isDigits(payload[:i]) {
			return "", nil, false
		}
		payload = payload[i:]
	}
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &arr); err != nil || len(arr) == 0 {
		return "", nil, false
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil || name == "" {
		return "", nil, false
	}
	return name, arr[1:], true
}

// eventEnvelope turns a Socket.IO event into the envelope the raw transport
// would have carried. "message" events carry the envelope as their first
// argument; any other event name becomes the envelope type.
func eventEnvelope(name string, args []json.RawMessage) ([]byte, error) {
	var first json.RawMessage
	if len(args) > 0 {
		first = bytes.TrimSpace(args[0])
	}
	if name == messageEvent {
		if len(first) == 0 {
			return nil, fmt.Errorf("message event without payload")
		}
		// Some servers send the envelope JSON-encoded as a string.
		if first[0] == '"' {
			var inner string
			if err := json.Unmarshal(first, &inner); err != nil {
				return nil, err
			}
			first = json.RawMessage(inner)
		}
		return first, nil
	}
	if name == "error" && len(first) > 0 && first[0] == '"' {
		var msg string
		if err := json.Unmarshal(first, &msg); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"type": "error", "message": msg})
	}
	env := map[string]json.RawMessage{}
	nameJSON, _ := json.Marshal(name)
	env["type"] = nameJSON
	if len(first) > 0 {
		env["payload"] = first
	}
	return json.Marshal(env)
}

// encodeEvent frames an envelope as 42["message",<envelope>].
func encodeEvent(msg []byte) ([]byte, error) {
	msg = bytes.TrimSpace(msg)
	if !json.Valid(msg) {
		return nil, fmt.Errorf("outbound message is not valid JSON")
	}
	out := make([]byte, 0, len(msg)+14)
	out = append(out, `42["message",`...)
	out = append(out, msg...)
	out = append(out, ']')
	return out, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
