package transport

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantName string
		wantArgs int
		ok       bool
	}{
		{name: "plain", frame: `42["message",{"type":"screenshot"}]`, wantName: "message", wantArgs: 1, ok: true},
		{name: "namespace", frame: `42/remote,["message",{"type":"x"}]`, wantName: "message", wantArgs: 1, ok: true},
		{name: "ack id", frame: `4217["pageInfo",{"url":"u"}]`, wantName: "pageInfo", wantArgs: 1, ok: true},
		{name: "namespace and ack", frame: `42/remote,3["error","boom"]`, wantName: "error", wantArgs: 1, ok: true},
		{name: "no args", frame: `42["ping"]`, wantName: "ping", wantArgs: 0, ok: true},
		{name: "not an event", frame: `40{"sid":"x"}`},
		{name: "empty array", frame: `42[]`},
		{name: "numeric name", frame: `42[1,2]`},
		{name: "bad json", frame: `42["message",`},
		{name: "junk before array", frame: `42abc["message"]`},
		{name: "namespace without comma", frame: `42/remote`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args, ok := parseEvent(tt.frame)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.wantName, name)
				assert.Len(t, args, tt.wantArgs)
			}
		})
	}
}

func TestEventEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "message object", event: "message", args: []string{`{"type":"screenshot","payload":{"screenshot":"abc"}}`}, want: `{"type":"screenshot","payload":{"screenshot":"abc"}}`},
		{name: "message as string", event: "message", args: []string{`"{\"type\":\"pageInfo\"}"`}, want: `{"type":"pageInfo"}`},
		{name: "message without payload", event: "message", wantErr: true},
		{name: "named event", event: "screenshot", args: []string{`{"screenshot":"abc"}`}, want: `{"type":"screenshot","payload":{"screenshot":"abc"}}`},
		{name: "named event without args", event: "streaming_stopped", want: `{"type":"streaming_stopped"}`},
		{name: "error string", event: "error", args: []string{`"page crashed"`}, want: `{"type":"error","message":"page crashed"}`},
		{name: "error object", event: "error", args: []string{`{"message":"x"}`}, want: `{"type":"error","payload":{"message":"x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := make([]json.RawMessage, 0, len(tt.args))
			for _, a := range tt.args {
				args = append(args, json.RawMessage(a))
			}
			got, err := eventEnvelope(tt.event, args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestEncodeEvent(t *testing.T) {
	got, err := encodeEvent([]byte(` {"type":"get_screenshot"} `))
	require.NoError(t, err)
	assert.Equal(t, `42["message",{"type":"get_screenshot"}]`, string(got))

	name, args, ok := parseEvent(string(got))
	require.True(t, ok)
	assert.Equal(t, "message", name)
	require.Len(t, args, 1)
	assert.JSONEq(t, `{"type":"get_screenshot"}`, string(args[0]))

	_, err = encodeEvent([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestConnectPacket(t *testing.T) {
	assert.Equal(t, "40", connectPacket(""))
	assert.Equal(t, `40{"token":"abc"}`, connectPacket("abc"))
	assert.Equal(t, `40{"token":"a\"b"}`, connectPacket(`a"b`))
}

func TestConnectErrorMessage(t *testing.T) {
	assert.Equal(t, "invalid token", connectErrorMessage(`44{"message":"invalid token"}`))
	assert.Equal(t, "nope", connectErrorMessage(`44/remote,{"message":"nope"}`))
	assert.Equal(t, "connect_error", connectErrorMessage(`44`))
	assert.Equal(t, "plain", connectErrorMessage(`44plain`))
}

func TestParseOpen(t *testing.T) {
	open, err := parseOpen(`0{"sid":"abc","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`)
	require.NoError(t, err)
	assert.Equal(t, "abc", open.SID)
	assert.Equal(t, 45*time.Second, open.liveness())

	_, err = parseOpen(`40`)
	assert.Error(t, err)
	_, err = parseOpen(`0{bad`)
	assert.Error(t, err)

	assert.Zero(t, openPacket{PingInterval: 100}.liveness())
}

func TestEngineURL(t *testing.T) {
	got, err := engineURL("wss://remote.example.com/socket.io/?room=7")
	require.NoError(t, err)
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "/socket.io/", u.Path)
	assert.Equal(t, "4", u.Query().Get("EIO"))
	assert.Equal(t, "websocket", u.Query().Get("transport"))
	assert.Equal(t, "7", u.Query().Get("room"))

	_, err = engineURL("://bad")
	assert.Error(t, err)
}
