// Package remote implements the remote-control session: the command API sent
// to the remote browser host and the dispatch of what it sends back.
package remote

import (
	"bytes"
	"encoding/json"
	"strings"

	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
)

// Message types carried in Envelope.Type.
const (
	TypeScreenshot = "screenshot"
	TypePageInfo   = "page_info"
	TypeError      = "error"

	TypeNavigate       = "navigate"
	TypeClick          = "click"
	TypeType           = "type"
	TypeScroll         = "scroll"
	TypePressKey       = "press_key"
	TypeGetScreenshot  = "get_screenshot"
	TypeStartStreaming = "start_streaming"
	TypeStopStreaming  = "stop_streaming"

	resultSuffix = "_result"
)

// Envelope is the wire shape of every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

// PageInfo describes the page currently loaded in the remote browser.
type PageInfo struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// ScreenshotPayload is the payload of a screenshot message.
type ScreenshotPayload struct {
	Screenshot string    `json:"screenshot"`
	PageInfo   *PageInfo `json:"pageInfo,omitempty"`
}

type remoteErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Command is one outbound instruction.
type Command struct {
	Type    string
	Payload any
}

func Navigate(url string) Command {
	return Command{Type: TypeNavigate, Payload: struct {
		URL string `json:"url"`
	}{url}}
}

// Click coordinates are CSS pixels in the remote viewport and may be
// fractional on scaled displays.
func Click(x, y float64) Command {
	return Command{Type: TypeClick, Payload: struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}{x, y}}
}

func TypeText(text string) Command {
	return Command{Type: TypeType, Payload: struct {
		Text string `json:"text"`
	}{text}}
}

func Scroll(deltaY float64) Command {
	return Command{Type: TypeScroll, Payload: struct {
		DeltaY float64 `json:"deltaY"`
	}{deltaY}}
}

func PressKey(key string) Command {
	return Command{Type: TypePressKey, Payload: struct {
		Key string `json:"key"`
	}{key}}
}

func GetScreenshot() Command  { return Command{Type: TypeGetScreenshot} }
func StartStreaming() Command { return Command{Type: TypeStartStreaming} }
func StopStreaming() Command  { return Command{Type: TypeStopStreaming} }

// Encode renders the command as an envelope. Commands without a payload omit
// the field entirely.
func (c Command) Encode() ([]byte, error) {
	if strings.TrimSpace(c.Type) == "" {
		return nil, bkerrors.New(bkerrors.ErrCodeInvalidInput, "command type is required")
	}
	env := Envelope{Type: c.Type}
	if c.Payload != nil {
		raw, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, bkerrors.Wrap(err, bkerrors.ErrCodeInvalidInput, "encode command payload").
				WithContext("type", c.Type)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses one inbound message. Anything that is not a JSON object with
// a non-empty type is MALFORMED_MESSAGE.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env, bkerrors.New(bkerrors.ErrCodeMalformedMessage, "message is not a JSON object").
			WithContext("bytes", len(data))
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return env, bkerrors.Wrap(err, bkerrors.ErrCodeMalformedMessage, "decode message envelope").
			WithContext("bytes", len(data))
	}
	if env.Type == "" {
		return env, bkerrors.New(bkerrors.ErrCodeMalformedMessage, "message has no type").
			WithContext("bytes", len(data))
	}
	return env, nil
}

// IsResult reports whether t acknowledges a command, returning the command type.
func IsResult(t string) (string, bool) {
	if !strings.HasSuffix(t, resultSuffix) || len(t) == len(resultSuffix) {
		return "", false
	}
	return strings.TrimSuffix(t, resultSuffix), true
}

func (e Envelope) screenshot() (ScreenshotPayload, error) {
	var p ScreenshotPayload
	if len(e.Payload) == 0 {
		return p, bkerrors.New(bkerrors.ErrCodeMalformedMessage, "screenshot without payload")
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, bkerrors.Wrap(err, bkerrors.ErrCodeMalformedMessage, "decode screenshot payload")
	}
	if p.Screenshot == "" {
		return p, bkerrors.New(bkerrors.ErrCodeMalformedMessage, "screenshot payload has no image")
	}
	return p, nil
}

func (e Envelope) pageInfo() (PageInfo, error) {
	var p PageInfo
	if len(e.Payload) == 0 {
		return p, bkerrors.New(bkerrors.ErrCodeMalformedMessage, "page_info without payload")
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, bkerrors.Wrap(err, bkerrors.ErrCodeMalformedMessage, "decode page_info payload")
	}
	return p, nil
}

// errorMessage prefers the top-level message and falls back to the payload.
func (e Envelope) errorMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if len(e.Payload) > 0 {
		var p remoteErrorPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			if p.Message != "" {
				return p.Message
			}
			if p.Error != "" {
				return p.Error
			}
		}
		var s string
		if err := json.Unmarshal(e.Payload, &s); err == nil && s != "" {
			return s
		}
	}
	return "remote error"
}
