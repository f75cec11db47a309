// Package errors carries the coded errors that drive reconnection and exit
// status decisions.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode classifies an Error.
type ErrorCode string

const (
	// Connection lifecycle errors. All of these feed the reconnection loop.
	ErrCodeAuthUnavailable     ErrorCode = "AUTH_UNAVAILABLE"
	ErrCodeAuthRejected        ErrorCode = "AUTH_REJECTED"
	ErrCodeAllTransportsFailed ErrorCode = "ALL_TRANSPORTS_FAILED"
	ErrCodeTransportClosed     ErrorCode = "TRANSPORT_CLOSED"

	// Application-level errors surfaced as events only.
	ErrCodeRemote           ErrorCode = "REMOTE_ERROR"
	ErrCodeMalformedMessage ErrorCode = "MALFORMED_MESSAGE"

	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigParse   ErrorCode = "CONFIG_PARSE"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error is a coded error with optional context and remediation tips.
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Retryable   bool
	Remediation []string
}

// New creates a coded error.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// Wrap attaches a code and message to err. A nil err yields nil.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	e := New(code, message)
	e.Underlying = err
	return e
}

func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrCodeAuthUnavailable, ErrCodeAuthRejected, ErrCodeAllTransportsFailed, ErrCodeTransportClosed:
		return true
	}
	return false
}

// WithContext adds a key-value pair rendered in Error().
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the retryable flag derived from the code.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRemediation replaces the remediation tips.
func (e *Error) WithRemediation(tips ...string) *Error {
	if len(tips) == 0 {
		return e
	}
	e.Remediation = append([]string(nil), tips...)
	return e
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Code, e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s: %v", k, e.Context[k])
		}
		sb.WriteString("}")
	}
	if e.Underlying != nil {
		fmt.Fprintf(&sb, ": %v", e.Underlying)
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is reports whether target is an *Error with the same code, so callers can
// compare against a code-only template: errors.Is(err, errors.New(code, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return t.Code == e.Code
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if err != nil && stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsCode reports whether any error in the chain, including every branch of
// an errors.Join, carries code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				if IsCode(inner, code) {
					return true
				}
			}
			return false
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		default:
			return false
		}
	}
	return false
}

// GetCode returns the outermost code in the chain, ErrCodeInternal for
// uncoded errors and "" for nil.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports the retryable flag of the outermost coded error.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}

// Remediation collects the tips of every coded error in the chain, outermost
// first, without duplicates.
func Remediation(err error) []string {
	var tips []string
	seen := make(map[string]struct{})
	for err != nil {
		if e, ok := err.(*Error); ok {
			for _, tip := range e.Remediation {
				if _, dup := seen[tip]; !dup {
					seen[tip] = struct{}{}
					tips = append(tips, tip)
				}
			}
		}
		err = stderrors.Unwrap(err)
	}
	return tips
}
