package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeRemote, "navigation blocked")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}

	if err.Code != ErrCodeRemote {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeRemote)
	}

	if err.Message != "navigation blocked" {
		t.Errorf("Message = %v, want 'navigation blocked'", err.Message)
	}

	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}

	if err.Retryable {
		t.Error("remote errors must not be retryable")
	}
}

func TestNew_ConnectionCodesRetryable(t *testing.T) {
	codes := []ErrorCode{
		ErrCodeAuthUnavailable,
		ErrCodeAuthRejected,
		ErrCodeAllTransportsFailed,
		ErrCodeTransportClosed,
	}
	for _, code := range codes {
		if !New(code, "x").Retryable {
			t.Errorf("%s should default to retryable", code)
		}
	}
	if New(ErrCodeMalformedMessage, "x").Retryable {
		t.Error("malformed message should not be retryable")
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("connection refused")
	err := Wrap(underlying, ErrCodeAuthUnavailable, "guest token request failed")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}

	if !strings.Contains(err.Error(), "connection refused") {
		t.Error("Error string should include underlying error")
	}

	if !errors.Is(err, underlying) {
		t.Error("errors.Is should reach the underlying error")
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "test"); err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestError_ContextIsSorted(t *testing.T) {
	err := New(ErrCodeAllTransportsFailed, "race lost").
		WithContext("timeout", "3.5s").
		WithContext("attempts", 2)

	want := "[ALL_TRANSPORTS_FAILED] race lost {attempts: 2, timeout: 3.5s}"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestRemediation(t *testing.T) {
	inner := New(ErrCodeConfigInvalid, "bad url").
		WithRemediation("use https://host", "or set BROWSERLINK_URL")
	outer := Wrap(fmt.Errorf("load: %w", inner), ErrCodeConfigLoad, "config").
		WithRemediation("check ~/.browserlink/config.yaml", "use https://host")

	want := []string{"check ~/.browserlink/config.yaml", "use https://host", "or set BROWSERLINK_URL"}
	got := Remediation(outer)
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Remediation = %v, want %v", got, want)
	}
	if Remediation(errors.New("plain")) != nil {
		t.Error("plain errors carry no remediation")
	}
	if len(New(ErrCodeInternal, "x").WithRemediation().Remediation) != 0 {
		t.Error("empty WithRemediation should leave tips unset")
	}
}

func TestIs_MatchesByCode(t *testing.T) {
	err := fmt.Errorf("cycle: %w", New(ErrCodeTransportClosed, "read failed"))

	if !errors.Is(err, New(ErrCodeTransportClosed, "")) {
		t.Error("errors.Is should match a template with the same code")
	}
	if errors.Is(err, New(ErrCodeRemote, "")) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeAuthRejected, "401")

	if !IsCode(err, ErrCodeAuthRejected) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, ErrCodeAuthUnavailable) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, ErrCodeAuthRejected) {
		t.Error("IsCode should return false for nil error")
	}
	if IsCode(errors.New("standard error"), ErrCodeInternal) {
		t.Error("IsCode should return false for plain errors")
	}
}

func TestIsCode_WalksWrappedAndJoined(t *testing.T) {
	rejected := New(ErrCodeAuthRejected, "raw transport: 401")
	outer := Wrap(errors.Join(errors.New("multiplexed: timeout"), rejected), ErrCodeAllTransportsFailed, "race failed")

	if !IsCode(outer, ErrCodeAllTransportsFailed) {
		t.Error("outer code should match")
	}
	if !IsCode(outer, ErrCodeAuthRejected) {
		t.Error("IsCode should find a code inside errors.Join")
	}
	if !IsCode(fmt.Errorf("wrapped: %w", outer), ErrCodeAuthRejected) {
		t.Error("IsCode should walk fmt wrapping")
	}
}

func TestGetCode(t *testing.T) {
	err := fmt.Errorf("ctx: %w", New(ErrCodeMalformedMessage, "bad json"))

	if code := GetCode(err); code != ErrCodeMalformedMessage {
		t.Errorf("GetCode = %v, want %v", code, ErrCodeMalformedMessage)
	}
	if GetCode(nil) != "" {
		t.Error("GetCode should return empty string for nil")
	}
	if GetCode(errors.New("standard")) != ErrCodeInternal {
		t.Error("GetCode should return ErrCodeInternal for plain errors")
	}
}

func TestIsRetryable_Function(t *testing.T) {
	retryable := fmt.Errorf("wrapped: %w", New(ErrCodeAllTransportsFailed, "timeout"))
	notRetryable := New(ErrCodeConfigInvalid, "bad config")
	overridden := New(ErrCodeTransportClosed, "closed by caller").WithRetryable(false)

	if !IsRetryable(retryable) {
		t.Error("IsRetryable should return true for retryable error")
	}
	if IsRetryable(notRetryable) {
		t.Error("IsRetryable should return false for non-retryable error")
	}
	if IsRetryable(overridden) {
		t.Error("WithRetryable(false) should win over the code default")
	}
	if IsRetryable(nil) {
		t.Error("IsRetryable should return false for nil")
	}
}
