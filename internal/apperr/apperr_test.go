package apperr

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

func TestSentinelMatching(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"device", &DeviceAccessError{Backend: "ffmpeg", Device: "default"}, ErrDeviceAccess},
		{"too short", &RecordingTooShortError{Elapsed: 2 * time.Second, Minimum: 5 * time.Second}, ErrRecordingTooShort},
		{"validation", NewValidationError("email", "required"), ErrValidation},
		{"network", &NetworkError{Op: "compare audio", Status: 500}, ErrNetwork},
	}

	for _, tc := range cases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		if !errors.Is(wrapped, tc.sentinel) {
			t.Errorf("%s: expected errors.Is to match sentinel", tc.name)
		}
	}
}

func TestNetworkErrorUnwrapsCause(t *testing.T) {
	err := &NetworkError{Op: "list users", Err: io.ErrUnexpectedEOF}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected cause to be reachable, got %v", err)
	}
	if !strings.Contains(err.Error(), "list users") {
		t.Errorf("expected op in message, got %q", err.Error())
	}
}

func TestValidationErrorOrNil(t *testing.T) {
	v := &ValidationError{}
	if v.OrNil() != nil {
		t.Error("expected nil for empty validation error")
	}

	v.Add("name", "is required")
	v.Add("email", "is not a valid email address")
	err := v.OrNil()
	if err == nil {
		t.Fatal("expected error after adding fields")
	}
	msg := err.Error()
	if !strings.Contains(msg, "name: is required") || !strings.Contains(msg, "email: is not a valid email address") {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestRecordingTooShortMessage(t *testing.T) {
	err := &RecordingTooShortError{Elapsed: 3200 * time.Millisecond, Minimum: 5 * time.Second}
	want := "recording must be at least 5.0s long, got 3.2s"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
