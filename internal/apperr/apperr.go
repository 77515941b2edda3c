// Package apperr holds the error kinds shared by the capture, comparison and
// enrollment flows. Every kind is recoverable; callers branch on them with
// errors.Is against the sentinels or errors.As against the concrete types.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDeviceAccess      = errors.New("capture device unavailable")
	ErrRecordingTooShort = errors.New("recording too short")
	ErrValidation        = errors.New("validation failed")
	ErrNetwork           = errors.New("network error")
)

// DeviceAccessError reports that the capture device could not be acquired,
// either because permission was denied or because no device exists.
type DeviceAccessError struct {
	Backend string
	Device  string
	Err     error
}

func (e *DeviceAccessError) Error() string {
	msg := "unable to access capture device"
	if e.Device != "" {
		msg += fmt.Sprintf(" %q", e.Device)
	}
	if e.Backend != "" {
		msg += " (" + e.Backend + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceAccessError) Unwrap() error { return e.Err }

func (e *DeviceAccessError) Is(target error) bool { return target == ErrDeviceAccess }

// RecordingTooShortError is returned by a stop that happened before the
// flow's minimum duration. The artifact has already been discarded.
type RecordingTooShortError struct {
	Elapsed time.Duration
	Minimum time.Duration
}

func (e *RecordingTooShortError) Error() string {
	return fmt.Sprintf("recording must be at least %s long, got %s",
		formatSeconds(e.Minimum), formatSeconds(e.Elapsed))
}

func (e *RecordingTooShortError) Is(target error) bool { return target == ErrRecordingTooShort }

// FieldError names one invalid input.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError collects the invalid inputs of a request that was
// rejected before anything was sent.
type ValidationError struct {
	Fields []FieldError
}

// NewValidationError is a shortcut for a single-field ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Reason: reason}}}
}

// Add appends a field problem.
func (e *ValidationError) Add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// OrNil returns nil when no field was recorded, so callers can build the
// error incrementally and return it unconditionally.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NetworkError wraps a transport failure or a non-success response from the
// remote service. Status is 0 for transport failures.
type NetworkError struct {
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *NetworkError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": http %d", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
