package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestHasCode(t *testing.T) {
	cause := errors.New("no such device")
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct", TelemetryError("open", cause), ErrCodeTelemetry, true},
		{"wrapped", fmt.Errorf("start: %w", StorageError("save", cause)), ErrCodeStorage, true},
		{"validation", NewValidationError("view", "xyz", "bad"), ErrCodeValidation, true},
		{"transport", NewTransportError("tcp://b:1883", "connect", cause), ErrCodeTransport, true},
		{"other code", ConfigError("parse", cause), ErrCodeStorage, false},
		{"plain", cause, ErrCodeTelemetry, false},
		{"nil", nil, ErrCodeTelemetry, false},
	}
	for _, tt := range tests {
		if got := HasCode(tt.err, tt.code); got != tt.want {
			t.Errorf("%s: HasCode = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAs(t *testing.T) {
	err := fmt.Errorf("set offset: %w", NewValidationError("timing_offset_ns", int64(-1), "out of range"))
	verr, ok := As[*ValidationError](err)
	if !ok {
		t.Fatal("As did not find the validation error")
	}
	if verr.Field != "timing_offset_ns" {
		t.Errorf("Field = %q", verr.Field)
	}
	if _, ok := As[*TransportError](err); ok {
		t.Error("As found a transport error that is not there")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("eof")
	err := NewTransportError("tcp://b:1883", "publish", cause)
	if !Is(err, cause) {
		t.Error("cause not reachable through Is")
	}
	want := "[TRANSPORT_ERROR] publish: eof (endpoint=tcp://b:1883)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
