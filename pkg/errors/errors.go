package errors

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes errors
type ErrorCode string

const (
	ErrCodeConfig     ErrorCode = "CONFIG_ERROR"
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeTelemetry  ErrorCode = "TELEMETRY_ERROR"
	ErrCodeTransport  ErrorCode = "TRANSPORT_ERROR"
	ErrCodeStorage    ErrorCode = "STORAGE_ERROR"
)

// RigError is the base structured error
type RigError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *RigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RigError) Unwrap() error {
	return e.Cause
}

// New builds a RigError with the given code
func New(code ErrorCode, message string, cause error) *RigError {
	return &RigError{Code: code, Message: message, Cause: cause}
}

// ConfigError is returned when configuration cannot be read or parsed
func ConfigError(message string, cause error) *RigError {
	return New(ErrCodeConfig, message, cause)
}

// TelemetryError is returned when a drop counter or offset register cannot be reached
func TelemetryError(message string, cause error) *RigError {
	return New(ErrCodeTelemetry, message, cause)
}

// StorageError is returned when a calibration result cannot be saved or loaded
func StorageError(message string, cause error) *RigError {
	return New(ErrCodeStorage, message, cause)
}

// TransportError represents a broker or network endpoint failure
type TransportError struct {
	RigError
	Endpoint string
}

func NewTransportError(endpoint, message string, cause error) *TransportError {
	return &TransportError{
		RigError: RigError{
			Code:    ErrCodeTransport,
			Message: message,
			Cause:   cause,
		},
		Endpoint: endpoint,
	}
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s (endpoint=%s)", e.RigError.Error(), e.Endpoint)
}

// ValidationError represents input validation failure
type ValidationError struct {
	RigError
	Field string
	Value interface{}
}

func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		RigError: RigError{
			Code:    ErrCodeValidation,
			Message: message,
		},
		Field: field,
		Value: value,
	}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] field=%s value=%v: %s", e.Code, e.Field, e.Value, e.Message)
}

// Is enables errors.Is checks
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As enables errors.As checks
func As[T error](err error) (T, bool) {
	var target T
	ok := errors.As(err, &target)
	return target, ok
}

// HasCode reports whether any RigError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		switch e := err.(type) {
		case *RigError:
			if e.Code == code {
				return true
			}
		case *ValidationError:
			if e.Code == code {
				return true
			}
		case *TransportError:
			if e.Code == code {
				return true
			}
		}
		err = errors.Unwrap(err)
	}
	return false
}
