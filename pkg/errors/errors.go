// Unified error handling for the reprapd host
//
// Copyright (C) 2026  reprapd authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Code execution errors
	ErrCodeCancelled   ErrorCode = "CODE_CANCELLED"
	ErrCodeUnsupported ErrorCode = "CODE_UNSUPPORTED"
	ErrCodeInternal    ErrorCode = "CODE_INTERNAL"
	ErrCodeTransport   ErrorCode = "CODE_TRANSPORT"

	// G-code parsing errors
	ErrGCodeParse        ErrorCode = "GCODE_PARSE"
	ErrGCodeInvalidParam ErrorCode = "GCODE_INVALID_PARAM"

	// Configuration errors
	ErrConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// IPC errors
	ErrIPC        ErrorCode = "IPC"
	ErrIPCSession ErrorCode = "IPC_SESSION"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Channel is the code channel name the error relates to, if any
	Channel string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Channel, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetChannel sets the channel name
func (e *HostError) SetChannel(channel string) *HostError {
	e.Channel = channel
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CancelledError creates the error surfaced when a code's admission is
// invalidated or a pending dispatch is cancelled. It wraps
// context.Canceled so errors.Is(err, context.Canceled) holds at every
// call site.
func CancelledError(channel string) *HostError {
	return Wrap(context.Canceled, ErrCodeCancelled, "code cancelled").
		SetChannel(channel)
}

// UnsupportedError creates an error for a code no handler accepts
func UnsupportedError(code string) *HostError {
	return New(ErrCodeUnsupported, fmt.Sprintf("%s: operation is not supported", code))
}

// InternalError creates an error for a failure while resolving a code
// internally
func InternalError(code string, err error) *HostError {
	return Wrap(err, ErrCodeInternal, fmt.Sprintf("failed to execute %s", code))
}

// TransportError creates an error for a firmware transport failure
func TransportError(err error) *HostError {
	return Wrap(err, ErrCodeTransport, "firmware transport failed")
}

// ParseError creates an error for a G-code parsing failure
func ParseError(line string, reason string) *HostError {
	return New(ErrGCodeParse, fmt.Sprintf("failed to parse %q: %s", line, reason))
}

// ConfigError creates an error for a configuration failure
func ConfigError(path string, err error) *HostError {
	return Wrap(err, ErrConfigLoad, fmt.Sprintf("unable to load %s", path))
}

// Is checks if error matches given error code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	if errors.As(err, &hostErr) {
		return hostErr.Code == code
	}
	return false
}

// IsCancelled reports whether err represents a cancellation outcome,
// either this package's CODE_CANCELLED or a bare context cancellation.
func IsCancelled(err error) bool {
	return Is(err, ErrCodeCancelled) || errors.Is(err, context.Canceled)
}
