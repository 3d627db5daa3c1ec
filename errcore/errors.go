// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package errcore defines the error taxonomy of spec §7. Every error the
// core returns or logs is one of these four kinds, each wrapping an
// underlying cause with fmt.Errorf's %w so callers can still unwrap to it.
package errcore

import (
	"errors"
	"fmt"
)

// Kind is one of the four error categories of spec §7.
type Kind int

const (
	// KindConfiguration marks an invalid syncType/controller pairing, or an
	// empty or duplicated required-participants set. Surfaced at
	// participant creation; no state transition results.
	KindConfiguration Kind = iota
	// KindState marks an operation invoked against the state machine's own
	// preconditions (e.g. Run while already Running). Returned to the
	// caller; no internal transition occurs.
	KindState
	// KindProtocol marks a violation of a bus invariant the peer must have
	// broken (conflicting WorkflowConfiguration senders, a QuantumRequest
	// whose now doesn't match the expected end-time). The local
	// participant enters Error.
	KindProtocol
	// KindUserHandler marks an exception that escaped a user callback.
	KindUserHandler
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindState:
		return "StateError"
	case KindProtocol:
		return "ProtocolError"
	case KindUserHandler:
		return "UserHandlerFailure"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type returned by the core. Compare its Kind
// with errors.As, not string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Err: fmt.Errorf(format, args...)}
}

// Configuration wraps cause as a ConfigurationError.
func Configuration(format string, args ...any) *Error { return newErr(KindConfiguration, format, args...) }

// State wraps cause as a StateError.
func State(format string, args ...any) *Error { return newErr(KindState, format, args...) }

// Protocol wraps cause as a ProtocolError.
func Protocol(format string, args ...any) *Error { return newErr(KindProtocol, format, args...) }

// UserHandler wraps cause as a UserHandlerFailure.
func UserHandler(format string, args ...any) *Error { return newErr(KindUserHandler, format, args...) }

// Is reports whether err is an *Error of the given kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
