// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package errs defines the gateway's error-kind taxonomy: typed, wrapped
// errors that downstream callers distinguish with errors.As rather than
// string matching. This follows messaging.MatrixError's pattern of a
// small struct implementing error, carrying a machine-checkable field
// alongside the human-readable message.
package errs

import "fmt"

// Kind classifies an error by how the caller should react to it:
// fatal at startup, retryable with backoff, log-and-apologize, etc.
type Kind string

const (
	// Configuration errors are fatal at process startup.
	Configuration Kind = "configuration"
	// Platform errors (adapter I/O) are retryable with backoff.
	Platform Kind = "platform"
	// Agent errors surface as a generic apology to the user; details
	// are logged internally only.
	Agent Kind = "agent"
	// Memory errors are retryable on the next call; the failing call
	// reports failure to its caller.
	Memory Kind = "memory"
	// Skill errors are per-request validation/precondition failures.
	// They never crash the process.
	Skill Kind = "skill"
	// Boundary errors are workspace path-containment violations.
	// Never retried — always a hard reject.
	Boundary Kind = "boundary"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// how to handle it via errors.As, without parsing message strings.
//
//	var gatewayErr *errs.Error
//	if errors.As(err, &gatewayErr) && gatewayErr.Kind == errs.Boundary {
//	    // hard reject, do not retry
//	}
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if typed, ok := err.(*Error); ok {
			return typed.Kind == kind
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
