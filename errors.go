package staylink

import (
	"errors"
	"fmt"
	"strconv"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrNoCredentials is returned when the credential store has no usable
	// bearer token. It is terminal for the call and never retried.
	ErrNoCredentials = errors.New("staylink: no credentials")

	ErrNotConnected      = errors.New("staylink: channel not connected")
	ErrInvalidTransition = errors.New("staylink: status transition not allowed")
	ErrUnknownEntity     = errors.New("staylink: unknown entity")
	ErrEmptyContent      = errors.New("staylink: message content is empty")
	ErrAckTimeout        = errors.New("staylink: acknowledgment timed out")
	ErrNotAuthor         = errors.New("staylink: only the sender may change a message")
	ErrCircuitOpen       = errors.New("staylink: circuit breaker open")
)

// ============================================================================
// Typed errors
// ============================================================================

// TransportError reports that the event channel was unreachable, rejected
// authentication, or dropped while a call was waiting on it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport " + e.Op
	}
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// CommandError is an acknowledgment that reported failure.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "command rejected"
	}
	return e.Command + ": " + msg
}

// ConflictError wraps the failure of the REST call behind an optimistic
// mutation. The local change has already been rolled back when it is returned.
type ConflictError struct {
	Kind string
	ID   string
	Err  error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: mutation rolled back: %v", e.Kind, e.ID, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// APIError represents a non-2xx REST response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	code := e.Code
	if code == "" {
		code = strconv.Itoa(e.StatusCode)
	}
	if e.Message == "" {
		return "api error " + code
	}
	return "api error " + code + ": " + e.Message
}
