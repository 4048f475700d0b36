package model

import (
	"errors"
	"fmt"
	"time"
)

// The engine's error taxonomy. Every engine-level failure is one of
// these six kinds; the API layer (out of scope here) maps Code() to a
// transport status.
type (
	// ValidationError is malformed input: bad enum, missing required
	// field, invalid IANA timezone, invalid date format. Never retried.
	ValidationError struct {
		Field   string
		Message string
	}

	// NotFoundError is an unknown entity id. Never retried.
	NotFoundError struct {
		Entity string
		ID     string
	}

	// ConflictError means an invariant would be violated: duplicate
	// (origin_account, origin_event_id) with incompatible fields, hold
	// contention, etc.
	ConflictError struct {
		Message string
	}

	// TransientError is Store unavailable, network glitch, or a
	// provider 5xx/429. Retried with backoff at the appropriate layer.
	TransientError struct {
		Message    string
		RetryAfter *time.Duration
	}

	// PermanentError is a provider 4xx auth revoked, delegation
	// revoked, or unrecoverable mirror state. Surfaced to the operator
	// health channel.
	PermanentError struct {
		Message string
	}

	// CancelledError means the operation's deadline passed.
	CancelledError struct {
		Message string
	}
)

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}
func (e *ValidationError) Code() string { return "VALIDATION" }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s %s", e.Entity, e.ID)
}
func (e *NotFoundError) Code() string { return "NOT_FOUND" }

func (e *ConflictError) Error() string { return "conflict: " + e.Message }
func (e *ConflictError) Code() string  { return "CONFLICT" }

func (e *TransientError) Error() string { return "transient: " + e.Message }
func (e *TransientError) Code() string  { return "TRANSIENT" }

func (e *PermanentError) Error() string { return "permanent: " + e.Message }
func (e *PermanentError) Code() string  { return "PERMANENT" }

func (e *CancelledError) Error() string { return "cancelled: " + e.Message }
func (e *CancelledError) Code() string  { return "CANCELLED" }

// CodedError is satisfied by every member of the taxonomy above.
type CodedError interface {
	error
	Code() string
}

// ErrBackpressure is returned by the User actor when the count of
// non-terminal mirror rows has reached the configured high-water mark. The
// external sync source must honor it as RETRY_LATER.
var ErrBackpressure = &TransientError{Message: "mirror write queue above high-water mark"}

// Sentinel store-level errors.
var (
	ErrDuplicate  = errors.New("duplicate")
	ErrNotFound   = errors.New("not found")
	ErrOutOfOrder = errors.New("out of order")
	ErrConflict   = errors.New("conflict")
)

// IsRetryable reports whether err, as classified by the taxonomy
// above, should be retried by its caller (Transient) rather than
// surfaced terminally (Permanent/Validation/NotFound/Conflict/Cancelled).
func IsRetryable(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// RetryAfter extracts the RetryAfter hint from a TransientError, if any.
func RetryAfter(err error) *time.Duration {
	var t *TransientError
	if errors.As(err, &t) {
		return t.RetryAfter
	}
	return nil
}
