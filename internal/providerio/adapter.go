// Package providerio defines the boundary between the core engine and
// a real calendar provider. The core never speaks a provider wire
// protocol directly — every provider-facing call goes through a small
// WriteAdapter interface, keeping provider-specific parsing out of the
// core engine.
package providerio

import (
	"context"
	"errors"
	"net/http"

	"github.com/calendarfed/tminus/internal/model"
)

// WriteAdapter performs the actual provider API calls a mirror write
// needs. A concrete implementation wraps one provider's SDK/HTTP
// client; tests use a fake.
type WriteAdapter interface {
	CreateEvent(ctx context.Context, accountID, calendarID string, payload model.MirrorPayload) (providerEventID string, err error)
	UpdateEvent(ctx context.Context, accountID, calendarID, providerEventID string, payload model.MirrorPayload) error
	DeleteEvent(ctx context.Context, accountID, calendarID, providerEventID string) error
}

// TokenSource resolves a fresh OAuth access token for an account,
// refreshing as needed. Kept abstract so the core never holds a
// client secret or refresh-token store directly.
type TokenSource interface {
	Token(ctx context.Context, accountID string) (string, error)
}

// ErrorClassifier maps a provider-call error to the engine's retry
// taxonomy. Pluggable per provider, since what counts as transient
// differs (e.g. Google's 403 rate-limit vs. a generic 429).
type ErrorClassifier interface {
	Classify(err error) error
}

// HTTPStatusError is the minimal shape an adapter's error needs to
// expose for DefaultErrorClassifier to work; adapters built over
// net/http can embed or satisfy this directly.
type HTTPStatusError interface {
	error
	StatusCode() int
}

// DefaultErrorClassifier treats 429 and 5xx responses, and plain
// network errors (no status code available), as retryable; any other
// 4xx is permanent. Used when a provider adapter doesn't supply its
// own classifier.
type DefaultErrorClassifier struct{}

func (DefaultErrorClassifier) Classify(err error) error {
	if err == nil {
		return nil
	}
	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode()
		if code == http.StatusTooManyRequests || code >= 500 {
			return &model.TransientError{Message: err.Error()}
		}
		return &model.PermanentError{Message: err.Error()}
	}
	// No status code surfaced: assume a network-level failure, which
	// is retryable.
	return &model.TransientError{Message: err.Error()}
}
