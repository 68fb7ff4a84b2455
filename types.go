package prefsync

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ============================================================================
// Shared Types
// ============================================================================

var (
	// ErrAuthRequired is returned when a server call is refused because no
	// valid identity was presented.
	ErrAuthRequired = errors.New("prefsync: authentication required")

	// ErrInvalidValue is returned when a mutation carries a value outside the
	// store's allowed domain.
	ErrInvalidValue = errors.New("prefsync: invalid value")
)

// Identity is the authenticated visitor as supplied by the session
// collaborator. Token is the bearer credential presented to the server.
type Identity struct {
	UserID string `json:"userId"`
	Token  string `json:"-"`
}

// APIError represents a non-2xx response from the favorites API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Code, e.Message, e.Status)
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// IsRetryable classifies err for the sync engine's retry policy. Transport
// errors and temporary API errors are retryable; authentication failures and
// other API errors are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrAuthRequired) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// Result is the JSON envelope of every favorites API response.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// ============================================================================
// Realtime Types
// ============================================================================

// Feed event types.
const (
	FeedAuthenticated    = "authenticated"
	FeedFavoritesChanged = "favorites.changed"
)

// FeedEnvelope is the wire format for change feed events.
type FeedEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FavoriteChange is the payload of a favorites.changed event.
type FavoriteChange struct {
	UserID    string `json:"userId"`
	ProductID string `json:"productId"`
	Favorited bool   `json:"favorited"`
}
