package realtime

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Error taxonomy
// ============================================================================

var (
	// ErrAuthRequired means no usable credential was available. Never retried.
	ErrAuthRequired = errors.New("auth required")
	// ErrAuthRejected means the server refused the credential. Terminal for the
	// connection; the credential layer decides between refresh and logout.
	ErrAuthRejected = errors.New("auth rejected")
	// ErrConversationBlocked means the conversation is gated.
	ErrConversationBlocked = errors.New("conversation blocked")
	// ErrTransientNetwork covers connection drops and timeouts.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrInvalidInput is returned before anything touches the wire.
	ErrInvalidInput = errors.New("invalid input")
	// ErrServerRejected is a non-2xx, non-auth REST response.
	ErrServerRejected = errors.New("server rejected request")

	// ErrUnblockNotAllowed is returned when someone other than the blocking
	// participant tries to unblock. It also matches ErrConversationBlocked.
	ErrUnblockNotAllowed = fmt.Errorf("%w: only the blocking participant may unblock", ErrConversationBlocked)
	// ErrNotConnected is returned by Channel.Send when no socket is open.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrTransientNetwork)
)

// APIError represents an error returned by the REST backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Is lets errors.Is classify an APIError against the taxonomy sentinels.
// Only 401 is an auth rejection; a REST 403 is a refused action.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthRejected:
		return e.Status == http.StatusUnauthorized
	case ErrServerRejected:
		return e.Status != http.StatusUnauthorized
	}
	return false
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrTransientNetwork, err)
}
