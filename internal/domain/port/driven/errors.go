package driven

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when no company has the requested account ID.
	ErrNotFound = errors.New("company not found")

	// ErrTokenMissing is returned when a company has no access token at all,
	// either because it was never connected or its tokens were cleared.
	ErrTokenMissing = errors.New("access token missing")

	// ErrTokenRefreshFailed matches any *TokenRefreshError.
	ErrTokenRefreshFailed = errors.New("token refresh failed")

	// ErrRegistryCorrupt matches any *RegistryCorruptError.
	ErrRegistryCorrupt = errors.New("registry corrupt")

	// ErrRegistryUnrepairable is returned when no balanced prefix of a
	// corrupt registry parses as a valid document.
	ErrRegistryUnrepairable = errors.New("registry unrepairable")
)

// RegistryCorruptError reports a registry file that exists but does not parse
// as a valid document. Raw holds the file bytes exactly as read.
type RegistryCorruptError struct {
	Path   string
	Raw    []byte
	Offset int64
	Err    error
}

func (e *RegistryCorruptError) Error() string {
	return fmt.Sprintf("registry %s corrupt at byte %d: %v", e.Path, e.Offset, e.Err)
}

func (e *RegistryCorruptError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRegistryCorrupt) match.
func (e *RegistryCorruptError) Is(target error) bool { return target == ErrRegistryCorrupt }

// AuthExchangeError reports a failed token endpoint call. Status is zero when
// no HTTP response was received (timeout, connection failure).
type AuthExchangeError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthExchangeError) Error() string {
	if e.Status == 0 {
		return "auth exchange failed: " + e.Message
	}
	return fmt.Sprintf("auth exchange failed (status %d): %s", e.Status, e.Message)
}

// Revoked reports whether the credential was rejected outright and the
// company must be re-authenticated. Other failures are transient.
func (e *AuthExchangeError) Revoked() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden || e.Code == "invalid_grant"
}

// TokenRefreshError wraps the failure that ended a refresh-and-retry cycle.
type TokenRefreshError struct {
	AccountID string
	Err       error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for %s: %v", e.AccountID, e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTokenRefreshFailed) match.
func (e *TokenRefreshError) Is(target error) bool { return target == ErrTokenRefreshFailed }

// UpstreamError reports a non-success response from the accounting API.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream request failed (status %d): %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by an *UpstreamError in err's
// chain, or 0 if there is none.
func StatusOf(err error) int {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status
	}
	return 0
}
