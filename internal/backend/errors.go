package backend

import (
	"errors"
	"strings"
)

// AuthError wraps the message field of a PostgreSQL ErrorResponse received
// during the startup/auth handshake. internal/pool checks IsAuthFailed once,
// against this typed error's Message, rather than grepping a raw dial error.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "backend auth failed: " + e.Message
}

// IsAuthFailed reports whether err is an AuthError whose message indicates
// the supplied password was rejected, as opposed to some other startup
// failure (missing database, TLS required, too many connections, ...).
// The substring check mirrors what the upstream proxy this was ported from
// does: Postgres has no distinct SQLSTATE carve-out for "wrong password"
// that every server version reports consistently, so matching the English
// error text remains the most reliable signal across backend versions.
func IsAuthFailed(err error) bool {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return false
	}
	return strings.Contains(authErr.Message, "password authentication failed")
}
