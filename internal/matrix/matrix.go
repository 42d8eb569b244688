// Package matrix is a thin HTTP client for the Matrix client-server API,
// covering only what the orchestrator needs: identity verification, room
// and space management, invites, long-poll sync, and message sends.
package matrix

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ChatError is a failed Matrix API call. StatusCode is zero when the
// failure is not an HTTP error status: the request never reached the
// homeserver, or encoding the request or reading or decoding the response
// failed.
type ChatError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ChatError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("matrix %s: HTTP %d: %s", e.Op, e.StatusCode, truncateForError(e.Body))
	}
	return fmt.Sprintf("matrix %s: %v", e.Op, e.Err)
}

func (e *ChatError) Unwrap() error { return e.Err }

// RateLimited reports whether the error is an exhausted 429 retry loop.
func (e *ChatError) RateLimited() bool { return e.StatusCode == 429 }

func truncateForError(s string) string {
	const max = 500
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

var wellKnownSuffix = regexp.MustCompile(`/_matrix/(?:static|client(?:/v\d+)?)$`)

// NormalizeHomeserverURL strips trailing slashes, query, fragment, and any
// trailing well-known path suffix (/_matrix/static, /_matrix/client, or
// /_matrix/client/vN) from a homeserver base URL. Any residual base path is
// preserved and endpoint paths are joined onto it.
func NormalizeHomeserverURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimRight(raw, "/")
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.Path = wellKnownSuffix.ReplaceAllString(u.Path, "")
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// ServerNameFromUserID returns the server part of an @user:server.name ID.
func ServerNameFromUserID(userID string) string {
	if i := strings.Index(userID, ":"); i >= 0 {
		return userID[i+1:]
	}
	return ""
}
