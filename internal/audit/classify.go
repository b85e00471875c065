package audit

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	redactionMarker = "[REDACTED]"
	maxErrorExcerpt = 500
)

// sensitiveHeaders are replaced with the redaction marker so credential
// material can never reach an audit record.
var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
	"set-cookie":    true,
	"x-csrf-token":  true,
}

// DeriveAction guesses the audited action from the HTTP method and path.
func DeriveAction(method, path string) Action {
	switch method {
	case http.MethodPost:
		if strings.Contains(path, "/login") {
			return ActionLogin
		}
		if strings.Contains(path, "/logout") {
			return ActionLogout
		}
		return ActionCreate
	case http.MethodPut, http.MethodPatch:
		return ActionUpdate
	case http.MethodDelete:
		return ActionDelete
	case http.MethodGet, http.MethodHead:
		if hasResourceID(path) {
			return ActionRead
		}
		return ActionReadList
	default:
		return ActionRead
	}
}

// hasResourceID reports whether the last path segment looks like an
// instance identifier rather than a collection name.
func hasResourceID(path string) bool {
	path = strings.Trim(path, "/")
	segments := strings.Split(path, "/")
	if len(segments) < 2 {
		return false
	}
	last := segments[len(segments)-1]
	if last == "" {
		return false
	}
	for _, r := range last {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	// ULIDs and UUIDs carry digits; a purely alphabetic tail is a
	// sub-collection name.
	return false
}

// resourceMarkers are checked in order; first substring match wins.
// Best-effort classifier: overlapping path segments can misclassify,
// which the SOC tolerates for the convenience of zero per-route wiring.
var resourceMarkers = []struct {
	marker   string
	resource Resource
}{
	{"/auth", ResourceAuth},
	{"/login", ResourceAuth},
	{"/api-keys", ResourceAPIKey},
	{"/audit-logs", ResourceAuditLog},
	{"/blocked-ips", ResourceBlockedIP},
	{"/trusted", ResourceTrustedUser},
	{"/students", ResourceStudent},
	{"/soldiers", ResourceSoldier},
	{"/departments", ResourceDepartment},
	{"/cohorts", ResourceCohort},
	{"/rooms", ResourceRoom},
	{"/roles", ResourceRole},
	{"/permissions", ResourcePermission},
}

// DeriveResource classifies the audited resource from the request path.
func DeriveResource(path string) Resource {
	for _, m := range resourceMarkers {
		if strings.Contains(path, m.marker) {
			return m.resource
		}
	}
	return ResourceSystem
}

// StatusFromCode maps an HTTP status code to the audit outcome.
func StatusFromCode(code int) Status {
	switch {
	case code >= 500:
		return StatusError
	case code >= 400:
		return StatusFailure
	default:
		return StatusSuccess
	}
}

// SanitizeHeaders copies headers with credential-bearing values replaced
// by the redaction marker.
func SanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		if sensitiveHeaders[strings.ToLower(name)] {
			out[name] = redactionMarker
			continue
		}
		out[name] = values[0]
	}
	return out
}

// sensitiveBodyFields are redacted from captured request bodies.
var sensitiveBodyFields = map[string]bool{
	"password": true,
}

// SanitizeBody returns a loggable copy of a captured request body with
// credential-bearing JSON fields replaced by the redaction marker.
// Bodies that are not JSON objects pass through truncated.
func SanitizeBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return truncate(string(body), maxErrorExcerpt)
	}
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		if sensitiveBodyFields[strings.ToLower(name)] {
			out[name] = redactionMarker
			continue
		}
		out[name] = value
	}
	data, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	return string(data)
}

// ErrorExcerpt extracts a truncated error message from a failure
// response body. JSON bodies contribute their "error" field; anything
// else is used raw. The result never exceeds 500 characters.
func ErrorExcerpt(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	msg := string(body)
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	return truncate(msg, maxErrorExcerpt)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	// Back off a partial rune at the boundary.
	for !utf8.ValidString(cut) && len(cut) > 0 {
		cut = cut[:len(cut)-1]
	}
	return cut
}
