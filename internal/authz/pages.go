package authz

import (
	"net/http"
	"regexp"
	"strings"
)

// apiDescriptor is one (method, path-pattern) pair belonging to a page.
// Patterns use :param for a single path segment and compile to anchored
// regexes, so /v1/students/:id matches /v1/students/17 but not
// /v1/students/17/notes.
type apiDescriptor struct {
	method  string
	pattern *regexp.Regexp
}

func describe(method, path string) apiDescriptor {
	return apiDescriptor{method: method, pattern: compilePattern(path)}
}

var paramSegment = regexp.MustCompile(`:[^/]+`)

func compilePattern(path string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(path)
	// QuoteMeta leaves ':' alone, so :param survives escaping intact.
	expr := paramSegment.ReplaceAllString(escaped, `[^/]+`)
	return regexp.MustCompile(`^` + expr + `$`)
}

// pageDescriptors maps a logical page key to the API calls it issues.
var pageDescriptors = map[string][]apiDescriptor{
	"students": {
		describe(http.MethodGet, "/v1/students"),
		describe(http.MethodGet, "/v1/students/:id"),
		describe(http.MethodPost, "/v1/students"),
		describe(http.MethodPut, "/v1/students/:id"),
		describe(http.MethodDelete, "/v1/students/:id"),
	},
	"soldiers": {
		describe(http.MethodGet, "/v1/soldiers"),
		describe(http.MethodGet, "/v1/soldiers/:id"),
		describe(http.MethodPost, "/v1/soldiers"),
		describe(http.MethodPut, "/v1/soldiers/:id"),
		describe(http.MethodDelete, "/v1/soldiers/:id"),
	},
	"departments": {
		describe(http.MethodGet, "/v1/departments"),
		describe(http.MethodPost, "/v1/departments"),
		describe(http.MethodPut, "/v1/departments/:id"),
		describe(http.MethodDelete, "/v1/departments/:id"),
	},
	"cohorts": {
		describe(http.MethodGet, "/v1/cohorts"),
		describe(http.MethodGet, "/v1/cohorts/:id"),
		describe(http.MethodPost, "/v1/cohorts"),
		describe(http.MethodPut, "/v1/cohorts/:id"),
	},
	"rooms": {
		describe(http.MethodGet, "/v1/rooms"),
		describe(http.MethodPost, "/v1/rooms"),
		describe(http.MethodPut, "/v1/rooms/:id"),
		describe(http.MethodDelete, "/v1/rooms/:id"),
	},
	"roles": {
		describe(http.MethodGet, "/v1/roles"),
		describe(http.MethodPost, "/v1/roles"),
		describe(http.MethodPut, "/v1/roles/:id"),
	},
}

// RequiredPagePermission maps a request to the page-scoped permission it
// needs: page:<key>:view for reads, page:<key>:edit for writes. The
// second return is false when no page claims the route.
func RequiredPagePermission(method, path string) (string, bool) {
	for key, descriptors := range pageDescriptors {
		for _, d := range descriptors {
			if d.method != method || !d.pattern.MatchString(path) {
				continue
			}
			mode := "edit"
			if method == http.MethodGet || method == http.MethodHead {
				mode = "view"
			}
			return "page:" + key + ":" + mode, true
		}
	}
	return "", false
}

// ParsePagePermission splits a page:key:mode string. Used by grant
// validation so malformed scope strings are rejected at write time.
func ParsePagePermission(s string) (key, mode string, ok bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] != "page" {
		return "", "", false
	}
	if parts[2] != "view" && parts[2] != "edit" {
		return "", "", false
	}
	if _, known := pageDescriptors[parts[1]]; !known {
		return "", "", false
	}
	return parts[1], parts[2], true
}
