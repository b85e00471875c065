package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/audit"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
)

// auditNote accumulates what the security stages and handlers learn
// about a request so the recorder can emit one canonical entry at the
// end. Rejecting stages replace the derived action with their own.
type auditNote struct {
	mu sync.Mutex

	principal    auth.Principal
	hasPrincipal bool

	action     audit.Action
	resource   audit.Resource
	resourceID string
	priority   audit.Priority
	details    map[string]any
}

type auditNoteKey struct{}

func contextWithNote(ctx context.Context, note *auditNote) context.Context {
	return context.WithValue(ctx, auditNoteKey{}, note)
}

func noteFromContext(ctx context.Context) *auditNote {
	note, _ := ctx.Value(auditNoteKey{}).(*auditNote)
	return note
}

func (n *auditNote) setPrincipal(p auth.Principal) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.principal = p
	n.hasPrincipal = true
	n.mu.Unlock()
}

func (n *auditNote) override(action audit.Action, priority audit.Priority) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.action = action
	n.priority = priority
	n.mu.Unlock()
}

func (n *auditNote) setResource(resource audit.Resource, id string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.resource = resource
	n.resourceID = id
	n.mu.Unlock()
}

func (n *auditNote) detail(key string, value any) {
	if n == nil {
		return
	}
	n.mu.Lock()
	if n.details == nil {
		n.details = map[string]any{}
	}
	n.details[key] = value
	n.mu.Unlock()
}

// noteResourceID records the concrete resource id a handler acted on.
func noteResourceID(ctx context.Context, resource audit.Resource, id string) {
	noteFromContext(ctx).setResource(resource, id)
}

// noteDetail attaches a key/value pair to the request's audit entry.
func noteDetail(ctx context.Context, key string, value any) {
	noteFromContext(ctx).detail(key, value)
}

// Probe traffic would flood the log with noise.
var auditSkipPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// recordAudit wraps the inner chain and submits exactly one entry per
// request after the response is written. Submission is admission
// controlled by the writer and never blocks the response path.
func (a *API) recordAudit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auditSkipPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		note := &auditNote{}
		var reqBody []byte
		if mutatingMethods[r.Method] {
			reqBody = captureRequestBody(r)
		}
		cw := &captureWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(cw, r.WithContext(contextWithNote(r.Context(), note)))

		a.writer.Submit(a.buildEntry(r, note, cw, time.Since(start), reqBody))
	})
}

var mutatingMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

const requestBodyCaptureLimit = 4 << 10

// captureRequestBody reads a bounded prefix of the body and splices it
// back so the handler still sees the full stream.
func captureRequestBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	buf := make([]byte, requestBodyCaptureLimit)
	n, _ := io.ReadFull(r.Body, buf)
	if n == 0 {
		return nil
	}
	captured := buf[:n]
	r.Body = splicedBody{
		Reader: io.MultiReader(bytes.NewReader(captured), r.Body),
		Closer: r.Body,
	}
	return captured
}

type splicedBody struct {
	io.Reader
	io.Closer
}

func (a *API) buildEntry(r *http.Request, note *auditNote, cw *captureWriter, latency time.Duration, reqBody []byte) *audit.Entry {
	note.mu.Lock()
	defer note.mu.Unlock()

	entry := &audit.Entry{
		AuthMethod:   auth.MethodUnauthenticated,
		Action:       audit.DeriveAction(r.Method, r.URL.Path),
		Resource:     audit.DeriveResource(r.URL.Path),
		Status:       audit.StatusFromCode(cw.code),
		Method:       r.Method,
		Path:         r.URL.Path,
		IPAddress:    clientIP(r),
		UserAgent:    r.UserAgent(),
		RequestSize:  max64(r.ContentLength, 0),
		ResponseSize: cw.bytes,
		LatencyMS:    latency.Milliseconds(),
		Details:      note.details,
		Priority:     note.priority,
	}
	if note.hasPrincipal {
		applyPrincipal(entry, note.principal)
	}
	if note.action != "" {
		entry.Action = note.action
	}
	if note.resource != "" {
		entry.Resource = note.resource
	}
	if note.resourceID != "" {
		entry.ResourceID = note.resourceID
	}
	if headers := audit.SanitizeHeaders(r.Header); len(headers) > 0 {
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		entry.Details["headers"] = headers
	}
	if body := audit.SanitizeBody(reqBody); body != "" {
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		entry.Details["request_body"] = body
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		if entry.Details == nil {
			entry.Details = map[string]any{}
		}
		entry.Details["request_id"] = rid
	}
	if cw.code >= http.StatusBadRequest {
		entry.ErrorMessage = audit.ErrorExcerpt(cw.body.Bytes())
	}
	return entry
}

func applyPrincipal(entry *audit.Entry, p auth.Principal) {
	entry.AuthMethod = p.Method
	if uid, ok := p.UserID(); ok {
		entry.UserID = &uid
	}
	entry.UserEmail = p.Email()
	if p.APIKey != nil {
		entry.APIKeyID = &p.APIKey.ID
	}
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}
