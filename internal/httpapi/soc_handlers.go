package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/audit"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/ipblock"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/trust"
)

// actorID returns the acting user's id, when the principal maps to one.
func actorID(r *http.Request) *int64 {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return nil
	}
	if uid, ok := principal.UserID(); ok {
		return &uid
	}
	return nil
}

// --- audit log reads ---

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var entries []audit.Entry
	err = a.storeRetry(r.Context(), func(ctx context.Context) error {
		var lerr error
		entries, lerr = a.logs.List(ctx, filter)
		return lerr
	})
	if err != nil {
		a.writeStorageUnavailable(w, r, "audit log listing failed", err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func filterFromQuery(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	var f audit.Filter
	if v := q.Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, errors.New("user_id must be an integer")
		}
		f.UserID = &id
	}
	f.UserEmail = q.Get("email")
	f.Action = audit.Action(q.Get("action"))
	f.Resource = audit.Resource(q.Get("resource"))
	f.ResourceID = q.Get("resource_id")
	f.Status = audit.Status(q.Get("status"))
	f.IPAddress = q.Get("ip")
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("from must be RFC 3339")
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("to must be RFC 3339")
		}
		f.To = t
	}
	f.PinnedOnly = q.Get("pinned") == "true"
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errors.New("limit must be an integer")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errors.New("offset must be an integer")
		}
		f.Offset = n
	}
	return f, nil
}

func (a *API) handleAuditLogResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/soc/audit-logs/"), "/")
	if rest == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getAuditLog(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "incident":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w, r, http.MethodPatch)
			return
		}
		a.updateIncident(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "pin":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.pinAuditLog(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getAuditLog(w http.ResponseWriter, r *http.Request, id string) {
	entry, err := a.fetchAuditLog(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrEntryNotFound) {
			writeError(w, r, http.StatusNotFound, "audit entry not found")
			return
		}
		a.writeStorageUnavailable(w, r, "audit log lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// fetchAuditLog is Get behind the request-path retry budget; a missing
// entry is terminal, a storage fault is retried.
func (a *API) fetchAuditLog(ctx context.Context, id string) (*audit.Entry, error) {
	var entry *audit.Entry
	err := a.storeRetry(ctx, func(ctx context.Context) error {
		var gerr error
		entry, gerr = a.logs.Get(ctx, id)
		return gerr
	}, audit.ErrEntryNotFound)
	return entry, err
}

type incidentRequest struct {
	Priority       *string `json:"priority"`
	IncidentStatus *string `json:"incident_status"`
	AssignedTo     *int64  `json:"assigned_to"`
}

func validPriority(p audit.Priority) bool {
	switch p {
	case audit.PriorityLow, audit.PriorityMedium, audit.PriorityHigh, audit.PriorityCritical:
		return true
	}
	return false
}

// updateIncident is the only sanctioned mutation of an audit entry
// besides pinning: priority, workflow status, and assignee.
func (a *API) updateIncident(w http.ResponseWriter, r *http.Request, id string) {
	var req incidentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var upd audit.IncidentUpdate
	if req.Priority != nil {
		p := audit.Priority(*req.Priority)
		if !validPriority(p) {
			writeError(w, r, http.StatusBadRequest, "unknown priority")
			return
		}
		upd.Priority = &p
	}
	if req.IncidentStatus != nil {
		next := audit.IncidentStatus(*req.IncidentStatus)
		current, err := a.fetchAuditLog(r.Context(), id)
		if err != nil {
			if errors.Is(err, audit.ErrEntryNotFound) {
				writeError(w, r, http.StatusNotFound, "audit entry not found")
				return
			}
			a.writeStorageUnavailable(w, r, "audit log lookup failed", err)
			return
		}
		if !audit.ValidTransition(current.IncidentStatus, next) {
			writeError(w, r, http.StatusConflict, "invalid incident status transition")
			return
		}
		upd.Status = &next
	}
	upd.AssignedTo = req.AssignedTo

	err := a.storeRetry(r.Context(), func(ctx context.Context) error {
		return a.logs.UpdateIncident(ctx, id, upd)
	}, audit.ErrEntryNotFound)
	if err != nil {
		if errors.Is(err, audit.ErrEntryNotFound) {
			writeError(w, r, http.StatusNotFound, "audit entry not found")
			return
		}
		a.writeStorageUnavailable(w, r, "incident update failed", err)
		return
	}
	noteResourceID(r.Context(), audit.ResourceAuditLog, id)

	entry, err := a.fetchAuditLog(r.Context(), id)
	if err != nil {
		a.writeStorageUnavailable(w, r, "audit log lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) pinAuditLog(w http.ResponseWriter, r *http.Request, id string) {
	entry, err := a.fetchAuditLog(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrEntryNotFound) {
			writeError(w, r, http.StatusNotFound, "audit entry not found")
			return
		}
		a.writeStorageUnavailable(w, r, "audit log lookup failed", err)
		return
	}
	if entry.IsPinned {
		writeError(w, r, http.StatusConflict, "entry is already pinned")
		return
	}
	err = a.storeRetry(r.Context(), func(ctx context.Context) error {
		return a.logs.Pin(ctx, id, actorID(r), a.now().UTC())
	}, audit.ErrEntryNotFound)
	if err != nil {
		// A lost race with another pin surfaces as the store sentinel.
		if errors.Is(err, audit.ErrEntryNotFound) {
			writeError(w, r, http.StatusConflict, "entry is already pinned")
			return
		}
		a.writeStorageUnavailable(w, r, "pin failed", err)
		return
	}
	noteResourceID(r.Context(), audit.ResourceAuditLog, id)
	w.WriteHeader(http.StatusNoContent)
}

// --- blocked IPs ---

type blockIPRequest struct {
	IPAddress string     `json:"ip_address"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (a *API) handleBlockedIPs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req blockIPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.IPAddress = strings.TrimSpace(req.IPAddress)
	if net.ParseIP(req.IPAddress) == nil {
		writeError(w, r, http.StatusBadRequest, "a valid ip_address is required")
		return
	}
	block := &ipblock.BlockedIP{
		IPAddress: req.IPAddress,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
		BlockedBy: actorID(r),
	}
	err := a.storeRetry(r.Context(), func(ctx context.Context) error {
		return a.blocks.Block(ctx, block)
	})
	if err != nil {
		a.writeStorageUnavailable(w, r, "block failed", err)
		return
	}
	noteResourceID(r.Context(), audit.ResourceBlockedIP, block.IPAddress)
	writeJSON(w, http.StatusCreated, block)
}

func (a *API) handleBlockedIPResource(w http.ResponseWriter, r *http.Request) {
	ip := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/soc/blocked-ips/"), "/")
	if ip == "" || strings.Contains(ip, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	err := a.storeRetry(r.Context(), func(ctx context.Context) error {
		return a.blocks.Unblock(ctx, ip)
	}, ipblock.ErrNotFound)
	if err != nil {
		if errors.Is(err, ipblock.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "block not found")
			return
		}
		a.writeStorageUnavailable(w, r, "unblock failed", err)
		return
	}
	noteResourceID(r.Context(), audit.ResourceBlockedIP, ip)
	w.WriteHeader(http.StatusNoContent)
}

// --- trusted entries ---

type trustRequest struct {
	UserID    *int64     `json:"user_id"`
	IPAddress string     `json:"ip_address"`
	Email     string     `json:"email"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (a *API) handleTrusted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req trustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entry := &trust.Entry{
		UserID:    req.UserID,
		IPAddress: strings.TrimSpace(req.IPAddress),
		Email:     strings.TrimSpace(req.Email),
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
		CreatedBy: actorID(r),
	}
	err := a.storeRetry(r.Context(), func(ctx context.Context) error {
		return a.trust.Add(ctx, entry)
	}, trust.ErrNoIdentifier)
	if err != nil {
		if errors.Is(err, trust.ErrNoIdentifier) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		a.writeStorageUnavailable(w, r, "trust entry creation failed", err)
		return
	}
	noteResourceID(r.Context(), audit.ResourceTrustedUser, entry.ID)
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleTrustedResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/soc/trusted/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	err := a.storeRetry(r.Context(), func(ctx context.Context) error {
		return a.trust.Remove(ctx, id)
	}, trust.ErrNotFound)
	if err != nil {
		if errors.Is(err, trust.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "trust entry not found")
			return
		}
		a.writeStorageUnavailable(w, r, "trust entry removal failed", err)
		return
	}
	noteResourceID(r.Context(), audit.ResourceTrustedUser, id)
	w.WriteHeader(http.StatusNoContent)
}
