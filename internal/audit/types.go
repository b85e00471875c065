// Package audit provides the durable, backpressure-aware sink for every
// request the service handles, plus the SOC incident workflow over the
// resulting entries.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
)

// ErrEntryNotFound marks a missing audit log entry.
var ErrEntryNotFound = errors.New("audit: entry not found")

// Action enumerates auditable operations. Values are the wire contract
// consumed by the SOC UI; do not rename.
type Action string

const (
	ActionCreate             Action = "CREATE"
	ActionUpdate             Action = "UPDATE"
	ActionDelete             Action = "DELETE"
	ActionRead               Action = "READ"
	ActionReadList           Action = "READ_LIST"
	ActionLogin              Action = "LOGIN"
	ActionLogout             Action = "LOGOUT"
	ActionAuthSuccess        Action = "AUTH_SUCCESS"
	ActionAuthFailed         Action = "AUTH_FAILED"
	ActionUnauthorizedAccess Action = "UNAUTHORIZED_ACCESS"
	ActionRateLimitExceeded  Action = "RATE_LIMIT_EXCEEDED"
	ActionCSRFAttempt        Action = "CSRF_ATTEMPT"
)

// Resource enumerates audited resource types. Same contract rules as Action.
type Resource string

const (
	ResourceStudent     Resource = "STUDENT"
	ResourceSoldier     Resource = "SOLDIER"
	ResourceDepartment  Resource = "DEPARTMENT"
	ResourceRole        Resource = "ROLE"
	ResourceCohort      Resource = "COHORT"
	ResourceRoom        Resource = "ROOM"
	ResourceAPIKey      Resource = "API_KEY"
	ResourcePermission  Resource = "PERMISSION"
	ResourceAuth        Resource = "AUTH"
	ResourceTrustedUser Resource = "TRUSTED_USER"
	ResourceBlockedIP   Resource = "BLOCKED_IP"
	ResourceAuditLog    Resource = "AUDIT_LOG"
	ResourceSystem      Resource = "SYSTEM"
)

// Status classifies the request outcome.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusError   Status = "ERROR"
)

// Priority ranks entries for the SOC queue.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// IncidentStatus tracks the SOC review workflow.
type IncidentStatus string

const (
	IncidentNew           IncidentStatus = "NEW"
	IncidentInvestigating IncidentStatus = "INVESTIGATING"
	IncidentResolved      IncidentStatus = "RESOLVED"
	IncidentFalsePositive IncidentStatus = "FALSE_POSITIVE"
	IncidentEscalated     IncidentStatus = "ESCALATED"
)

// ValidTransition reports whether the incident workflow permits moving
// from one status to another. NEW leads to INVESTIGATING; INVESTIGATING
// leads to any terminal state.
func ValidTransition(from, to IncidentStatus) bool {
	switch from {
	case IncidentNew:
		return to == IncidentInvestigating
	case IncidentInvestigating:
		return to == IncidentResolved || to == IncidentFalsePositive || to == IncidentEscalated
	default:
		return false
	}
}

// Entry is an append-only audit record. After creation only the incident
// fields (Priority, IncidentStatus, AssignedTo, pin fields) may change,
// and only through the SOC operations, never by the original requester.
type Entry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	UserID     *int64      `json:"user_id,omitempty"`
	UserEmail  string      `json:"user_email,omitempty"`
	APIKeyID   *int64      `json:"api_key_id,omitempty"`
	AuthMethod auth.Method `json:"auth_method"`

	Action     Action   `json:"action"`
	Resource   Resource `json:"resource"`
	ResourceID string   `json:"resource_id,omitempty"`
	Status     Status   `json:"status"`

	Method       string `json:"method"`
	Path         string `json:"path"`
	IPAddress    string `json:"ip_address,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	RequestSize  int64  `json:"request_size"`
	ResponseSize int64  `json:"response_size"`
	LatencyMS    int64  `json:"latency_ms"`

	Details      map[string]any `json:"details,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	Priority       Priority       `json:"priority"`
	IncidentStatus IncidentStatus `json:"incident_status"`
	AssignedTo     *int64         `json:"assigned_to,omitempty"`

	IsPinned bool       `json:"is_pinned"`
	PinnedBy *int64     `json:"pinned_by,omitempty"` // nil while pinned means system auto-pin
	PinnedAt *time.Time `json:"pinned_at,omitempty"`
}

// Filter narrows List queries. Zero values mean "no constraint".
type Filter struct {
	UserID     *int64
	UserEmail  string
	Action     Action
	Resource   Resource
	ResourceID string
	Status     Status
	IPAddress  string
	From       time.Time
	To         time.Time
	PinnedOnly bool
	Limit      int
	Offset     int
}

// IncidentUpdate mutates the incident-management fields of an entry.
type IncidentUpdate struct {
	Priority   *Priority
	Status     *IncidentStatus
	AssignedTo *int64
}

// Store persists entries. Append is create-once; UpdateIncident and Pin
// are the only sanctioned mutations.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Get(ctx context.Context, id string) (*Entry, error)
	UpdateIncident(ctx context.Context, id string, upd IncidentUpdate) error
	Pin(ctx context.Context, id string, pinnedBy *int64, at time.Time) error
}
