package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/audit"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
)

var _ audit.Store = (*AuditStore)(nil)

// AuditStore persists audit entries. Append is the hot path driven by
// the admission-controlled writer; the mutating operations only touch
// the incident-management columns.
type AuditStore struct{ p *Provider }

func NewAuditStore(p *Provider) *AuditStore { return &AuditStore{p: p} }

const auditColumns = `id, created_at, user_id, user_email, api_key_id, auth_method,
	action, resource, resource_id, status, method, path, ip_address, user_agent,
	request_size, response_size, latency_ms, details, error_message,
	priority, incident_status, assigned_to, is_pinned, pinned_by, pinned_at`

func (s *AuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	details, _ := json.Marshal(entry.Details)
	_, err := s.p.Current().ExecContext(ctx, `
		insert into audit_logs(`+auditColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		entry.ID, entry.CreatedAt, entry.UserID, nullString(entry.UserEmail), entry.APIKeyID, string(entry.AuthMethod),
		string(entry.Action), string(entry.Resource), nullString(entry.ResourceID), string(entry.Status),
		entry.Method, entry.Path, nullString(entry.IPAddress), nullString(entry.UserAgent),
		entry.RequestSize, entry.ResponseSize, entry.LatencyMS, details, nullString(entry.ErrorMessage),
		string(entry.Priority), string(entry.IncidentStatus), entry.AssignedTo,
		entry.IsPinned, entry.PinnedBy, entry.PinnedAt,
	)
	return err
}

func (s *AuditStore) Get(ctx context.Context, id string) (*audit.Entry, error) {
	row := s.p.Current().QueryRowContext(ctx,
		`select `+auditColumns+` from audit_logs where id=$1`, id)
	entry, err := scanAuditEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, audit.ErrEntryNotFound
	}
	return entry, err
}

// List applies the filter with dynamically built predicates. Results are
// newest-first with limit/offset pagination.
func (s *AuditStore) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != nil {
		add("user_id=$%d", *f.UserID)
	}
	if f.UserEmail != "" {
		add("lower(user_email)=lower($%d)", f.UserEmail)
	}
	if f.Action != "" {
		add("action=$%d", string(f.Action))
	}
	if f.Resource != "" {
		add("resource=$%d", string(f.Resource))
	}
	if f.ResourceID != "" {
		add("resource_id=$%d", f.ResourceID)
	}
	if f.Status != "" {
		add("status=$%d", string(f.Status))
	}
	if f.IPAddress != "" {
		add("ip_address=$%d", f.IPAddress)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	if f.PinnedOnly {
		conds = append(conds, "is_pinned")
	}

	query := `select ` + auditColumns + ` from audit_logs`
	if len(conds) > 0 {
		query += ` where ` + strings.Join(conds, " and ")
	}
	query += ` order by created_at desc`

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" limit $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" offset $%d", len(args))
	}

	rows, err := s.p.Current().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		entry, err := scanAuditEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *AuditStore) UpdateIncident(ctx context.Context, id string, upd audit.IncidentUpdate) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if upd.Priority != nil {
		set("priority", string(*upd.Priority))
	}
	if upd.Status != nil {
		set("incident_status", string(*upd.Status))
	}
	if upd.AssignedTo != nil {
		set("assigned_to", *upd.AssignedTo)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.p.Current().ExecContext(ctx,
		fmt.Sprintf(`update audit_logs set %s where id=$%d`, strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return audit.ErrEntryNotFound
	}
	return nil
}

func (s *AuditStore) Pin(ctx context.Context, id string, pinnedBy *int64, at time.Time) error {
	res, err := s.p.Current().ExecContext(ctx, `
		update audit_logs set is_pinned=true, pinned_by=$2, pinned_at=$3
		where id=$1 and not is_pinned`, id, pinnedBy, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return audit.ErrEntryNotFound
	}
	return nil
}

func scanAuditEntry(scan func(dest ...any) error) (*audit.Entry, error) {
	var (
		e            audit.Entry
		userID       sql.NullInt64
		userEmail    sql.NullString
		apiKeyID     sql.NullInt64
		authMethod   string
		action       string
		resource     string
		resourceID   sql.NullString
		status       string
		ipAddress    sql.NullString
		userAgent    sql.NullString
		details      []byte
		errorMessage sql.NullString
		priority     string
		incident     string
		assignedTo   sql.NullInt64
		pinnedBy     sql.NullInt64
		pinnedAt     sql.NullTime
	)
	err := scan(&e.ID, &e.CreatedAt, &userID, &userEmail, &apiKeyID, &authMethod,
		&action, &resource, &resourceID, &status, &e.Method, &e.Path, &ipAddress, &userAgent,
		&e.RequestSize, &e.ResponseSize, &e.LatencyMS, &details, &errorMessage,
		&priority, &incident, &assignedTo, &e.IsPinned, &pinnedBy, &pinnedAt)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		e.UserID = &userID.Int64
	}
	e.UserEmail = userEmail.String
	if apiKeyID.Valid {
		e.APIKeyID = &apiKeyID.Int64
	}
	e.AuthMethod = auth.Method(authMethod)
	e.Action = audit.Action(action)
	e.Resource = audit.Resource(resource)
	e.ResourceID = resourceID.String
	e.Status = audit.Status(status)
	e.IPAddress = ipAddress.String
	e.UserAgent = userAgent.String
	if len(details) > 0 {
		_ = json.Unmarshal(details, &e.Details)
	}
	e.ErrorMessage = errorMessage.String
	e.Priority = audit.Priority(priority)
	e.IncidentStatus = audit.IncidentStatus(incident)
	if assignedTo.Valid {
		e.AssignedTo = &assignedTo.Int64
	}
	if pinnedBy.Valid {
		e.PinnedBy = &pinnedBy.Int64
	}
	if pinnedAt.Valid {
		t := pinnedAt.Time
		e.PinnedAt = &t
	}
	return &e, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
