package persistence

import (
	"context"
	"fmt"
	"time"
)

// AuditRow is one persisted ledger entry. Rows are append-only; there is no
// update or delete path in this package.
type AuditRow struct {
	ID            int64
	CorrelationID string
	EventKind     string
	CapabilityID  string
	Actor         string
	Outcome       string
	Reason        string
	DurationMS    int64
	Cost          float64
	CreatedAt     time.Time
}

// AppendAuditEvent writes one ledger row.
func (s *Store) AppendAuditEvent(ctx context.Context, row AuditRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (correlation_id, event_kind, capability_id, actor, outcome, reason, duration_ms, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, row.CorrelationID, row.EventKind, row.CapabilityID, row.Actor, row.Outcome, row.Reason, row.DurationMS, row.Cost)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// EventsByCorrelation returns all rows sharing a correlation id, oldest first.
func (s *Store) EventsByCorrelation(ctx context.Context, correlationID string) ([]AuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correlation_id, event_kind, capability_id, actor, outcome, reason, duration_ms, cost, created_at
		FROM audit_log WHERE correlation_id = ? ORDER BY id ASC;
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query audit by correlation: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// RecentEvents returns the newest limit rows, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correlation_id, event_kind, capability_id, actor, outcome, reason, duration_ms, cost, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent audit events: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanAuditRows(rows rowScanner) ([]AuditRow, error) {
	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.ID, &r.CorrelationID, &r.EventKind, &r.CapabilityID, &r.Actor, &r.Outcome, &r.Reason, &r.DurationMS, &r.Cost, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
