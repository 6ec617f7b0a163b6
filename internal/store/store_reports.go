package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/talkhaven/safeguard/internal/models"
)

// ExportAlertFilters selects alerts for report generation. Multi-value
// filters match any of the given values; nil slices match everything.
type ExportAlertFilters struct {
	Severities []string
	Categories []string
	Statuses   []string
	From       *time.Time
	To         *time.Time
}

func (s *Store) ExportAlerts(ctx context.Context, filters ExportAlertFilters) ([]*models.Alert, error) {
	query := `SELECT * FROM alerts WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if len(filters.Severities) > 0 {
		query += fmt.Sprintf(" AND severity = ANY($%d)", argIdx)
		args = append(args, pq.Array(filters.Severities))
		argIdx++
	}
	if len(filters.Categories) > 0 {
		query += fmt.Sprintf(" AND category = ANY($%d)", argIdx)
		args = append(args, pq.Array(filters.Categories))
		argIdx++
	}
	if len(filters.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, pq.Array(filters.Statuses))
		argIdx++
	}
	if filters.From != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filters.From)
		argIdx++
	}
	if filters.To != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *filters.To)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	var alerts []*models.Alert
	if err := s.db.SelectContext(ctx, &alerts, query, args...); err != nil {
		return nil, err
	}
	return alerts, nil
}

// ExportAccessLogFilters selects audit entries for report generation.
type ExportAccessLogFilters struct {
	AlertID *string
	Actor   *string
	From    *time.Time
	To      *time.Time
}

func (s *Store) ExportAccessLog(ctx context.Context, filters ExportAccessLogFilters) ([]*models.AccessLogEntry, error) {
	query := `SELECT * FROM access_log WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.AlertID != nil {
		query += fmt.Sprintf(" AND alert_id = $%d", argIdx)
		args = append(args, *filters.AlertID)
		argIdx++
	}
	if filters.Actor != nil {
		query += fmt.Sprintf(" AND actor = $%d", argIdx)
		args = append(args, *filters.Actor)
		argIdx++
	}
	if filters.From != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filters.From)
		argIdx++
	}
	if filters.To != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *filters.To)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	var entries []*models.AccessLogEntry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// ReportStats rolls up platform-wide counts for the monthly report. When
// from/to are zero the counts cover all time. Events are privacy-joined
// like every other aggregate read.
type ReportStats struct {
	SafetyEvents    int `db:"safety_events"`
	TotalAlerts     int `db:"total_alerts"`
	CriticalAlerts  int `db:"critical_alerts"`
	HighAlerts      int `db:"high_alerts"`
	OpenAlerts      int `db:"open_alerts"`
	ResolvedAlerts  int `db:"resolved_alerts"`
	DismissedAlerts int `db:"dismissed_alerts"`
	FlaggedPersonas int `db:"flagged_personas"`
}

func (s *Store) GetReportStats(ctx context.Context, from, to time.Time) (*ReportStats, error) {
	var stats ReportStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			(SELECT COUNT(*) FROM safety_events e
			 JOIN conversations c ON c.id = e.conversation_id
			 WHERE NOT c.is_private
			   AND ($1::timestamptz IS NULL OR e.created_at >= $1)
			   AND ($2::timestamptz IS NULL OR e.created_at < $2)) AS safety_events,
			COUNT(*) AS total_alerts,
			COUNT(*) FILTER (WHERE severity = 'critical') AS critical_alerts,
			COUNT(*) FILTER (WHERE severity = 'high') AS high_alerts,
			COUNT(*) FILTER (WHERE status IN ('new', 'viewed', 'acknowledged', 'under_review')) AS open_alerts,
			COUNT(*) FILTER (WHERE status = 'resolved') AS resolved_alerts,
			COUNT(*) FILTER (WHERE status = 'dismissed') AS dismissed_alerts,
			(SELECT COUNT(*) FROM engagement_summaries
			 WHERE flagged_for_review
			   AND ($1::timestamptz IS NULL OR month >= $1)
			   AND ($2::timestamptz IS NULL OR month < $2)) AS flagged_personas
		FROM alerts
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at < $2)`,
		nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// EventCategoryCounts returns per-category event counts for the period,
// privacy-joined.
func (s *Store) EventCategoryCounts(ctx context.Context, from, to time.Time) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT e.category, COUNT(*)
		FROM safety_events e
		JOIN conversations c ON c.id = e.conversation_id
		WHERE NOT c.is_private
		  AND ($1::timestamptz IS NULL OR e.created_at >= $1)
		  AND ($2::timestamptz IS NULL OR e.created_at < $2)
		GROUP BY e.category`,
		nullableTime(from), nullableTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, err
		}
		counts[category] = count
	}
	return counts, rows.Err()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
