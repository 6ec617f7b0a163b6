package reports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/models"
	"github.com/talkhaven/safeguard/internal/store"
)

// StoreProvider adapts the persistence layer to the generator's read
// interface.
type StoreProvider struct {
	store *store.Store
}

func NewStoreProvider(s *store.Store) *StoreProvider {
	return &StoreProvider{store: s}
}

func (p *StoreProvider) GetAlerts(ctx context.Context, filter AlertsFilter) ([]*models.Alert, error) {
	return p.store.ExportAlerts(ctx, store.ExportAlertFilters{
		Severities: filter.Severities,
		Categories: filter.Categories,
		Statuses:   filter.Statuses,
		From:       filter.DateFrom,
		To:         filter.DateTo,
	})
}

func (p *StoreProvider) GetAccessLog(ctx context.Context, filter AccessLogFilter) ([]*models.AccessLogEntry, error) {
	return p.store.ExportAccessLog(ctx, store.ExportAccessLogFilters{
		AlertID: filter.AlertID,
		Actor:   filter.Actor,
		From:    filter.DateFrom,
		To:      filter.DateTo,
	})
}

func (p *StoreProvider) GetSummaries(ctx context.Context, filter SummariesFilter) ([]*models.EngagementSummary, error) {
	filters := store.ListSummaryFilters{
		Month:       filter.Month,
		FlaggedOnly: filter.FlaggedOnly,
	}
	if filter.PersonaID != nil {
		id, err := uuid.Parse(*filter.PersonaID)
		if err != nil {
			return nil, err
		}
		filters.PersonaID = &id
	}

	summaries, _, err := p.store.ListEngagementSummaries(ctx, filters)
	if err != nil {
		return nil, err
	}

	out := make([]*models.EngagementSummary, len(summaries))
	for i := range summaries {
		out[i] = &summaries[i]
	}
	return out, nil
}

func (p *StoreProvider) GetStats(ctx context.Context, month *time.Time) (*Stats, error) {
	var from, to time.Time
	if month != nil {
		from = time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
		to = from.AddDate(0, 1, 0)
	}

	stats, err := p.store.GetReportStats(ctx, from, to)
	if err != nil {
		return nil, err
	}

	categories, err := p.store.EventCategoryCounts(ctx, from, to)
	if err != nil {
		return nil, err
	}

	return &Stats{
		SafetyEvents:    stats.SafetyEvents,
		TotalAlerts:     stats.TotalAlerts,
		CriticalAlerts:  stats.CriticalAlerts,
		HighAlerts:      stats.HighAlerts,
		OpenAlerts:      stats.OpenAlerts,
		ResolvedAlerts:  stats.ResolvedAlerts,
		DismissedAlerts: stats.DismissedAlerts,
		FlaggedPersonas: stats.FlaggedPersonas,
		CategoryCounts:  categories,
	}, nil
}
