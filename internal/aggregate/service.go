package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/config"
	"github.com/talkhaven/safeguard/internal/metrics"
	"github.com/talkhaven/safeguard/internal/models"
	"github.com/talkhaven/safeguard/internal/store"
)

// ErrAggregationConflict signals a concurrent run holds the month's lock.
// The operation is idempotent, so the caller recovers by retrying later.
var ErrAggregationConflict = errors.New("aggregation already running for this period")

type Store interface {
	ListActivePersonas(ctx context.Context, from, to time.Time) ([]uuid.UUID, error)
	PersonaPerformanceStats(ctx context.Context, personaID uuid.UUID, from, to time.Time) (*store.PerformanceStats, error)
	PersonaEventStats(ctx context.Context, personaID uuid.UUID, from, to time.Time) (*store.EventStats, error)
	PlatformBoundaryStats(ctx context.Context, from, to time.Time) (*store.PlatformStats, error)
	UpsertEngagementSummary(ctx context.Context, sum *models.EngagementSummary) error
	GetEngagementSummary(ctx context.Context, personaID uuid.UUID, month time.Time) (*models.EngagementSummary, error)
	ListEngagementSummaries(ctx context.Context, filters store.ListSummaryFilters) ([]models.EngagementSummary, int, error)
}

// Locker serializes aggregation runs per period. Implementations hold the
// lock for a bounded TTL so a crashed run cannot wedge the schedule.
type Locker interface {
	AcquireAggregationLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseAggregationLock(ctx context.Context, key string) error
}

// Service runs the monthly rollup and anomaly detection.
type Service struct {
	store   Store
	locker  Locker
	cfg     config.AggregationConfig
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewService(st Store, locker Locker, cfg config.AggregationConfig, collector *metrics.Collector, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		locker:  locker,
		cfg:     cfg,
		metrics: collector,
		logger:  logger.With("component", "aggregate"),
	}
}

func (s *Service) thresholds() Thresholds {
	t := Thresholds{
		Disproportionate: s.cfg.DisproportionateRatio,
		Review:           s.cfg.ReviewRatio,
	}
	if t.Disproportionate <= 0 {
		t.Disproportionate = DefaultThresholds.Disproportionate
	}
	if t.Review <= 0 {
		t.Review = DefaultThresholds.Review
	}
	return t
}

// RunMonth aggregates every active persona for the month containing ref.
// Concurrent runs for the same month are mutually exclusive; the loser gets
// ErrAggregationConflict and may simply retry, since re-running overwrites
// rather than duplicates.
func (s *Service) RunMonth(ctx context.Context, ref time.Time) error {
	from, to := MonthBounds(ref)
	lockKey := fmt.Sprintf("aggregate:%s", from.Format("2006-01"))

	acquired, err := s.locker.AcquireAggregationLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquiring aggregation lock: %w", err)
	}
	if !acquired {
		s.metrics.AggregationRuns.WithLabelValues("conflict").Inc()
		return ErrAggregationConflict
	}
	defer func() {
		if err := s.locker.ReleaseAggregationLock(ctx, lockKey); err != nil {
			s.logger.Error("releasing aggregation lock failed", "key", lockKey, "error", err)
		}
	}()

	start := time.Now()
	personas, err := s.store.ListActivePersonas(ctx, from, to)
	if err != nil {
		s.metrics.AggregationRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("listing active personas: %w", err)
	}

	platform, err := s.store.PlatformBoundaryStats(ctx, from, to)
	if err != nil {
		s.metrics.AggregationRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("computing platform baseline: %w", err)
	}

	var flagged int
	for _, personaID := range personas {
		sum, err := s.aggregatePersona(ctx, personaID, from, to, platform)
		if err != nil {
			s.metrics.AggregationRuns.WithLabelValues("error").Inc()
			return fmt.Errorf("aggregating persona %s: %w", personaID, err)
		}
		if sum.FlaggedForReview {
			flagged++
			s.logger.Warn("persona flagged for review",
				"persona_id", personaID,
				"month", from.Format("2006-01"),
				"reason", *sum.FlagReason)
		}
	}

	s.metrics.AggregationRuns.WithLabelValues("success").Inc()
	s.logger.Info("monthly aggregation complete",
		"month", from.Format("2006-01"),
		"personas", len(personas),
		"flagged", flagged,
		"duration", time.Since(start))
	return nil
}

// RunPersonaMonth recomputes a single (persona, month) pair, for
// administrative backfills.
func (s *Service) RunPersonaMonth(ctx context.Context, personaID uuid.UUID, ref time.Time) (*models.EngagementSummary, error) {
	from, to := MonthBounds(ref)
	// Backfills contend for the same month-wide lock as the full run, so
	// a rollup and a backfill never recompute the same month concurrently.
	lockKey := fmt.Sprintf("aggregate:%s", from.Format("2006-01"))

	acquired, err := s.locker.AcquireAggregationLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquiring aggregation lock: %w", err)
	}
	if !acquired {
		return nil, ErrAggregationConflict
	}
	defer func() {
		if err := s.locker.ReleaseAggregationLock(ctx, lockKey); err != nil {
			s.logger.Error("releasing aggregation lock failed", "key", lockKey, "error", err)
		}
	}()

	platform, err := s.store.PlatformBoundaryStats(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("computing platform baseline: %w", err)
	}
	return s.aggregatePersona(ctx, personaID, from, to, platform)
}

func (s *Service) aggregatePersona(ctx context.Context, personaID uuid.UUID, from, to time.Time, platform *store.PlatformStats) (*models.EngagementSummary, error) {
	perf, err := s.store.PersonaPerformanceStats(ctx, personaID, from, to)
	if err != nil {
		return nil, err
	}
	events, err := s.store.PersonaEventStats(ctx, personaID, from, to)
	if err != nil {
		return nil, err
	}

	sum := Compute(personaID, from, perf, events, platform, s.thresholds())
	if err := s.store.UpsertEngagementSummary(ctx, sum); err != nil {
		return nil, fmt.Errorf("upserting summary: %w", err)
	}
	return sum, nil
}

func (s *Service) GetSummary(ctx context.Context, personaID uuid.UUID, month time.Time) (*models.EngagementSummary, error) {
	return s.store.GetEngagementSummary(ctx, personaID, MonthStart(month))
}

func (s *Service) ListSummaries(ctx context.Context, filters store.ListSummaryFilters) ([]models.EngagementSummary, int, error) {
	return s.store.ListEngagementSummaries(ctx, filters)
}
