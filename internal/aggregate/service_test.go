package aggregate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/config"
	"github.com/talkhaven/safeguard/internal/metrics"
	"github.com/talkhaven/safeguard/internal/models"
	"github.com/talkhaven/safeguard/internal/store"
)

type fakeAggStore struct {
	personas  []uuid.UUID
	perf      map[uuid.UUID]*store.PerformanceStats
	events    map[uuid.UUID]*store.EventStats
	platform  *store.PlatformStats
	summaries map[string]*models.EngagementSummary
	upserts   int
}

func newFakeAggStore() *fakeAggStore {
	return &fakeAggStore{
		perf:      make(map[uuid.UUID]*store.PerformanceStats),
		events:    make(map[uuid.UUID]*store.EventStats),
		platform:  &store.PlatformStats{},
		summaries: make(map[string]*models.EngagementSummary),
	}
}

func summaryKey(personaID uuid.UUID, month time.Time) string {
	return personaID.String() + "|" + month.Format("2006-01")
}

func (f *fakeAggStore) ListActivePersonas(_ context.Context, _, _ time.Time) ([]uuid.UUID, error) {
	return f.personas, nil
}

func (f *fakeAggStore) PersonaPerformanceStats(_ context.Context, id uuid.UUID, _, _ time.Time) (*store.PerformanceStats, error) {
	if p, ok := f.perf[id]; ok {
		return p, nil
	}
	return &store.PerformanceStats{}, nil
}

func (f *fakeAggStore) PersonaEventStats(_ context.Context, id uuid.UUID, _, _ time.Time) (*store.EventStats, error) {
	if e, ok := f.events[id]; ok {
		return e, nil
	}
	return &store.EventStats{}, nil
}

func (f *fakeAggStore) PlatformBoundaryStats(_ context.Context, _, _ time.Time) (*store.PlatformStats, error) {
	return f.platform, nil
}

func (f *fakeAggStore) UpsertEngagementSummary(_ context.Context, sum *models.EngagementSummary) error {
	f.upserts++
	f.summaries[summaryKey(sum.PersonaID, sum.Month)] = sum
	return nil
}

func (f *fakeAggStore) GetEngagementSummary(_ context.Context, personaID uuid.UUID, month time.Time) (*models.EngagementSummary, error) {
	return f.summaries[summaryKey(personaID, month)], nil
}

func (f *fakeAggStore) ListEngagementSummaries(_ context.Context, _ store.ListSummaryFilters) ([]models.EngagementSummary, int, error) {
	var out []models.EngagementSummary
	for _, s := range f.summaries {
		out = append(out, *s)
	}
	return out, len(out), nil
}

type fakeLocker struct {
	held     map[string]bool
	denyAll  bool
	releases int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) AcquireAggregationLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	if l.denyAll || l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) ReleaseAggregationLock(_ context.Context, key string) error {
	delete(l.held, key)
	l.releases++
	return nil
}

func testAggService(st Store, locker Locker) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.AggregationConfig{
		LockTTL:               10 * time.Minute,
		DisproportionateRatio: 1.5,
		ReviewRatio:           2.0,
	}
	return NewService(st, locker, cfg, metrics.NewCollector(), logger)
}

func TestRunMonthAggregatesAllPersonas(t *testing.T) {
	st := newFakeAggStore()
	p1, p2 := uuid.New(), uuid.New()
	st.personas = []uuid.UUID{p1, p2}
	st.perf[p1] = &store.PerformanceStats{TotalConversations: 10, BoundaryTests: 6}
	st.perf[p2] = &store.PerformanceStats{TotalConversations: 50, BoundaryTests: 4}
	st.platform = &store.PlatformStats{BoundaryTests: 10, TotalConversations: 100}
	locker := newFakeLocker()
	svc := testAggService(st, locker)

	ref := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	if err := svc.RunMonth(context.Background(), ref); err != nil {
		t.Fatalf("RunMonth: %v", err)
	}
	if len(st.summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(st.summaries))
	}

	hot, _ := st.GetEngagementSummary(context.Background(), p1, MonthStart(ref))
	if hot == nil || !hot.FlaggedForReview {
		t.Error("persona at ratio 6.0 must be flagged")
	}
	quiet, _ := st.GetEngagementSummary(context.Background(), p2, MonthStart(ref))
	if quiet == nil || quiet.Disproportionate {
		t.Error("persona below platform average must not be flagged")
	}
	if locker.releases != 1 {
		t.Error("the month lock must be released")
	}
}

func TestRunMonthConflict(t *testing.T) {
	locker := newFakeLocker()
	locker.denyAll = true
	svc := testAggService(newFakeAggStore(), locker)

	err := svc.RunMonth(context.Background(), time.Now())
	if !errors.Is(err, ErrAggregationConflict) {
		t.Fatalf("err = %v, want aggregation conflict", err)
	}
}

func TestRunMonthIdempotent(t *testing.T) {
	st := newFakeAggStore()
	p := uuid.New()
	st.personas = []uuid.UUID{p}
	st.perf[p] = &store.PerformanceStats{TotalConversations: 20, BoundaryTests: 2}
	st.platform = &store.PlatformStats{BoundaryTests: 10, TotalConversations: 100}
	svc := testAggService(st, newFakeLocker())

	ref := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := svc.RunMonth(context.Background(), ref); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if len(st.summaries) != 1 {
		t.Fatalf("got %d summary rows after 3 runs, want 1", len(st.summaries))
	}
	if st.upserts != 3 {
		t.Errorf("each run must overwrite, got %d upserts", st.upserts)
	}
}

func TestRunPersonaMonthBackfill(t *testing.T) {
	st := newFakeAggStore()
	p := uuid.New()
	st.perf[p] = &store.PerformanceStats{TotalConversations: 10, BoundaryTests: 1}
	st.platform = &store.PlatformStats{BoundaryTests: 10, TotalConversations: 100}
	svc := testAggService(st, newFakeLocker())

	sum, err := svc.RunPersonaMonth(context.Background(), p, time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("RunPersonaMonth: %v", err)
	}
	if !sum.Month.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("month = %v, want normalized to first of July", sum.Month)
	}
}

func TestRunPersonaMonthBlockedByMonthLock(t *testing.T) {
	st := newFakeAggStore()
	p := uuid.New()
	st.perf[p] = &store.PerformanceStats{TotalConversations: 10, BoundaryTests: 1}
	st.platform = &store.PlatformStats{BoundaryTests: 10, TotalConversations: 100}

	locker := newFakeLocker()
	locker.held["aggregate:2026-07"] = true
	svc := testAggService(st, locker)

	_, err := svc.RunPersonaMonth(context.Background(), p, time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrAggregationConflict) {
		t.Fatalf("err = %v, want conflict while the month rollup holds the lock", err)
	}
}
