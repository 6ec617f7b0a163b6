package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/metrics"
	"github.com/talkhaven/safeguard/internal/models"
	"github.com/talkhaven/safeguard/internal/store"
)

type fakeAlertStore struct {
	alerts map[uuid.UUID]*models.Alert
	log    []models.AccessLogEntry
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{alerts: make(map[uuid.UUID]*models.Alert)}
}

func (f *fakeAlertStore) GetAlert(_ context.Context, id uuid.UUID) (*models.Alert, error) {
	if a, ok := f.alerts[id]; ok {
		copied := *a
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeAlertStore) ListAlerts(_ context.Context, _ store.ListAlertFilters) ([]models.Alert, int, error) {
	out := make([]models.Alert, 0, len(f.alerts))
	for _, a := range f.alerts {
		out = append(out, *a)
	}
	return out, len(out), nil
}

func (f *fakeAlertStore) MarkAlertViewed(_ context.Context, id uuid.UUID, actor string) error {
	a, ok := f.alerts[id]
	if !ok || a.Status != models.AlertStatusNew {
		return nil
	}
	now := time.Now()
	a.Status = models.AlertStatusViewed
	a.ViewedAt = &now
	a.ViewedBy = &actor
	return nil
}

func (f *fakeAlertStore) TransitionAlert(_ context.Context, id uuid.UUID, to models.AlertStatus, from []models.AlertStatus, actor string) (bool, error) {
	a, ok := f.alerts[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, st := range from {
		if a.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	a.Status = to
	now := time.Now()
	switch to {
	case models.AlertStatusAcknowledged:
		if a.AcknowledgedAt == nil {
			a.AcknowledgedAt = &now
			a.AcknowledgedBy = &actor
		}
	case models.AlertStatusResolved, models.AlertStatusEscalated, models.AlertStatusDismissed:
		a.ResolvedAt = &now
		a.ResolvedBy = &actor
	}
	return true, nil
}

func (f *fakeAlertStore) EscalateAlertSeverity(_ context.Context, id uuid.UUID) (bool, error) {
	a, ok := f.alerts[id]
	if !ok || a.Severity == models.SeverityCritical {
		return false, nil
	}
	a.Severity = a.Severity.Escalated()
	return true, nil
}

func (f *fakeAlertStore) InsertAccessLog(_ context.Context, entry *models.AccessLogEntry) error {
	f.log = append(f.log, *entry)
	return nil
}

func (f *fakeAlertStore) ListAccessLog(_ context.Context, alertID uuid.UUID) ([]models.AccessLogEntry, error) {
	var out []models.AccessLogEntry
	for _, e := range f.log {
		if e.AlertID == alertID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeAlertStore) ListAccessLogRange(_ context.Context, _, _ time.Time) ([]models.AccessLogEntry, error) {
	return f.log, nil
}

func (f *fakeAlertStore) lastLog() *models.AccessLogEntry {
	if len(f.log) == 0 {
		return nil
	}
	return &f.log[len(f.log)-1]
}

var testTiers = []string{"admin", "safety_reviewer", "counselor", "superadmin"}

func testAlertService(st Store) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, testTiers, metrics.NewCollector(), logger)
}

func seedAlert(st *fakeAlertStore, status models.AlertStatus, severity models.Severity, tier string) *models.Alert {
	a := &models.Alert{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		ConversationID:    uuid.New(),
		AlertType:         models.AlertTypeThresholdExceeded,
		Category:          models.CategoryCoerciveLanguage,
		Severity:          severity,
		Confidence:        80,
		Title:             "Threshold exceeded: coercive language",
		Summary:           "Classifier reported coercive_language at confidence 80.",
		Status:            status,
		AuthorizationTier: tier,
	}
	st.alerts[a.ID] = a
	return a
}

var reviewer = Actor{Name: "reviewer@example.test", Tier: "safety_reviewer"}

func TestGetDetailMarksViewed(t *testing.T) {
	st := newFakeAlertStore()
	a := seedAlert(st, models.AlertStatusNew, models.SeverityHigh, "safety_reviewer")
	svc := testAlertService(st)

	got, err := svc.GetDetail(context.Background(), a.ID, reviewer)
	if err != nil {
		t.Fatalf("GetDetail: %v", err)
	}
	if got.Status != models.AlertStatusViewed {
		t.Errorf("status = %s, want viewed after first authorized read", got.Status)
	}
	last := st.lastLog()
	if last == nil || last.Action != models.AccessViewDetail || !last.Granted {
		t.Error("detail view must be audited as granted")
	}
}

func TestGetDetailDeniedBelowTier(t *testing.T) {
	st := newFakeAlertStore()
	a := seedAlert(st, models.AlertStatusNew, models.SeverityCritical, "counselor")
	svc := testAlertService(st)

	_, err := svc.GetDetail(context.Background(), a.ID, Actor{Name: "admin@example.test", Tier: "admin"})
	if !errors.Is(err, ErrInsufficientAuthorization) {
		t.Fatalf("err = %v, want insufficient authorization", err)
	}
	last := st.lastLog()
	if last == nil || last.Granted {
		t.Fatal("denial must be written to the access log")
	}
	if last.DenialReason == "" {
		t.Error("denial must record a reason")
	}
	if st.alerts[a.ID].Status != models.AlertStatusNew {
		t.Error("a denied read must not mark the alert viewed")
	}
}

func TestSuperadminClearsEveryTier(t *testing.T) {
	st := newFakeAlertStore()
	a := seedAlert(st, models.AlertStatusNew, models.SeverityCritical, "counselor")
	svc := testAlertService(st)

	if _, err := svc.GetDetail(context.Background(), a.ID, Actor{Name: "root@example.test", Tier: "superadmin"}); err != nil {
		t.Fatalf("superadmin denied: %v", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	st := newFakeAlertStore()
	a := seedAlert(st, models.AlertStatusNew, models.SeverityHigh, "safety_reviewer")
	svc := testAlertService(st)
	ctx := context.Background()

	if _, err := svc.GetDetail(ctx, a.ID, reviewer); err != nil {
		t.Fatalf("view: %v", err)
	}
	if _, err := svc.Acknowledge(ctx, a.ID, reviewer); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if _, err := svc.StartReview(ctx, a.ID, reviewer); err != nil {
		t.Fatalf("start review: %v", err)
	}
	final, err := svc.Resolve(ctx, a.ID, reviewer)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if final.Status != models.AlertStatusResolved {
		t.Errorf("status = %s, want resolved", final.Status)
	}
	if final.ResolvedBy == nil || *final.ResolvedBy != reviewer.Name {
		t.Error("resolved_by must record the actor")
	}
}

func TestDismissedRejectsResolve(t *testing.T) {
	st := newFakeAlertStore()
	a := seedAlert(st, models.AlertStatusDismissed, models.SeverityModerate, "admin")
	svc := testAlertService(st)

	_, err := svc.Resolve(context.Background(), a.ID, reviewer)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want invalid transition", err)
	}
	if st.alerts[a.ID].Status != models.AlertStatusDismissed {
		t.Error("terminal status must not change")
	}
	last := st.lastLog()
	if last == nil || last.Granted {
		t.Error("rejected transition must be audited")
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	svc := testAlertService(newFakeAlertStore())
	ctx := context.Background()

	for _, terminal := range []models.AlertStatus{
		models.AlertStatusResolved,
		models.AlertStatusEscalated,
		models.AlertStatusDismissed,
	} {
		st := newFakeAlertStore()
		a := seedAlert(st, terminal, models.SeverityModerate, "admin")
		svc = testAlertService(st)
		if _, err := svc.Acknowledge(ctx, a.ID, reviewer); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("acknowledge from %s: err = %v, want invalid transition", terminal, err)
		}
	}
}

func TestFirstAcknowledgmentWins(t *testing.T) {
	st := newFakeAlertStore()
	a := seedAlert(st, models.AlertStatusViewed, models.SeverityHigh, "safety_reviewer")
	svc := testAlertService(st)
	ctx := context.Background()

	first, err := svc.Acknowledge(ctx, a.ID, reviewer)
	if err != nil {
		t.Fatalf("first acknowledge: %v", err)
	}
	if first.AcknowledgedBy == nil || *first.AcknowledgedBy != reviewer.Name {
		t.Fatal("first acknowledgment must record the actor")
	}

	second := Actor{Name: "other@example.test", Tier: "counselor"}
	_, err = svc.Acknowledge(ctx, a.ID, second)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second acknowledge: err = %v, want invalid transition", err)
	}
	if got := st.alerts[a.ID]; *got.AcknowledgedBy != reviewer.Name {
		t.Error("second acknowledgment must not overwrite the first actor")
	}
	if last := st.lastLog(); last == nil || last.Granted {
		t.Error("second acknowledgment must still appear in the access log as rejected")
	}
}

func TestExpiredAlertReadOnly(t *testing.T) {
	st := newFakeAlertStore()
	a := seedAlert(st, models.AlertStatusViewed, models.SeverityHigh, "safety_reviewer")
	past := time.Now().Add(-time.Hour)
	st.alerts[a.ID].ExpiresAt = &past
	svc := testAlertService(st)

	_, err := svc.Acknowledge(context.Background(), a.ID, reviewer)
	if !errors.Is(err, ErrAlertExpired) {
		t.Fatalf("err = %v, want expired", err)
	}

	// Expired alerts stay readable.
	got, err := svc.GetDetail(context.Background(), a.ID, reviewer)
	if err != nil {
		t.Fatalf("GetDetail on expired alert: %v", err)
	}
	if !got.Expired {
		t.Error("expired alert must report as expired to the viewer")
	}
}

func TestExpiryMarkerSerialized(t *testing.T) {
	st := newFakeAlertStore()
	a := seedAlert(st, models.AlertStatusViewed, models.SeverityHigh, "safety_reviewer")
	past := time.Now().Add(-time.Hour)
	st.alerts[a.ID].ExpiresAt = &past
	svc := testAlertService(st)

	got, err := svc.GetDetail(context.Background(), a.ID, reviewer)
	if err != nil {
		t.Fatalf("GetDetail: %v", err)
	}
	body, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(body), `"expired":true`) {
		t.Errorf("serialized expired alert must carry the marker, got %s", body)
	}

	fresh := seedAlert(st, models.AlertStatusViewed, models.SeverityHigh, "safety_reviewer")
	got, err = svc.GetDetail(context.Background(), fresh.ID, reviewer)
	if err != nil {
		t.Fatalf("GetDetail: %v", err)
	}
	body, err = json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(body), `"expired":false`) {
		t.Errorf("live alert must serialize the marker as false, got %s", body)
	}

	summaries, _, err := svc.List(context.Background(), store.ListAlertFilters{}, reviewer)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, s := range summaries {
		if s.ID == a.ID && !s.Expired {
			t.Error("list must mark expired alerts too")
		}
	}
}

func TestEscalateBumpsSeverity(t *testing.T) {
	st := newFakeAlertStore()
	a := seedAlert(st, models.AlertStatusUnderReview, models.SeverityHigh, "safety_reviewer")
	svc := testAlertService(st)

	got, err := svc.Escalate(context.Background(), a.ID, reviewer)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if got.Status != models.AlertStatusEscalated {
		t.Errorf("status = %s, want escalated", got.Status)
	}
	if got.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical", got.Severity)
	}
}

func TestEscalateCriticalSeverityNoOp(t *testing.T) {
	st := newFakeAlertStore()
	a := seedAlert(st, models.AlertStatusAcknowledged, models.SeverityCritical, "counselor")
	svc := testAlertService(st)
	actor := Actor{Name: "counselor@example.test", Tier: "counselor"}

	before := len(st.log)
	got, err := svc.Escalate(context.Background(), a.ID, actor)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if got.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want critical unchanged", got.Severity)
	}
	if len(st.log) <= before {
		t.Error("no-op severity escalation must still be audited")
	}
}

func TestUnknownTierNeverAuthorized(t *testing.T) {
	st := newFakeAlertStore()
	a := seedAlert(st, models.AlertStatusNew, models.SeverityLow, "admin")
	svc := testAlertService(st)

	_, err := svc.GetDetail(context.Background(), a.ID, Actor{Name: "ghost", Tier: "intern"})
	if !errors.Is(err, ErrInsufficientAuthorization) {
		t.Fatalf("err = %v, want insufficient authorization for unknown tier", err)
	}
}
