package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/metrics"
	"github.com/talkhaven/safeguard/internal/models"
	"github.com/talkhaven/safeguard/internal/store"
)

var (
	ErrNotFound = errors.New("alert not found")

	// ErrInvalidTransition rejects a state machine violation. The attempt is
	// still recorded in the access log.
	ErrInvalidTransition = errors.New("invalid alert status transition")

	// ErrInsufficientAuthorization is deliberately generic; it must not leak
	// what the restricted detail contains.
	ErrInsufficientAuthorization = errors.New("insufficient authorization")

	// ErrAlertExpired guards expired alerts, which are read-only regardless
	// of status.
	ErrAlertExpired = errors.New("alert has expired and is read-only")
)

// predecessors defines the state machine: a transition applies only when the
// current status is listed for the target.
var predecessors = map[models.AlertStatus][]models.AlertStatus{
	models.AlertStatusViewed:       {models.AlertStatusNew},
	models.AlertStatusAcknowledged: {models.AlertStatusViewed},
	models.AlertStatusUnderReview:  {models.AlertStatusAcknowledged},
	models.AlertStatusResolved:     {models.AlertStatusAcknowledged, models.AlertStatusUnderReview},
	models.AlertStatusEscalated:    {models.AlertStatusAcknowledged, models.AlertStatusUnderReview},
	models.AlertStatusDismissed:    {models.AlertStatusAcknowledged, models.AlertStatusUnderReview},
}

// Actor identifies who is touching an alert and at what authorization tier.
type Actor struct {
	Name string
	Tier string
}

type Store interface {
	GetAlert(ctx context.Context, id uuid.UUID) (*models.Alert, error)
	ListAlerts(ctx context.Context, filters store.ListAlertFilters) ([]models.Alert, int, error)
	MarkAlertViewed(ctx context.Context, id uuid.UUID, actor string) error
	TransitionAlert(ctx context.Context, id uuid.UUID, to models.AlertStatus, from []models.AlertStatus, actor string) (bool, error)
	EscalateAlertSeverity(ctx context.Context, id uuid.UUID) (bool, error)
	InsertAccessLog(ctx context.Context, entry *models.AccessLogEntry) error
	ListAccessLog(ctx context.Context, alertID uuid.UUID) ([]models.AccessLogEntry, error)
	ListAccessLogRange(ctx context.Context, from, to time.Time) ([]models.AccessLogEntry, error)
}

// Service owns the alert lifecycle: tier checks, the status state machine,
// and the append-only audit trail. Every access, denied ones included, lands
// in the access log.
type Service struct {
	store     Store
	tierOrder []string
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(st Store, tierOrder []string, collector *metrics.Collector, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		tierOrder: tierOrder,
		metrics:   collector,
		logger:    logger.With("component", "alerts"),
		now:       time.Now,
	}
}

// tierRank returns the position of a tier in the configured ladder, -1 for
// unknown tiers so they never clear any check.
func (s *Service) tierRank(tier string) int {
	for i, t := range s.tierOrder {
		if t == tier {
			return i
		}
	}
	return -1
}

// stampExpiry fills the serialized expired marker so every alert handed out
// of this package carries the read-only state visibly.
func (s *Service) stampExpiry(alert *models.Alert) *models.Alert {
	alert.Expired = alert.IsExpired(s.now())
	return alert
}

func (s *Service) authorized(actor Actor, alert *models.Alert) bool {
	required := s.tierRank(alert.AuthorizationTier)
	actual := s.tierRank(actor.Tier)
	return actual >= 0 && required >= 0 && actual >= required
}

func (s *Service) audit(ctx context.Context, alertID uuid.UUID, actor Actor, action models.AccessAction, granted bool, denialReason string) {
	entry := &models.AccessLogEntry{
		AlertID:      alertID,
		Actor:        actor.Name,
		ActorTier:    actor.Tier,
		Action:       action,
		Granted:      granted,
		DenialReason: denialReason,
	}
	if err := s.store.InsertAccessLog(ctx, entry); err != nil {
		s.logger.Error("writing access log entry failed", "alert_id", alertID, "action", action, "error", err)
	}
	if !granted {
		s.metrics.AccessDenied.Inc()
	}
}

// List returns summaries sorted severity-then-recency. Summary listing is
// open to any ladder tier; only detail views are tier-gated. Each summary
// handed out is still audited.
func (s *Service) List(ctx context.Context, filters store.ListAlertFilters, actor Actor) ([]models.Alert, int, error) {
	alerts, total, err := s.store.ListAlerts(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	for i := range alerts {
		s.stampExpiry(&alerts[i])
		s.audit(ctx, alerts[i].ID, actor, models.AccessViewSummary, true, "")
	}
	return alerts, total, nil
}

// GetDetail returns the full alert if the actor's tier clears the alert's
// required tier. A denial is audited with its reason and surfaces as the
// generic ErrInsufficientAuthorization. An authorized first read applies the
// new -> viewed transition.
func (s *Service) GetDetail(ctx context.Context, id uuid.UUID, actor Actor) (*models.Alert, error) {
	alert, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, ErrNotFound
	}

	if !s.authorized(actor, alert) {
		s.audit(ctx, id, actor, models.AccessViewDetail, false,
			fmt.Sprintf("tier %q below required %q", actor.Tier, alert.AuthorizationTier))
		return nil, ErrInsufficientAuthorization
	}

	s.audit(ctx, id, actor, models.AccessViewDetail, true, "")

	if alert.Status == models.AlertStatusNew && !alert.IsExpired(s.now()) {
		if err := s.store.MarkAlertViewed(ctx, id, actor.Name); err != nil {
			s.logger.Error("marking alert viewed failed", "alert_id", id, "error", err)
		} else {
			alert.Status = models.AlertStatusViewed
			now := s.now()
			alert.ViewedAt = &now
			alert.ViewedBy = &actor.Name
		}
	}

	return s.stampExpiry(alert), nil
}

// Acknowledge moves viewed -> acknowledged. Repeat acknowledgments are
// rejected as invalid transitions but still audited; the first
// acknowledgment's timestamp and actor are permanent either way.
func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID, actor Actor) (*models.Alert, error) {
	return s.transition(ctx, id, models.AlertStatusAcknowledged, models.AccessAcknowledge, actor)
}

func (s *Service) StartReview(ctx context.Context, id uuid.UUID, actor Actor) (*models.Alert, error) {
	return s.transition(ctx, id, models.AlertStatusUnderReview, models.AccessReview, actor)
}

func (s *Service) Resolve(ctx context.Context, id uuid.UUID, actor Actor) (*models.Alert, error) {
	return s.transition(ctx, id, models.AlertStatusResolved, models.AccessResolve, actor)
}

func (s *Service) Dismiss(ctx context.Context, id uuid.UUID, actor Actor) (*models.Alert, error) {
	return s.transition(ctx, id, models.AlertStatusDismissed, models.AccessDismiss, actor)
}

// Escalate moves the alert to escalated and bumps severity one notch.
// Escalating an already-critical alert leaves severity untouched; the
// attempt is still audited.
func (s *Service) Escalate(ctx context.Context, id uuid.UUID, actor Actor) (*models.Alert, error) {
	alert, err := s.transition(ctx, id, models.AlertStatusEscalated, models.AccessEscalate, actor)
	if err != nil {
		return nil, err
	}

	bumped, err := s.store.EscalateAlertSeverity(ctx, id)
	if err != nil {
		return nil, err
	}
	if bumped {
		alert.Severity = alert.Severity.Escalated()
	} else {
		s.logger.Info("escalation of critical alert leaves severity unchanged", "alert_id", id)
	}
	return alert, nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to models.AlertStatus, action models.AccessAction, actor Actor) (*models.Alert, error) {
	alert, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, ErrNotFound
	}

	if !s.authorized(actor, alert) {
		s.audit(ctx, id, actor, action, false,
			fmt.Sprintf("tier %q below required %q", actor.Tier, alert.AuthorizationTier))
		return nil, ErrInsufficientAuthorization
	}

	if alert.IsExpired(s.now()) {
		s.audit(ctx, id, actor, action, false, "alert expired, read-only")
		return nil, ErrAlertExpired
	}

	from, ok := predecessors[to]
	if !ok {
		return nil, ErrInvalidTransition
	}

	applied, err := s.store.TransitionAlert(ctx, id, to, from, actor.Name)
	if err != nil {
		return nil, err
	}
	if !applied {
		// CAS found no matching predecessor. Terminal states absorb; the
		// attempt is audited and rejected, never silently succeeded.
		s.audit(ctx, id, actor, action, false,
			fmt.Sprintf("transition to %s invalid from %s", to, alert.Status))
		s.metrics.TransitionsRejected.Inc()
		s.logger.Warn("alert transition rejected",
			"alert_id", id, "from", alert.Status, "to", to, "actor", actor.Name)
		return nil, ErrInvalidTransition
	}

	s.audit(ctx, id, actor, action, true, "")

	updated, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrNotFound
	}
	return s.stampExpiry(updated), nil
}

// AccessLog returns the audit trail for one alert. Reading the trail is
// itself tier-gated the same way detail is, but not recursively audited.
func (s *Service) AccessLog(ctx context.Context, id uuid.UUID, actor Actor) ([]models.AccessLogEntry, error) {
	alert, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, ErrNotFound
	}
	if !s.authorized(actor, alert) {
		s.audit(ctx, id, actor, models.AccessViewDetail, false,
			fmt.Sprintf("tier %q below required %q", actor.Tier, alert.AuthorizationTier))
		return nil, ErrInsufficientAuthorization
	}
	return s.store.ListAccessLog(ctx, id)
}

// ExportAccessLog returns all audit entries in a range for compliance
// export, and audits the export per alert touched.
func (s *Service) ExportAccessLog(ctx context.Context, from, to time.Time, actor Actor) ([]models.AccessLogEntry, error) {
	entries, err := s.store.ListAccessLogRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool)
	for _, e := range entries {
		if !seen[e.AlertID] {
			seen[e.AlertID] = true
			s.audit(ctx, e.AlertID, actor, models.AccessExport, true, "")
		}
	}
	return entries, nil
}
