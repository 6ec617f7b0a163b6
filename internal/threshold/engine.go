package threshold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/config"
	"github.com/talkhaven/safeguard/internal/metrics"
	"github.com/talkhaven/safeguard/internal/models"
)

// ErrConfigMissing indicates no active threshold configuration exists for a
// category. The engine fails safe on it: the event is treated as
// non-alerting, never dropped.
var ErrConfigMissing = errors.New("no threshold configuration found for category")

// Store is the slice of storage the engine needs.
type Store interface {
	GetThresholdConfig(ctx context.Context, category models.RiskCategory, subcategory *string) (*models.ThresholdConfig, error)
	CountRecentEvents(ctx context.Context, userID uuid.UUID, category models.RiskCategory, since time.Time) (int, error)
	CreateAlert(ctx context.Context, alert *models.Alert) (bool, error)
	SetEventAlert(ctx context.Context, eventID, alertID uuid.UUID) error
}

// Notifier receives alerts that demand immediate reviewer attention.
type Notifier interface {
	NotifyAlert(ctx context.Context, alert *models.Alert)
}

// Decision is the outcome of evaluating one event against its category's
// configuration.
type Decision struct {
	Alert     bool
	AlertType models.AlertType
	Severity  models.Severity
	Reason    string
}

// Engine maps (category, confidence) pairs to alert decisions using
// administrator-editable threshold configuration.
type Engine struct {
	store    Store
	cfg      config.EscalationConfig
	metrics  *metrics.Collector
	notifier Notifier
	logger   *slog.Logger
}

func NewEngine(store Store, cfg config.EscalationConfig, collector *metrics.Collector, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		cfg:     cfg,
		metrics: collector,
		logger:  logger.With("component", "threshold_engine"),
	}
}

func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Decide applies the alerting policy to a single event. It is pure: no
// storage access, no repeat-window lookups. Repeat-pattern handling lives in
// Evaluate because it needs history.
func Decide(cfg *models.ThresholdConfig, severity models.Severity, confidence int) Decision {
	if cfg == nil {
		return Decision{Reason: "no configuration, non-alerting"}
	}

	effective := severity
	if confidence >= cfg.SeverityEscalationThreshold {
		effective = severity.Escalated()
	}

	// Immediate-review categories alert unconditionally, below-threshold
	// confidence included.
	if cfg.RequiresImmediateReview {
		return Decision{
			Alert:     true,
			AlertType: models.AlertTypeImmediateReview,
			Severity:  effective,
			Reason:    "category requires immediate review",
		}
	}

	if cfg.AutoAlert && confidence >= cfg.AlertConfidenceThreshold {
		return Decision{
			Alert:     true,
			AlertType: models.AlertTypeThresholdExceeded,
			Severity:  effective,
			Reason:    fmt.Sprintf("confidence %d >= alert threshold %d", confidence, cfg.AlertConfidenceThreshold),
		}
	}

	return Decision{
		Severity: effective,
		Reason:   fmt.Sprintf("confidence %d below alert threshold %d", confidence, cfg.AlertConfidenceThreshold),
	}
}

// Evaluate runs the full pipeline for a stored event: config lookup,
// single-event decision, repeat-pattern check, alert creation, and the event
// backref. Returns the created alert, or nil when the event is non-alerting.
func (e *Engine) Evaluate(ctx context.Context, event *models.SafetyEvent) (*models.Alert, error) {
	cfg, err := e.store.GetThresholdConfig(ctx, event.Category, event.Subcategory)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		// Fail safe. The event is already stored; absence of config must
		// not surface as a pipeline failure.
		e.logger.Warn("threshold config missing, treating event as non-alerting",
			"category", event.Category, "event_id", event.ID)
		return nil, nil
	}

	decision := Decide(cfg, event.Severity, event.Confidence)

	if decision.Alert {
		return e.createAlert(ctx, event, cfg, decision, nil)
	}

	// Low-confidence-but-persistent behavior: the repeat window catches what
	// single-event confidence misses.
	if cfg.RepeatCountThreshold > 0 {
		windowStart := e.windowStart(cfg, time.Now().UTC())
		count, err := e.store.CountRecentEvents(ctx, event.UserID, event.Category, windowStart)
		if err != nil {
			return nil, err
		}
		if count >= cfg.RepeatCountThreshold {
			key := repeatDedupeKey(event.UserID, event.Category, windowStart)
			repeat := Decision{
				Alert:     true,
				AlertType: models.AlertTypeRepeatPattern,
				Severity:  event.Severity.Escalated(),
				Reason:    fmt.Sprintf("%d events within %dh window (threshold %d)", count, cfg.RepeatWindowHours, cfg.RepeatCountThreshold),
			}
			return e.createAlert(ctx, event, cfg, repeat, &key)
		}
	}

	e.logger.Debug("event below alert threshold",
		"event_id", event.ID, "category", event.Category, "reason", decision.Reason)
	return nil, nil
}

func (e *Engine) createAlert(ctx context.Context, event *models.SafetyEvent, cfg *models.ThresholdConfig, decision Decision, dedupeKey *string) (*models.Alert, error) {
	eventID := event.ID
	alert := &models.Alert{
		ID:                uuid.New(),
		EventID:           &eventID,
		UserID:            event.UserID,
		PersonaID:         event.PersonaID,
		ConversationID:    event.ConversationID,
		AlertType:         decision.AlertType,
		Category:          event.Category,
		Severity:          decision.Severity,
		Confidence:        event.Confidence,
		Title:             alertTitle(decision.AlertType, event.Category),
		Summary:           redactedSummary(event, decision),
		RecommendedAction: recommendedAction(decision.AlertType, decision.Severity),
		Status:            models.AlertStatusNew,
		AuthorizationTier: authorizationTier(decision.Severity),
		DedupeKey:         dedupeKey,
	}
	if e.cfg.AlertTTL > 0 {
		expires := time.Now().Add(e.cfg.AlertTTL)
		alert.ExpiresAt = &expires
	}

	created, err := e.store.CreateAlert(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("creating alert: %w", err)
	}
	if !created {
		// Another writer won the window crossing. Link the event to the
		// existing alert and walk away.
		e.logger.Debug("alert already exists for window", "dedupe_key", dedupeKey)
		return nil, nil
	}

	if err := e.store.SetEventAlert(ctx, event.ID, alert.ID); err != nil {
		e.logger.Error("linking event to alert failed", "event_id", event.ID, "alert_id", alert.ID, "error", err)
	}

	e.metrics.AlertsCreated.WithLabelValues(string(alert.AlertType), string(alert.Severity)).Inc()
	e.logger.Info("alert created",
		"alert_id", alert.ID,
		"alert_type", alert.AlertType,
		"category", alert.Category,
		"severity", alert.Severity,
		"reason", decision.Reason)

	if e.notifier != nil && alert.AlertType == models.AlertTypeImmediateReview {
		e.notifier.NotifyAlert(ctx, alert)
	}

	return alert, nil
}

// windowStart returns the start of the fixed UTC bucket the current moment
// falls in. Fixed buckets keep the dedupe key stable across racing writers,
// which a sliding window cannot do.
func (e *Engine) windowStart(cfg *models.ThresholdConfig, now time.Time) time.Time {
	window := time.Duration(cfg.RepeatWindowHours) * time.Hour
	if window <= 0 {
		window = e.cfg.DefaultRepeatWindow
	}
	return now.Truncate(window)
}

func repeatDedupeKey(userID uuid.UUID, category models.RiskCategory, windowStart time.Time) string {
	return fmt.Sprintf("%s|%s|%d", userID, category, windowStart.Unix())
}

func alertTitle(alertType models.AlertType, category models.RiskCategory) string {
	label := strings.ReplaceAll(string(category), "_", " ")
	switch alertType {
	case models.AlertTypeImmediateReview:
		return fmt.Sprintf("Immediate review: %s", label)
	case models.AlertTypeRepeatPattern:
		return fmt.Sprintf("Repeat pattern: %s", label)
	default:
		return fmt.Sprintf("Threshold exceeded: %s", label)
	}
}

// redactedSummary builds the reviewer-facing summary. Evidence tokens are
// already bounded fragments, never transcript text.
func redactedSummary(event *models.SafetyEvent, decision Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classifier reported %s", event.Category)
	if event.Subcategory != nil {
		fmt.Fprintf(&b, " (%s)", *event.Subcategory)
	}
	fmt.Fprintf(&b, " at confidence %d, severity %s.", event.Confidence, decision.Severity)
	if len(event.EvidenceTokens) > 0 {
		fmt.Fprintf(&b, " Evidence: %s.", strings.Join(event.EvidenceTokens, ", "))
	}
	fmt.Fprintf(&b, " %s.", decision.Reason)
	return b.String()
}

func recommendedAction(alertType models.AlertType, severity models.Severity) string {
	switch {
	case alertType == models.AlertTypeImmediateReview:
		return "Review immediately and follow the crisis response protocol."
	case severity == models.SeverityCritical:
		return "Escalate to the on-call safety reviewer."
	case alertType == models.AlertTypeRepeatPattern:
		return "Review the user's recent event history for the pattern window."
	default:
		return "Review within the standard triage window."
	}
}

// authorizationTier maps severity to the minimum tier that may open the
// alert detail. The ladder itself is configuration, not code; these are the
// tier names the default ladder ships with.
func authorizationTier(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "counselor"
	case models.SeverityHigh, models.SeverityElevated:
		return "safety_reviewer"
	default:
		return "admin"
	}
}
