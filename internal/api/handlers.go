package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/alerts"
	"github.com/talkhaven/safeguard/internal/auth"
	"github.com/talkhaven/safeguard/internal/events"
	"github.com/talkhaven/safeguard/internal/models"
	"github.com/talkhaven/safeguard/internal/notifications"
	"github.com/talkhaven/safeguard/internal/performance"
	"github.com/talkhaven/safeguard/internal/privacy"
	"github.com/talkhaven/safeguard/internal/queue"
	"github.com/talkhaven/safeguard/internal/reports"
	"github.com/talkhaven/safeguard/internal/scheduler"
	"github.com/talkhaven/safeguard/internal/store"
)

// actorFromRequest builds the audit identity from the authenticated claims.
func (s *Server) actorFromRequest(r *http.Request) (alerts.Actor, bool) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		return alerts.Actor{}, false
	}
	return alerts.Actor{Name: claims.Email, Tier: claims.Tier}, true
}

func (s *Server) respondAlertError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alerts.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "Alert not found")
	case errors.Is(err, alerts.ErrInsufficientAuthorization):
		respondError(w, http.StatusForbidden, "insufficient_authorization", "Insufficient authorization")
	case errors.Is(err, alerts.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_transition", "Alert is not in a state that allows this action")
	case errors.Is(err, alerts.ErrAlertExpired):
		respondError(w, http.StatusConflict, "alert_expired", "Alert has expired and is read-only")
	default:
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
	}
}

type registerConversationRequest struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	IsPrivate      bool      `json:"is_private"`
}

func (s *Server) registerConversation(w http.ResponseWriter, r *http.Request) {
	var req registerConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.ConversationID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "validation_error", "conversation_id is required")
		return
	}

	if err := s.store.UpsertConversation(r.Context(), req.ConversationID, req.IsPrivate); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": req.ConversationID,
		"is_private":      req.IsPrivate,
	})
}

// markConversationPrivate is one-way. Flipping a conversation back to
// non-private is not offered over the API.
func (s *Server) markConversationPrivate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid conversation ID")
		return
	}

	if err := s.store.MarkConversationPrivate(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "private"})
}

func (s *Server) recordEvent(w http.ResponseWriter, r *http.Request) {
	var input models.ClassificationInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	event, alert, err := s.eventService.RecordEvent(r.Context(), &input)
	if err != nil {
		var verr *events.ValidationError
		var eerr *events.EscalationError
		switch {
		case errors.As(err, &verr):
			respondError(w, http.StatusBadRequest, "validation_error", verr.Error())
			return
		case errors.As(err, &eerr):
			// The event landed but no alert decision exists for it. The
			// client must see the degraded outcome, not a clean success.
			respondJSON(w, http.StatusCreated, map[string]interface{}{
				"event":   event,
				"alert":   nil,
				"warning": "threshold evaluation failed; no alert decision was made for this event",
			})
			return
		case privacy.IsViolation(err):
			respondError(w, http.StatusForbidden, "privacy_violation", "Conversation is private; no safety records may be stored")
			return
		default:
			respondError(w, http.StatusInternalServerError, "db_error", err.Error())
			return
		}
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"event": event,
		"alert": alert,
	})
}

func (s *Server) enqueueEvent(w http.ResponseWriter, r *http.Request) {
	var input models.ClassificationInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	priority := 0
	if models.Severity(input.Severity).Rank() >= models.SeverityHigh.Rank() {
		priority = 1
	}

	job := &queue.Job{
		Type:           queue.JobTypeClassification,
		Classification: &input,
		Priority:       priority,
	}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{"job_id": job.ID})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	filters := store.ListEventFilters{
		Limit:  100,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil {
			filters.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil {
			filters.Offset = offset
		}
	}
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		if id, err := uuid.Parse(userID); err == nil {
			filters.UserID = &id
		}
	}
	if personaID := r.URL.Query().Get("persona_id"); personaID != "" {
		if id, err := uuid.Parse(personaID); err == nil {
			filters.PersonaID = &id
		}
	}
	if category := r.URL.Query().Get("category"); category != "" {
		cat := models.RiskCategory(category)
		filters.Category = &cat
	}
	if severity := r.URL.Query().Get("severity"); severity != "" {
		sev := models.Severity(severity)
		filters.Severity = &sev
	}

	evts, total, err := s.store.ListSafetyEvents(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, evts, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid event ID")
		return
	}

	event, err := s.eventService.GetEvent(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if event == nil {
		respondError(w, http.StatusNotFound, "not_found", "Event not found")
		return
	}

	respondJSON(w, http.StatusOK, event)
}

func (s *Server) recordPerformance(w http.ResponseWriter, r *http.Request) {
	var input performance.Input
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	record, err := s.performanceService.RecordPerformance(r.Context(), &input)
	if err != nil {
		var verr *performance.ValidationError
		switch {
		case errors.As(err, &verr):
			respondError(w, http.StatusBadRequest, "validation_error", verr.Error())
		case privacy.IsViolation(err):
			respondError(w, http.StatusForbidden, "privacy_violation", "Conversation is private; no safety records may be stored")
		default:
			respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusCreated, record)
}

func (s *Server) enqueuePerformance(w http.ResponseWriter, r *http.Request) {
	var input performance.Input
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	job := &queue.Job{
		Type:        queue.JobTypePerformance,
		Performance: &input,
	}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{"job_id": job.ID})
}

func (s *Server) getPersonaPerformance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "personaID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid persona ID")
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.performanceService.History(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, records)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	filters := store.ListAlertFilters{
		Limit:  100,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil {
			filters.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil {
			filters.Offset = offset
		}
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := models.AlertStatus(status)
		filters.Status = &st
	}
	if category := r.URL.Query().Get("category"); category != "" {
		cat := models.RiskCategory(category)
		filters.Category = &cat
	}
	if severity := r.URL.Query().Get("severity"); severity != "" {
		sev := models.Severity(severity)
		filters.Severity = &sev
	}
	if personaID := r.URL.Query().Get("persona_id"); personaID != "" {
		if id, err := uuid.Parse(personaID); err == nil {
			filters.PersonaID = &id
		}
	}
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		if id, err := uuid.Parse(userID); err == nil {
			filters.UserID = &id
		}
	}

	alertList, total, err := s.alertService.List(r.Context(), filters, actor)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, alertList, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "alertID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid alert ID")
		return
	}

	alert, err := s.alertService.GetDetail(r.Context(), id, actor)
	if err != nil {
		s.respondAlertError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, alert)
}

func (s *Server) alertTransition(w http.ResponseWriter, r *http.Request,
	fn func(r *http.Request, id uuid.UUID, actor alerts.Actor) (*models.Alert, error)) {

	actor, ok := s.actorFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "alertID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid alert ID")
		return
	}

	alert, err := fn(r, id, actor)
	if err != nil {
		s.respondAlertError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, alert)
}

func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, func(r *http.Request, id uuid.UUID, actor alerts.Actor) (*models.Alert, error) {
		return s.alertService.Acknowledge(r.Context(), id, actor)
	})
}

func (s *Server) reviewAlert(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, func(r *http.Request, id uuid.UUID, actor alerts.Actor) (*models.Alert, error) {
		return s.alertService.StartReview(r.Context(), id, actor)
	})
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, func(r *http.Request, id uuid.UUID, actor alerts.Actor) (*models.Alert, error) {
		return s.alertService.Resolve(r.Context(), id, actor)
	})
}

func (s *Server) dismissAlert(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, func(r *http.Request, id uuid.UUID, actor alerts.Actor) (*models.Alert, error) {
		return s.alertService.Dismiss(r.Context(), id, actor)
	})
}

func (s *Server) escalateAlert(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, func(r *http.Request, id uuid.UUID, actor alerts.Actor) (*models.Alert, error) {
		return s.alertService.Escalate(r.Context(), id, actor)
	})
}

func (s *Server) getAlertAccessLog(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "alertID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid alert ID")
		return
	}

	entries, err := s.alertService.AccessLog(r.Context(), id, actor)
	if err != nil {
		s.respondAlertError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) exportAccessLog(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFromRequest(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "auth_error", "Not authenticated")
		return
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if f := r.URL.Query().Get("from"); f != "" {
		if parsed, err := time.Parse(time.RFC3339, f); err == nil {
			from = parsed
		}
	}
	if t := r.URL.Query().Get("to"); t != "" {
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			to = parsed
		}
	}

	entries, err := s.alertService.ExportAccessLog(r.Context(), from, to, actor)
	if err != nil {
		s.respondAlertError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) listSummaries(w http.ResponseWriter, r *http.Request) {
	filters := store.ListSummaryFilters{
		Limit:  100,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil {
			filters.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil {
			filters.Offset = offset
		}
	}
	if personaID := r.URL.Query().Get("persona_id"); personaID != "" {
		if id, err := uuid.Parse(personaID); err == nil {
			filters.PersonaID = &id
		}
	}
	if month := r.URL.Query().Get("month"); month != "" {
		if parsed, err := time.Parse("2006-01", month); err == nil {
			filters.Month = &parsed
		} else {
			respondError(w, http.StatusBadRequest, "validation_error", "month must be formatted YYYY-MM")
			return
		}
	}
	if r.URL.Query().Get("flagged_only") == "true" {
		filters.FlaggedOnly = true
	}

	summaries, total, err := s.aggregateService.ListSummaries(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, summaries, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	personaID, err := uuid.Parse(chi.URLParam(r, "personaID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid persona ID")
		return
	}

	month, err := time.Parse("2006-01", chi.URLParam(r, "month"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "month must be formatted YYYY-MM")
		return
	}

	summary, err := s.aggregateService.GetSummary(r.Context(), personaID, month)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if summary == nil {
		respondError(w, http.StatusNotFound, "not_found", "No summary for that persona and month")
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

type recomputeRequest struct {
	Month     string     `json:"month"`
	PersonaID *uuid.UUID `json:"persona_id,omitempty"`
}

func (s *Server) recomputeSummaries(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	month, err := time.Parse("2006-01", req.Month)
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", "month must be formatted YYYY-MM")
		return
	}

	if req.PersonaID != nil {
		summary, err := s.aggregateService.RunPersonaMonth(r.Context(), *req.PersonaID, month)
		if err != nil {
			respondError(w, http.StatusConflict, "aggregation_error", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, summary)
		return
	}

	if err := s.aggregateService.RunMonth(r.Context(), month); err != nil {
		respondError(w, http.StatusConflict, "aggregation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"status": "recomputed",
		"month":  month.Format("2006-01"),
	})
}

func (s *Server) listThresholds(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	configs, err := s.store.ListThresholdConfigs(r.Context(), includeInactive)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, configs)
}

type thresholdRequest struct {
	Category                    string  `json:"category"`
	Subcategory                 *string `json:"subcategory,omitempty"`
	AlertConfidenceThreshold    int     `json:"alert_confidence_threshold"`
	SeverityEscalationThreshold int     `json:"severity_escalation_threshold"`
	RepeatCountThreshold        int     `json:"repeat_count_threshold"`
	RepeatWindowHours           int     `json:"repeat_window_hours"`
	AutoAlert                   bool    `json:"auto_alert"`
	RequiresImmediateReview     bool    `json:"requires_immediate_review"`
	Active                      bool    `json:"active"`
}

func (req *thresholdRequest) validate() (models.RiskCategory, error) {
	category, err := models.ParseRiskCategory(req.Category)
	if err != nil {
		return "", err
	}
	if req.AlertConfidenceThreshold < 0 || req.AlertConfidenceThreshold > 100 {
		return "", errors.New("alert_confidence_threshold must be between 0 and 100")
	}
	if req.SeverityEscalationThreshold < 0 || req.SeverityEscalationThreshold > 100 {
		return "", errors.New("severity_escalation_threshold must be between 0 and 100")
	}
	if req.RepeatCountThreshold < 0 {
		return "", errors.New("repeat_count_threshold must not be negative")
	}
	if req.RepeatWindowHours < 0 {
		return "", errors.New("repeat_window_hours must not be negative")
	}
	return category, nil
}

func (s *Server) createThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	category, err := req.validate()
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	cfg := &models.ThresholdConfig{
		Category:                    category,
		Subcategory:                 req.Subcategory,
		AlertConfidenceThreshold:    req.AlertConfidenceThreshold,
		SeverityEscalationThreshold: req.SeverityEscalationThreshold,
		RepeatCountThreshold:        req.RepeatCountThreshold,
		RepeatWindowHours:           req.RepeatWindowHours,
		AutoAlert:                   req.AutoAlert,
		RequiresImmediateReview:     req.RequiresImmediateReview,
		Active:                      req.Active,
	}

	if err := s.store.CreateThresholdConfig(r.Context(), cfg); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, cfg)
}

func (s *Server) updateThreshold(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "thresholdID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid threshold config ID")
		return
	}

	var req thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	category, err := req.validate()
	if err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	cfg := &models.ThresholdConfig{
		ID:                          id,
		Category:                    category,
		Subcategory:                 req.Subcategory,
		AlertConfidenceThreshold:    req.AlertConfidenceThreshold,
		SeverityEscalationThreshold: req.SeverityEscalationThreshold,
		RepeatCountThreshold:        req.RepeatCountThreshold,
		RepeatWindowHours:           req.RepeatWindowHours,
		AutoAlert:                   req.AutoAlert,
		RequiresImmediateReview:     req.RequiresImmediateReview,
		Active:                      req.Active,
	}

	if err := s.store.UpdateThresholdConfig(r.Context(), cfg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(w, http.StatusNotFound, "not_found", "Threshold config not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, cfg)
}

func (s *Server) deleteThreshold(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "thresholdID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid threshold config ID")
		return
	}

	if err := s.store.DeleteThresholdConfig(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	workers, err := s.queue.GetActiveWorkers(r.Context(), 90*time.Second)
	if err != nil {
		s.logger.Warn("failed to list active workers", "error", err)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"queues":  stats,
		"workers": workers,
	})
}

func (s *Server) getQueueJobProgress(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid job ID")
		return
	}

	progress, err := s.queue.GetProgress(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	if progress == nil {
		respondError(w, http.StatusNotFound, "not_found", "No progress recorded for that job")
		return
	}

	respondJSON(w, http.StatusOK, progress)
}

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.schedulerStore.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Schedule    string            `json:"schedule"`
	JobType     scheduler.JobType `json:"job_type"`
	Config      map[string]string `json:"config"`
	Enabled     bool              `json:"enabled"`
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Name == "" || req.Schedule == "" || req.JobType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name, schedule, and job_type are required")
		return
	}

	job := &scheduler.Job{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.AddJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.schedulerStore.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	job := &scheduler.Job{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.UpdateJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.DeleteJob(r.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.RunJobNow(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "job_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	execs, err := s.schedulerStore.GetJobExecutions(r.Context(), id, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, execs)
}

// listExecutionsByType answers "how did every rollup go this month" without
// the caller resolving job IDs first. Window defaults to the last 30 days.
func (s *Server) listExecutionsByType(w http.ResponseWriter, r *http.Request) {
	jobType := scheduler.JobType(r.URL.Query().Get("type"))
	if jobType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "type query parameter is required")
		return
	}

	since := time.Now().AddDate(0, 0, -30)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "validation_error", "since must be RFC3339")
			return
		}
		since = parsed
	}

	execs, err := s.schedulerStore.ListExecutionsByType(r.Context(), jobType, since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, execs)
}

type generateReportRequest struct {
	Type       reports.ReportType   `json:"type"`
	Format     reports.ReportFormat `json:"format"`
	Title      string               `json:"title"`
	Month      *string              `json:"month,omitempty"`
	PersonaID  *string              `json:"persona_id,omitempty"`
	AlertID    *string              `json:"alert_id,omitempty"`
	DateFrom   *time.Time           `json:"date_from,omitempty"`
	DateTo     *time.Time           `json:"date_to,omitempty"`
	Severities []string             `json:"severities,omitempty"`
	Categories []string             `json:"categories,omitempty"`
	Statuses   []string             `json:"statuses,omitempty"`
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	var req generateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Type == "" || req.Format == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "type and format are required")
		return
	}

	if req.Title == "" {
		req.Title = string(req.Type) + " Report"
	}

	reportReq := &reports.ReportRequest{
		Type:       req.Type,
		Format:     req.Format,
		Title:      req.Title,
		PersonaID:  req.PersonaID,
		AlertID:    req.AlertID,
		DateFrom:   req.DateFrom,
		DateTo:     req.DateTo,
		Severities: req.Severities,
		Categories: req.Categories,
		Statuses:   req.Statuses,
	}

	if req.Month != nil {
		month, err := time.Parse("2006-01", *req.Month)
		if err != nil {
			respondError(w, http.StatusBadRequest, "validation_error", "month must be formatted YYYY-MM")
			return
		}
		reportReq.Month = &month
	}

	report, err := s.reportGenerator.Generate(r.Context(), reportReq)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "report_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename="+report.Filename)
	_, _ = w.Write(report.Data)
}

func (s *Server) getReportTypes(w http.ResponseWriter, r *http.Request) {
	types := []map[string]string{
		{"type": "alerts", "name": "Alerts Report", "description": "Safety alerts with lifecycle state"},
		{"type": "access_log", "name": "Access Log Report", "description": "Audit trail of reviewer access"},
		{"type": "summaries", "name": "Engagement Summaries", "description": "Monthly per-persona rollups"},
		{"type": "monthly", "name": "Monthly Safety Report", "description": "Platform-wide monthly overview"},
	}
	respondJSON(w, http.StatusOK, types)
}

func (s *Server) streamCSVReport(w http.ResponseWriter, r *http.Request) {
	reportType := r.URL.Query().Get("type")
	if reportType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "type is required")
		return
	}

	req := &reports.ReportRequest{
		Type:   reports.ReportType(reportType),
		Format: reports.FormatCSV,
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+reportType+"_export.csv")
	w.Header().Set("Transfer-Encoding", "chunked")

	if err := s.reportGenerator.StreamCSV(r.Context(), w, req); err != nil {
		s.logger.Error("streaming error", "error", err)
	}
}

func (s *Server) getNotificationSettings(w http.ResponseWriter, r *http.Request) {
	settings := map[string]interface{}{
		"slack_enabled":    s.notificationConfig.Slack.Enabled,
		"slack_channel":    s.notificationConfig.Slack.Channel,
		"email_enabled":    s.notificationConfig.Email.Enabled,
		"email_recipients": s.notificationConfig.Email.To,
		"min_severity":     string(s.notificationConfig.Slack.MinSeverity),
	}
	respondJSON(w, http.StatusOK, settings)
}

type notificationSettingsRequest struct {
	SlackEnabled    bool     `json:"slack_enabled"`
	SlackWebhookURL string   `json:"slack_webhook_url"`
	SlackChannel    string   `json:"slack_channel"`
	EmailEnabled    bool     `json:"email_enabled"`
	EmailRecipients []string `json:"email_recipients"`
	MinSeverity     string   `json:"min_severity"`
}

func (s *Server) updateNotificationSettings(w http.ResponseWriter, r *http.Request) {
	var req notificationSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	s.notificationConfig.Slack.Enabled = req.SlackEnabled
	if req.SlackWebhookURL != "" {
		s.notificationConfig.Slack.WebhookURL = req.SlackWebhookURL
	}
	s.notificationConfig.Slack.Channel = req.SlackChannel

	s.notificationConfig.Email.Enabled = req.EmailEnabled
	s.notificationConfig.Email.To = req.EmailRecipients

	if req.MinSeverity != "" {
		sev := models.Severity(req.MinSeverity)
		if !sev.Valid() {
			respondError(w, http.StatusBadRequest, "validation_error", "min_severity is not a recognized severity")
			return
		}
		s.notificationConfig.Slack.MinSeverity = sev
		s.notificationConfig.Email.MinSeverity = sev
	}

	s.notificationService = notifications.NewService(s.notificationConfig, s.logger)
	s.privacyGate.SetNotifier(s.notificationService)
	s.thresholdEngine.SetNotifier(s.notificationService)

	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
