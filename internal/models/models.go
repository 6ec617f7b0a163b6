package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

// RiskCategory is the closed set of behavioral-risk categories the external
// classifier can emit. Adding a value here forces every exhaustive switch in
// the threshold and transition logic to be revisited.
type RiskCategory string

const (
	CategorySelfHarm          RiskCategory = "self_harm"
	CategoryHarmToOthers      RiskCategory = "harm_to_others"
	CategoryCoerciveLanguage  RiskCategory = "coercive_language"
	CategorySexualAdvance     RiskCategory = "sexual_advance"
	CategoryGroomingBehavior  RiskCategory = "grooming_behavior"
	CategoryManipulation      RiskCategory = "manipulation_attempt"
	CategoryBoundaryViolation RiskCategory = "boundary_violation"
	CategoryAbuseLanguage     RiskCategory = "abuse_language"
	CategoryCrisisSignal      RiskCategory = "crisis_signal"
	CategoryDeceptionAttempt  RiskCategory = "deception_attempt"
	CategoryIdentityConfusion RiskCategory = "identity_confusion"
	CategoryExploitationRisk  RiskCategory = "exploitation_risk"
)

// AllRiskCategories lists every member of the closed set, in declaration order.
func AllRiskCategories() []RiskCategory {
	return []RiskCategory{
		CategorySelfHarm,
		CategoryHarmToOthers,
		CategoryCoerciveLanguage,
		CategorySexualAdvance,
		CategoryGroomingBehavior,
		CategoryManipulation,
		CategoryBoundaryViolation,
		CategoryAbuseLanguage,
		CategoryCrisisSignal,
		CategoryDeceptionAttempt,
		CategoryIdentityConfusion,
		CategoryExploitationRisk,
	}
}

// ParseRiskCategory validates membership in the closed category set.
func ParseRiskCategory(s string) (RiskCategory, error) {
	c := RiskCategory(s)
	switch c {
	case CategorySelfHarm, CategoryHarmToOthers, CategoryCoerciveLanguage,
		CategorySexualAdvance, CategoryGroomingBehavior, CategoryManipulation,
		CategoryBoundaryViolation, CategoryAbuseLanguage, CategoryCrisisSignal,
		CategoryDeceptionAttempt, CategoryIdentityConfusion, CategoryExploitationRisk:
		return c, nil
	}
	return "", fmt.Errorf("unknown risk category %q", s)
}

// Severity is the ordered risk level attached to events and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityElevated Severity = "elevated"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityModerate: 2,
	SeverityElevated: 3,
	SeverityHigh:     4,
	SeverityCritical: 5,
}

// Rank returns the ordinal position of a severity, 0 for unknown values.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether s is a member of the ordered severity set.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Escalated returns the severity one notch above s, capped at critical.
func (s Severity) Escalated() Severity {
	switch s {
	case SeverityLow:
		return SeverityModerate
	case SeverityModerate:
		return SeverityElevated
	case SeverityElevated:
		return SeverityHigh
	case SeverityHigh, SeverityCritical:
		return SeverityCritical
	}
	return s
}

type AlertType string

const (
	AlertTypeThresholdExceeded AlertType = "threshold_exceeded"
	AlertTypeRepeatPattern     AlertType = "repeat_pattern"
	AlertTypeImmediateReview   AlertType = "immediate_review"
)

type AlertStatus string

const (
	AlertStatusNew          AlertStatus = "new"
	AlertStatusViewed       AlertStatus = "viewed"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusUnderReview  AlertStatus = "under_review"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusEscalated    AlertStatus = "escalated"
	AlertStatusDismissed    AlertStatus = "dismissed"
)

// Terminal reports whether the status is absorbing: no forward transition
// may succeed once an alert reaches it.
func (s AlertStatus) Terminal() bool {
	switch s {
	case AlertStatusResolved, AlertStatusEscalated, AlertStatusDismissed:
		return true
	}
	return false
}

// AccessAction identifies the kind of alert access being audited.
type AccessAction string

const (
	AccessViewSummary AccessAction = "view_summary"
	AccessViewDetail  AccessAction = "view_detail"
	AccessAcknowledge AccessAction = "acknowledge"
	AccessReview      AccessAction = "review"
	AccessResolve     AccessAction = "resolve"
	AccessEscalate    AccessAction = "escalate"
	AccessDismiss     AccessAction = "dismiss"
	AccessExport      AccessAction = "export"
)

// ResponseType describes how a persona was observed to respond to the
// behavior that produced a safety event.
type ResponseType string

const (
	ResponseRedirected       ResponseType = "redirected"
	ResponseDeflected        ResponseType = "deflected"
	ResponseSetBoundary      ResponseType = "set_boundary"
	ResponseEngaged          ResponseType = "engaged"
	ResponseIgnored          ResponseType = "ignored"
	ResponseEscalatedToHuman ResponseType = "escalated_to_human"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Conversation mirrors the platform's conversation row far enough to enforce
// the privacy invariant. Once is_private is set it is terminal for analytics:
// no safety-relevant write for the conversation may ever succeed again.
type Conversation struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	IsPrivate    bool       `json:"is_private" db:"is_private"`
	PrivateSince *time.Time `json:"private_since,omitempty" db:"private_since"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// SafetyEvent is one detected risk signal. Immutable after creation except
// for the alert back-reference set by the threshold engine.
type SafetyEvent struct {
	ID                  uuid.UUID     `json:"id" db:"id"`
	UserID              uuid.UUID     `json:"user_id" db:"user_id"`
	ConversationID      uuid.UUID     `json:"conversation_id" db:"conversation_id"`
	MessageID           *uuid.UUID    `json:"message_id,omitempty" db:"message_id"`
	PersonaID           *uuid.UUID    `json:"persona_id,omitempty" db:"persona_id"`
	Category            RiskCategory  `json:"category" db:"category"`
	Subcategory         *string       `json:"subcategory,omitempty" db:"subcategory"`
	Severity            Severity      `json:"severity" db:"severity"`
	Confidence          int           `json:"confidence" db:"confidence"`
	EvidenceTokens      StringArray   `json:"evidence_tokens" db:"evidence_tokens"`
	InternalSummary     string        `json:"internal_summary" db:"internal_summary"`
	ResponseType        *ResponseType `json:"response_type,omitempty" db:"response_type"`
	ResponseAppropriate *bool         `json:"response_appropriate,omitempty" db:"response_appropriate"`
	AlertID             *uuid.UUID    `json:"alert_id,omitempty" db:"alert_id"`
	PrivacyCheckedAt    time.Time     `json:"privacy_checked_at" db:"privacy_checked_at"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`
}

// Alert is the derived, human-facing artifact. Summaries are redacted; raw
// conversation content never appears here.
type Alert struct {
	ID                uuid.UUID    `json:"id" db:"id"`
	EventID           *uuid.UUID   `json:"event_id,omitempty" db:"event_id"`
	UserID            uuid.UUID    `json:"user_id" db:"user_id"`
	PersonaID         *uuid.UUID   `json:"persona_id,omitempty" db:"persona_id"`
	ConversationID    uuid.UUID    `json:"conversation_id" db:"conversation_id"`
	AlertType         AlertType    `json:"alert_type" db:"alert_type"`
	Category          RiskCategory `json:"category" db:"category"`
	Severity          Severity     `json:"severity" db:"severity"`
	Confidence        int          `json:"confidence" db:"confidence"`
	Title             string       `json:"title" db:"title"`
	Summary           string       `json:"summary" db:"summary"`
	RecommendedAction string       `json:"recommended_action" db:"recommended_action"`
	Status            AlertStatus  `json:"status" db:"status"`
	AuthorizationTier string       `json:"authorization_tier" db:"authorization_tier"`
	DedupeKey         *string      `json:"-" db:"dedupe_key"`
	ExpiresAt         *time.Time   `json:"expires_at,omitempty" db:"expires_at"`
	Expired           bool         `json:"expired" db:"-"`
	ViewedAt          *time.Time   `json:"viewed_at,omitempty" db:"viewed_at"`
	ViewedBy          *string      `json:"viewed_by,omitempty" db:"viewed_by"`
	AcknowledgedAt    *time.Time   `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	AcknowledgedBy    *string      `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	ResolvedAt        *time.Time   `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy        *string      `json:"resolved_by,omitempty" db:"resolved_by"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
}

// IsExpired reports whether the alert is past its optional expiry, at which
// point it is read-only regardless of status. The serialized Expired field
// mirrors this so viewers never have to re-derive it from expires_at.
func (a *Alert) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// AccessLogEntry is the append-only audit record of every alert access,
// including denied ones. Never updated or deleted.
type AccessLogEntry struct {
	ID           uuid.UUID    `json:"id" db:"id"`
	AlertID      uuid.UUID    `json:"alert_id" db:"alert_id"`
	Actor        string       `json:"actor" db:"actor"`
	ActorTier    string       `json:"actor_tier" db:"actor_tier"`
	Action       AccessAction `json:"action" db:"action"`
	Granted      bool         `json:"granted" db:"granted"`
	DenialReason string       `json:"denial_reason,omitempty" db:"denial_reason"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// PerformanceRecord scores one interaction for a persona/conversation/user
// triple. Score columns are nullable: the confidence gate stores null for any
// dimension whose confidence falls below its threshold.
type PerformanceRecord struct {
	ID             uuid.UUID `json:"id" db:"id"`
	PersonaID      uuid.UUID `json:"persona_id" db:"persona_id"`
	ConversationID uuid.UUID `json:"conversation_id" db:"conversation_id"`
	UserID         uuid.UUID `json:"user_id" db:"user_id"`

	RelatabilityScore         *int `json:"relatability_score,omitempty" db:"relatability_score"`
	RelatabilityConfidence    int  `json:"relatability_confidence" db:"relatability_confidence"`
	FriendlinessScore         *int `json:"friendliness_score,omitempty" db:"friendliness_score"`
	FriendlinessConfidence    int  `json:"friendliness_confidence" db:"friendliness_confidence"`
	BoundaryClarityScore      *int `json:"boundary_clarity_score,omitempty" db:"boundary_clarity_score"`
	BoundaryClarityConfidence int  `json:"boundary_clarity_confidence" db:"boundary_clarity_confidence"`
	AlignmentScore            *int `json:"alignment_score,omitempty" db:"alignment_score"`
	AlignmentConfidence       int  `json:"alignment_confidence" db:"alignment_confidence"`
	RedirectionScore          *int `json:"redirection_score,omitempty" db:"redirection_score"`
	RedirectionConfidence     int  `json:"redirection_confidence" db:"redirection_confidence"`
	CrisisHandlingScore       *int `json:"crisis_handling_score,omitempty" db:"crisis_handling_score"`
	CrisisHandlingConfidence  int  `json:"crisis_handling_confidence" db:"crisis_handling_confidence"`

	EncounteredBoundaryTest bool    `json:"encountered_boundary_test" db:"encountered_boundary_test"`
	BoundaryTestType        *string `json:"boundary_test_type,omitempty" db:"boundary_test_type"`
	EncounteredCrisis       bool    `json:"encountered_crisis" db:"encountered_crisis"`
	HandledAppropriately    *bool   `json:"handled_appropriately,omitempty" db:"handled_appropriately"`

	PrivacyCheckedAt time.Time `json:"privacy_checked_at" db:"privacy_checked_at"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// EngagementSummary is the idempotent per-(persona, month) rollup. Recomputed
// as a whole and replaced atomically, never appended.
type EngagementSummary struct {
	ID        uuid.UUID `json:"id" db:"id"`
	PersonaID uuid.UUID `json:"persona_id" db:"persona_id"`
	Month     time.Time `json:"month" db:"month"` // first day of month, UTC

	TotalConversations int `json:"total_conversations" db:"total_conversations"`
	PerformanceRecords int `json:"performance_records" db:"performance_records"`
	SafetyEvents       int `json:"safety_events" db:"safety_events"`
	BoundaryTests      int `json:"boundary_tests" db:"boundary_tests"`
	CrisisSignals      int `json:"crisis_signals" db:"crisis_signals"`
	CriticalEvents     int `json:"critical_events" db:"critical_events"`
	AlertsGenerated    int `json:"alerts_generated" db:"alerts_generated"`

	AvgRelatability    *float64 `json:"avg_relatability,omitempty" db:"avg_relatability"`
	AvgFriendliness    *float64 `json:"avg_friendliness,omitempty" db:"avg_friendliness"`
	AvgBoundaryClarity *float64 `json:"avg_boundary_clarity,omitempty" db:"avg_boundary_clarity"`
	AvgAlignment       *float64 `json:"avg_alignment,omitempty" db:"avg_alignment"`
	AvgRedirection     *float64 `json:"avg_redirection,omitempty" db:"avg_redirection"`
	AvgCrisisHandling  *float64 `json:"avg_crisis_handling,omitempty" db:"avg_crisis_handling"`

	AppropriateHandlingRate *float64 `json:"appropriate_handling_rate,omitempty" db:"appropriate_handling_rate"`
	BoundaryTestingRate     *float64 `json:"boundary_testing_rate,omitempty" db:"boundary_testing_rate"`
	PlatformAverageRate     *float64 `json:"platform_average_rate,omitempty" db:"platform_average_rate"`
	BoundaryTestingRatio    *float64 `json:"boundary_testing_ratio,omitempty" db:"boundary_testing_ratio"`

	Disproportionate bool    `json:"disproportionate" db:"disproportionate"`
	FlaggedForReview bool    `json:"flagged_for_review" db:"flagged_for_review"`
	FlagReason       *string `json:"flag_reason,omitempty" db:"flag_reason"`

	ComputedAt time.Time `json:"computed_at" db:"computed_at"`
}

// ThresholdConfig is the per (category, optional subcategory) alerting
// policy. Subcategory-scoped rows take precedence over the category-level,
// subcategory-null row.
type ThresholdConfig struct {
	ID                          uuid.UUID    `json:"id" db:"id"`
	Category                    RiskCategory `json:"category" db:"category"`
	Subcategory                 *string      `json:"subcategory,omitempty" db:"subcategory"`
	AlertConfidenceThreshold    int          `json:"alert_confidence_threshold" db:"alert_confidence_threshold"`
	SeverityEscalationThreshold int          `json:"severity_escalation_threshold" db:"severity_escalation_threshold"`
	RepeatCountThreshold        int          `json:"repeat_count_threshold" db:"repeat_count_threshold"`
	RepeatWindowHours           int          `json:"repeat_window_hours" db:"repeat_window_hours"`
	AutoAlert                   bool         `json:"auto_alert" db:"auto_alert"`
	RequiresImmediateReview     bool         `json:"requires_immediate_review" db:"requires_immediate_review"`
	Active                      bool         `json:"active" db:"active"`
	CreatedAt                   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt                   time.Time    `json:"updated_at" db:"updated_at"`
}

// ClassificationInput is the inbound payload from the external classifier.
type ClassificationInput struct {
	UserID                uuid.UUID     `json:"user_id"`
	ConversationID        uuid.UUID     `json:"conversation_id"`
	MessageID             *uuid.UUID    `json:"message_id,omitempty"`
	PersonaID             *uuid.UUID    `json:"persona_id,omitempty"`
	Category              string        `json:"category"`
	Subcategory           *string       `json:"subcategory,omitempty"`
	SubcategoryConfidence *int          `json:"subcategory_confidence,omitempty"`
	Severity              string        `json:"severity"`
	Confidence            int           `json:"confidence"`
	EvidenceTokens        []string      `json:"evidence_tokens"`
	InternalSummary       string        `json:"internal_summary"`
	ResponseType          *ResponseType `json:"response_type,omitempty"`
	ResponseConfidence    *int          `json:"response_confidence,omitempty"`
	ResponseAppropriate   *bool         `json:"response_appropriate,omitempty"`
}
