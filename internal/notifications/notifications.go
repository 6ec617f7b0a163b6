package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/models"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyImmediateReview  NotificationType = "immediate_review"
	NotifyNewAlert         NotificationType = "new_alert"
	NotifyPrivacyBlocked   NotificationType = "privacy_blocked"
	NotifyRollupComplete   NotificationType = "rollup_complete"
	NotifyRollupFailed     NotificationType = "rollup_failed"
	NotifyAccessLogDigest  NotificationType = "access_log_digest"
)

// Channel defines notification channels
type Channel string

const (
	ChannelSlack Channel = "slack"
	ChannelEmail Channel = "email"
)

// Notification represents a notification to be sent. Payloads carry
// identifiers and counts only, never conversation content.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Severity  models.Severity
	Data      map[string]interface{}
	Timestamp time.Time
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity models.Severity // Minimum severity to notify
}

// EmailConfig holds email configuration
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	Enabled     bool
	MinSeverity models.Severity
}

// Service handles notifications
type Service struct {
	config Config
	logger *slog.Logger
	client *http.Client
}

// NewService creates a new notification service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends a notification to all enabled channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && s.shouldNotify(notif.Severity, s.config.Slack.MinSeverity) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && s.shouldNotify(notif.Severity, s.config.Email.MinSeverity) {
		if err := s.sendEmail(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}

	return nil
}

// shouldNotify checks if notification should be sent based on severity
func (s *Service) shouldNotify(actual, minimum models.Severity) bool {
	return actual.Rank() >= minimum.Rank()
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// sendSlack sends a notification to Slack
func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	color := s.severityToColor(notif.Severity)

	fields := []SlackField{}
	if notif.Data != nil {
		if alertID, ok := notif.Data["alert_id"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Alert",
				Value: alertID,
				Short: true,
			})
		}
		if category, ok := notif.Data["category"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Category",
				Value: category,
				Short: true,
			})
		}
		if severity, ok := notif.Data["severity"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Severity",
				Value: severity,
				Short: true,
			})
		}
		if tier, ok := notif.Data["authorization_tier"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Required Tier",
				Value: tier,
				Short: true,
			})
		}
		if count, ok := notif.Data["flagged_personas"].(int); ok {
			fields = append(fields, SlackField{
				Title: "Flagged Personas",
				Value: fmt.Sprintf("%d", count),
				Short: true,
			})
		}
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     color,
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "Safeguard Review System",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent",
		"type", notif.Type,
		"title", notif.Title)

	return nil
}

// severityToColor converts severity to Slack color
func (s *Service) severityToColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#FF0000" // Red
	case models.SeverityHigh:
		return "#FFA500" // Orange
	case models.SeverityElevated, models.SeverityModerate:
		return "#FFFF00" // Yellow
	default:
		return "#36A64F" // Green
	}
}

// sendEmail sends a notification via email
func (s *Service) sendEmail(ctx context.Context, notif *Notification) error {
	subject := fmt.Sprintf("[Safeguard] %s", notif.Title)
	body, err := s.formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	err = smtp.SendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg))
	if err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))

	return nil
}

// buildEmailMessage builds an email message
func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

// formatEmailBody formats the email body
func (s *Service) formatEmailBody(notif *Notification) (string, error) {
	tmpl := `
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .severity { display: inline-block; padding: 4px 8px; border-radius: 4px; font-weight: bold; background: {{.SeverityColor}}; color: white; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .data-table td:first-child { font-weight: bold; width: 30%; }
        .footer { padding: 15px 20px; background: #f9f9f9; border-radius: 0 0 8px 8px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h2 style="margin:0;">{{.Title}}</h2>
        </div>
        <div class="content">
            <p>{{.Message}}</p>
            <p>Severity: <span class="severity">{{.Severity}}</span></p>
            {{if .HasData}}
            <table class="data-table">
                {{range $key, $value := .Data}}
                <tr>
                    <td>{{$key}}</td>
                    <td>{{$value}}</td>
                </tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">
            <p>This is an automated message from the safeguarding review system.</p>
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}

	headerColor := "#2196F3" // Default blue
	severityColor := s.severityToColor(notif.Severity)

	switch notif.Severity {
	case models.SeverityCritical:
		headerColor = "#F44336"
	case models.SeverityHigh:
		headerColor = "#FF9800"
	case models.SeverityElevated:
		headerColor = "#FFC107"
	}

	data := map[string]interface{}{
		"Title":         notif.Title,
		"Message":       notif.Message,
		"Severity":      string(notif.Severity),
		"HeaderColor":   headerColor,
		"SeverityColor": severityColor,
		"Data":          notif.Data,
		"HasData":       len(notif.Data) > 0,
		"Timestamp":     notif.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// NotifyAlert pushes a newly created alert to on-call reviewers.
// Immediate-review alerts always go out; everything else is subject to
// the per-channel minimum severity.
func (s *Service) NotifyAlert(ctx context.Context, alert *models.Alert) {
	typ := NotifyNewAlert
	title := fmt.Sprintf("New %s Alert", alert.Severity)
	if alert.AlertType == models.AlertTypeImmediateReview {
		typ = NotifyImmediateReview
		title = "Immediate Review Required"
	}

	notif := &Notification{
		Type:     typ,
		Title:    title,
		Message:  alert.Summary,
		Severity: alert.Severity,
		Data: map[string]interface{}{
			"alert_id":           alert.ID.String(),
			"alert_type":         string(alert.AlertType),
			"category":           string(alert.Category),
			"severity":           string(alert.Severity),
			"authorization_tier": alert.AuthorizationTier,
			"recommended_action": alert.RecommendedAction,
		},
		Timestamp: time.Now(),
	}

	if err := s.Send(ctx, notif); err != nil {
		s.logger.Error("alert notification failed",
			"alert_id", alert.ID,
			"error", err)
	}
}

// NotifyPrivacyViolation surfaces a blocked write to operators. A
// violation means a classifier attempted to record against a private
// conversation, which points at a pipeline bug upstream.
func (s *Service) NotifyPrivacyViolation(ctx context.Context, kind string, conversationID uuid.UUID) {
	notif := &Notification{
		Type:     NotifyPrivacyBlocked,
		Title:    "Privacy Violation Blocked",
		Message:  fmt.Sprintf("A %s write against a private conversation was rejected", kind),
		Severity: models.SeverityHigh,
		Data: map[string]interface{}{
			"write_kind":      kind,
			"conversation_id": conversationID.String(),
		},
		Timestamp: time.Now(),
	}

	if err := s.Send(ctx, notif); err != nil {
		s.logger.Error("privacy violation notification failed", "error", err)
	}
}

// RollupStats holds monthly aggregation statistics
type RollupStats struct {
	Month           time.Time
	PersonasRolled  int
	FlaggedPersonas int
	Duration        time.Duration
}

// NotifyRollupComplete sends a notification when a monthly rollup finishes
func (s *Service) NotifyRollupComplete(ctx context.Context, stats RollupStats) error {
	severity := models.SeverityLow
	if stats.FlaggedPersonas > 0 {
		severity = models.SeverityElevated
	}

	notif := &Notification{
		Type:     NotifyRollupComplete,
		Title:    "Monthly Rollup Completed",
		Message:  fmt.Sprintf("Rollup for %s covered %d personas", stats.Month.Format("2006-01"), stats.PersonasRolled),
		Severity: severity,
		Data: map[string]interface{}{
			"month":            stats.Month.Format("2006-01"),
			"personas_rolled":  stats.PersonasRolled,
			"flagged_personas": stats.FlaggedPersonas,
			"duration":         stats.Duration.String(),
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// NotifyRollupFailed sends a notification when a monthly rollup fails
func (s *Service) NotifyRollupFailed(ctx context.Context, month time.Time, err error) error {
	notif := &Notification{
		Type:     NotifyRollupFailed,
		Title:    "Monthly Rollup Failed",
		Message:  fmt.Sprintf("Rollup for %s failed: %s", month.Format("2006-01"), err.Error()),
		Severity: models.SeverityHigh,
		Data: map[string]interface{}{
			"month": month.Format("2006-01"),
			"error": err.Error(),
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// DigestStats summarizes reviewer activity against the access log.
type DigestStats struct {
	Period        string
	AlertsViewed  int
	AlertsAcked   int
	AlertsClosed  int
	AccessDenials int
	Exports       int
}

// NotifyAccessDigest sends a periodic access-log digest
func (s *Service) NotifyAccessDigest(ctx context.Context, stats DigestStats) error {
	severity := models.SeverityLow
	if stats.AccessDenials > 0 {
		severity = models.SeverityModerate
	}

	notif := &Notification{
		Type:     NotifyAccessLogDigest,
		Title:    "Access Log Digest",
		Message:  fmt.Sprintf("Summary: %d alerts viewed, %d closed, %d denials", stats.AlertsViewed, stats.AlertsClosed, stats.AccessDenials),
		Severity: severity,
		Data: map[string]interface{}{
			"period":         stats.Period,
			"alerts_viewed":  stats.AlertsViewed,
			"alerts_acked":   stats.AlertsAcked,
			"alerts_closed":  stats.AlertsClosed,
			"access_denials": stats.AccessDenials,
			"exports":        stats.Exports,
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}
