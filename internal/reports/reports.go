package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/talkhaven/safeguard/internal/models"
)

type ReportType string

const (
	ReportTypeAlerts    ReportType = "alerts"
	ReportTypeAccessLog ReportType = "access_log"
	ReportTypeSummaries ReportType = "summaries"
	ReportTypeMonthly   ReportType = "monthly"
)

type ReportFormat string

const (
	FormatCSV ReportFormat = "csv"
	FormatPDF ReportFormat = "pdf"
)

type ReportRequest struct {
	Type       ReportType
	Format     ReportFormat
	Title      string
	Month      *time.Time
	PersonaID  *string
	AlertID    *string
	Severities []string
	Categories []string
	Statuses   []string
	DateFrom   *time.Time
	DateTo     *time.Time
}

type Report struct {
	ID          string
	Type        ReportType
	Format      ReportFormat
	Title       string
	GeneratedAt time.Time
	GeneratedBy string
	Data        []byte
	Filename    string
	MimeType    string
}

// DataProvider is the read side the generator pulls from. The alert queries
// behind it carry the same tier filtering as the interactive API; reports
// are not a side door around authorization.
type DataProvider interface {
	GetAlerts(ctx context.Context, filter AlertsFilter) ([]*models.Alert, error)
	GetAccessLog(ctx context.Context, filter AccessLogFilter) ([]*models.AccessLogEntry, error)
	GetSummaries(ctx context.Context, filter SummariesFilter) ([]*models.EngagementSummary, error)
	GetStats(ctx context.Context, month *time.Time) (*Stats, error)
}

type AlertsFilter struct {
	Severities []string
	Categories []string
	Statuses   []string
	DateFrom   *time.Time
	DateTo     *time.Time
}

type AccessLogFilter struct {
	AlertID  *string
	Actor    *string
	DateFrom *time.Time
	DateTo   *time.Time
}

type SummariesFilter struct {
	Month       *time.Time
	PersonaID   *string
	FlaggedOnly bool
}

type Stats struct {
	SafetyEvents    int
	TotalAlerts     int
	CriticalAlerts  int
	HighAlerts      int
	OpenAlerts      int
	ResolvedAlerts  int
	DismissedAlerts int
	FlaggedPersonas int
	CategoryCounts  map[string]int
}

type Generator struct {
	provider DataProvider
}

func NewGenerator(provider DataProvider) *Generator {
	return &Generator{provider: provider}
}

func (g *Generator) Generate(ctx context.Context, req *ReportRequest) (*Report, error) {
	switch req.Type {
	case ReportTypeAlerts:
		return g.generateAlertsReport(ctx, req)
	case ReportTypeAccessLog:
		return g.generateAccessLogReport(ctx, req)
	case ReportTypeSummaries:
		return g.generateSummariesReport(ctx, req)
	case ReportTypeMonthly:
		return g.generateMonthlyReport(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported report type: %s", req.Type)
	}
}

func (g *Generator) generateAlertsReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	alerts, err := g.provider.GetAlerts(ctx, AlertsFilter{
		Severities: req.Severities,
		Categories: req.Categories,
		Statuses:   req.Statuses,
		DateFrom:   req.DateFrom,
		DateTo:     req.DateTo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch alerts: %w", err)
	}

	var data []byte
	var filename string
	var mimeType string

	switch req.Format {
	case FormatCSV:
		data, err = g.alertsToCSV(alerts)
		filename = fmt.Sprintf("alerts_%s.csv", time.Now().Format("20060102_150405"))
		mimeType = "text/csv"
	case FormatPDF:
		data, err = g.alertsToPDF(alerts, req.Title)
		filename = fmt.Sprintf("alerts_%s.pdf", time.Now().Format("20060102_150405"))
		mimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}

	if err != nil {
		return nil, err
	}

	return &Report{
		Type:        req.Type,
		Format:      req.Format,
		Title:       req.Title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func (g *Generator) alertsToCSV(alerts []*models.Alert) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"ID", "Type", "Category", "Severity", "Confidence", "Status",
		"Required Tier", "Title", "Recommended Action", "Acknowledged By",
		"Resolved By", "Created At",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, a := range alerts {
		row := []string{
			a.ID.String(),
			string(a.AlertType),
			string(a.Category),
			string(a.Severity),
			fmt.Sprintf("%d", a.Confidence),
			string(a.Status),
			a.AuthorizationTier,
			a.Title,
			a.RecommendedAction,
			strValue(a.AcknowledgedBy),
			strValue(a.ResolvedBy),
			a.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) alertsToPDF(alerts []*models.Alert, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	pdf.AddSection("Summary")
	summary := map[string]int{
		"Critical": 0, "High": 0, "Elevated": 0, "Moderate": 0, "Low": 0,
	}
	for _, a := range alerts {
		switch a.Severity {
		case models.SeverityCritical:
			summary["Critical"]++
		case models.SeverityHigh:
			summary["High"]++
		case models.SeverityElevated:
			summary["Elevated"]++
		case models.SeverityModerate:
			summary["Moderate"]++
		default:
			summary["Low"]++
		}
	}
	pdf.AddSummaryTable(summary)

	pdf.AddSection("Alert Detail")
	headers := []string{"ID", "Category", "Severity", "Status", "Tier"}
	rows := make([][]string, len(alerts))
	for i, a := range alerts {
		rows[i] = []string{
			shortID(a.ID.String()),
			string(a.Category),
			string(a.Severity),
			string(a.Status),
			a.AuthorizationTier,
		}
	}
	pdf.AddTable(headers, rows)

	return pdf.Output()
}

func (g *Generator) generateAccessLogReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	entries, err := g.provider.GetAccessLog(ctx, AccessLogFilter{
		AlertID:  req.AlertID,
		DateFrom: req.DateFrom,
		DateTo:   req.DateTo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch access log: %w", err)
	}

	var data []byte
	var filename string
	var mimeType string

	switch req.Format {
	case FormatCSV:
		data, err = g.accessLogToCSV(entries)
		filename = fmt.Sprintf("access_log_%s.csv", time.Now().Format("20060102_150405"))
		mimeType = "text/csv"
	case FormatPDF:
		data, err = g.accessLogToPDF(entries, req.Title)
		filename = fmt.Sprintf("access_log_%s.pdf", time.Now().Format("20060102_150405"))
		mimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}

	if err != nil {
		return nil, err
	}

	return &Report{
		Type:        req.Type,
		Format:      req.Format,
		Title:       req.Title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func (g *Generator) accessLogToCSV(entries []*models.AccessLogEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"ID", "Alert ID", "Actor", "Actor Tier", "Action", "Granted",
		"Denial Reason", "Timestamp",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, e := range entries {
		row := []string{
			e.ID.String(),
			e.AlertID.String(),
			e.Actor,
			e.ActorTier,
			string(e.Action),
			fmt.Sprintf("%t", e.Granted),
			e.DenialReason,
			e.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) accessLogToPDF(entries []*models.AccessLogEntry, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	granted, denied := 0, 0
	actionCounts := map[string]int{}
	for _, e := range entries {
		if e.Granted {
			granted++
		} else {
			denied++
		}
		actionCounts[string(e.Action)]++
	}

	pdf.AddSection("Summary")
	pdf.AddSummaryTable(map[string]int{
		"Total Entries": len(entries),
		"Granted":       granted,
		"Denied":        denied,
	})

	pdf.AddSection("Actions")
	pdf.AddChart("", actionCounts)

	pdf.AddSection("Access Detail")
	headers := []string{"Alert", "Actor", "Tier", "Action", "Granted"}
	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{
			shortID(e.AlertID.String()),
			truncate(e.Actor, 20),
			e.ActorTier,
			string(e.Action),
			fmt.Sprintf("%t", e.Granted),
		}
	}
	pdf.AddTable(headers, rows)

	return pdf.Output()
}

func (g *Generator) generateSummariesReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	summaries, err := g.provider.GetSummaries(ctx, SummariesFilter{
		Month:     req.Month,
		PersonaID: req.PersonaID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch summaries: %w", err)
	}

	var data []byte
	var filename string
	var mimeType string

	switch req.Format {
	case FormatCSV:
		data, err = g.summariesToCSV(summaries)
		filename = fmt.Sprintf("summaries_%s.csv", time.Now().Format("20060102_150405"))
		mimeType = "text/csv"
	case FormatPDF:
		data, err = g.summariesToPDF(summaries, req.Title)
		filename = fmt.Sprintf("summaries_%s.pdf", time.Now().Format("20060102_150405"))
		mimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}

	if err != nil {
		return nil, err
	}

	return &Report{
		Type:        req.Type,
		Format:      req.Format,
		Title:       req.Title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func (g *Generator) summariesToCSV(summaries []*models.EngagementSummary) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"Persona ID", "Month", "Conversations", "Performance Records",
		"Safety Events", "Boundary Tests", "Crisis Signals", "Alerts",
		"Boundary Testing Rate", "Platform Average Rate", "Ratio",
		"Disproportionate", "Flagged", "Flag Reason",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, s := range summaries {
		row := []string{
			s.PersonaID.String(),
			s.Month.Format("2006-01"),
			fmt.Sprintf("%d", s.TotalConversations),
			fmt.Sprintf("%d", s.PerformanceRecords),
			fmt.Sprintf("%d", s.SafetyEvents),
			fmt.Sprintf("%d", s.BoundaryTests),
			fmt.Sprintf("%d", s.CrisisSignals),
			fmt.Sprintf("%d", s.AlertsGenerated),
			floatValue(s.BoundaryTestingRate),
			floatValue(s.PlatformAverageRate),
			floatValue(s.BoundaryTestingRatio),
			fmt.Sprintf("%t", s.Disproportionate),
			fmt.Sprintf("%t", s.FlaggedForReview),
			strValue(s.FlagReason),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) summariesToPDF(summaries []*models.EngagementSummary, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	flagged := 0
	for _, s := range summaries {
		if s.FlaggedForReview || s.Disproportionate {
			flagged++
		}
	}

	pdf.AddSection("Summary")
	pdf.AddSummaryTable(map[string]int{
		"Personas": len(summaries),
		"Flagged":  flagged,
	})

	pdf.AddSection("Persona Detail")
	headers := []string{"Persona", "Month", "Convos", "Tests", "Ratio", "Flagged"}
	rows := make([][]string, len(summaries))
	for i, s := range summaries {
		rows[i] = []string{
			shortID(s.PersonaID.String()),
			s.Month.Format("2006-01"),
			fmt.Sprintf("%d", s.TotalConversations),
			fmt.Sprintf("%d", s.BoundaryTests),
			floatValue(s.BoundaryTestingRatio),
			fmt.Sprintf("%t", s.FlaggedForReview),
		}
	}
	pdf.AddTable(headers, rows)

	for _, s := range summaries {
		if s.FlagReason != nil {
			pdf.AddParagraph(fmt.Sprintf("%s: %s", shortID(s.PersonaID.String()), *s.FlagReason))
		}
	}

	return pdf.Output()
}

func (g *Generator) generateMonthlyReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	stats, err := g.provider.GetStats(ctx, req.Month)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stats: %w", err)
	}

	summaries, err := g.provider.GetSummaries(ctx, SummariesFilter{
		Month:       req.Month,
		FlaggedOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch flagged summaries: %w", err)
	}

	var data []byte
	var filename string
	var mimeType string

	switch req.Format {
	case FormatCSV:
		data, err = g.monthlyToCSV(stats, summaries)
		filename = fmt.Sprintf("monthly_%s.csv", time.Now().Format("20060102_150405"))
		mimeType = "text/csv"
	case FormatPDF:
		data, err = g.monthlyToPDF(stats, summaries, req.Title)
		filename = fmt.Sprintf("monthly_%s.pdf", time.Now().Format("20060102_150405"))
		mimeType = "application/pdf"
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}

	if err != nil {
		return nil, err
	}

	return &Report{
		Type:        req.Type,
		Format:      req.Format,
		Title:       req.Title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    filename,
		MimeType:    mimeType,
	}, nil
}

func (g *Generator) monthlyToCSV(stats *Stats, flagged []*models.EngagementSummary) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	_ = w.Write([]string{"Monthly Safety Report"})
	_ = w.Write([]string{"Generated", time.Now().Format(time.RFC1123)})
	_ = w.Write([]string{""})

	_ = w.Write([]string{"Metric", "Value"})
	_ = w.Write([]string{"Safety Events", fmt.Sprintf("%d", stats.SafetyEvents)})
	_ = w.Write([]string{"Total Alerts", fmt.Sprintf("%d", stats.TotalAlerts)})
	_ = w.Write([]string{"Critical Alerts", fmt.Sprintf("%d", stats.CriticalAlerts)})
	_ = w.Write([]string{"High Alerts", fmt.Sprintf("%d", stats.HighAlerts)})
	_ = w.Write([]string{"Open Alerts", fmt.Sprintf("%d", stats.OpenAlerts)})
	_ = w.Write([]string{"Resolved Alerts", fmt.Sprintf("%d", stats.ResolvedAlerts)})
	_ = w.Write([]string{"Flagged Personas", fmt.Sprintf("%d", stats.FlaggedPersonas)})

	_ = w.Write([]string{""})
	_ = w.Write([]string{"Category", "Events"})
	for cat, count := range stats.CategoryCounts {
		_ = w.Write([]string{cat, fmt.Sprintf("%d", count)})
	}

	if len(flagged) > 0 {
		_ = w.Write([]string{""})
		_ = w.Write([]string{"Flagged Persona", "Month", "Ratio", "Reason"})
		for _, s := range flagged {
			_ = w.Write([]string{
				s.PersonaID.String(),
				s.Month.Format("2006-01"),
				floatValue(s.BoundaryTestingRatio),
				strValue(s.FlagReason),
			})
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) monthlyToPDF(stats *Stats, flagged []*models.EngagementSummary, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	pdf.AddSection("Monthly Safety Overview")
	pdf.AddParagraph(fmt.Sprintf("Report generated on %s", time.Now().Format(time.RFC1123)))

	pdf.AddSection("Key Metrics")
	pdf.AddSummaryTable(map[string]int{
		"Safety Events":    stats.SafetyEvents,
		"Total Alerts":     stats.TotalAlerts,
		"Critical Alerts":  stats.CriticalAlerts,
		"Open Alerts":      stats.OpenAlerts,
		"Resolved Alerts":  stats.ResolvedAlerts,
		"Flagged Personas": stats.FlaggedPersonas,
	})

	pdf.AddSection("Events by Category")
	pdf.AddChart("", stats.CategoryCounts)

	if len(flagged) > 0 {
		pdf.AddSection("Personas Flagged for Review")
		headers := []string{"Persona", "Month", "Tests", "Ratio"}
		rows := make([][]string, len(flagged))
		for i, s := range flagged {
			rows[i] = []string{
				shortID(s.PersonaID.String()),
				s.Month.Format("2006-01"),
				fmt.Sprintf("%d", s.BoundaryTests),
				floatValue(s.BoundaryTestingRatio),
			}
		}
		pdf.AddTable(headers, rows)
	}

	return pdf.Output()
}

// StreamCSV writes alert or access-log rows straight to w, skipping the
// in-memory Report. Used by the export endpoints.
func (g *Generator) StreamCSV(ctx context.Context, w io.Writer, req *ReportRequest) error {
	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	switch req.Type {
	case ReportTypeAlerts:
		alerts, err := g.provider.GetAlerts(ctx, AlertsFilter{
			Severities: req.Severities,
			Categories: req.Categories,
			Statuses:   req.Statuses,
			DateFrom:   req.DateFrom,
			DateTo:     req.DateTo,
		})
		if err != nil {
			return err
		}

		header := []string{"ID", "Category", "Severity", "Status", "Required Tier", "Created At"}
		if err := csvWriter.Write(header); err != nil {
			return err
		}

		for _, a := range alerts {
			row := []string{
				a.ID.String(), string(a.Category), string(a.Severity),
				string(a.Status), a.AuthorizationTier, a.CreatedAt.Format(time.RFC3339),
			}
			if err := csvWriter.Write(row); err != nil {
				return err
			}
		}

	case ReportTypeAccessLog:
		entries, err := g.provider.GetAccessLog(ctx, AccessLogFilter{
			AlertID:  req.AlertID,
			DateFrom: req.DateFrom,
			DateTo:   req.DateTo,
		})
		if err != nil {
			return err
		}

		header := []string{"Alert ID", "Actor", "Tier", "Action", "Granted", "Denial Reason", "Timestamp"}
		if err := csvWriter.Write(header); err != nil {
			return err
		}

		for _, e := range entries {
			row := []string{
				e.AlertID.String(), e.Actor, e.ActorTier, string(e.Action),
				fmt.Sprintf("%t", e.Granted), e.DenialReason,
				e.CreatedAt.Format(time.RFC3339),
			}
			if err := csvWriter.Write(row); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("unsupported stream type: %s", req.Type)
	}

	return nil
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func floatValue(f *float64) string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *f)
}
