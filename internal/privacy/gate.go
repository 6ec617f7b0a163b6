// Package privacy enforces the hard privacy boundary of the safeguarding
// pipeline. A conversation marked private is terminal for analytics: no
// safety event or performance record may be written for it, ever.
//
// The gate has two halves. The storage layer enforces the predicate
// atomically inside the gated INSERT itself, so there is no window between
// check and write. This package is the policy face: the MayRecord predicate
// for callers, and the loud-failure path (log, count, notify operators) that
// makes a violation impossible to miss. A violation is treated as a caller
// bug, never a recoverable condition.
package privacy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/metrics"
)

// ErrViolation is returned when a safety-relevant write targets a private
// conversation. Distinct from validation errors: it indicates an integration
// bug or a race on the privacy flag and must abort the write.
var ErrViolation = errors.New("privacy violation: conversation is private")

// ConversationSource answers the live privacy flag for a conversation.
type ConversationSource interface {
	IsPrivate(ctx context.Context, conversationID uuid.UUID) (bool, error)
}

// Notifier surfaces violations to operators. Implemented by the
// notifications service; nil-safe via the Gate.
type Notifier interface {
	NotifyPrivacyViolation(ctx context.Context, kind string, conversationID uuid.UUID)
}

type Gate struct {
	source   ConversationSource
	metrics  *metrics.Collector
	notifier Notifier
	logger   *slog.Logger
}

func NewGate(source ConversationSource, m *metrics.Collector, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		source:  source,
		metrics: m,
		logger:  logger,
	}
}

// SetNotifier attaches the operator notification channel. Optional.
func (g *Gate) SetNotifier(n Notifier) {
	g.notifier = n
}

// MayRecord reports whether safety-relevant writes are permitted for the
// conversation right now. Callers must still treat the result as advisory:
// the write itself re-checks the flag atomically.
func (g *Gate) MayRecord(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	private, err := g.source.IsPrivate(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return !private, nil
}

// ReportViolation records a blocked write. kind names the write path
// ("safety_event", "performance_record").
func (g *Gate) ReportViolation(ctx context.Context, kind string, conversationID uuid.UUID) {
	g.logger.Error("privacy violation blocked",
		"kind", kind,
		"conversation_id", conversationID)

	if g.metrics != nil {
		g.metrics.PrivacyViolations.WithLabelValues(kind).Inc()
	}
	if g.notifier != nil {
		g.notifier.NotifyPrivacyViolation(ctx, kind, conversationID)
	}
}

// IsViolation reports whether err is (or wraps) a privacy violation.
func IsViolation(err error) bool {
	return errors.Is(err, ErrViolation)
}
