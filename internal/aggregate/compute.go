package aggregate

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/models"
	"github.com/talkhaven/safeguard/internal/store"
)

// Thresholds control the anomaly flags on the boundary-testing ratio.
type Thresholds struct {
	Disproportionate float64
	Review           float64
}

// DefaultThresholds matches the shipped configuration.
var DefaultThresholds = Thresholds{Disproportionate: 1.5, Review: 2.0}

// Compute derives a month's summary from the raw aggregates. Pure: all
// inputs are already fetched, so the idempotence of the rollup reduces to
// the idempotence of the queries plus one upsert. Empty months and
// zero-conversation personas produce null ratios, never a division failure.
func Compute(personaID uuid.UUID, month time.Time, perf *store.PerformanceStats, events *store.EventStats, platform *store.PlatformStats, thresholds Thresholds) *models.EngagementSummary {
	sum := &models.EngagementSummary{
		PersonaID:          personaID,
		Month:              month,
		TotalConversations: perf.TotalConversations,
		PerformanceRecords: perf.PerformanceRecords,
		SafetyEvents:       events.SafetyEvents,
		BoundaryTests:      perf.BoundaryTests,
		CrisisSignals:      perf.CrisisSignals,
		CriticalEvents:     events.CriticalEvents,
		AlertsGenerated:    events.AlertsGenerated,

		AvgRelatability:    perf.AvgRelatability,
		AvgFriendliness:    perf.AvgFriendliness,
		AvgBoundaryClarity: perf.AvgBoundaryClarity,
		AvgAlignment:       perf.AvgAlignment,
		AvgRedirection:     perf.AvgRedirection,
		AvgCrisisHandling:  perf.AvgCrisisHandling,

		AppropriateHandlingRate: perf.AppropriateRate,
	}

	if perf.TotalConversations > 0 {
		rate := float64(perf.BoundaryTests) / float64(perf.TotalConversations)
		sum.BoundaryTestingRate = &rate
	}
	if platform.TotalConversations > 0 {
		rate := float64(platform.BoundaryTests) / float64(platform.TotalConversations)
		sum.PlatformAverageRate = &rate
	}

	if sum.BoundaryTestingRate != nil && sum.PlatformAverageRate != nil && *sum.PlatformAverageRate > 0 {
		ratio := *sum.BoundaryTestingRate / *sum.PlatformAverageRate
		sum.BoundaryTestingRatio = &ratio

		if ratio > thresholds.Disproportionate {
			sum.Disproportionate = true
		}
		if ratio > thresholds.Review {
			sum.FlaggedForReview = true
			reason := flagReason(ratio, perf.BoundaryTests, perf.TotalConversations)
			sum.FlagReason = &reason
		}
	}

	return sum
}

// flagReason phrases the anomaly for a human reviewer, e.g. a 6.0 ratio
// reads as "600% of platform average".
func flagReason(ratio float64, boundaryTests, conversations int) string {
	pct := int(math.Round(ratio * 100))
	return fmt.Sprintf(
		"Persona attracted boundary testing at %d%% of platform average this month (%d boundary tests across %d conversations).",
		pct, boundaryTests, conversations)
}

// MonthStart normalizes any instant to the first of its calendar month in
// UTC, the canonical summary key.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthBounds returns the half-open [start, end) interval for the month
// containing t.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	start := MonthStart(t)
	return start, start.AddDate(0, 1, 0)
}
