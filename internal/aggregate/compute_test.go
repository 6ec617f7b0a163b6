package aggregate

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/talkhaven/safeguard/internal/store"
)

func month() time.Time {
	return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
}

func TestComputeDisproportionatePersona(t *testing.T) {
	// 10 conversations, 6 boundary tests, platform rate 0.10: ratio 6.0.
	perf := &store.PerformanceStats{
		TotalConversations: 10,
		PerformanceRecords: 10,
		BoundaryTests:      6,
	}
	platform := &store.PlatformStats{BoundaryTests: 10, TotalConversations: 100}

	sum := Compute(uuid.New(), month(), perf, &store.EventStats{}, platform, DefaultThresholds)

	if sum.BoundaryTestingRatio == nil {
		t.Fatal("expected a ratio")
	}
	if got := *sum.BoundaryTestingRatio; got < 5.99 || got > 6.01 {
		t.Errorf("ratio = %v, want 6.0", got)
	}
	if !sum.Disproportionate {
		t.Error("ratio 6.0 must flag disproportionate")
	}
	if !sum.FlaggedForReview {
		t.Error("ratio 6.0 must flag for review")
	}
	if sum.FlagReason == nil || !strings.Contains(*sum.FlagReason, "600% of platform average") {
		t.Errorf("flag reason = %v, must mention 600%% of platform average", sum.FlagReason)
	}
}

func TestComputeBetweenThresholds(t *testing.T) {
	// Persona rate 0.18 against platform 0.10: ratio 1.8, disproportionate
	// but below the review line.
	perf := &store.PerformanceStats{TotalConversations: 100, BoundaryTests: 18}
	platform := &store.PlatformStats{BoundaryTests: 10, TotalConversations: 100}

	sum := Compute(uuid.New(), month(), perf, &store.EventStats{}, platform, DefaultThresholds)

	if !sum.Disproportionate {
		t.Error("ratio 1.8 must flag disproportionate")
	}
	if sum.FlaggedForReview {
		t.Error("ratio 1.8 must not flag for review")
	}
	if sum.FlagReason != nil {
		t.Error("no reason without a review flag")
	}
}

func TestComputeAtPlatformAverage(t *testing.T) {
	perf := &store.PerformanceStats{TotalConversations: 100, BoundaryTests: 10}
	platform := &store.PlatformStats{BoundaryTests: 10, TotalConversations: 100}

	sum := Compute(uuid.New(), month(), perf, &store.EventStats{}, platform, DefaultThresholds)

	if sum.Disproportionate || sum.FlaggedForReview {
		t.Error("ratio 1.0 must not flag anything")
	}
}

func TestComputeEmptyMonth(t *testing.T) {
	sum := Compute(uuid.New(), month(), &store.PerformanceStats{}, &store.EventStats{}, &store.PlatformStats{}, DefaultThresholds)

	if sum.BoundaryTestingRate != nil {
		t.Error("zero conversations must yield a null rate, not a division failure")
	}
	if sum.PlatformAverageRate != nil {
		t.Error("empty platform must yield a null baseline")
	}
	if sum.BoundaryTestingRatio != nil {
		t.Error("no ratio without both rates")
	}
	if sum.Disproportionate || sum.FlaggedForReview {
		t.Error("empty month must not flag")
	}
}

func TestComputeZeroPlatformRate(t *testing.T) {
	// Conversations exist platform-wide but nobody boundary-tested: the
	// baseline is zero and the ratio is undefined rather than infinite.
	perf := &store.PerformanceStats{TotalConversations: 10, BoundaryTests: 2}
	platform := &store.PlatformStats{BoundaryTests: 0, TotalConversations: 100}

	sum := Compute(uuid.New(), month(), perf, &store.EventStats{}, platform, DefaultThresholds)

	if sum.BoundaryTestingRatio != nil {
		t.Error("zero platform rate must yield a null ratio")
	}
}

func TestComputeCarriesEventCounts(t *testing.T) {
	events := &store.EventStats{SafetyEvents: 7, CriticalEvents: 2, AlertsGenerated: 3}
	sum := Compute(uuid.New(), month(), &store.PerformanceStats{}, events, &store.PlatformStats{}, DefaultThresholds)

	if sum.SafetyEvents != 7 || sum.CriticalEvents != 2 || sum.AlertsGenerated != 3 {
		t.Error("event counts must carry through unchanged")
	}
}

func TestMonthBounds(t *testing.T) {
	mid := time.Date(2026, 8, 17, 14, 3, 0, 0, time.FixedZone("X", 3*3600))
	from, to := MonthBounds(mid)

	if !from.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("from = %v, want 2026-08-01 UTC", from)
	}
	if !to.Equal(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("to = %v, want 2026-09-01 UTC", to)
	}
}
