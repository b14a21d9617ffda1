package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeProrationUpgradeRoundsUp(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	now := start.AddDate(0, 0, 10)

	// 20 of 30 days remain: unused 66666.67, new cost 133333.33,
	// difference 66666.67 rounded up to the next 1000
	got := ComputeProration(100000, 200000, start, end, now)
	require.Equal(t, 67000.0, got)
}

func TestComputeProrationDowngradeIsExact(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	now := start.AddDate(0, 0, 10)

	got := ComputeProration(200000, 100000, start, end, now)
	require.InDelta(t, -66666.67, got, 0.01)
}

func TestComputeProrationSamePrice(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	got := ComputeProration(150000, 150000, start, end, start.AddDate(0, 0, 15))
	require.Zero(t, got)
}

func TestComputeProrationAfterPeriodEnd(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	// nothing remains to prorate once the period has lapsed
	got := ComputeProration(100000, 200000, start, end, end.AddDate(0, 0, 5))
	require.Zero(t, got)
}

func TestComputeProrationBeforePeriodStart(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)

	// clamped to the full period: full difference, rounded up
	got := ComputeProration(100000, 250000, start, end, start.AddDate(0, 0, -3))
	require.Equal(t, 150000.0, got)
}

func TestComputeProrationDegeneratePeriod(t *testing.T) {
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.Zero(t, ComputeProration(100000, 200000, at, at, at))
}

func TestComputeProrationSmallUpgradeStillRoundsUp(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	now := start.AddDate(0, 0, 29)

	// one day of a 10000 difference is ~333, still padded to a clean
	// transfer amount
	got := ComputeProration(100000, 110000, start, end, now)
	require.Equal(t, 1000.0, got)
}
