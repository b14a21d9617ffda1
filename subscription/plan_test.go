package subscription

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writePlans(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plans.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadPlansFromFile(t *testing.T) {
	path := writePlans(t, `[
		{
			"id": "plan-standard",
			"name": "Standard",
			"currency": "vnd",
			"price": 500000,
			"durationDays": 30,
			"membershipType": "STANDARD"
		},
		{
			"id": "plan-premium-legacy",
			"name": "Premium (legacy)",
			"currency": "vnd",
			"price": 900000,
			"durationDays": 30,
			"membershipType": "PREMIUM",
			"retired": true
		}
	]`)

	plans, err := loadPlansFromFile(path)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	require.Equal(t, "plan-standard", plans[0].ID)
	require.True(t, plans[1].Retired)
}

func TestLoadPlansRejectsInvalidDuration(t *testing.T) {
	path := writePlans(t, `[{"id": "p", "price": 1000, "durationDays": 0}]`)

	_, err := loadPlansFromFile(path)
	require.Error(t, err)
}

func TestLoadPlansRejectsMalformedJSON(t *testing.T) {
	path := writePlans(t, `{"not": "an array"}`)

	_, err := loadPlansFromFile(path)
	require.Error(t, err)
}

func TestPlanPeriodEnd(t *testing.T) {
	p := Plan{ID: "plan-standard", Price: 500000, DurationDays: 30}
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, start.AddDate(0, 0, 30), p.PeriodEnd(start))
}
