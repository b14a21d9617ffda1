package revenue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDayWindow(t *testing.T) {
	at := time.Date(2025, 6, 15, 18, 42, 7, 0, time.UTC)
	start, end := dayWindow(at)

	require.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), end)

	// offsets collapse onto the UTC day
	saigon := time.FixedZone("ICT", 7*3600)
	start, _ = dayWindow(time.Date(2025, 6, 16, 3, 0, 0, 0, saigon))
	require.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), start)
}

func TestPlanBreakdownKeysByPlan(t *testing.T) {
	out := planBreakdown([]planSum{
		{PlanID: "plan-standard", Total: 1500000},
		{PlanID: "plan-premium", Total: 900000},
		{PlanID: "", Total: 42},
	})

	require.Len(t, out, 2)
	require.Equal(t, 1500000.0, out["plan-standard"])
	require.Equal(t, 900000.0, out["plan-premium"])
}
