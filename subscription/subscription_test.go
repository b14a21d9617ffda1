package subscription

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBilledPlanIDFallsBackToNominal(t *testing.T) {
	sub := &Subscription{PlanID: "plan-standard"}
	require.Equal(t, "plan-standard", billedPlanID(sub))

	sub.BilledPlanID = "plan-premium"
	require.Equal(t, "plan-premium", billedPlanID(sub))
}

func TestAlreadyOnPlanAllowsRetryOfUnsettledUpgrade(t *testing.T) {
	// nominal plan advanced at change time, billed plan still the old
	// one: the upgrade payment never settled and the change may be
	// re-attempted
	retrying := &Subscription{PlanID: "plan-premium", BilledPlanID: "plan-standard"}
	require.False(t, alreadyOnPlan(retrying, "plan-premium"))

	settled := &Subscription{PlanID: "plan-premium", BilledPlanID: "plan-premium"}
	require.True(t, alreadyOnPlan(settled, "plan-premium"))

	fresh := &Subscription{PlanID: "plan-standard"}
	require.True(t, alreadyOnPlan(fresh, "plan-standard"))
	require.False(t, alreadyOnPlan(fresh, "plan-premium"))
}

func TestTerminalStatuses(t *testing.T) {
	for status, terminal := range map[Status]bool{
		StatusPending:   false,
		StatusActive:    false,
		StatusPastDue:   false,
		StatusCancelled: true,
		StatusExpired:   true,
	} {
		sub := &Subscription{Status: status}
		require.Equal(t, terminal, sub.Terminal(), string(status))
	}
}
