package payment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusFailed, StatusPending, true},
		{StatusCompleted, StatusRefunded, true},
		{StatusCompleted, StatusPartiallyRefunded, true},
		{StatusPartiallyRefunded, StatusRefunded, true},

		{StatusCompleted, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusPending, false},
		{StatusRefunded, StatusCompleted, false},
		{StatusRefunded, StatusPartiallyRefunded, false},
	}
	for _, c := range cases {
		require.Equal(t, c.allowed, canTransition(c.from, c.to),
			"%s -> %s", c.from, c.to)
	}
}

func TestAmountMatches(t *testing.T) {
	require.True(t, amountMatches(500000, 500000))
	require.True(t, amountMatches(500000, 500000.009))
	require.True(t, amountMatches(500000.01, 500000))
	require.False(t, amountMatches(500000, 500000.02))
	require.False(t, amountMatches(500000, 499999))
}
