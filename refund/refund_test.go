package refund

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestAppendTimeline(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	raw := appendTimeline(nil, TimelineEntry{
		Status: StatusPending,
		Actor:  "member-42",
		At:     at,
	})
	raw = appendTimeline(raw, TimelineEntry{
		Status: StatusApproved,
		Actor:  "admin-1",
		Note:   "duplicate charge confirmed",
		At:     at.Add(time.Hour),
	})

	var entries []TimelineEntry
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 2)
	require.Equal(t, StatusPending, entries[0].Status)
	require.Equal(t, StatusApproved, entries[1].Status)
	require.Equal(t, "duplicate charge confirmed", entries[1].Note)
}

func TestAppendTimelineRecoversFromCorruptTrail(t *testing.T) {
	raw := appendTimeline(datatypes.JSON(`{not json`), TimelineEntry{
		Status: StatusPending,
		Actor:  "member-42",
		At:     time.Now(),
	})

	var entries []TimelineEntry
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 1)
}
