package retention

import (
	"testing"
	"time"

	"github.com/metal-stack/backup-engine/cmd/internal/backup/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpired(t *testing.T) {
	now := time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)

	daysAgo := func(d int) *store.Artifact {
		ts := now.AddDate(0, 0, -d)
		return &store.Artifact{Name: store.NewName(ts), CreatedAt: ts}
	}

	var (
		forty  = daysAgo(40)
		twenty = daysAgo(20)
		five   = daysAgo(5)
		all    = []*store.Artifact{five, forty, twenty}
	)

	tests := []struct {
		name       string
		artifacts  []*store.Artifact
		windowDays int
		want       []*store.Artifact
	}{
		{
			name:       "thirty days",
			artifacts:  all,
			windowDays: 30,
			want:       []*store.Artifact{forty},
		},
		{
			name:       "ten days",
			artifacts:  all,
			windowDays: 10,
			want:       []*store.Artifact{forty, twenty},
		},
		{
			name:       "one year",
			artifacts:  all,
			windowDays: 365,
		},
		{
			name:       "disabled",
			artifacts:  all,
			windowDays: 0,
		},
		{
			name:       "negative window disables",
			artifacts:  all,
			windowDays: -3,
		},
		{
			name:       "nothing to do",
			windowDays: 30,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Expired(tt.artifacts, tt.windowDays, now)
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestExpiredBoundary(t *testing.T) {
	now := time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)
	cutoff, ok := Cutoff(30, now)
	require.True(t, ok)

	exactlyAtCutoff := &store.Artifact{Name: "at", CreatedAt: cutoff}
	justBefore := &store.Artifact{Name: "before", CreatedAt: cutoff.Add(-time.Nanosecond)}

	got := Expired([]*store.Artifact{exactlyAtCutoff, justBefore}, 30, now)
	require.Len(t, got, 1)
	assert.Equal(t, "before", got[0].Name)
}
