package retention

import (
	"time"

	"github.com/metal-stack/backup-engine/cmd/internal/backup/store"
)

// Cutoff returns the point in time before which artifacts are expired.
// ok is false if the window disables rotation.
func Cutoff(windowDays int, now time.Time) (cutoff time.Time, ok bool) {
	if windowDays <= 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, 0, -windowDays), true
}

// Expired returns the artifacts created strictly before now minus windowDays.
// A window of zero or less keeps everything.
func Expired(artifacts []*store.Artifact, windowDays int, now time.Time) []*store.Artifact {
	cutoff, ok := Cutoff(windowDays, now)
	if !ok {
		return nil
	}

	var expired []*store.Artifact
	for _, a := range artifacts {
		if a.CreatedAt.Before(cutoff) {
			expired = append(expired, a)
		}
	}

	return expired
}
