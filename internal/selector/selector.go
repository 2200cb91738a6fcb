// Package selector chooses which player, if any, the presence should describe.
package selector

import (
	"github.com/genricoloni/mprisence/internal/domain"
	"github.com/genricoloni/mprisence/internal/registry"
)

// Select returns the active player: an eligible record with metadata whose
// status is Playing. With several candidates the most recently updated wins,
// ties going to the lexicographically smallest identity. The second value is
// false when nothing should be shown.
func Select(s registry.State) (domain.PlayerRecord, bool) {
	var (
		best  domain.PlayerRecord
		found bool
	)

	for _, rec := range s.Records() {
		if !candidate(rec) {
			continue
		}
		if !found || better(rec, best) {
			best = rec
			found = true
		}
	}

	return best, found
}

func candidate(rec domain.PlayerRecord) bool {
	return rec.Eligible && rec.HasMetadata && rec.Metadata.Status == domain.StatusPlaying
}

func better(a, b domain.PlayerRecord) bool {
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.After(b.LastUpdated)
	}
	return a.Identity < b.Identity
}
