package fingerprint

import (
	"github.com/woedy/zamio-super-sub004/pkg/models"
)

// CorpusEntry is one stored fingerprint row fed into an index build.
type CorpusEntry struct {
	TrackID      string
	Hash         uint32
	AnchorTimeMs uint32
}

// Index is a read-only hash -> couples lookup built from the fingerprint
// corpus. It is built once per matching pass and shared by any number of
// concurrent readers; a rebuild produces a fresh Index, it never mutates
// one already handed out. Tracks fingerprinted after a build are simply
// not visible until the next rebuild.
type Index struct {
	buckets    map[uint32][]models.Couple
	trackSizes map[string]int
	entries    int
}

// BuildIndex constructs an Index from corpus rows in a single O(n) pass.
func BuildIndex(rows []CorpusEntry) *Index {
	ix := &Index{
		buckets:    make(map[uint32][]models.Couple, len(rows)),
		trackSizes: make(map[string]int),
	}
	for _, r := range rows {
		ix.buckets[r.Hash] = append(ix.buckets[r.Hash], models.Couple{
			TrackID:      r.TrackID,
			AnchorTimeMs: r.AnchorTimeMs,
		})
		ix.trackSizes[r.TrackID]++
		ix.entries++
	}
	return ix
}

// Lookup returns all couples stored under hash. The returned slice is shared
// with the index and must not be mutated.
func (ix *Index) Lookup(hash uint32) []models.Couple {
	if ix == nil {
		return nil
	}
	return ix.buckets[hash]
}

// Size returns the total number of indexed fingerprint entries.
func (ix *Index) Size() int {
	if ix == nil {
		return 0
	}
	return ix.entries
}

// TrackCount returns the number of distinct tracks in the index.
func (ix *Index) TrackCount() int {
	if ix == nil {
		return 0
	}
	return len(ix.trackSizes)
}

// TrackHashCount returns how many fingerprint entries the index holds for
// one track. Useful for diagnostics and confidence sanity checks.
func (ix *Index) TrackHashCount(trackID string) int {
	if ix == nil {
		return 0
	}
	return ix.trackSizes[trackID]
}
