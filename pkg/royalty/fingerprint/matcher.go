package fingerprint

import (
	"sort"

	"github.com/woedy/zamio-super-sub004/pkg/models"
)

// Rejection reasons reported on a negative MatchResult.
const (
	ReasonNoFingerprints   = "no fingerprints"
	ReasonNoMatchingHashes = "no matching hashes"
	ReasonBelowThreshold   = "below threshold"
)

// MatcherConfig holds all tunable matching parameters. Clip and stream
// thresholds are deliberately distinct: uploaded clips are assumed clean,
// stream captures are noisy and need more aligned hashes before we trust
// them. Override per deployment rather than editing the defaults.
type MatcherConfig struct {
	ClipMinHashes    int     // minimum aligned hashes to accept a clip match
	StreamMinHashes  int     // minimum aligned hashes to accept a stream-window match
	ChunkSeconds     float64 // stream window length
	SlideSeconds     float64 // window advance when a window does not match
	MatchJumpSeconds float64 // window advance after a confirmed match
}

// DefaultMatcherConfig returns the stock tuning.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		ClipMinHashes:    5,
		StreamMinHashes:  10,
		ChunkSeconds:     10,
		SlideSeconds:     2,
		MatchJumpSeconds: 15,
	}
}

func (c MatcherConfig) withDefaults() MatcherConfig {
	d := DefaultMatcherConfig()
	if c.ClipMinHashes <= 0 {
		c.ClipMinHashes = d.ClipMinHashes
	}
	if c.StreamMinHashes <= 0 {
		c.StreamMinHashes = d.StreamMinHashes
	}
	if c.ChunkSeconds <= 0 {
		c.ChunkSeconds = d.ChunkSeconds
	}
	if c.SlideSeconds <= 0 {
		c.SlideSeconds = d.SlideSeconds
	}
	if c.MatchJumpSeconds <= 0 {
		c.MatchJumpSeconds = d.MatchJumpSeconds
	}
	return c
}

// MatchResult is the outcome of matching one query (clip or stream window)
// against the index. Either Matched is true and TrackID/OffsetMs/Confidence
// are meaningful, or Matched is false and Reason says why.
type MatchResult struct {
	Matched        bool
	TrackID        string
	OffsetMs       int32
	HashesMatched  int
	TotalLandmarks int
	Confidence     float64 // percentage 0-100
	Reason         string
}

// StreamMatch is one positive window result from MatchStream, tagged with
// where in the capture buffer the window started.
type StreamMatch struct {
	MatchResult
	WindowStartMs uint32
}

// MatchClip matches a whole clip's landmarks against the index in a single
// pass. Pure function of its inputs; no side effects.
func MatchClip(landmarks []models.Landmark, ix *Index, cfg MatcherConfig) MatchResult {
	cfg = cfg.withDefaults()
	return matchWindow(landmarks, ix, cfg.ClipMinHashes)
}

// MatchStream slides a window of ChunkSeconds over the landmark buffer and
// matches each window independently. After a confirmed match the window
// jumps MatchJumpSeconds to skip the remainder of the same airing;
// otherwise it advances SlideSeconds. Returns one entry per matching
// window, in buffer order.
func MatchStream(landmarks []models.Landmark, ix *Index, cfg MatcherConfig) []StreamMatch {
	cfg = cfg.withDefaults()
	if len(landmarks) == 0 {
		return nil
	}

	sorted := make([]models.Landmark, len(landmarks))
	copy(sorted, landmarks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AnchorTimeMs < sorted[j].AnchorTimeMs })

	bufEndMs := sorted[len(sorted)-1].AnchorTimeMs
	chunkMs := uint32(cfg.ChunkSeconds * 1000)
	slideMs := uint32(cfg.SlideSeconds * 1000)
	jumpMs := uint32(cfg.MatchJumpSeconds * 1000)

	var results []StreamMatch
	lo := 0
	for start := uint32(0); start <= bufEndMs; {
		end := start + chunkMs

		// advance lo to the first landmark inside [start, end)
		for lo < len(sorted) && sorted[lo].AnchorTimeMs < start {
			lo++
		}
		hi := lo
		for hi < len(sorted) && sorted[hi].AnchorTimeMs < end {
			hi++
		}

		if hi > lo {
			res := matchWindow(sorted[lo:hi], ix, cfg.StreamMinHashes)
			if res.Matched {
				results = append(results, StreamMatch{MatchResult: res, WindowStartMs: start})
				start += jumpMs
				continue
			}
		}
		start += slideMs
	}
	return results
}

// matchWindow is the offset-voting core shared by both call conventions.
// For every query landmark it looks up all stored couples with the same
// hash and votes for (trackID, storedAnchor - queryAnchor); the pair with
// the most votes is the best alignment. Confidence is the fraction of
// query landmarks that landed on that alignment.
func matchWindow(landmarks []models.Landmark, ix *Index, minHashes int) MatchResult {
	total := len(landmarks)
	if total == 0 {
		return MatchResult{Reason: ReasonNoFingerprints}
	}

	votes := make(map[string]map[int32]int)
	for _, lm := range landmarks {
		for _, cou := range ix.Lookup(lm.Hash) {
			offset := int32(cou.AnchorTimeMs) - int32(lm.AnchorTimeMs)
			m := votes[cou.TrackID]
			if m == nil {
				m = make(map[int32]int)
				votes[cou.TrackID] = m
			}
			m[offset]++
		}
	}

	if len(votes) == 0 {
		return MatchResult{TotalLandmarks: total, Reason: ReasonNoMatchingHashes}
	}

	best := models.Match{}
	for trackID, offsets := range votes {
		for off, cnt := range offsets {
			if cnt > best.Count {
				best = models.Match{TrackID: trackID, OffsetMs: off, Count: cnt}
			}
		}
	}

	confidence := float64(best.Count) / float64(maxInt(total, 1)) * 100.0
	if best.Count < minHashes {
		return MatchResult{
			HashesMatched:  best.Count,
			TotalLandmarks: total,
			Confidence:     confidence,
			Reason:         ReasonBelowThreshold,
		}
	}

	return MatchResult{
		Matched:        true,
		TrackID:        best.TrackID,
		OffsetMs:       best.OffsetMs,
		HashesMatched:  best.Count,
		TotalLandmarks: total,
		Confidence:     confidence,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
