package fingerprint

import (
	"math"
	"testing"

	"github.com/woedy/zamio-super-sub004/pkg/models"
)

// storedTrack builds corpus entries for a synthetic track whose landmark i
// has hash baseHash+i and anchor time startMs + i*spacingMs.
func storedTrack(trackID string, baseHash uint32, n int, startMs, spacingMs uint32) []CorpusEntry {
	entries := make([]CorpusEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, CorpusEntry{
			TrackID:      trackID,
			Hash:         baseHash + uint32(i),
			AnchorTimeMs: startMs + uint32(i)*spacingMs,
		})
	}
	return entries
}

// queryFrom derives query landmarks from corpus entries shifted so that
// storedAnchor - queryAnchor == offset for every landmark.
func queryFrom(entries []CorpusEntry, offset int32) []models.Landmark {
	landmarks := make([]models.Landmark, 0, len(entries))
	for _, e := range entries {
		landmarks = append(landmarks, models.Landmark{
			Hash:         e.Hash,
			AnchorTimeMs: uint32(int32(e.AnchorTimeMs) - offset),
		})
	}
	return landmarks
}

func TestMatchClipTimeShiftInvariance(t *testing.T) {
	entries := storedTrack("track-a", 1000, 20, 30000, 100)
	ix := BuildIndex(entries)

	for _, offset := range []int32{0, 500, 7000, -2500} {
		res := MatchClip(queryFrom(entries, offset), ix, DefaultMatcherConfig())
		if !res.Matched {
			t.Fatalf("offset %d: expected match, got reason %q", offset, res.Reason)
		}
		if res.TrackID != "track-a" {
			t.Errorf("offset %d: expected track-a, got %s", offset, res.TrackID)
		}
		if res.OffsetMs != offset {
			t.Errorf("offset %d: reported offset %d", offset, res.OffsetMs)
		}
		if res.HashesMatched != len(entries) {
			t.Errorf("offset %d: expected %d matched hashes, got %d", offset, len(entries), res.HashesMatched)
		}
	}
}

func TestMatchClipThresholdBoundary(t *testing.T) {
	cfg := DefaultMatcherConfig()
	entries := storedTrack("track-a", 2000, cfg.ClipMinHashes, 10000, 100)
	ix := BuildIndex(entries)

	// Exactly ClipMinHashes aligned hashes must match.
	res := MatchClip(queryFrom(entries, 0), ix, cfg)
	if !res.Matched {
		t.Fatalf("expected match at threshold, got reason %q", res.Reason)
	}
	if res.HashesMatched != cfg.ClipMinHashes {
		t.Fatalf("expected %d matched hashes, got %d", cfg.ClipMinHashes, res.HashesMatched)
	}

	// One fewer must be rejected with the threshold reason.
	res = MatchClip(queryFrom(entries[:cfg.ClipMinHashes-1], 0), ix, cfg)
	if res.Matched {
		t.Fatal("expected no match below threshold")
	}
	if res.Reason != ReasonBelowThreshold {
		t.Errorf("expected reason %q, got %q", ReasonBelowThreshold, res.Reason)
	}
	if res.HashesMatched != cfg.ClipMinHashes-1 {
		t.Errorf("expected %d matched hashes reported, got %d", cfg.ClipMinHashes-1, res.HashesMatched)
	}
}

func TestMatchClipEmptyQuery(t *testing.T) {
	ix := BuildIndex(storedTrack("track-a", 3000, 10, 0, 100))

	res := MatchClip(nil, ix, DefaultMatcherConfig())
	if res.Matched {
		t.Fatal("expected no match for empty query")
	}
	if res.Reason != ReasonNoFingerprints {
		t.Errorf("expected reason %q, got %q", ReasonNoFingerprints, res.Reason)
	}
}

func TestMatchClipNoMatchingHashes(t *testing.T) {
	ix := BuildIndex(storedTrack("track-a", 4000, 10, 0, 100))

	query := []models.Landmark{
		{Hash: 999999, AnchorTimeMs: 0},
		{Hash: 999998, AnchorTimeMs: 100},
	}
	res := MatchClip(query, ix, DefaultMatcherConfig())
	if res.Matched {
		t.Fatal("expected no match for unknown hashes")
	}
	if res.Reason != ReasonNoMatchingHashes {
		t.Errorf("expected reason %q, got %q", ReasonNoMatchingHashes, res.Reason)
	}
}

func TestMatchClipConfidence(t *testing.T) {
	// 25 of 30 query landmarks align at an identical delta.
	entries := storedTrack("track-a", 5000, 25, 20000, 100)
	ix := BuildIndex(entries)

	query := queryFrom(entries, 1500)
	for i := 0; i < 5; i++ {
		query = append(query, models.Landmark{Hash: 888000 + uint32(i), AnchorTimeMs: uint32(25000 + i*100)})
	}

	res := MatchClip(query, ix, DefaultMatcherConfig())
	if !res.Matched {
		t.Fatalf("expected match, got reason %q", res.Reason)
	}
	if res.HashesMatched != 25 || res.TotalLandmarks != 30 {
		t.Fatalf("expected 25/30, got %d/%d", res.HashesMatched, res.TotalLandmarks)
	}
	if math.Abs(res.Confidence-83.33) > 0.01 {
		t.Errorf("expected confidence ~83.33, got %.4f", res.Confidence)
	}
}

func TestMatchStreamJumpsPastAiring(t *testing.T) {
	// 10s stored track.
	entries := storedTrack("track-a", 6000, 100, 0, 100)
	ix := BuildIndex(entries)

	// Buffer with two airings: at 0s and at 20s, silence between.
	var buffer []models.Landmark
	buffer = append(buffer, queryFrom(entries, 0)...)
	buffer = append(buffer, queryFrom(entries, -20000)...)

	results := MatchStream(buffer, ix, DefaultMatcherConfig())
	if len(results) != 2 {
		t.Fatalf("expected 2 stream matches (one per airing), got %d", len(results))
	}
	for i, r := range results {
		if r.TrackID != "track-a" {
			t.Errorf("result %d: expected track-a, got %s", i, r.TrackID)
		}
	}
	if results[0].WindowStartMs != 0 {
		t.Errorf("first match should start at window 0, got %d", results[0].WindowStartMs)
	}
	if results[1].WindowStartMs < 15000 {
		t.Errorf("second match window should be past the 15s jump, got %d", results[1].WindowStartMs)
	}
}

func TestMatchStreamNoiseOnly(t *testing.T) {
	ix := BuildIndex(storedTrack("track-a", 7000, 50, 0, 100))

	// Sparse unknown hashes; nothing should clear the stream threshold.
	var buffer []models.Landmark
	for i := 0; i < 30; i++ {
		buffer = append(buffer, models.Landmark{Hash: 777000 + uint32(i), AnchorTimeMs: uint32(i * 1000)})
	}
	if results := MatchStream(buffer, ix, DefaultMatcherConfig()); len(results) != 0 {
		t.Fatalf("expected no matches from noise, got %d", len(results))
	}
}

func TestMatchStreamUsesStreamThreshold(t *testing.T) {
	cfg := DefaultMatcherConfig()
	// Enough aligned hashes for the clip threshold but not the stream one.
	n := cfg.StreamMinHashes - 1
	entries := storedTrack("track-a", 8000, n, 0, 100)
	ix := BuildIndex(entries)

	if res := MatchClip(queryFrom(entries, 0), ix, cfg); !res.Matched {
		t.Fatalf("clip mode should accept %d hashes, got reason %q", n, res.Reason)
	}
	if results := MatchStream(queryFrom(entries, 0), ix, cfg); len(results) != 0 {
		t.Fatalf("stream mode should reject %d hashes, got %d matches", n, len(results))
	}
}
