package fingerprint

import (
	"testing"
)

func TestBuildIndex(t *testing.T) {
	rows := []CorpusEntry{
		{TrackID: "t1", Hash: 100, AnchorTimeMs: 0},
		{TrackID: "t1", Hash: 100, AnchorTimeMs: 500},
		{TrackID: "t2", Hash: 100, AnchorTimeMs: 1200},
		{TrackID: "t1", Hash: 200, AnchorTimeMs: 900},
	}

	ix := BuildIndex(rows)

	if ix.Size() != 4 {
		t.Errorf("expected size 4, got %d", ix.Size())
	}
	if ix.TrackCount() != 2 {
		t.Errorf("expected 2 tracks, got %d", ix.TrackCount())
	}
	if ix.TrackHashCount("t1") != 3 {
		t.Errorf("expected 3 entries for t1, got %d", ix.TrackHashCount("t1"))
	}

	couples := ix.Lookup(100)
	if len(couples) != 3 {
		t.Fatalf("expected 3 couples for hash 100, got %d", len(couples))
	}
	seen := map[string]int{}
	for _, c := range couples {
		seen[c.TrackID]++
	}
	if seen["t1"] != 2 || seen["t2"] != 1 {
		t.Errorf("unexpected couple distribution: %v", seen)
	}

	if got := ix.Lookup(999); got != nil {
		t.Errorf("expected nil for unknown hash, got %v", got)
	}
}

func TestEmptyIndex(t *testing.T) {
	ix := BuildIndex(nil)
	if ix.Size() != 0 || ix.TrackCount() != 0 {
		t.Errorf("expected empty index, got size=%d tracks=%d", ix.Size(), ix.TrackCount())
	}
	if ix.Lookup(1) != nil {
		t.Error("expected nil lookup on empty index")
	}

	var nilIx *Index
	if nilIx.Lookup(1) != nil || nilIx.Size() != 0 {
		t.Error("nil index should behave as empty")
	}
}
