package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/woedy/zamio-super-sub004/pkg/models"
)

func setupTestDB(t *testing.T) *DBClient {
	t.Helper()
	db, err := NewDBClientWithPath(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("Failed to create test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegisterTrackGetOrCreate(t *testing.T) {
	db := setupTestDB(t)

	id1, err := db.RegisterTrack("Song A", "Artist A", "owner-1", 180000)
	if err != nil {
		t.Fatalf("RegisterTrack failed: %v", err)
	}
	id2, err := db.RegisterTrack("Song A", "Artist A", "owner-1", 180000)
	if err != nil {
		t.Fatalf("Second RegisterTrack failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Expected same ID for same (title, artist), got %s and %s", id1, id2)
	}

	// Same title by a different artist is a different track.
	id3, err := db.RegisterTrack("Song A", "Artist B", "owner-2", 200000)
	if err != nil {
		t.Fatalf("RegisterTrack for second artist failed: %v", err)
	}
	if id3 == id1 {
		t.Error("Expected distinct ID for a different artist")
	}

	tracks, err := db.ListTracks()
	if err != nil {
		t.Fatalf("ListTracks failed: %v", err)
	}
	if len(tracks) != 2 {
		t.Errorf("Expected 2 tracks, got %d", len(tracks))
	}
}

func TestRegisterStationBackfillsStreamURL(t *testing.T) {
	db := setupTestDB(t)

	id1, err := db.RegisterStation("Radio One", "owner-1", "")
	if err != nil {
		t.Fatalf("RegisterStation failed: %v", err)
	}
	id2, err := db.RegisterStation("Radio One", "owner-1", "http://radio.example/stream")
	if err != nil {
		t.Fatalf("Second RegisterStation failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Expected same station ID, got %s and %s", id1, id2)
	}

	station, err := db.GetStation(id1)
	if err != nil {
		t.Fatalf("GetStation failed: %v", err)
	}
	if station.StreamURL != "http://radio.example/stream" {
		t.Errorf("Expected stream URL to be backfilled, got %q", station.StreamURL)
	}
}

func TestFingerprintRoundTrip(t *testing.T) {
	db := setupTestDB(t)

	trackID, err := db.RegisterTrack("Song A", "Artist A", "owner-1", 180000)
	if err != nil {
		t.Fatalf("RegisterTrack failed: %v", err)
	}

	landmarks := []models.Landmark{
		{Hash: 0x1234, AnchorTimeMs: 100},
		{Hash: 0x5678, AnchorTimeMs: 350},
		{Hash: 0x9abc, AnchorTimeMs: 900},
	}
	if err := db.StoreFingerprints(trackID, landmarks); err != nil {
		t.Fatalf("StoreFingerprints failed: %v", err)
	}

	count, err := db.FingerprintCount(trackID)
	if err != nil {
		t.Fatalf("FingerprintCount failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 fingerprints, got %d", count)
	}

	entries, err := db.CorpusEntries()
	if err != nil {
		t.Fatalf("CorpusEntries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 corpus entries, got %d", len(entries))
	}
	seen := make(map[uint32]uint32)
	for _, e := range entries {
		if e.TrackID != trackID {
			t.Errorf("Expected track %s, got %s", trackID, e.TrackID)
		}
		seen[e.Hash] = e.AnchorTimeMs
	}
	if seen[0x5678] != 350 {
		t.Errorf("Expected anchor 350 for hash 0x5678, got %d", seen[0x5678])
	}
}

func TestDeleteTrackRemovesFingerprints(t *testing.T) {
	db := setupTestDB(t)

	trackID, err := db.RegisterTrack("Song A", "Artist A", "owner-1", 180000)
	if err != nil {
		t.Fatalf("RegisterTrack failed: %v", err)
	}
	if err := db.StoreFingerprints(trackID, []models.Landmark{{Hash: 1, AnchorTimeMs: 10}}); err != nil {
		t.Fatalf("StoreFingerprints failed: %v", err)
	}

	if err := db.DeleteTrack(trackID); err != nil {
		t.Fatalf("DeleteTrack failed: %v", err)
	}
	if _, err := db.GetTrack(trackID); err == nil {
		t.Error("Expected GetTrack to fail after deletion")
	}
	count, err := db.FingerprintCount(trackID)
	if err != nil {
		t.Fatalf("FingerprintCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 fingerprints after deletion, got %d", count)
	}
}

func TestEventClaimAndProcessLifecycle(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()

	var ids []uint
	for i := 0; i < 4; i++ {
		ev := RawMatchEvent{
			TrackID:    "track-1",
			StationID:  "station-1",
			MatchedAt:  now.Add(time.Duration(i) * 10 * time.Second),
			Confidence: 80,
			Source:     SourceStream,
		}
		if err := db.CreateRawMatchEvent(&ev); err != nil {
			t.Fatalf("CreateRawMatchEvent failed: %v", err)
		}
		ids = append(ids, ev.ID)
	}

	events, err := db.UnclaimedEventsSince(now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("UnclaimedEventsSince failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("Expected 4 unclaimed events, got %d", len(events))
	}
	if !events[0].MatchedAt.Before(events[1].MatchedAt) {
		t.Error("Expected events ordered by matched_at")
	}

	// Claiming two events for a group hides them from later passes.
	if err := ClaimEventsForGroup(db.DB, ids[:2], "group-1"); err != nil {
		t.Fatalf("ClaimEventsForGroup failed: %v", err)
	}
	events, err = db.UnclaimedEventsSince(now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("UnclaimedEventsSince failed: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected 2 unclaimed events after claim, got %d", len(events))
	}
	grouped, err := db.EventsByGroup("group-1")
	if err != nil {
		t.Fatalf("EventsByGroup failed: %v", err)
	}
	if len(grouped) != 2 {
		t.Errorf("Expected 2 grouped events, got %d", len(grouped))
	}

	// Processing the rest consumes them.
	if err := db.MarkEventsProcessed(ids[2:], "airing too short"); err != nil {
		t.Fatalf("MarkEventsProcessed failed: %v", err)
	}
	events, err = db.UnclaimedEventsSince(now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("UnclaimedEventsSince failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no unclaimed events, got %d", len(events))
	}
}

func TestUnclaimedEventsRespectsCutoff(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()

	old := RawMatchEvent{TrackID: "t", StationID: "s", MatchedAt: now.Add(-2 * time.Hour), Confidence: 80, Source: SourceStream}
	recent := RawMatchEvent{TrackID: "t", StationID: "s", MatchedAt: now.Add(-time.Minute), Confidence: 80, Source: SourceStream}
	if err := db.CreateRawMatchEvent(&old); err != nil {
		t.Fatalf("CreateRawMatchEvent failed: %v", err)
	}
	if err := db.CreateRawMatchEvent(&recent); err != nil {
		t.Fatalf("CreateRawMatchEvent failed: %v", err)
	}

	events, err := db.UnclaimedEventsSince(now.Add(-10 * time.Minute))
	if err != nil {
		t.Fatalf("UnclaimedEventsSince failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event inside the window, got %d", len(events))
	}
	if events[0].ID != recent.ID {
		t.Error("Expected only the recent event")
	}
}

func TestRatePerSecondFallbackChain(t *testing.T) {
	db := setupTestDB(t)

	// No rows at all: built-in default.
	rate, err := db.RatePerSecond("station-1")
	if err != nil {
		t.Fatalf("RatePerSecond failed: %v", err)
	}
	if !rate.Equal(DefaultRatePerSecond) {
		t.Errorf("Expected default rate %s, got %s", DefaultRatePerSecond, rate)
	}

	// Platform-wide row overrides the built-in default.
	platform := decimal.RequireFromString("0.004")
	if err := db.SetRoyaltyRate("", platform); err != nil {
		t.Fatalf("SetRoyaltyRate failed: %v", err)
	}
	rate, err = db.RatePerSecond("station-1")
	if err != nil {
		t.Fatalf("RatePerSecond failed: %v", err)
	}
	if !rate.Equal(platform) {
		t.Errorf("Expected platform rate %s, got %s", platform, rate)
	}

	// Station-specific row wins over the platform row.
	station := decimal.RequireFromString("0.01")
	if err := db.SetRoyaltyRate("station-1", station); err != nil {
		t.Fatalf("SetRoyaltyRate failed: %v", err)
	}
	rate, err = db.RatePerSecond("station-1")
	if err != nil {
		t.Fatalf("RatePerSecond failed: %v", err)
	}
	if !rate.Equal(station) {
		t.Errorf("Expected station rate %s, got %s", station, rate)
	}

	// Updating an existing row replaces it.
	updated := decimal.RequireFromString("0.02")
	if err := db.SetRoyaltyRate("station-1", updated); err != nil {
		t.Fatalf("SetRoyaltyRate update failed: %v", err)
	}
	rate, err = db.RatePerSecond("station-1")
	if err != nil {
		t.Fatalf("RatePerSecond failed: %v", err)
	}
	if !rate.Equal(updated) {
		t.Errorf("Expected updated rate %s, got %s", updated, rate)
	}

	// Other stations still see the platform rate.
	rate, err = db.RatePerSecond("station-2")
	if err != nil {
		t.Fatalf("RatePerSecond failed: %v", err)
	}
	if !rate.Equal(platform) {
		t.Errorf("Expected platform rate %s for other station, got %s", platform, rate)
	}
}

func TestPlayDedupeConstraint(t *testing.T) {
	db := setupTestDB(t)
	start := time.Now()

	play := PlayRecord{
		ID:            "play-1",
		TrackID:       "track-1",
		StationID:     "station-1",
		StartTime:     start,
		StopTime:      start.Add(40 * time.Second),
		DurationSec:   40,
		RoyaltyAmount: decimal.RequireFromString("0.20"),
		Source:        SourceStream,
		DedupeKey:     "track-1|station-1|12345",
	}
	if err := db.DB.Create(&play).Error; err != nil {
		t.Fatalf("Creating play failed: %v", err)
	}

	dup := play
	dup.ID = "play-2"
	err := db.DB.Create(&dup).Error
	if err == nil {
		t.Fatal("Expected unique constraint violation for duplicate dedupe key")
	}
	if !IsUniqueViolation(err) {
		t.Errorf("Expected IsUniqueViolation to recognize %v", err)
	}
}

func TestHasOverlappingPlay(t *testing.T) {
	db := setupTestDB(t)
	start := time.Now().Add(-10 * time.Minute)

	play := PlayRecord{
		ID:            "play-1",
		TrackID:       "track-1",
		StationID:     "station-1",
		StartTime:     start,
		StopTime:      start.Add(40 * time.Second),
		DurationSec:   40,
		RoyaltyAmount: decimal.RequireFromString("0.20"),
		Source:        SourceStream,
		DedupeKey:     "k1",
	}
	if err := db.DB.Create(&play).Error; err != nil {
		t.Fatalf("Creating play failed: %v", err)
	}

	cases := []struct {
		name     string
		from, to time.Time
		want     bool
	}{
		{"inside", start.Add(10 * time.Second), start.Add(20 * time.Second), true},
		{"straddles start", start.Add(-10 * time.Second), start.Add(5 * time.Second), true},
		{"straddles stop", start.Add(35 * time.Second), start.Add(90 * time.Second), true},
		{"before", start.Add(-2 * time.Minute), start.Add(-time.Minute), false},
		{"after", start.Add(2 * time.Minute), start.Add(3 * time.Minute), false},
	}
	for _, tc := range cases {
		got, err := db.HasOverlappingPlay("track-1", "station-1", tc.from, tc.to)
		if err != nil {
			t.Fatalf("HasOverlappingPlay(%s) failed: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("HasOverlappingPlay(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}

	// Different station never overlaps.
	got, err := db.HasOverlappingPlay("track-1", "station-2", start, start.Add(time.Minute))
	if err != nil {
		t.Fatalf("HasOverlappingPlay failed: %v", err)
	}
	if got {
		t.Error("Expected no overlap for a different station")
	}
}

func TestAccountsAndTransactions(t *testing.T) {
	db := setupTestDB(t)

	account, err := GetOrCreateAccountTx(db.DB, "owner-1")
	if err != nil {
		t.Fatalf("GetOrCreateAccountTx failed: %v", err)
	}
	if !account.Balance.IsZero() {
		t.Errorf("Expected zero opening balance, got %s", account.Balance)
	}
	again, err := GetOrCreateAccountTx(db.DB, "owner-1")
	if err != nil {
		t.Fatalf("Second GetOrCreateAccountTx failed: %v", err)
	}
	if again.ID != account.ID {
		t.Errorf("Expected same account, got %s and %s", account.ID, again.ID)
	}

	fetched, err := db.AccountByOwner("owner-1")
	if err != nil {
		t.Fatalf("AccountByOwner failed: %v", err)
	}
	if fetched.Currency != DefaultCurrency {
		t.Errorf("Expected currency %s, got %s", DefaultCurrency, fetched.Currency)
	}
}
