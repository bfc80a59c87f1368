package royalty

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/woedy/zamio-super-sub004/pkg/royalty/audio"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/monitor"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/storage"
)

func setupTestService(t *testing.T) (*Service, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test_royalty.sqlite3")
	service, err := NewService(
		WithDBPath(dbPath),
		WithTempDir(t.TempDir()),
	)
	if err != nil {
		t.Fatalf("Failed to create test service: %v", err)
	}
	t.Cleanup(func() { service.Close() })
	return service, dbPath
}

// writeToneWAV writes a mono 16-bit WAV mixing the given frequencies.
func writeToneWAV(t *testing.T, path string, sampleRate int, seconds float64, freqs ...float64) {
	t.Helper()

	n := int(float64(sampleRate) * seconds)
	data := make([]int, n)
	for i := 0; i < n; i++ {
		ts := float64(i) / float64(sampleRate)
		var v float64
		for _, f := range freqs {
			v += math.Sin(2 * math.Pi * f * ts)
		}
		data[i] = int(0.4 * 32767 * v / float64(len(freqs)))
	}
	writeWAV(t, path, sampleRate, data)
}

// writeNoiseWAV writes deterministic pseudo-noise, which should match
// nothing in the catalog.
func writeNoiseWAV(t *testing.T, path string, sampleRate int, seconds float64) {
	t.Helper()

	rng := rand.New(rand.NewSource(42))
	n := int(float64(sampleRate) * seconds)
	data := make([]int, n)
	for i := 0; i < n; i++ {
		data[i] = int(0.4 * 32767 * (2*rng.Float64() - 1))
	}
	writeWAV(t, path, sampleRate, data)
}

func writeWAV(t *testing.T, path string, sampleRate int, data []int) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating test WAV: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("writing test WAV: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("closing test WAV: %v", err)
	}
}

func TestAddTrackAndMatchClip(t *testing.T) {
	service, _ := setupTestService(t)
	dir := t.TempDir()

	trackPath := filepath.Join(dir, "track.wav")
	writeToneWAV(t, trackPath, audio.DefaultSampleRate, 3.0, 440, 880)

	track, err := service.AddTrack(context.Background(), trackPath, "Tone Study", "Test Artist", "artist-1")
	if err != nil {
		t.Fatalf("AddTrack failed: %v", err)
	}
	if track.ID == "" {
		t.Fatal("Expected a track ID")
	}
	if track.DurationMs < 2900 || track.DurationMs > 3100 {
		t.Errorf("Expected ~3000ms duration, got %d", track.DurationMs)
	}

	clipPath := filepath.Join(dir, "clip.wav")
	writeToneWAV(t, clipPath, audio.DefaultSampleRate, 1.5, 440, 880)

	match, err := service.SubmitClip(context.Background(), clipPath, "")
	if err != nil {
		t.Fatalf("SubmitClip failed: %v", err)
	}
	if !match.Matched {
		t.Fatalf("Expected clip to match, reason: %s", match.Reason)
	}
	if match.TrackID != track.ID {
		t.Errorf("Expected match against %s, got %s", track.ID, match.TrackID)
	}
	if match.Title != "Tone Study" || match.Artist != "Test Artist" {
		t.Errorf("Unexpected metadata: %s by %s", match.Title, match.Artist)
	}
	if match.Confidence <= 0 {
		t.Errorf("Expected positive confidence, got %.2f", match.Confidence)
	}
}

func TestAddTrackIsIdempotent(t *testing.T) {
	service, _ := setupTestService(t)
	dir := t.TempDir()

	trackPath := filepath.Join(dir, "track.wav")
	writeToneWAV(t, trackPath, audio.DefaultSampleRate, 2.0, 440, 880)

	first, err := service.AddTrack(context.Background(), trackPath, "Tone Study", "Test Artist", "artist-1")
	if err != nil {
		t.Fatalf("AddTrack failed: %v", err)
	}
	second, err := service.AddTrack(context.Background(), trackPath, "Tone Study", "Test Artist", "artist-1")
	if err != nil {
		t.Fatalf("Second AddTrack failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Expected same track ID, got %s and %s", first.ID, second.ID)
	}

	tracks, err := service.ListTracks()
	if err != nil {
		t.Fatalf("ListTracks failed: %v", err)
	}
	if len(tracks) != 1 {
		t.Errorf("Expected 1 track, got %d", len(tracks))
	}
}

func TestSubmitClipRejectsUnknownAudio(t *testing.T) {
	service, _ := setupTestService(t)
	dir := t.TempDir()

	trackPath := filepath.Join(dir, "track.wav")
	writeToneWAV(t, trackPath, audio.DefaultSampleRate, 2.0, 440, 880)
	if _, err := service.AddTrack(context.Background(), trackPath, "Tone Study", "Test Artist", "artist-1"); err != nil {
		t.Fatalf("AddTrack failed: %v", err)
	}

	noisePath := filepath.Join(dir, "noise.wav")
	writeNoiseWAV(t, noisePath, audio.DefaultSampleRate, 1.5)

	match, err := service.SubmitClip(context.Background(), noisePath, "")
	if err != nil {
		t.Fatalf("SubmitClip failed: %v", err)
	}
	if match.Matched {
		t.Error("Expected noise clip not to match")
	}
	if match.Reason == "" {
		t.Error("Expected a rejection reason")
	}
}

func TestSubmitClipFilesMatchEvent(t *testing.T) {
	service, dbPath := setupTestService(t)
	dir := t.TempDir()

	trackPath := filepath.Join(dir, "track.wav")
	writeToneWAV(t, trackPath, audio.DefaultSampleRate, 3.0, 440, 880)
	track, err := service.AddTrack(context.Background(), trackPath, "Tone Study", "Test Artist", "artist-1")
	if err != nil {
		t.Fatalf("AddTrack failed: %v", err)
	}

	station, err := service.RegisterStation("Radio One", "station-owner-1", "")
	if err != nil {
		t.Fatalf("RegisterStation failed: %v", err)
	}

	clipPath := filepath.Join(dir, "clip.wav")
	writeToneWAV(t, clipPath, audio.DefaultSampleRate, 1.5, 440, 880)
	match, err := service.SubmitClip(context.Background(), clipPath, station.ID)
	if err != nil {
		t.Fatalf("SubmitClip failed: %v", err)
	}
	if !match.Matched {
		t.Fatalf("Expected clip to match, reason: %s", match.Reason)
	}

	// The clip identification is queued for aggregation like any stream match.
	db, err := storage.NewDBClientWithPath(dbPath)
	if err != nil {
		t.Fatalf("Opening test DB failed: %v", err)
	}
	defer db.Close()
	events, err := db.UnclaimedEventsSince(time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("UnclaimedEventsSince failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 match event, got %d", len(events))
	}
	if events[0].TrackID != track.ID || events[0].StationID != station.ID {
		t.Errorf("Unexpected event %+v", events[0])
	}
	if events[0].Source != storage.SourceClipUpload {
		t.Errorf("Expected source %q, got %q", storage.SourceClipUpload, events[0].Source)
	}
}

func TestSubmitClipRejectsUnknownStation(t *testing.T) {
	service, _ := setupTestService(t)
	dir := t.TempDir()

	trackPath := filepath.Join(dir, "track.wav")
	writeToneWAV(t, trackPath, audio.DefaultSampleRate, 3.0, 440, 880)
	if _, err := service.AddTrack(context.Background(), trackPath, "Tone Study", "Test Artist", "artist-1"); err != nil {
		t.Fatalf("AddTrack failed: %v", err)
	}

	clipPath := filepath.Join(dir, "clip.wav")
	writeToneWAV(t, clipPath, audio.DefaultSampleRate, 1.5, 440, 880)
	if _, err := service.SubmitClip(context.Background(), clipPath, "no-such-station"); err == nil {
		t.Error("Expected error for unknown station")
	}
}

func TestDeleteTrackStopsMatching(t *testing.T) {
	service, _ := setupTestService(t)
	dir := t.TempDir()

	trackPath := filepath.Join(dir, "track.wav")
	writeToneWAV(t, trackPath, audio.DefaultSampleRate, 2.0, 440, 880)
	track, err := service.AddTrack(context.Background(), trackPath, "Tone Study", "Test Artist", "artist-1")
	if err != nil {
		t.Fatalf("AddTrack failed: %v", err)
	}

	if err := service.DeleteTrack(track.ID); err != nil {
		t.Fatalf("DeleteTrack failed: %v", err)
	}

	clipPath := filepath.Join(dir, "clip.wav")
	writeToneWAV(t, clipPath, audio.DefaultSampleRate, 1.5, 440, 880)
	match, err := service.SubmitClip(context.Background(), clipPath, "")
	if err != nil {
		t.Fatalf("SubmitClip failed: %v", err)
	}
	if match.Matched {
		t.Error("Expected no match after deletion")
	}
}

func TestMonitoringLifecycleThroughService(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test_royalty.sqlite3")
	service, err := NewService(
		WithDBPath(dbPath),
		WithTempDir(t.TempDir()),
		WithCapture(silenceCapture{}),
	)
	if err != nil {
		t.Fatalf("Failed to create test service: %v", err)
	}
	t.Cleanup(func() { service.Close() })

	station, err := service.RegisterStation("Radio One", "station-owner-1", "http://radio.example/stream")
	if err != nil {
		t.Fatalf("RegisterStation failed: %v", err)
	}

	info, err := service.StartMonitoring(context.Background(), station.ID)
	if err != nil {
		t.Fatalf("StartMonitoring failed: %v", err)
	}
	if info.StationName != "Radio One" {
		t.Errorf("Unexpected session info %+v", info)
	}
	if len(service.Sessions()) != 1 {
		t.Errorf("Expected 1 session, got %d", len(service.Sessions()))
	}

	if _, err := service.StartMonitoring(context.Background(), station.ID); err == nil {
		t.Error("Expected error for double start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := service.StopMonitoring(ctx, station.ID); err != nil {
		t.Fatalf("StopMonitoring failed: %v", err)
	}
	if len(service.Sessions()) != 0 {
		t.Errorf("Expected no sessions after stop, got %d", len(service.Sessions()))
	}
	if _, err := service.RecentMatches(station.ID); err == nil {
		t.Error("Expected error for stopped session")
	}
}

// silenceCapture feeds silence so sessions run without a real stream.
type silenceCapture struct{}

func (silenceCapture) Capture(ctx context.Context, streamURL string, duration time.Duration) ([]float64, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return make([]float64, audio.DefaultSampleRate), audio.DefaultSampleRate, nil
}

var _ monitor.AudioCapture = silenceCapture{}
