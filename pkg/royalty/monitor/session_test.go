package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/woedy/zamio-super-sub004/pkg/royalty/fingerprint"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/storage"
)

// fakeCapture returns silence immediately, or an error when failing is set.
type fakeCapture struct {
	calls   atomic.Int64
	failing atomic.Bool
}

func (f *fakeCapture) Capture(ctx context.Context, streamURL string, duration time.Duration) ([]float64, int, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if f.failing.Load() {
		return nil, 0, errors.New("connection refused")
	}
	return make([]float64, 1024), 11025, nil
}

// fakeRecognizer reports one fixed match per chunk.
type fakeRecognizer struct {
	trackID string
}

func (f *fakeRecognizer) RecognizeStream(samples []float64, sampleRate int) ([]fingerprint.StreamMatch, error) {
	if f.trackID == "" {
		return nil, nil
	}
	return []fingerprint.StreamMatch{{
		MatchResult: fingerprint.MatchResult{
			Matched:        true,
			TrackID:        f.trackID,
			HashesMatched:  20,
			TotalLandmarks: 25,
			Confidence:     80,
		},
		WindowStartMs: 2000,
	}}, nil
}

func setupMonitorDB(t *testing.T) *storage.DBClient {
	t.Helper()
	db, err := storage.NewDBClientWithPath(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("Failed to create test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testStation() storage.Station {
	return storage.Station{ID: "station-1", Name: "Radio One", OwnerID: "owner-1", StreamURL: "http://radio.example/stream"}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func TestSessionRecordsMatchEvents(t *testing.T) {
	db := setupMonitorDB(t)
	capture := &fakeCapture{}
	session := NewSession(testStation(), capture, &fakeRecognizer{trackID: "track-1"}, db, nil, SessionConfig{})

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		events, err := db.UnclaimedEventsSince(time.Now().Add(-time.Minute))
		return err == nil && len(events) > 0
	})

	if got := session.State(); got != Running {
		t.Errorf("Expected state running, got %s", got)
	}
	if session.StartedAt().IsZero() {
		t.Error("Expected StartedAt to be set while running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := session.State(); got != Stopped {
		t.Errorf("Expected state stopped, got %s", got)
	}

	events, err := db.UnclaimedEventsSince(time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("UnclaimedEventsSince failed: %v", err)
	}
	ev := events[0]
	if ev.TrackID != "track-1" || ev.StationID != "station-1" {
		t.Errorf("Unexpected event %+v", ev)
	}
	if ev.Source != storage.SourceStream {
		t.Errorf("Expected source %q, got %q", storage.SourceStream, ev.Source)
	}

	recent := session.RecentMatches()
	if len(recent) == 0 {
		t.Fatal("Expected recent matches")
	}
	if recent[0].TrackID != "track-1" {
		t.Errorf("Unexpected recent match %+v", recent[0])
	}
}

func TestSessionDoubleStart(t *testing.T) {
	db := setupMonitorDB(t)
	session := NewSession(testStation(), &fakeCapture{}, &fakeRecognizer{}, db, nil, SessionConfig{})

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Stop(context.Background())

	if err := session.Start(context.Background()); !errors.Is(err, ErrSessionRunning) {
		t.Errorf("Expected ErrSessionRunning, got %v", err)
	}
}

func TestSessionBackoffKeepsRunningThroughErrors(t *testing.T) {
	db := setupMonitorDB(t)
	capture := &fakeCapture{}
	capture.failing.Store(true)
	session := NewSession(testStation(), capture, &fakeRecognizer{trackID: "track-1"}, db, nil, SessionConfig{
		ErrorBackoffMin: 5 * time.Millisecond,
		ErrorBackoffMax: 20 * time.Millisecond,
	})

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return capture.calls.Load() >= 3 })

	if got := session.State(); got != Running {
		t.Errorf("Expected session to survive capture errors, state %s", got)
	}
	events, err := db.UnclaimedEventsSince(time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("UnclaimedEventsSince failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events while capture fails, got %d", len(events))
	}

	// Stream recovers.
	capture.failing.Store(false)
	waitFor(t, 2*time.Second, func() bool {
		events, err := db.UnclaimedEventsSince(time.Now().Add(-time.Minute))
		return err == nil && len(events) > 0
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestSessionRecentMatchesRing(t *testing.T) {
	db := setupMonitorDB(t)
	session := NewSession(testStation(), &fakeCapture{}, &fakeRecognizer{trackID: "track-1"}, db, nil, SessionConfig{
		RecentMatches: 3,
	})

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		events, err := db.UnclaimedEventsSince(time.Now().Add(-time.Minute))
		return err == nil && len(events) >= 5
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	recent := session.RecentMatches()
	if len(recent) != 3 {
		t.Errorf("Expected ring capped at 3, got %d", len(recent))
	}
}

func TestSessionConcurrentStartStop(t *testing.T) {
	db := setupMonitorDB(t)
	s := NewSession(testStation(), &fakeCapture{}, &fakeRecognizer{}, db, nil,
		SessionConfig{CaptureDuration: 10 * time.Millisecond})

	// Start and Stop racing must never observe a half-initialized session,
	// whichever one wins.
	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			if err := s.Stop(context.Background()); err != nil {
				t.Errorf("Stop failed: %v", err)
			}
		}()
		wg.Wait()
		if err := s.Stop(context.Background()); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		if got := s.State(); got != Stopped {
			t.Fatalf("Expected Stopped after Stop, got %s", got)
		}
	}
}
