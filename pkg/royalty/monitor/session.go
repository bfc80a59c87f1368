package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/woedy/zamio-super-sub004/pkg/logger"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/fingerprint"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/storage"
)

// Recognizer turns captured PCM into stream matches against the loaded
// fingerprint corpus.
type Recognizer interface {
	RecognizeStream(samples []float64, sampleRate int) ([]fingerprint.StreamMatch, error)
}

// State is a session's lifecycle phase.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Match is one identification reported by a session.
type Match struct {
	TrackID    string
	StationID  string
	MatchedAt  time.Time
	Confidence float64
}

// SessionConfig tunes a monitoring session's capture loop.
type SessionConfig struct {
	CaptureDuration time.Duration // length of each recorded chunk
	ErrorBackoffMin time.Duration // first retry delay after a capture error
	ErrorBackoffMax time.Duration // retry delay ceiling
	RecentMatches   int           // ring size for RecentMatches
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		CaptureDuration: 12 * time.Second,
		ErrorBackoffMin: time.Second,
		ErrorBackoffMax: 30 * time.Second,
		RecentMatches:   50,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.CaptureDuration <= 0 {
		c.CaptureDuration = d.CaptureDuration
	}
	if c.ErrorBackoffMin <= 0 {
		c.ErrorBackoffMin = d.ErrorBackoffMin
	}
	if c.ErrorBackoffMax < c.ErrorBackoffMin {
		c.ErrorBackoffMax = d.ErrorBackoffMax
	}
	if c.RecentMatches <= 0 {
		c.RecentMatches = d.RecentMatches
	}
	return c
}

// Session continuously records one station's stream, recognizes each chunk
// and files a RawMatchEvent per identification. A session moves
// Stopped -> Starting -> Running -> Stopping -> Stopped; Stop is safe to
// call from any state.
type Session struct {
	station    storage.Station
	capture    AudioCapture
	recognizer Recognizer
	db         *storage.DBClient
	log        logger.Interface
	cfg        SessionConfig

	state     atomic.Int32
	startedAt atomic.Int64 // unix seconds, 0 while stopped

	mu     sync.Mutex // guards cancel, done and the recent ring
	cancel context.CancelFunc
	done   chan struct{}
	recent []Match
}

func NewSession(station storage.Station, capture AudioCapture, recognizer Recognizer, db *storage.DBClient, log logger.Interface, cfg SessionConfig) *Session {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Session{
		station:    station,
		capture:    capture,
		recognizer: recognizer,
		db:         db,
		log:        log,
		cfg:        cfg.withDefaults(),
	}
}

func (s *Session) Station() storage.Station { return s.station }

func (s *Session) State() State { return State(s.state.Load()) }

// StartedAt reports when the session entered Running, zero while stopped.
func (s *Session) StartedAt() time.Time {
	sec := s.startedAt.Load()
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Start launches the capture loop. Starting an already-started session is
// an error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return ErrSessionRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.startedAt.Store(time.Now().Unix())

	go s.run(runCtx, done)
	return nil
}

// Stop signals the capture loop and waits for it to exit, bounded by ctx.
// The mutex pairs Stop with Start: once Stop sees a non-Stopped state the
// cancel func and done channel are already published.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if State(s.state.Load()) == Stopped {
		s.mu.Unlock()
		return nil
	}
	s.state.Store(int32(Stopping))
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecentMatches returns the newest matches first, up to the ring size.
func (s *Session) RecentMatches() []Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Match, len(s.recent))
	for i, m := range s.recent {
		out[len(s.recent)-1-i] = m
	}
	return out
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.state.Store(int32(Stopped))
		s.startedAt.Store(0)
		close(done)
	}()

	s.state.Store(int32(Running))
	s.log.Infof("Monitoring started for station %s (%s)", s.station.Name, s.station.StreamURL)

	backoff := s.cfg.ErrorBackoffMin
	for {
		if ctx.Err() != nil {
			s.log.Infof("Monitoring stopped for station %s", s.station.Name)
			return
		}

		captureStart := time.Now()
		samples, sampleRate, err := s.capture.Capture(ctx, s.station.StreamURL, s.cfg.CaptureDuration)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Infof("Monitoring stopped for station %s", s.station.Name)
				return
			}
			s.log.Warnf("Capture failed for station %s, retrying in %s: %v", s.station.Name, backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > s.cfg.ErrorBackoffMax {
				backoff = s.cfg.ErrorBackoffMax
			}
			continue
		}
		backoff = s.cfg.ErrorBackoffMin

		matches, err := s.recognizer.RecognizeStream(samples, sampleRate)
		if err != nil {
			s.log.Warnf("Recognition failed for station %s: %v", s.station.Name, err)
			continue
		}
		for _, m := range matches {
			s.reportMatch(captureStart, m)
		}
	}
}

func (s *Session) reportMatch(captureStart time.Time, m fingerprint.StreamMatch) {
	matchedAt := captureStart.Add(time.Duration(m.WindowStartMs) * time.Millisecond)

	err := s.db.CreateRawMatchEvent(&storage.RawMatchEvent{
		TrackID:    m.TrackID,
		StationID:  s.station.ID,
		MatchedAt:  matchedAt,
		Confidence: m.Confidence,
		Source:     storage.SourceStream,
	})
	if err != nil {
		s.log.Errorf("Failed to record match event for station %s: %v", s.station.Name, err)
		return
	}
	s.log.Debugf("Station %s matched track %s (confidence %.1f)", s.station.Name, m.TrackID, m.Confidence)

	s.mu.Lock()
	s.recent = append(s.recent, Match{
		TrackID:    m.TrackID,
		StationID:  s.station.ID,
		MatchedAt:  matchedAt,
		Confidence: m.Confidence,
	})
	if len(s.recent) > s.cfg.RecentMatches {
		s.recent = s.recent[len(s.recent)-s.cfg.RecentMatches:]
	}
	s.mu.Unlock()
}
