package monitor

import (
	"context"
	"errors"
	"sync"

	"github.com/woedy/zamio-super-sub004/pkg/logger"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/storage"
)

var (
	ErrSessionRunning  = errors.New("monitoring session already running")
	ErrSessionNotFound = errors.New("no monitoring session for station")
	ErrNoStreamURL     = errors.New("station has no stream URL")
)

// Manager owns at most one live Session per station.
type Manager struct {
	capture    AudioCapture
	recognizer Recognizer
	db         *storage.DBClient
	log        logger.Interface
	cfg        SessionConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(capture AudioCapture, recognizer Recognizer, db *storage.DBClient, log logger.Interface, cfg SessionConfig) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{
		capture:    capture,
		recognizer: recognizer,
		db:         db,
		log:        log,
		cfg:        cfg.withDefaults(),
		sessions:   make(map[string]*Session),
	}
}

// StartStation begins monitoring the station. The returned session stays
// listed until StopStation removes it.
func (m *Manager) StartStation(ctx context.Context, station storage.Station) (*Session, error) {
	if station.StreamURL == "" {
		return nil, ErrNoStreamURL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[station.ID]; ok && existing.State() != Stopped {
		return nil, ErrSessionRunning
	}

	session := NewSession(station, m.capture, m.recognizer, m.db, m.log, m.cfg)
	if err := session.Start(ctx); err != nil {
		return nil, err
	}
	m.sessions[station.ID] = session
	return session, nil
}

// StopStation stops and removes the station's session.
func (m *Manager) StopStation(ctx context.Context, stationID string) error {
	m.mu.Lock()
	session, ok := m.sessions[stationID]
	if ok {
		delete(m.sessions, stationID)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	return session.Stop(ctx)
}

// Session returns the live session for a station, if any.
func (m *Manager) Session(stationID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[stationID]
	return session, ok
}

// Sessions lists all tracked sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// StopAll stops every session; the first error is returned after all
// sessions have been told to stop.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
