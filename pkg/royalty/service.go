package royalty

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/woedy/zamio-super-sub004/pkg/logger"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/aggregate"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/audio"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/fingerprint"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/ledger"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/monitor"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/storage"
)

// Service wires the matching, monitoring, aggregation and settlement
// layers behind one API. The fingerprint index is rebuilt after catalog
// changes and swapped atomically, so live sessions never match against a
// half-built index.
type Service struct {
	db      *storage.DBClient
	ledger  *ledger.Ledger
	agg     *aggregate.Aggregator
	retry   *ledger.RetryCoordinator
	monitor *monitor.Manager
	log     logger.Interface
	config  *Config

	index atomic.Pointer[fingerprint.Index]
}

func NewService(opts ...Option) (*Service, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}

	db, err := storage.NewDBClientWithPath(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	if cfg.Notifier == nil {
		cfg.Notifier = ledger.LogNotifier{Log: cfg.Logger}
	}
	if cfg.Capture == nil {
		cfg.Capture = &monitor.FFmpegCapture{SampleRate: cfg.SampleRate, WorkDir: cfg.TempDir}
	}

	led := ledger.New(db, cfg.Logger)
	s := &Service{
		db:     db,
		ledger: led,
		agg:    aggregate.New(db, led, cfg.Logger, cfg.Aggregator),
		retry:  ledger.NewRetryCoordinator(db, led, cfg.Notifier, cfg.Logger, cfg.Retry),
		log:    cfg.Logger,
		config: cfg,
	}
	s.monitor = monitor.NewManager(cfg.Capture, s, db, cfg.Logger, cfg.Session)

	if err := s.RebuildIndex(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to build fingerprint index: %w", err)
	}
	return s, nil
}

// prepareSamples loads an audio file as mono PCM at the service sample
// rate. WAV files are decoded directly; anything else goes through ffmpeg.
func (s *Service) prepareSamples(ctx context.Context, audioPath string) ([]float64, int, error) {
	path := audioPath
	if strings.ToLower(filepath.Ext(audioPath)) != ".wav" {
		converted, err := audio.ConvertToMonoWAV(ctx, audioPath, s.config.TempDir, audio.ConvertWAVConfig{
			SampleRate: s.config.SampleRate,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("audio conversion failed: %w", err)
		}
		path = converted
	}
	return audio.ReadWAVFile(path)
}

// AddTrack fingerprints an audio file and registers it in the catalog.
// Registering the same (title, artist) again returns the existing track.
func (s *Service) AddTrack(ctx context.Context, audioPath, title, artist, ownerID string) (*TrackInfo, error) {
	s.log.Infof("Processing track: %s by %s", title, artist)

	samples, sampleRate, err := s.prepareSamples(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}

	landmarks, err := fingerprint.ExtractLandmarks(samples, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("fingerprinting failed: %w", err)
	}
	if len(landmarks) == 0 {
		return nil, fmt.Errorf("no landmarks extracted from %s", audioPath)
	}
	s.log.Infof("Extracted %d landmarks", len(landmarks))

	durationMs := int(audio.Duration(samples, sampleRate) * 1000)
	trackID, err := s.db.RegisterTrack(title, artist, ownerID, durationMs)
	if err != nil {
		return nil, fmt.Errorf("failed to register track: %w", err)
	}

	count, err := s.db.FingerprintCount(trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to check fingerprints: %w", err)
	}
	if count == 0 {
		if err := s.db.StoreFingerprints(trackID, landmarks); err != nil {
			s.db.DeleteTrack(trackID) // Rollback
			return nil, fmt.Errorf("failed to store fingerprints: %w", err)
		}
		if err := s.RebuildIndex(); err != nil {
			return nil, err
		}
	}

	s.log.Infof("Track registered: %s", trackID)
	return &TrackInfo{ID: trackID, Title: title, Artist: artist, OwnerID: ownerID, DurationMs: durationMs}, nil
}

// RebuildIndex reloads the fingerprint corpus from storage and swaps it in.
func (s *Service) RebuildIndex() error {
	entries, err := s.db.CorpusEntries()
	if err != nil {
		return fmt.Errorf("failed to load corpus: %w", err)
	}
	ix := fingerprint.BuildIndex(entries)
	s.index.Store(ix)
	s.log.Debugf("Index rebuilt: %d hashes across %d tracks", ix.Size(), ix.TrackCount())
	return nil
}

// RecognizeStream matches captured stream audio against the loaded index.
// It is called from monitoring sessions.
func (s *Service) RecognizeStream(samples []float64, sampleRate int) ([]fingerprint.StreamMatch, error) {
	landmarks, err := fingerprint.ExtractLandmarks(samples, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("fingerprinting failed: %w", err)
	}
	return fingerprint.MatchStream(landmarks, s.index.Load(), s.config.Matcher), nil
}

// SubmitClip identifies an uploaded clip. When stationID is set and the
// clip matches, a RawMatchEvent is filed so the clip feeds aggregation the
// same way stream matches do.
func (s *Service) SubmitClip(ctx context.Context, audioPath, stationID string) (*ClipMatch, error) {
	samples, sampleRate, err := s.prepareSamples(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}

	landmarks, err := fingerprint.ExtractLandmarks(samples, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("fingerprinting failed: %w", err)
	}

	result := fingerprint.MatchClip(landmarks, s.index.Load(), s.config.Matcher)
	if !result.Matched {
		return &ClipMatch{Reason: result.Reason}, nil
	}

	track, err := s.db.GetTrack(result.TrackID)
	if err != nil {
		return nil, fmt.Errorf("matched unknown track %s: %w", result.TrackID, err)
	}

	if stationID != "" {
		if _, err := s.db.GetStation(stationID); err != nil {
			return nil, fmt.Errorf("unknown station %s: %w", stationID, err)
		}
		err := s.db.CreateRawMatchEvent(&storage.RawMatchEvent{
			TrackID:    result.TrackID,
			StationID:  stationID,
			MatchedAt:  time.Now(),
			Confidence: result.Confidence,
			Source:     storage.SourceClipUpload,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record match event: %w", err)
		}
	}

	return &ClipMatch{
		Matched:    true,
		TrackID:    result.TrackID,
		Title:      track.Title,
		Artist:     track.Artist,
		OffsetMs:   result.OffsetMs,
		Confidence: result.Confidence,
	}, nil
}

// ------------------------ Catalog ------------------------

func (s *Service) GetTrack(trackID string) (*TrackInfo, error) {
	track, err := s.db.GetTrack(trackID)
	if err != nil {
		return nil, err
	}
	return &TrackInfo{ID: track.ID, Title: track.Title, Artist: track.Artist, OwnerID: track.OwnerID, DurationMs: track.DurationMs}, nil
}

func (s *Service) ListTracks() ([]TrackInfo, error) {
	tracks, err := s.db.ListTracks()
	if err != nil {
		return nil, err
	}
	out := make([]TrackInfo, len(tracks))
	for i, t := range tracks {
		out[i] = TrackInfo{ID: t.ID, Title: t.Title, Artist: t.Artist, OwnerID: t.OwnerID, DurationMs: t.DurationMs}
	}
	return out, nil
}

// DeleteTrack removes a track, its fingerprints, and reloads the index.
func (s *Service) DeleteTrack(trackID string) error {
	if err := s.db.DeleteTrack(trackID); err != nil {
		return err
	}
	return s.RebuildIndex()
}

func (s *Service) RegisterStation(name, ownerID, streamURL string) (*StationInfo, error) {
	stationID, err := s.db.RegisterStation(name, ownerID, streamURL)
	if err != nil {
		return nil, err
	}
	station, err := s.db.GetStation(stationID)
	if err != nil {
		return nil, err
	}
	return &StationInfo{ID: station.ID, Name: station.Name, OwnerID: station.OwnerID, StreamURL: station.StreamURL}, nil
}

func (s *Service) ListStations() ([]StationInfo, error) {
	stations, err := s.db.ListStations()
	if err != nil {
		return nil, err
	}
	out := make([]StationInfo, len(stations))
	for i, st := range stations {
		out[i] = StationInfo{ID: st.ID, Name: st.Name, OwnerID: st.OwnerID, StreamURL: st.StreamURL}
	}
	return out, nil
}

// ------------------------ Monitoring ------------------------

// StartMonitoring begins a live session for the station's stream.
func (s *Service) StartMonitoring(ctx context.Context, stationID string) (*SessionInfo, error) {
	station, err := s.db.GetStation(stationID)
	if err != nil {
		return nil, fmt.Errorf("unknown station %s: %w", stationID, err)
	}
	session, err := s.monitor.StartStation(ctx, *station)
	if err != nil {
		return nil, err
	}
	return sessionInfo(session), nil
}

func (s *Service) StopMonitoring(ctx context.Context, stationID string) error {
	return s.monitor.StopStation(ctx, stationID)
}

func (s *Service) Sessions() []SessionInfo {
	sessions := s.monitor.Sessions()
	out := make([]SessionInfo, len(sessions))
	for i, session := range sessions {
		out[i] = *sessionInfo(session)
	}
	return out
}

// RecentMatches lists the newest identifications of a live session.
func (s *Service) RecentMatches(stationID string) ([]MatchInfo, error) {
	session, ok := s.monitor.Session(stationID)
	if !ok {
		return nil, monitor.ErrSessionNotFound
	}
	matches := session.RecentMatches()
	out := make([]MatchInfo, len(matches))
	for i, m := range matches {
		out[i] = MatchInfo{TrackID: m.TrackID, StationID: m.StationID, MatchedAt: m.MatchedAt, Confidence: m.Confidence}
	}
	return out, nil
}

func sessionInfo(session *monitor.Session) *SessionInfo {
	station := session.Station()
	return &SessionInfo{
		StationID:   station.ID,
		StationName: station.Name,
		State:       session.State().String(),
		StartedAt:   session.StartedAt(),
	}
}

// ------------------------ Settlement ------------------------

// RunAggregation executes one aggregation pass over recent match events.
func (s *Service) RunAggregation(ctx context.Context, lookback time.Duration) (aggregate.Stats, error) {
	return s.agg.Run(ctx, lookback)
}

// RunRetries replays pending failed settlements.
func (s *Service) RunRetries(ctx context.Context) (ledger.RetryStats, error) {
	return s.retry.Run(ctx)
}

func (s *Service) Deposit(ownerID string, amount decimal.Decimal, memo string) error {
	return s.ledger.Deposit(ownerID, amount, memo)
}

func (s *Service) Balance(ownerID string) (decimal.Decimal, error) {
	return s.ledger.Balance(ownerID)
}

func (s *Service) History(ownerID string, limit int) ([]TransactionInfo, error) {
	txs, err := s.db.TransactionsByOwner(ownerID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]TransactionInfo, len(txs))
	for i, tx := range txs {
		out[i] = TransactionInfo{ID: tx.ID, Kind: tx.Kind, Amount: tx.Amount, Description: tx.Description, CreatedAt: tx.CreatedAt}
	}
	return out, nil
}

func (s *Service) SetRoyaltyRate(stationID string, rate decimal.Decimal) error {
	if rate.Sign() <= 0 {
		return fmt.Errorf("rate must be positive, got %s", rate)
	}
	return s.db.SetRoyaltyRate(stationID, rate)
}

func (s *Service) ListPlays(limit int) ([]PlaySummary, error) {
	plays, err := s.db.ListPlays(limit)
	if err != nil {
		return nil, err
	}
	out := make([]PlaySummary, len(plays))
	for i, p := range plays {
		out[i] = PlaySummary{
			ID:            p.ID,
			TrackID:       p.TrackID,
			StationID:     p.StationID,
			StartTime:     p.StartTime,
			StopTime:      p.StopTime,
			DurationSec:   p.DurationSec,
			RoyaltyAmount: p.RoyaltyAmount,
			Confidence:    p.Confidence,
			Source:        p.Source,
		}
	}
	return out, nil
}

// Close stops all monitoring sessions and releases the database.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.monitor.StopAll(ctx); err != nil {
		s.log.Warnf("Failed to stop all sessions cleanly: %v", err)
	}
	return s.db.Close()
}
