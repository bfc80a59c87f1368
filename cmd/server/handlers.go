package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/woedy/zamio-super-sub004/pkg/logger"
	"github.com/woedy/zamio-super-sub004/pkg/royalty"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/monitor"
)

// Server encapsulates the HTTP server and its dependencies
type Server struct {
	service *royalty.Service
	config  *ServerConfig
	log     logger.Interface
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	DBPath         string
	TempDir        string
	SampleRate     int
	AllowedOrigins []string
}

// NewServer creates a new server instance
func NewServer(service *royalty.Service, config *ServerConfig) *Server {
	return &Server{
		service: service,
		config:  config,
		log:     logger.GetLogger(),
	}
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// handleRoot handles GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Royalty API",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"health":       "GET /health",
			"metrics":      "GET /api/health/metrics",
			"tracks":       "GET /api/tracks",
			"addTrack":     "POST /api/tracks",
			"stations":     "GET /api/stations",
			"addStation":   "POST /api/stations",
			"monitor":      "POST /api/stations/{id}/monitor",
			"matchClip":    "POST /api/match",
			"sessions":     "GET /api/sessions",
			"plays":        "GET /api/plays",
			"aggregate":    "POST /api/aggregate",
			"retries":      "POST /api/retries",
			"rates":        "PUT /api/rates",
			"deposit":      "POST /api/accounts/{owner}/deposit",
			"balance":      "GET /api/accounts/{owner}/balance",
			"transactions": "GET /api/accounts/{owner}/transactions",
		},
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleMetrics handles GET /api/health/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.service.ListTracks()
	if err != nil {
		s.log.Errorf("Failed to get track count: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve metrics")
		return
	}
	stations, err := s.service.ListStations()
	if err != nil {
		s.log.Errorf("Failed to get station count: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve metrics")
		return
	}

	s.respondJSON(w, http.StatusOK, MetricsResponse{
		Status:       "healthy",
		DatabasePath: s.config.DBPath,
		TrackCount:   len(tracks),
		StationCount: len(stations),
		SessionCount: len(s.service.Sessions()),
		SampleRate:   s.config.SampleRate,
	})
}

// handleTracks handles GET and POST /api/tracks
func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListTracks(w, r)
	case http.MethodPost:
		s.handleAddTrack(w, r)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleListTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.service.ListTracks()
	if err != nil {
		s.log.Errorf("Failed to list tracks: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve tracks")
		return
	}

	dtos := make([]TrackDTO, len(tracks))
	for i, track := range tracks {
		dtos[i] = TrackDTO{
			ID:         track.ID,
			Title:      track.Title,
			Artist:     track.Artist,
			OwnerID:    track.OwnerID,
			DurationMs: track.DurationMs,
		}
	}
	s.respondJSON(w, http.StatusOK, ListTracksResponse{Tracks: dtos, Count: len(dtos)})
}

// handleAddTrack handles POST /api/tracks (multipart file upload)
func (s *Server) handleAddTrack(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	// Parse multipart form (max 100MB)
	if err := r.ParseMultipartForm(100 << 20); err != nil {
		s.log.Errorf("Failed to parse form: %v", err)
		s.respondError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}

	title := r.FormValue("title")
	artist := r.FormValue("artist")
	ownerID := r.FormValue("owner_id")
	if title == "" || artist == "" || ownerID == "" {
		s.respondError(w, http.StatusBadRequest, "title, artist and owner_id are required")
		return
	}

	tempFile, cleanup, err := s.saveUpload(r, "audio")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer cleanup()

	track, err := s.service.AddTrack(ctx, tempFile, title, artist, ownerID)
	if err != nil {
		s.log.Errorf("Failed to add track: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to process track")
		return
	}

	s.respondJSON(w, http.StatusCreated, AddTrackResponse{
		Message: "Track registered successfully",
		ID:      track.ID,
		Title:   track.Title,
		Artist:  track.Artist,
	})
}

// handleTrack handles GET and DELETE /api/tracks/{id}
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	trackID := strings.TrimPrefix(r.URL.Path, "/api/tracks/")
	if trackID == "" || strings.Contains(trackID, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		track, err := s.service.GetTrack(trackID)
		if err != nil {
			s.respondError(w, http.StatusNotFound, fmt.Sprintf("Track %s not found", trackID))
			return
		}
		s.respondJSON(w, http.StatusOK, TrackDTO{
			ID:         track.ID,
			Title:      track.Title,
			Artist:     track.Artist,
			OwnerID:    track.OwnerID,
			DurationMs: track.DurationMs,
		})
	case http.MethodDelete:
		if _, err := s.service.GetTrack(trackID); err != nil {
			s.respondError(w, http.StatusNotFound, fmt.Sprintf("Track %s not found", trackID))
			return
		}
		if err := s.service.DeleteTrack(trackID); err != nil {
			s.log.Errorf("Failed to delete track %s: %v", trackID, err)
			s.respondError(w, http.StatusInternalServerError, "Failed to delete track")
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Track deleted successfully", "id": trackID})
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleStations handles GET and POST /api/stations
func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		stations, err := s.service.ListStations()
		if err != nil {
			s.log.Errorf("Failed to list stations: %v", err)
			s.respondError(w, http.StatusInternalServerError, "Failed to retrieve stations")
			return
		}
		dtos := make([]StationDTO, len(stations))
		for i, st := range stations {
			dtos[i] = StationDTO{ID: st.ID, Name: st.Name, OwnerID: st.OwnerID, StreamURL: st.StreamURL}
		}
		s.respondJSON(w, http.StatusOK, ListStationsResponse{Stations: dtos, Count: len(dtos)})
	case http.MethodPost:
		var req RegisterStationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
		if err := req.Validate(); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		station, err := s.service.RegisterStation(req.Name, req.OwnerID, req.StreamURL)
		if err != nil {
			s.log.Errorf("Failed to register station: %v", err)
			s.respondError(w, http.StatusInternalServerError, "Failed to register station")
			return
		}
		s.respondJSON(w, http.StatusCreated, StationDTO{
			ID:        station.ID,
			Name:      station.Name,
			OwnerID:   station.OwnerID,
			StreamURL: station.StreamURL,
		})
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleStation routes /api/stations/{id}/monitor and /api/stations/{id}/matches
func (s *Server) handleStation(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/stations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	stationID, action := parts[0], parts[1]

	switch action {
	case "monitor":
		s.handleMonitor(w, r, stationID)
	case "matches":
		s.handleSessionMatches(w, r, stationID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request, stationID string) {
	switch r.Method {
	case http.MethodPost:
		info, err := s.service.StartMonitoring(context.Background(), stationID)
		switch {
		case errors.Is(err, monitor.ErrSessionRunning):
			s.respondError(w, http.StatusConflict, "Station is already being monitored")
		case errors.Is(err, monitor.ErrNoStreamURL):
			s.respondError(w, http.StatusBadRequest, "Station has no stream URL")
		case err != nil:
			s.respondError(w, http.StatusNotFound, err.Error())
		default:
			s.respondJSON(w, http.StatusCreated, sessionDTO(*info))
		}
	case http.MethodDelete:
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := s.service.StopMonitoring(ctx, stationID); err != nil {
			if errors.Is(err, monitor.ErrSessionNotFound) {
				s.respondError(w, http.StatusNotFound, "No monitoring session for station")
				return
			}
			s.log.Errorf("Failed to stop monitoring %s: %v", stationID, err)
			s.respondError(w, http.StatusInternalServerError, "Failed to stop monitoring")
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Monitoring stopped", "station_id": stationID})
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleSessionMatches(w http.ResponseWriter, r *http.Request, stationID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	matches, err := s.service.RecentMatches(stationID)
	if err != nil {
		s.respondError(w, http.StatusNotFound, "No monitoring session for station")
		return
	}
	dtos := make([]MatchDTO, len(matches))
	for i, m := range matches {
		dtos[i] = MatchDTO{
			TrackID:    m.TrackID,
			StationID:  m.StationID,
			MatchedAt:  m.MatchedAt.Format(time.RFC3339),
			Confidence: m.Confidence,
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"matches": dtos, "count": len(dtos)})
}

// handleSessions handles GET /api/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	sessions := s.service.Sessions()
	dtos := make([]SessionDTO, len(sessions))
	for i, session := range sessions {
		dtos[i] = sessionDTO(session)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": dtos, "count": len(dtos)})
}

func sessionDTO(info royalty.SessionInfo) SessionDTO {
	dto := SessionDTO{
		StationID:   info.StationID,
		StationName: info.StationName,
		State:       info.State,
	}
	if !info.StartedAt.IsZero() {
		dto.StartedAt = info.StartedAt.Format(time.RFC3339)
	}
	return dto
}

// handleMatch handles POST /api/match (multipart clip upload)
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	if err := r.ParseMultipartForm(100 << 20); err != nil {
		s.respondError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}
	stationID := r.FormValue("station_id")

	tempFile, cleanup, err := s.saveUpload(r, "audio")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer cleanup()

	match, err := s.service.SubmitClip(ctx, tempFile, stationID)
	if err != nil {
		s.log.Errorf("Failed to match clip: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to process clip")
		return
	}

	s.respondJSON(w, http.StatusOK, ClipMatchResponse{
		Matched:    match.Matched,
		TrackID:    match.TrackID,
		Title:      match.Title,
		Artist:     match.Artist,
		OffsetMs:   match.OffsetMs,
		Confidence: match.Confidence,
		Reason:     match.Reason,
	})
}

// handlePlays handles GET /api/plays
func (s *Server) handlePlays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	plays, err := s.service.ListPlays(limit)
	if err != nil {
		s.log.Errorf("Failed to list plays: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve plays")
		return
	}
	dtos := make([]PlayDTO, len(plays))
	for i, p := range plays {
		dtos[i] = PlayDTO{
			ID:            p.ID,
			TrackID:       p.TrackID,
			StationID:     p.StationID,
			StartTime:     p.StartTime.Format(time.RFC3339),
			StopTime:      p.StopTime.Format(time.RFC3339),
			DurationSec:   p.DurationSec,
			RoyaltyAmount: p.RoyaltyAmount.String(),
			Confidence:    p.Confidence,
			Source:        p.Source,
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"plays": dtos, "count": len(dtos)})
}

// handleAggregate handles POST /api/aggregate
func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	lookback := time.Duration(0)
	if v := r.URL.Query().Get("lookback_minutes"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			s.respondError(w, http.StatusBadRequest, "Invalid lookback_minutes")
			return
		}
		lookback = time.Duration(minutes) * time.Minute
	}

	stats, err := s.service.RunAggregation(r.Context(), lookback)
	if err != nil {
		s.log.Errorf("Aggregation pass failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Aggregation pass failed")
		return
	}
	s.respondJSON(w, http.StatusOK, AggregationResponse{
		Events:            stats.Events,
		Groups:            stats.Groups,
		Plays:             stats.Plays,
		Deferred:          stats.Deferred,
		TooShort:          stats.TooShort,
		Duplicates:        stats.Duplicates,
		FailedSettlements: stats.FailedSettlements,
	})
}

// handleRetries handles POST /api/retries
func (s *Server) handleRetries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stats, err := s.service.RunRetries(r.Context())
	if err != nil {
		s.log.Errorf("Retry pass failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Retry pass failed")
		return
	}
	s.respondJSON(w, http.StatusOK, RetryResponse{
		Scanned:      stats.Scanned,
		Settled:      stats.Settled,
		Duplicates:   stats.Duplicates,
		StillFailing: stats.StillFailing,
		Abandoned:    stats.Abandoned,
	})
}

// handleRates handles PUT /api/rates
func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req SetRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	rate, err := req.ParseRate()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.service.SetRoyaltyRate(req.StationID, rate); err != nil {
		s.log.Errorf("Failed to set rate: %v", err)
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"message":         "Rate updated",
		"station_id":      req.StationID,
		"rate_per_second": rate.String(),
	})
}

// handleAccount routes /api/accounts/{owner}/deposit|balance|transactions
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/accounts/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	ownerID, action := parts[0], parts[1]

	switch action {
	case "deposit":
		s.handleDeposit(w, r, ownerID)
	case "balance":
		s.handleBalance(w, r, ownerID)
	case "transactions":
		s.handleTransactions(w, r, ownerID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	amount, err := req.ParseAmount()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	memo := req.Memo
	if memo == "" {
		memo = "manual deposit"
	}
	if err := s.service.Deposit(ownerID, amount, memo); err != nil {
		s.log.Errorf("Failed to deposit for %s: %v", ownerID, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to deposit")
		return
	}

	balance, err := s.service.Balance(ownerID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "Failed to read balance")
		return
	}
	s.respondJSON(w, http.StatusOK, BalanceResponse{OwnerID: ownerID, Balance: balance.String()})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	balance, err := s.service.Balance(ownerID)
	if err != nil {
		s.log.Errorf("Failed to read balance for %s: %v", ownerID, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to read balance")
		return
	}
	s.respondJSON(w, http.StatusOK, BalanceResponse{OwnerID: ownerID, Balance: balance.String()})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	txs, err := s.service.History(ownerID, limit)
	if err != nil {
		s.log.Errorf("Failed to load history for %s: %v", ownerID, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve transactions")
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = TransactionDTO{
			ID:          tx.ID,
			Kind:        tx.Kind,
			Amount:      tx.Amount.String(),
			Description: tx.Description,
			CreatedAt:   tx.CreatedAt.Format(time.RFC3339),
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"transactions": dtos, "count": len(dtos)})
}

// saveUpload stores the named multipart file in the temp directory and
// returns its path with a cleanup func.
func (s *Server) saveUpload(r *http.Request, field string) (string, func(), error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", nil, fmt.Errorf("%s file is required", field)
	}
	defer file.Close()

	tempFile := filepath.Join(s.config.TempDir, fmt.Sprintf("upload_%d_%s", time.Now().UnixNano(), filepath.Base(header.Filename)))
	out, err := os.Create(tempFile)
	if err != nil {
		return "", nil, fmt.Errorf("failed to store upload")
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(tempFile)
		return "", nil, fmt.Errorf("failed to store upload")
	}
	out.Close()
	return tempFile, func() { os.Remove(tempFile) }, nil
}
