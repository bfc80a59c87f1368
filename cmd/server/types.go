package main

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RegisterStationRequest is the request body for POST /api/stations
type RegisterStationRequest struct {
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id"`
	StreamURL string `json:"stream_url,omitempty"`
}

func (r *RegisterStationRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	return nil
}

// DepositRequest is the request body for POST /api/accounts/{owner}/deposit
type DepositRequest struct {
	Amount string `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

func (r *DepositRequest) ParseAmount() (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", r.Amount)
	}
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

// SetRateRequest is the request body for PUT /api/rates
type SetRateRequest struct {
	StationID     string `json:"station_id,omitempty"` // empty sets the platform default
	RatePerSecond string `json:"rate_per_second"`
}

func (r *SetRateRequest) ParseRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(r.RatePerSecond)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate %q", r.RatePerSecond)
	}
	return rate, nil
}

// TrackDTO represents a track in API responses
type TrackDTO struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	OwnerID    string `json:"owner_id"`
	DurationMs int    `json:"duration_ms"`
}

// StationDTO represents a station in API responses
type StationDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id"`
	StreamURL string `json:"stream_url,omitempty"`
}

// ListTracksResponse is the response for GET /api/tracks
type ListTracksResponse struct {
	Tracks []TrackDTO `json:"tracks"`
	Count  int        `json:"count"`
}

// ListStationsResponse is the response for GET /api/stations
type ListStationsResponse struct {
	Stations []StationDTO `json:"stations"`
	Count    int          `json:"count"`
}

// AddTrackResponse is the response for a successful track registration
type AddTrackResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
	Title   string `json:"title"`
	Artist  string `json:"artist"`
}

// ClipMatchResponse is the response for POST /api/match
type ClipMatchResponse struct {
	Matched    bool    `json:"matched"`
	TrackID    string  `json:"track_id,omitempty"`
	Title      string  `json:"title,omitempty"`
	Artist     string  `json:"artist,omitempty"`
	OffsetMs   int32   `json:"offset_ms,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// SessionDTO represents a monitoring session in API responses
type SessionDTO struct {
	StationID   string `json:"station_id"`
	StationName string `json:"station_name"`
	State       string `json:"state"`
	StartedAt   string `json:"started_at,omitempty"`
}

// MatchDTO is one recent session identification
type MatchDTO struct {
	TrackID    string  `json:"track_id"`
	StationID  string  `json:"station_id"`
	MatchedAt  string  `json:"matched_at"`
	Confidence float64 `json:"confidence"`
}

// PlayDTO represents a settled play in API responses
type PlayDTO struct {
	ID            string  `json:"id"`
	TrackID       string  `json:"track_id"`
	StationID     string  `json:"station_id"`
	StartTime     string  `json:"start_time"`
	StopTime      string  `json:"stop_time"`
	DurationSec   int64   `json:"duration_sec"`
	RoyaltyAmount string  `json:"royalty_amount"`
	Confidence    float64 `json:"confidence"`
	Source        string  `json:"source"`
}

// BalanceResponse is the response for GET /api/accounts/{owner}/balance
type BalanceResponse struct {
	OwnerID string `json:"owner_id"`
	Balance string `json:"balance"`
}

// TransactionDTO is one ledger transaction in API responses
type TransactionDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// AggregationResponse reports one aggregation pass
type AggregationResponse struct {
	Events            int `json:"events"`
	Groups            int `json:"groups"`
	Plays             int `json:"plays"`
	Deferred          int `json:"deferred"`
	TooShort          int `json:"too_short"`
	Duplicates        int `json:"duplicates"`
	FailedSettlements int `json:"failed_settlements"`
}

// RetryResponse reports one retry pass
type RetryResponse struct {
	Scanned      int `json:"scanned"`
	Settled      int `json:"settled"`
	Duplicates   int `json:"duplicates"`
	StillFailing int `json:"still_failing"`
	Abandoned    int `json:"abandoned"`
}

// MetricsResponse provides server health and database metrics
type MetricsResponse struct {
	Status       string `json:"status"`
	DatabasePath string `json:"database_path"`
	TrackCount   int    `json:"track_count"`
	StationCount int    `json:"station_count"`
	SessionCount int    `json:"session_count"`
	SampleRate   int    `json:"sample_rate"`
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
