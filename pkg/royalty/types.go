package royalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrackInfo describes a registered track.
type TrackInfo struct {
	ID         string // Track UUID
	Title      string // Track title
	Artist     string // Artist name
	OwnerID    string // Rights holder paid for plays of this track
	DurationMs int    // Duration in milliseconds
}

// StationInfo describes a registered broadcast station.
type StationInfo struct {
	ID        string // Station UUID
	Name      string // Station name
	OwnerID   string // Account charged for the station's plays
	StreamURL string // Live stream URL, empty if none
}

// ClipMatch is the identification result for an uploaded clip.
type ClipMatch struct {
	Matched    bool    // Whether the clip was identified
	TrackID    string  // Matched track UUID
	Title      string  // Matched track title
	Artist     string  // Matched track artist
	OffsetMs   int32   // Clip position within the track in milliseconds
	Confidence float64 // Match confidence as a percentage (0-100)
	Reason     string  // Why the clip was rejected, empty on a match
}

// SessionInfo describes a live monitoring session.
type SessionInfo struct {
	StationID   string
	StationName string
	State       string
	StartedAt   time.Time
}

// MatchInfo is one recent identification from a monitoring session.
type MatchInfo struct {
	TrackID    string
	StationID  string
	MatchedAt  time.Time
	Confidence float64
}

// PlaySummary describes a settled play.
type PlaySummary struct {
	ID            string
	TrackID       string
	StationID     string
	StartTime     time.Time
	StopTime      time.Time
	DurationSec   int64
	RoyaltyAmount decimal.Decimal
	Confidence    float64
	Source        string
}

// TransactionInfo is one ledger transaction of an owner's history.
type TransactionInfo struct {
	ID          string
	Kind        string
	Amount      decimal.Decimal
	Description string
	CreatedAt   time.Time
}
