package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawMatchEvent sources.
const (
	SourceStream     = "stream"
	SourceClipUpload = "clip-upload"
)

// LedgerTransaction kinds.
const (
	KindDeposit    = "deposit"
	KindWithdrawal = "withdrawal"
)

// Track is a fingerprinted work. OwnerID is the rights holder credited when
// the track is settled.
type Track struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	Title      string `gorm:"uniqueIndex:idx_track_unique,priority:1" json:"title"`
	Artist     string `gorm:"uniqueIndex:idx_track_unique,priority:2" json:"artist"`
	OwnerID    string `gorm:"index:idx_track_owner" json:"owner_id"`
	DurationMs int    `json:"duration_ms"`
	CreatedAt  time.Time
}

// Station is a monitored broadcaster. OwnerID is the account debited for
// confirmed plays.
type Station struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	Name      string `gorm:"uniqueIndex:idx_station_name" json:"name"`
	OwnerID   string `gorm:"index:idx_station_owner" json:"owner_id"`
	StreamURL string `json:"stream_url"`
	CreatedAt time.Time
}

// Fingerprint is one landmark-hash row of the corpus.
type Fingerprint struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Hash         uint32 `gorm:"index:idx_fp_hash" json:"hash"`
	TrackID      string `gorm:"type:varchar(36);index:idx_fp_track" json:"track_id"`
	AnchorTimeMs uint32 `json:"anchor_time_ms"`
}

// RawMatchEvent is one positive match observation, pre-aggregation.
// Processed flips once the aggregator has consumed it; GroupID is stamped
// when a failed settlement claims the event for later replay. Nothing else
// is ever mutated.
type RawMatchEvent struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	TrackID       string    `gorm:"type:varchar(36);index:idx_event_pair,priority:1" json:"track_id"`
	StationID     string    `gorm:"type:varchar(36);index:idx_event_pair,priority:2" json:"station_id"`
	MatchedAt     time.Time `gorm:"index:idx_event_matched_at" json:"matched_at"`
	Confidence    float64   `json:"confidence"`
	Source        string    `json:"source"`
	Processed     bool      `gorm:"index:idx_event_processed" json:"processed"`
	FailureReason string    `json:"failure_reason,omitempty"`
	GroupID       string    `gorm:"type:varchar(36);index:idx_event_group" json:"group_id,omitempty"`
	CreatedAt     time.Time
}

// PlayRecord is a confirmed, billable airing. DedupeKey is unique per
// (track, station, minute bucket) so storage itself enforces at-most-once
// creation even across concurrent aggregation passes.
type PlayRecord struct {
	ID               string          `gorm:"primaryKey;type:varchar(36)"`
	TrackID          string          `gorm:"type:varchar(36);index:idx_play_pair,priority:1" json:"track_id"`
	StationID        string          `gorm:"type:varchar(36);index:idx_play_pair,priority:2" json:"station_id"`
	StartTime        time.Time       `gorm:"index:idx_play_start" json:"start_time"`
	StopTime         time.Time       `json:"stop_time"`
	DurationSec      int64           `json:"duration_sec"`
	RoyaltyAmount    decimal.Decimal `gorm:"type:decimal(20,6)" json:"royalty_amount"`
	Confidence       float64         `json:"confidence"`
	Source           string          `json:"source"`
	FlaggedForReview bool            `json:"flagged_for_review"`
	DedupeKey        string          `gorm:"uniqueIndex:idx_play_dedupe" json:"-"`
	CreatedAt        time.Time
}

// LedgerAccount holds a single owner's balance. Balance never goes negative
// at any committed state.
type LedgerAccount struct {
	ID        string          `gorm:"primaryKey;type:varchar(36)"`
	OwnerID   string          `gorm:"uniqueIndex:idx_account_owner" json:"owner_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,6)" json:"balance"`
	Currency  string          `json:"currency"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerTransaction is an append-only movement record; rows are never
// updated or deleted.
type LedgerTransaction struct {
	ID          string          `gorm:"primaryKey;type:varchar(36)"`
	AccountID   string          `gorm:"type:varchar(36);index:idx_txn_account" json:"account_id"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,6)" json:"amount"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `gorm:"index:idx_txn_created"`
}

// FailedSettlement is a deferred, retryable settlement. Its ID doubles as
// the GroupID stamped on the claimed RawMatchEvents so the group can be
// replayed without re-deriving it.
type FailedSettlement struct {
	ID         string          `gorm:"primaryKey;type:varchar(36)"`
	TrackID    string          `gorm:"type:varchar(36);index" json:"track_id"`
	StationID  string          `gorm:"type:varchar(36);index" json:"station_id"`
	StartTime  time.Time       `json:"start_time"`
	StopTime   time.Time       `json:"stop_time"`
	Confidence float64         `json:"confidence"`
	Amount     decimal.Decimal `gorm:"type:decimal(20,6)" json:"amount"`
	Reason     string          `json:"reason"`
	WillRetry  bool            `gorm:"index:idx_failed_retry" json:"will_retry"`
	Attempts   int             `json:"attempts"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RoyaltyRate maps a station to its per-second play rate. The row with an
// empty StationID is the platform default.
type RoyaltyRate struct {
	ID            uint            `gorm:"primaryKey;autoIncrement"`
	StationID     string          `gorm:"uniqueIndex:idx_rate_station;type:varchar(36)" json:"station_id"`
	RatePerSecond decimal.Decimal `gorm:"type:decimal(20,8)" json:"rate_per_second"`
	UpdatedAt     time.Time
}
