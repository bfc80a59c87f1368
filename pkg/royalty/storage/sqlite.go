package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/woedy/zamio-super-sub004/pkg/models"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/fingerprint"
)

const DefaultDBFile = "royalty.sqlite3"
const DefaultCurrency = "USD"

const errDBClientNil = "db client is nil"

// DefaultRatePerSecond applies when neither the station nor the platform
// has a rate row.
var DefaultRatePerSecond = decimal.RequireFromString("0.005")

type DBClient struct {
	DB *gorm.DB
	db *sql.DB
}

func NewDBClient() (*DBClient, error) {
	dbPath := os.Getenv("ROYALTY_DB_PATH")
	if dbPath == "" {
		dbPath = DefaultDBFile
	}
	return NewDBClientWithPath(dbPath)
}

func NewDBClientWithPath(dbPath string) (*DBClient, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil && !os.IsExist(err) {
		if filepath.Dir(dbPath) != "." {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_foreign_keys=on"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&Track{}, &Station{}, &Fingerprint{},
		&RawMatchEvent{}, &PlayRecord{},
		&LedgerAccount{}, &LedgerTransaction{},
		&FailedSettlement{}, &RoyaltyRate{},
	); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &DBClient{DB: db, db: sqlDB}, nil
}

func (c *DBClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// IsUniqueViolation reports whether err is a sqlite uniqueness failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}

// ------------------------ Tracks ------------------------

// RegisterTrack is get-or-create on (title, artist).
func (c *DBClient) RegisterTrack(title, artist, ownerID string, durationMs int) (string, error) {
	if c == nil || c.DB == nil {
		return "", errors.New(errDBClientNil)
	}

	var track Track
	err := c.DB.Where("title = ? AND artist = ?", title, artist).First(&track).Error
	if err == nil {
		return track.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("querying existing track: %w", err)
	}

	track = Track{
		ID:         uuid.NewString(),
		Title:      title,
		Artist:     artist,
		OwnerID:    ownerID,
		DurationMs: durationMs,
	}
	if err := c.DB.Create(&track).Error; err != nil {
		if IsUniqueViolation(err) {
			if fetchErr := c.DB.Where("title = ? AND artist = ?", title, artist).First(&track).Error; fetchErr != nil {
				return "", fmt.Errorf("fetching track after constraint violation: %w", fetchErr)
			}
			return track.ID, nil
		}
		return "", fmt.Errorf("creating track: %w", err)
	}
	return track.ID, nil
}

func (c *DBClient) GetTrack(trackID string) (*Track, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var track Track
	if err := c.DB.Where("id = ?", trackID).First(&track).Error; err != nil {
		return nil, err
	}
	return &track, nil
}

func (c *DBClient) ListTracks() ([]Track, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var tracks []Track
	if err := c.DB.Order("created_at").Find(&tracks).Error; err != nil {
		return nil, fmt.Errorf("listing tracks: %w", err)
	}
	return tracks, nil
}

// DeleteTrack removes a track and its fingerprints in one transaction.
func (c *DBClient) DeleteTrack(trackID string) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("track_id = ?", trackID).Delete(&Fingerprint{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", trackID).Delete(&Track{}).Error
	})
}

// ------------------------ Stations ------------------------

// RegisterStation is get-or-create on name.
func (c *DBClient) RegisterStation(name, ownerID, streamURL string) (string, error) {
	if c == nil || c.DB == nil {
		return "", errors.New(errDBClientNil)
	}

	var station Station
	err := c.DB.Where("name = ?", name).First(&station).Error
	if err == nil {
		if station.StreamURL == "" && streamURL != "" {
			if err := c.DB.Model(&station).Update("stream_url", streamURL).Error; err != nil {
				return "", fmt.Errorf("updating stream url: %w", err)
			}
		}
		return station.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("querying existing station: %w", err)
	}

	station = Station{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		StreamURL: streamURL,
	}
	if err := c.DB.Create(&station).Error; err != nil {
		if IsUniqueViolation(err) {
			if fetchErr := c.DB.Where("name = ?", name).First(&station).Error; fetchErr != nil {
				return "", fmt.Errorf("fetching station after constraint violation: %w", fetchErr)
			}
			return station.ID, nil
		}
		return "", fmt.Errorf("creating station: %w", err)
	}
	return station.ID, nil
}

func (c *DBClient) GetStation(stationID string) (*Station, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var station Station
	if err := c.DB.Where("id = ?", stationID).First(&station).Error; err != nil {
		return nil, err
	}
	return &station, nil
}

func (c *DBClient) ListStations() ([]Station, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var stations []Station
	if err := c.DB.Order("created_at").Find(&stations).Error; err != nil {
		return nil, fmt.Errorf("listing stations: %w", err)
	}
	return stations, nil
}

// ------------------------ Fingerprints ------------------------

// StoreFingerprints bulk-inserts a track's landmarks in batches.
func (c *DBClient) StoreFingerprints(trackID string, landmarks []models.Landmark) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}

	entries := make([]Fingerprint, 0, 1024)
	for _, lm := range landmarks {
		entries = append(entries, Fingerprint{
			Hash:         lm.Hash,
			TrackID:      trackID,
			AnchorTimeMs: lm.AnchorTimeMs,
		})
		if len(entries) >= 1000 {
			if err := c.DB.CreateInBatches(entries, 500).Error; err != nil {
				return fmt.Errorf("batch insert fingerprints: %w", err)
			}
			entries = entries[:0]
		}
	}
	if len(entries) > 0 {
		if err := c.DB.CreateInBatches(entries, 500).Error; err != nil {
			return fmt.Errorf("batch insert last fingerprints: %w", err)
		}
	}
	return nil
}

// CorpusEntries loads the whole fingerprint corpus for an index build.
func (c *DBClient) CorpusEntries() ([]fingerprint.CorpusEntry, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var rows []Fingerprint
	if err := c.DB.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading fingerprint corpus: %w", err)
	}
	entries := make([]fingerprint.CorpusEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, fingerprint.CorpusEntry{
			TrackID:      r.TrackID,
			Hash:         r.Hash,
			AnchorTimeMs: r.AnchorTimeMs,
		})
	}
	return entries, nil
}

func (c *DBClient) FingerprintCount(trackID string) (int64, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}
	var count int64
	if err := c.DB.Model(&Fingerprint{}).Where("track_id = ?", trackID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting fingerprints: %w", err)
	}
	return count, nil
}

// ------------------------ Raw match events ------------------------

func (c *DBClient) CreateRawMatchEvent(ev *RawMatchEvent) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Create(ev).Error
}

// UnclaimedEventsSince returns unprocessed events inside the lookback
// window that are not held by a pending failed settlement.
func (c *DBClient) UnclaimedEventsSince(cutoff time.Time) ([]RawMatchEvent, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var events []RawMatchEvent
	err := c.DB.
		Where("processed = ? AND group_id = ? AND matched_at >= ?", false, "", cutoff).
		Order("matched_at").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("loading unprocessed events: %w", err)
	}
	return events, nil
}

// EventsByGroup returns the events claimed by a failed settlement.
func (c *DBClient) EventsByGroup(groupID string) ([]RawMatchEvent, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var events []RawMatchEvent
	if err := c.DB.Where("group_id = ?", groupID).Order("matched_at").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("loading group events: %w", err)
	}
	return events, nil
}

// MarkEventsProcessed flips the processed flag for the given events,
// recording an optional failure reason for discarded groups.
func (c *DBClient) MarkEventsProcessed(eventIDs []uint, failureReason string) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	if len(eventIDs) == 0 {
		return nil
	}
	updates := map[string]any{"processed": true}
	if failureReason != "" {
		updates["failure_reason"] = failureReason
	}
	return c.DB.Model(&RawMatchEvent{}).Where("id IN ?", eventIDs).Updates(updates).Error
}

// ClaimEventsForGroup stamps a failed-settlement group ID on the events so
// later aggregation passes skip them until the retry path releases them.
// Runs inside an existing transaction so the claim commits with the
// FailedSettlement row it belongs to.
func ClaimEventsForGroup(tx *gorm.DB, eventIDs []uint, groupID string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return tx.Model(&RawMatchEvent{}).Where("id IN ?", eventIDs).Update("group_id", groupID).Error
}

// ------------------------ Play records ------------------------

// HasOverlappingPlay reports whether a play for (track, station) overlaps
// [from, to]. Used as the aggregator's duplicate guard; the DedupeKey
// uniqueness constraint backs it up under concurrency.
func (c *DBClient) HasOverlappingPlay(trackID, stationID string, from, to time.Time) (bool, error) {
	if c == nil || c.DB == nil {
		return false, errors.New(errDBClientNil)
	}
	var count int64
	err := c.DB.Model(&PlayRecord{}).
		Where("track_id = ? AND station_id = ?", trackID, stationID).
		Where("start_time <= ? AND stop_time >= ?", to, from).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("checking overlapping plays: %w", err)
	}
	return count > 0, nil
}

func (c *DBClient) ListPlays(limit int) ([]PlayRecord, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	if limit <= 0 {
		limit = 100
	}
	var plays []PlayRecord
	if err := c.DB.Order("start_time desc").Limit(limit).Find(&plays).Error; err != nil {
		return nil, fmt.Errorf("listing plays: %w", err)
	}
	return plays, nil
}

// ------------------------ Royalty rates ------------------------

// SetRoyaltyRate upserts a station's per-second rate. An empty stationID
// sets the platform default.
func (c *DBClient) SetRoyaltyRate(stationID string, rate decimal.Decimal) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	var row RoyaltyRate
	err := c.DB.Where("station_id = ?", stationID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.DB.Create(&RoyaltyRate{StationID: stationID, RatePerSecond: rate}).Error
	}
	if err != nil {
		return fmt.Errorf("querying rate: %w", err)
	}
	return c.DB.Model(&row).Update("rate_per_second", rate).Error
}

// RatePerSecond resolves the effective rate for a station: station row,
// then platform default row, then DefaultRatePerSecond.
func (c *DBClient) RatePerSecond(stationID string) (decimal.Decimal, error) {
	if c == nil || c.DB == nil {
		return decimal.Zero, errors.New(errDBClientNil)
	}
	var row RoyaltyRate
	err := c.DB.Where("station_id = ?", stationID).First(&row).Error
	if err == nil {
		return row.RatePerSecond, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, fmt.Errorf("querying station rate: %w", err)
	}
	err = c.DB.Where("station_id = ?", "").First(&row).Error
	if err == nil {
		return row.RatePerSecond, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, fmt.Errorf("querying default rate: %w", err)
	}
	return DefaultRatePerSecond, nil
}

// ------------------------ Ledger reads ------------------------

func (c *DBClient) AccountByOwner(ownerID string) (*LedgerAccount, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var account LedgerAccount
	if err := c.DB.Where("owner_id = ?", ownerID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (c *DBClient) TransactionsByOwner(ownerID string, limit int) ([]LedgerTransaction, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	account, err := c.AccountByOwner(ownerID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var txns []LedgerTransaction
	err = c.DB.Where("account_id = ?", account.ID).
		Order("created_at desc").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	return txns, nil
}

// GetOrCreateAccountTx fetches or lazily creates the account for an owner
// inside an existing transaction.
func GetOrCreateAccountTx(tx *gorm.DB, ownerID string) (*LedgerAccount, error) {
	var account LedgerAccount
	err := tx.Where("owner_id = ?", ownerID).First(&account).Error
	if err == nil {
		return &account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	account = LedgerAccount{
		ID:       uuid.NewString(),
		OwnerID:  ownerID,
		Balance:  decimal.Zero,
		Currency: DefaultCurrency,
	}
	if err := tx.Create(&account).Error; err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return &account, nil
}

// ------------------------ Failed settlements ------------------------

func (c *DBClient) PendingFailedSettlements() ([]FailedSettlement, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var rows []FailedSettlement
	err := c.DB.Where("will_retry = ? AND resolved_at IS NULL", true).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("loading failed settlements: %w", err)
	}
	return rows, nil
}
