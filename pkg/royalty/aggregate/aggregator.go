package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/woedy/zamio-super-sub004/pkg/logger"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/ledger"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/storage"
)

// Group discard reasons recorded on RawMatchEvents.
const (
	ReasonTooShort       = "airing too short"
	ReasonDuplicatePlay  = "duplicate play"
	ReasonUnknownTrack   = "unknown track"
	ReasonUnknownStation = "unknown station"
)

// Config tunes the aggregation pass.
type Config struct {
	MinGroupSize    int           // groups smaller than this are deferred
	MinPlayDuration time.Duration // groups spanning less than this are discarded
	OverlapMargin   time.Duration // play overlap guard margin on both sides
	DefaultLookback time.Duration // lookback when the caller passes zero
}

func DefaultConfig() Config {
	return Config{
		MinGroupSize:    3,
		MinPlayDuration: 30 * time.Second,
		OverlapMargin:   60 * time.Second,
		DefaultLookback: 10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinGroupSize <= 0 {
		c.MinGroupSize = d.MinGroupSize
	}
	if c.MinPlayDuration <= 0 {
		c.MinPlayDuration = d.MinPlayDuration
	}
	if c.OverlapMargin <= 0 {
		c.OverlapMargin = d.OverlapMargin
	}
	if c.DefaultLookback <= 0 {
		c.DefaultLookback = d.DefaultLookback
	}
	return c
}

// Stats summarizes one aggregation pass.
type Stats struct {
	Events            int
	Groups            int
	Plays             int
	Deferred          int
	TooShort          int
	Duplicates        int
	FailedSettlements int
}

// Aggregator converts noisy RawMatchEvents into settled PlayRecords. It is
// run periodically by an external scheduler; each run processes a bounded
// lookback window to completion. Runs are idempotent: consumed events are
// flagged processed, and the play dedupe constraint stops a second pass
// from paying the same airing twice.
type Aggregator struct {
	db     *storage.DBClient
	ledger *ledger.Ledger
	log    logger.Interface
	cfg    Config
}

func New(db *storage.DBClient, l *ledger.Ledger, log logger.Interface, cfg Config) *Aggregator {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Aggregator{db: db, ledger: l, log: log, cfg: cfg.withDefaults()}
}

type pairKey struct {
	trackID   string
	stationID string
}

// Run executes one aggregation pass over events inside the lookback window.
func (a *Aggregator) Run(ctx context.Context, lookback time.Duration) (Stats, error) {
	var stats Stats

	if lookback <= 0 {
		lookback = a.cfg.DefaultLookback
	}
	cutoff := time.Now().Add(-lookback)

	events, err := a.db.UnclaimedEventsSince(cutoff)
	if err != nil {
		return stats, fmt.Errorf("loading events: %w", err)
	}
	stats.Events = len(events)

	groups := make(map[pairKey][]storage.RawMatchEvent)
	for _, ev := range events {
		key := pairKey{trackID: ev.TrackID, stationID: ev.StationID}
		groups[key] = append(groups[key], ev)
	}
	stats.Groups = len(groups)

	// Groups are independent; processing order between pairs is unordered.
	for key, group := range groups {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := a.processGroup(key, group, &stats); err != nil {
			return stats, err
		}
	}

	a.log.Infof("Aggregation pass: %d events, %d groups, %d plays, %d deferred, %d too short, %d duplicates, %d failed settlements",
		stats.Events, stats.Groups, stats.Plays, stats.Deferred, stats.TooShort, stats.Duplicates, stats.FailedSettlements)
	return stats, nil
}

func (a *Aggregator) processGroup(key pairKey, group []storage.RawMatchEvent, stats *Stats) error {
	// Too little evidence: leave unprocessed so the group can accumulate
	// more events before the window rolls past it.
	if len(group) < a.cfg.MinGroupSize {
		stats.Deferred++
		return nil
	}

	eventIDs := make([]uint, 0, len(group))
	start, stop := group[0].MatchedAt, group[0].MatchedAt
	var confidenceSum float64
	for _, ev := range group {
		eventIDs = append(eventIDs, ev.ID)
		if ev.MatchedAt.Before(start) {
			start = ev.MatchedAt
		}
		if ev.MatchedAt.After(stop) {
			stop = ev.MatchedAt
		}
		confidenceSum += ev.Confidence
	}
	duration := stop.Sub(start)

	if duration < a.cfg.MinPlayDuration {
		stats.TooShort++
		return a.db.MarkEventsProcessed(eventIDs, ReasonTooShort)
	}

	overlaps, err := a.db.HasOverlappingPlay(key.trackID, key.stationID,
		start.Add(-a.cfg.OverlapMargin), stop.Add(a.cfg.OverlapMargin))
	if err != nil {
		return err
	}
	if overlaps {
		stats.Duplicates++
		return a.db.MarkEventsProcessed(eventIDs, ReasonDuplicatePlay)
	}

	// Only a genuinely missing row discards the group; any other storage
	// error propagates so the evidence survives for the next pass.
	track, err := a.db.GetTrack(key.trackID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return a.db.MarkEventsProcessed(eventIDs, ReasonUnknownTrack)
	}
	if err != nil {
		return fmt.Errorf("loading track %s: %w", key.trackID, err)
	}
	station, err := a.db.GetStation(key.stationID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return a.db.MarkEventsProcessed(eventIDs, ReasonUnknownStation)
	}
	if err != nil {
		return fmt.Errorf("loading station %s: %w", key.stationID, err)
	}

	rate, err := a.db.RatePerSecond(key.stationID)
	if err != nil {
		return err
	}
	seconds := int64(duration / time.Second)
	amount := decimal.NewFromInt(seconds).Mul(rate)
	confidence := confidenceSum / float64(len(group))

	res := a.ledger.SettlePlay(ledger.PlaySettlement{
		TrackID:      key.trackID,
		StationID:    key.stationID,
		PayerOwnerID: station.OwnerID,
		PayeeOwnerID: track.OwnerID,
		Start:        start,
		Stop:         stop,
		Confidence:   confidence,
		Amount:       amount,
		Source:       group[0].Source,
		EventIDs:     eventIDs,
	})

	switch res.Outcome {
	case ledger.Settled:
		stats.Plays++
		return nil
	case ledger.DuplicatePlay:
		// Lost the dedupe race to a concurrent pass; the airing is paid.
		stats.Duplicates++
		return a.db.MarkEventsProcessed(eventIDs, ReasonDuplicatePlay)
	default:
		stats.FailedSettlements++
		reason := res.Outcome.String()
		if res.Err != nil {
			reason = res.Err.Error()
		}
		return a.recordFailure(key, eventIDs, start, stop, confidence, amount, reason)
	}
}

// recordFailure files a FailedSettlement for the group and claims its
// events so later passes skip them until the retry path resolves the row.
// The group's events stay unprocessed: nothing was paid.
func (a *Aggregator) recordFailure(key pairKey, eventIDs []uint, start, stop time.Time, confidence float64, amount decimal.Decimal, reason string) error {
	fs := storage.FailedSettlement{
		ID:         uuid.NewString(),
		TrackID:    key.trackID,
		StationID:  key.stationID,
		StartTime:  start,
		StopTime:   stop,
		Confidence: confidence,
		Amount:     amount,
		Reason:     reason,
		WillRetry:  true,
	}
	err := a.db.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&fs).Error; err != nil {
			return fmt.Errorf("creating failed settlement: %w", err)
		}
		return storage.ClaimEventsForGroup(tx, eventIDs, fs.ID)
	})
	if err != nil {
		return err
	}
	a.log.Warnf("Settlement deferred for track %s on station %s: %s", key.trackID, key.stationID, reason)
	return nil
}
