package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/woedy/zamio-super-sub004/pkg/logger"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/storage"
)

// Notifier is told about settlements that keep failing so the payer can be
// asked to top up funds. Delivery is fire-and-forget.
type Notifier interface {
	SettlementFailed(ownerID string, amount decimal.Decimal, reason string)
}

// LogNotifier is the default Notifier; it only logs.
type LogNotifier struct {
	Log logger.Interface
}

func (n LogNotifier) SettlementFailed(ownerID string, amount decimal.Decimal, reason string) {
	log := n.Log
	if log == nil {
		log = logger.GetLogger()
	}
	log.Warnf("Settlement of %s against %s keeps failing: %s", amount, ownerID, reason)
}

// RetryConfig tunes the retry pass.
type RetryConfig struct {
	NotifyAfterAttempts int // notify the payer once a row fails this many times
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{NotifyAfterAttempts: 3}
}

// RetryStats summarizes one retry pass.
type RetryStats struct {
	Scanned      int
	Settled      int
	Duplicates   int
	StillFailing int
	Abandoned    int
}

// RetryCoordinator replays pending FailedSettlement rows through the
// ledger. It is run periodically by an external scheduler.
type RetryCoordinator struct {
	db       *storage.DBClient
	ledger   *Ledger
	notifier Notifier
	log      logger.Interface
	cfg      RetryConfig
}

func NewRetryCoordinator(db *storage.DBClient, l *Ledger, notifier Notifier, log logger.Interface, cfg RetryConfig) *RetryCoordinator {
	if log == nil {
		log = logger.GetLogger()
	}
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}
	if cfg.NotifyAfterAttempts <= 0 {
		cfg.NotifyAfterAttempts = DefaultRetryConfig().NotifyAfterAttempts
	}
	return &RetryCoordinator{db: db, ledger: l, notifier: notifier, log: log, cfg: cfg}
}

// Run scans pending failed settlements and re-attempts each one. A row that
// settles (or turns out to duplicate an existing play) is resolved; a row
// that fails again keeps willRetry and accumulates attempts.
func (r *RetryCoordinator) Run(ctx context.Context) (RetryStats, error) {
	var stats RetryStats

	rows, err := r.db.PendingFailedSettlements()
	if err != nil {
		return stats, fmt.Errorf("scanning failed settlements: %w", err)
	}

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		fs := rows[i]
		stats.Scanned++

		track, err := r.db.GetTrack(fs.TrackID)
		if err != nil {
			r.abandon(&fs, fmt.Sprintf("track %s no longer exists", fs.TrackID))
			stats.Abandoned++
			continue
		}
		station, err := r.db.GetStation(fs.StationID)
		if err != nil {
			r.abandon(&fs, fmt.Sprintf("station %s no longer exists", fs.StationID))
			stats.Abandoned++
			continue
		}

		// Re-derive the play span; fall back to the track's known duration
		// when the original span data is unusable.
		start, stop := fs.StartTime, fs.StopTime
		if !stop.After(start) {
			stop = start.Add(time.Duration(track.DurationMs) * time.Millisecond)
		}

		events, err := r.db.EventsByGroup(fs.ID)
		if err != nil {
			return stats, fmt.Errorf("loading events for group %s: %w", fs.ID, err)
		}
		eventIDs := make([]uint, 0, len(events))
		source := storage.SourceStream
		for _, ev := range events {
			eventIDs = append(eventIDs, ev.ID)
		}
		if len(events) > 0 && events[0].Source != "" {
			source = events[0].Source
		}

		res := r.ledger.SettlePlay(PlaySettlement{
			TrackID:      fs.TrackID,
			StationID:    fs.StationID,
			PayerOwnerID: station.OwnerID,
			PayeeOwnerID: track.OwnerID,
			Start:        start,
			Stop:         stop,
			Confidence:   fs.Confidence,
			Amount:       fs.Amount,
			Source:       source,
			EventIDs:     eventIDs,
		})

		switch res.Outcome {
		case Settled:
			r.resolve(&fs, "settled on retry")
			stats.Settled++
		case DuplicatePlay:
			// The play already exists; consume the events and close the row.
			if err := r.db.MarkEventsProcessed(eventIDs, "duplicate play"); err != nil {
				r.log.Errorf("Failed to mark duplicate group %s processed: %v", fs.ID, err)
			}
			r.resolve(&fs, "duplicate of an existing play")
			stats.Duplicates++
		default:
			reason := res.Outcome.String()
			if res.Err != nil {
				reason = res.Err.Error()
			}
			attempts := fs.Attempts + 1
			err := r.db.DB.Model(&fs).Updates(map[string]any{
				"reason":   reason,
				"attempts": attempts,
			}).Error
			if err != nil {
				r.log.Errorf("Failed to update failed settlement %s: %v", fs.ID, err)
			}
			if attempts >= r.cfg.NotifyAfterAttempts {
				r.notifier.SettlementFailed(station.OwnerID, fs.Amount, reason)
			}
			stats.StillFailing++
		}
	}

	r.log.Infof("Retry pass: %d scanned, %d settled, %d duplicates, %d still failing, %d abandoned",
		stats.Scanned, stats.Settled, stats.Duplicates, stats.StillFailing, stats.Abandoned)
	return stats, nil
}

func (r *RetryCoordinator) resolve(fs *storage.FailedSettlement, reason string) {
	now := time.Now().UTC()
	err := r.db.DB.Model(fs).Updates(map[string]any{
		"will_retry":  false,
		"resolved_at": now,
		"reason":      reason,
	}).Error
	if err != nil {
		r.log.Errorf("Failed to resolve settlement %s: %v", fs.ID, err)
	}
}

func (r *RetryCoordinator) abandon(fs *storage.FailedSettlement, reason string) {
	r.log.Errorf("Abandoning failed settlement %s: %s", fs.ID, reason)
	err := r.db.DB.Model(fs).Updates(map[string]any{
		"will_retry": false,
		"reason":     reason,
	}).Error
	if err != nil {
		r.log.Errorf("Failed to update settlement %s: %v", fs.ID, err)
	}
}
