package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/woedy/zamio-super-sub004/pkg/logger"
	"github.com/woedy/zamio-super-sub004/pkg/royalty/storage"
)

// Outcome classifies a settlement attempt.
type Outcome int

const (
	Settled Outcome = iota
	InsufficientFunds
	DuplicatePlay
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Settled:
		return "settled"
	case InsufficientFunds:
		return "insufficient funds"
	case DuplicatePlay:
		return "duplicate play"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	errInsufficientFunds = errors.New("insufficient funds")
	errDuplicatePlay     = errors.New("duplicate play")
)

// Ledger performs atomic royalty settlements against the accounts table.
// All settlements run under a single mutex spanning the sufficiency check
// and the debit/credit, so two concurrent settlements against the same
// payer cannot both pass the check and overdraw it.
type Ledger struct {
	db  *storage.DBClient
	log logger.Interface
	mu  sync.Mutex
}

func New(db *storage.DBClient, log logger.Interface) *Ledger {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Ledger{db: db, log: log}
}

// DedupeKey buckets a play's start time to the minute so storage can
// enforce at-most-once play creation per (track, station, minute).
func DedupeKey(trackID, stationID string, start time.Time) string {
	return fmt.Sprintf("%s|%s|%d", trackID, stationID, start.Unix()/60)
}

func appendTransaction(tx *gorm.DB, accountID, kind string, amount decimal.Decimal, memo string) error {
	return tx.Create(&storage.LedgerTransaction{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Kind:        kind,
		Amount:      amount,
		Description: memo,
	}).Error
}

func setBalance(tx *gorm.DB, accountID string, balance decimal.Decimal) error {
	return tx.Model(&storage.LedgerAccount{}).Where("id = ?", accountID).Update("balance", balance).Error
}

// transfer moves amount from payer to payee inside tx: two balance updates
// plus one withdrawal and one deposit transaction row.
func transfer(tx *gorm.DB, payerOwnerID, payeeOwnerID string, amount decimal.Decimal, memo string) error {
	payer, err := storage.GetOrCreateAccountTx(tx, payerOwnerID)
	if err != nil {
		return err
	}
	payee, err := storage.GetOrCreateAccountTx(tx, payeeOwnerID)
	if err != nil {
		return err
	}

	if payer.Balance.LessThan(amount) {
		return errInsufficientFunds
	}

	if err := setBalance(tx, payer.ID, payer.Balance.Sub(amount)); err != nil {
		return fmt.Errorf("debiting payer: %w", err)
	}
	if err := setBalance(tx, payee.ID, payee.Balance.Add(amount)); err != nil {
		return fmt.Errorf("crediting payee: %w", err)
	}
	if err := appendTransaction(tx, payer.ID, storage.KindWithdrawal, amount, memo); err != nil {
		return fmt.Errorf("recording withdrawal: %w", err)
	}
	if err := appendTransaction(tx, payee.ID, storage.KindDeposit, amount, memo); err != nil {
		return fmt.Errorf("recording deposit: %w", err)
	}
	return nil
}

// Settle atomically moves amount from the payer's account to the payee's.
// On InsufficientFunds no balance is mutated.
func (l *Ledger) Settle(payerOwnerID, payeeOwnerID string, amount decimal.Decimal, memo string) (Outcome, error) {
	if amount.Sign() <= 0 {
		return Failed, fmt.Errorf("settlement amount must be positive, got %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.DB.Transaction(func(tx *gorm.DB) error {
		return transfer(tx, payerOwnerID, payeeOwnerID, amount, memo)
	})
	switch {
	case err == nil:
		return Settled, nil
	case errors.Is(err, errInsufficientFunds):
		return InsufficientFunds, nil
	default:
		return Failed, err
	}
}

// PlaySettlement is the atomic unit handed over by the aggregator (or the
// retry coordinator): the play to record, the money to move, and the raw
// events to mark consumed.
type PlaySettlement struct {
	TrackID      string
	StationID    string
	PayerOwnerID string
	PayeeOwnerID string
	Start        time.Time
	Stop         time.Time
	Confidence   float64
	Amount       decimal.Decimal
	Source       string
	EventIDs     []uint
}

// SettleResult reports how a play settlement ended.
type SettleResult struct {
	Outcome Outcome
	PlayID  string
	Err     error
}

// SettlePlay commits the play record, the payer debit, the payee credit,
// both ledger transactions, and the processed flag on the group's events in
// one transaction. Any failure rolls back all of it: either the play is
// fully paid for or nothing changed.
func (l *Ledger) SettlePlay(p PlaySettlement) SettleResult {
	if p.Amount.Sign() <= 0 {
		return SettleResult{Outcome: Failed, Err: fmt.Errorf("royalty amount must be positive, got %s", p.Amount)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	playID := uuid.NewString()
	memo := fmt.Sprintf("royalty for play %s (track %s on station %s)", playID, p.TrackID, p.StationID)

	err := l.db.DB.Transaction(func(tx *gorm.DB) error {
		play := storage.PlayRecord{
			ID:            playID,
			TrackID:       p.TrackID,
			StationID:     p.StationID,
			StartTime:     p.Start,
			StopTime:      p.Stop,
			DurationSec:   int64(p.Stop.Sub(p.Start) / time.Second),
			RoyaltyAmount: p.Amount,
			Confidence:    p.Confidence,
			Source:        p.Source,
			DedupeKey:     DedupeKey(p.TrackID, p.StationID, p.Start),
		}
		if err := tx.Create(&play).Error; err != nil {
			if storage.IsUniqueViolation(err) {
				return errDuplicatePlay
			}
			return fmt.Errorf("creating play record: %w", err)
		}

		if err := transfer(tx, p.PayerOwnerID, p.PayeeOwnerID, p.Amount, memo); err != nil {
			return err
		}

		if len(p.EventIDs) > 0 {
			err := tx.Model(&storage.RawMatchEvent{}).
				Where("id IN ?", p.EventIDs).
				Update("processed", true).Error
			if err != nil {
				return fmt.Errorf("marking events processed: %w", err)
			}
		}
		return nil
	})

	switch {
	case err == nil:
		l.log.Infof("Settled play %s: %s %s -> %s", playID, p.Amount, p.PayerOwnerID, p.PayeeOwnerID)
		return SettleResult{Outcome: Settled, PlayID: playID}
	case errors.Is(err, errInsufficientFunds):
		return SettleResult{Outcome: InsufficientFunds, Err: err}
	case errors.Is(err, errDuplicatePlay):
		return SettleResult{Outcome: DuplicatePlay, Err: err}
	default:
		return SettleResult{Outcome: Failed, Err: err}
	}
}

// Deposit credits an owner's account, creating it if needed.
func (l *Ledger) Deposit(ownerID string, amount decimal.Decimal, memo string) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.DB.Transaction(func(tx *gorm.DB) error {
		account, err := storage.GetOrCreateAccountTx(tx, ownerID)
		if err != nil {
			return err
		}
		if err := setBalance(tx, account.ID, account.Balance.Add(amount)); err != nil {
			return fmt.Errorf("crediting account: %w", err)
		}
		return appendTransaction(tx, account.ID, storage.KindDeposit, amount, memo)
	})
}

// Balance returns an owner's current balance; owners without an account
// report zero.
func (l *Ledger) Balance(ownerID string) (decimal.Decimal, error) {
	account, err := l.db.AccountByOwner(ownerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// AccountOp is one entry of a bulk batch.
type AccountOp struct {
	OwnerID string
	Kind    string // storage.KindDeposit or storage.KindWithdrawal
	Amount  decimal.Decimal
	Memo    string
}

// BulkResult reports the outcome for one owner of a bulk batch.
type BulkResult struct {
	OwnerID string
	Ops     int
	Outcome Outcome
	Err     error
}

// BulkApply groups ops by owner, computes one net delta per owner, and
// commits each owner's batch atomically. One owner's insufficient funds
// does not block the other owners in the same call.
func (l *Ledger) BulkApply(ops []AccountOp) []BulkResult {
	byOwner := make(map[string][]AccountOp)
	order := make([]string, 0)
	for _, op := range ops {
		if _, seen := byOwner[op.OwnerID]; !seen {
			order = append(order, op.OwnerID)
		}
		byOwner[op.OwnerID] = append(byOwner[op.OwnerID], op)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	results := make([]BulkResult, 0, len(order))
	for _, ownerID := range order {
		ownerOps := byOwner[ownerID]
		err := l.db.DB.Transaction(func(tx *gorm.DB) error {
			account, err := storage.GetOrCreateAccountTx(tx, ownerID)
			if err != nil {
				return err
			}

			net := decimal.Zero
			for _, op := range ownerOps {
				if op.Amount.Sign() <= 0 {
					return fmt.Errorf("op amount must be positive, got %s", op.Amount)
				}
				switch op.Kind {
				case storage.KindDeposit:
					net = net.Add(op.Amount)
				case storage.KindWithdrawal:
					net = net.Sub(op.Amount)
				default:
					return fmt.Errorf("unknown op kind %q", op.Kind)
				}
			}

			balance := account.Balance.Add(net)
			if balance.IsNegative() {
				return errInsufficientFunds
			}

			if err := setBalance(tx, account.ID, balance); err != nil {
				return fmt.Errorf("updating balance: %w", err)
			}
			for _, op := range ownerOps {
				if err := appendTransaction(tx, account.ID, op.Kind, op.Amount, op.Memo); err != nil {
					return fmt.Errorf("recording %s: %w", op.Kind, err)
				}
			}
			return nil
		})

		result := BulkResult{OwnerID: ownerID, Ops: len(ownerOps), Outcome: Settled}
		switch {
		case errors.Is(err, errInsufficientFunds):
			result.Outcome = InsufficientFunds
			result.Err = err
		case err != nil:
			result.Outcome = Failed
			result.Err = err
		}
		results = append(results, result)
	}
	return results
}
