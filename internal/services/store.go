package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"numbers-betting-backend/internal/models"
)

var (
	ErrSessionNotFound      = errors.New("game session not found")
	ErrInvalidWinningNumber = errors.New("winning number out of range")
	ErrConflict             = errors.New("row changed concurrently")
	ErrTxDone               = errors.New("ledger transaction already finished")
)

// StorageError wraps a ledger failure. The unit of work it belongs to has
// been rolled back and may be retried.
type StorageError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{
		Op:        op,
		Err:       err,
		Transient: isTransient(err),
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrConflict) {
		return true
	}
	return isTransientPQ(err)
}

// LedgerStore is the durable home of sessions, bets, wallets and the audit
// trail.
type LedgerStore interface {
	Begin(ctx context.Context) (LedgerTx, error)
	// Ping reports whether the store can currently serve requests.
	Ping(ctx context.Context) error

	// DueSessions lists active sessions whose end time is at or before now.
	DueSessions(ctx context.Context, now time.Time) ([]models.GameSession, error)
	// ActiveSessions lists active sessions whose end time is after now.
	ActiveSessions(ctx context.Context, now time.Time) ([]models.GameSession, error)
	UserBets(ctx context.Context, userID, sessionID int64) ([]models.Bet, error)
}

// LedgerTx is one unit of work. Exactly one of Commit or Rollback takes
// effect; calling Rollback after Commit is a no-op that returns ErrTxDone.
type LedgerTx interface {
	// LockSession reads the session and holds it exclusively until the
	// transaction ends. Returns ErrSessionNotFound for unknown ids.
	LockSession(ctx context.Context, sessionID int64) (*models.GameSession, error)
	// MarkSessionEnded flips an active session to ended. Returns ErrConflict
	// if the session was not active.
	MarkSessionEnded(ctx context.Context, sessionID int64) error
	// LockPendingBets loads the session's pending bets and locks them along
	// with their owners' wallet rows.
	LockPendingBets(ctx context.Context, sessionID int64) ([]models.PendingBet, error)
	// ResolveBet records the result of a pending bet. Returns ErrConflict if
	// the bet was already resolved.
	ResolveBet(ctx context.Context, betID int64, result models.BetResult, winningNumber int) error
	// CreditWallet adds amount to the user's balance and returns the new balance.
	CreditWallet(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error)
	InsertTransaction(ctx context.Context, tx *models.Transaction) error
	InsertAdminLog(ctx context.Context, entry *models.AdminLog) error

	Commit() error
	Rollback() error
}
