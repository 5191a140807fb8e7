package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"numbers-betting-backend/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const sessionColumns = `id, COALESCE(game_name, ''), start_time, end_time, status, winning_number, COALESCE(betting_time_window, 0)`

type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{
		db:          db,
		lockTimeout: lockTimeout,
	}
}

// EnsureSchema creates the ledger tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

func (p *PostgresStore) Begin(ctx context.Context) (LedgerTx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin", err)
	}

	if p.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return nil, storageErr("set lock timeout", err)
		}
	}

	return &postgresTx{tx: tx}, nil
}

func (p *PostgresStore) DueSessions(ctx context.Context, now time.Time) ([]models.GameSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM game_sessions
		WHERE status = 'active' AND end_time <= $1
		ORDER BY end_time, id`
	return p.querySessions(ctx, "due sessions", query, now)
}

func (p *PostgresStore) ActiveSessions(ctx context.Context, now time.Time) ([]models.GameSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM game_sessions
		WHERE status = 'active' AND end_time > $1
		ORDER BY end_time, id`
	return p.querySessions(ctx, "active sessions", query, now)
}

func (p *PostgresStore) querySessions(ctx context.Context, op, query string, now time.Time) ([]models.GameSession, error) {
	rows, err := p.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	sessions := make([]models.GameSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		sessions = append(sessions, *session)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return sessions, nil
}

func (p *PostgresStore) UserBets(ctx context.Context, userID, sessionID int64) ([]models.Bet, error) {
	const query = `SELECT id, user_id, game_session_id, selected_number, bet_amount, result, winning_number, created_at
		FROM games
		WHERE user_id = $1 AND game_session_id = $2
		ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query, userID, sessionID)
	if err != nil {
		return nil, storageErr("user bets", err)
	}
	defer rows.Close()

	bets := make([]models.Bet, 0)
	for rows.Next() {
		var (
			bet     models.Bet
			result  string
			winning sql.NullInt64
		)
		if err := rows.Scan(&bet.ID, &bet.UserID, &bet.SessionID, &bet.SelectedNumber,
			&bet.Amount, &result, &winning, &bet.CreatedAt); err != nil {
			return nil, storageErr("user bets", err)
		}
		bet.Result = models.BetResult(result)
		bet.WinningNumber = nullIntPtr(winning)
		bets = append(bets, bet)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("user bets", err)
	}
	return bets, nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) LockSession(ctx context.Context, sessionID int64) (*models.GameSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM game_sessions WHERE id = $1 FOR UPDATE`

	session, err := scanSession(t.tx.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, storageErr("lock session", err)
	}
	return session, nil
}

func (t *postgresTx) MarkSessionEnded(ctx context.Context, sessionID int64) error {
	const query = `UPDATE game_sessions SET status = 'ended' WHERE id = $1 AND status = 'active'`

	res, err := t.tx.ExecContext(ctx, query, sessionID)
	if err != nil {
		return storageErr("end session", err)
	}
	return expectOneRow(res, "end session")
}

func (t *postgresTx) LockPendingBets(ctx context.Context, sessionID int64) ([]models.PendingBet, error) {
	const query = `SELECT g.id, g.user_id, g.game_session_id, g.selected_number, g.bet_amount, g.created_at, u.username
		FROM games g
		JOIN users u ON u.id = g.user_id
		WHERE g.game_session_id = $1 AND g.result = 'pending'
		ORDER BY g.user_id, g.id
		FOR UPDATE OF g, u`

	rows, err := t.tx.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, storageErr("lock pending bets", err)
	}
	defer rows.Close()

	bets := make([]models.PendingBet, 0)
	for rows.Next() {
		var pb models.PendingBet
		if err := rows.Scan(&pb.ID, &pb.UserID, &pb.SessionID, &pb.SelectedNumber,
			&pb.Amount, &pb.CreatedAt, &pb.Username); err != nil {
			return nil, storageErr("lock pending bets", err)
		}
		pb.Result = models.BetResultPending
		bets = append(bets, pb)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("lock pending bets", err)
	}
	return bets, nil
}

func (t *postgresTx) ResolveBet(ctx context.Context, betID int64, result models.BetResult, winningNumber int) error {
	const query = `UPDATE games SET result = $1, winning_number = $2 WHERE id = $3 AND result = 'pending'`

	res, err := t.tx.ExecContext(ctx, query, string(result), winningNumber, betID)
	if err != nil {
		return storageErr("resolve bet", err)
	}
	return expectOneRow(res, "resolve bet")
}

func (t *postgresTx) CreditWallet(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	const query = `UPDATE users SET wallet_balance = wallet_balance + $1 WHERE id = $2 RETURNING wallet_balance`

	var balance decimal.Decimal
	if err := t.tx.QueryRowContext(ctx, query, amount, userID).Scan(&balance); err != nil {
		return decimal.Zero, storageErr("credit wallet", err)
	}
	return balance, nil
}

func (t *postgresTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	const query = `INSERT INTO transactions (user_id, type, amount, game_session_id, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`

	var sessionID sql.NullInt64
	if txn.SessionID != nil {
		sessionID = sql.NullInt64{Int64: *txn.SessionID, Valid: true}
	}

	err := t.tx.QueryRowContext(ctx, query, txn.UserID, string(txn.Type), txn.Amount, sessionID, txn.CreatedAt).Scan(&txn.ID)
	if err != nil {
		return storageErr("insert transaction", err)
	}
	return nil
}

func (t *postgresTx) InsertAdminLog(ctx context.Context, entry *models.AdminLog) error {
	const query = `INSERT INTO admin_logs (admin_id, action, details, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id`

	var adminID sql.NullInt64
	if entry.AdminID != nil {
		adminID = sql.NullInt64{Int64: *entry.AdminID, Valid: true}
	}

	err := t.tx.QueryRowContext(ctx, query, adminID, string(entry.Action), entry.Details, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return storageErr("insert admin log", err)
	}
	return nil
}

func (t *postgresTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return storageErr("commit", err)
	}
	return nil
}

func (t *postgresTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return storageErr("rollback", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.GameSession, error) {
	var (
		session models.GameSession
		status  string
		winning sql.NullInt64
	)
	if err := row.Scan(&session.ID, &session.Name, &session.StartTime, &session.EndTime,
		&status, &winning, &session.BettingTimeWindow); err != nil {
		return nil, err
	}
	session.Status = models.SessionStatus(status)
	session.WinningNumber = nullIntPtr(winning)
	return &session, nil
}

func nullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func expectOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n != 1 {
		return storageErr(op, fmt.Errorf("%w: %d rows affected", ErrConflict, n))
	}
	return nil
}

// isTransientPQ reports whether a Postgres error is worth retrying on the
// next tick: serialization failures, deadlocks, lock and statement timeouts,
// and dropped connections.
func isTransientPQ(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	switch pqErr.Code {
	case "40001", "40P01", "55P03", "57014":
		return true
	}
	return pqErr.Code.Class() == "08"
}

var _ LedgerStore = (*PostgresStore)(nil)
var _ LedgerTx = (*postgresTx)(nil)
