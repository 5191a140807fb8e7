package services

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"numbers-betting-backend/internal/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewPostgresStore(db, 2*time.Second), mock
}

func sessionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "game_name", "start_time", "end_time", "status", "winning_number", "betting_time_window"})
}

func TestPostgresStoreLockSession(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	end := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout = '2000ms'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM game_sessions WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(5)).
		WillReturnRows(sessionRows().AddRow(int64(5), "Evening Draw", end.Add(-time.Hour), end, "active", int64(0), 60))
	mock.ExpectQuery(regexp.QuoteMeta("FROM game_sessions WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(6)).
		WillReturnRows(sessionRows())
	mock.ExpectRollback()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	session, err := tx.LockSession(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "Evening Draw", session.Name)
	assert.Equal(t, models.SessionStatusActive, session.Status)
	require.NotNil(t, session.WinningNumber)
	assert.Equal(t, 0, *session.WinningNumber)
	assert.Equal(t, 60, session.BettingTimeWindow)

	_, err = tx.LockSession(ctx, 6)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreMarkSessionEndedConflict(t *testing.T) {
	store, mock := newMockStore(t)
	store.lockTimeout = 0
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE game_sessions SET status = 'ended' WHERE id = $1 AND status = 'active'")).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	err = tx.MarkSessionEnded(ctx, 9)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Transient)
	assert.Equal(t, "end session", se.Op)

	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSettlementWrites(t *testing.T) {
	store, mock := newMockStore(t)
	store.lockTimeout = 0
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE OF g, u")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "game_session_id", "selected_number", "bet_amount", "created_at", "username"}).
			AddRow(int64(11), int64(1), int64(3), 7, "10.00", created, "alice").
			AddRow(int64(12), int64(2), int64(3), 3, "5.00", created, "bob"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE games SET result = $1, winning_number = $2 WHERE id = $3 AND result = 'pending'")).
		WithArgs("win", 7, int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE users SET wallet_balance = wallet_balance + $1 WHERE id = $2 RETURNING wallet_balance")).
		WithArgs("90", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"wallet_balance"}).AddRow("190.00"))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO transactions")).
		WithArgs(int64(1), "win", "90", int64(3), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(501)))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO admin_logs")).
		WithArgs(nil, "end_game_session", "Game session auto-ended: Session ID 3, Winning number: 7", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(77)))
	mock.ExpectCommit()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	bets, err := tx.LockPendingBets(ctx, 3)
	require.NoError(t, err)
	require.Len(t, bets, 2)
	assert.Equal(t, "alice", bets[0].Username)
	assert.True(t, bets[0].Amount.Equal(decimal.RequireFromString("10")))
	assert.Equal(t, models.BetResultPending, bets[1].Result)

	require.NoError(t, tx.ResolveBet(ctx, 11, models.BetResultWin, 7))

	balance, err := tx.CreditWallet(ctx, 1, decimal.RequireFromString("90.00"))
	require.NoError(t, err)
	assert.Equal(t, "190.00", models.FormatAmount(balance))

	txn := &models.Transaction{
		UserID:    1,
		Type:      models.TransactionTypeWin,
		Amount:    decimal.RequireFromString("90.00"),
		SessionID: models.Int64Ptr(3),
		CreatedAt: created,
	}
	require.NoError(t, tx.InsertTransaction(ctx, txn))
	assert.Equal(t, int64(501), txn.ID)

	session := &models.GameSession{ID: 3, WinningNumber: models.IntPtr(7)}
	entry := &models.AdminLog{
		Action:    models.AdminActionEndGameSession,
		Details:   models.EndSessionDetails(session, nil),
		CreatedAt: created,
	}
	require.NoError(t, tx.InsertAdminLog(ctx, entry))
	assert.Equal(t, int64(77), entry.ID)

	require.NoError(t, tx.Commit())
	assert.ErrorIs(t, tx.Rollback(), ErrTxDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreQueries(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'active' AND end_time <= $1")).
		WithArgs(now).
		WillReturnRows(sessionRows().
			AddRow(int64(1), "", now.Add(-2*time.Hour), now.Add(-time.Minute), "active", nil, 0).
			AddRow(int64(2), "Noon", now.Add(-time.Hour), now, "active", int64(42), 60))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'active' AND end_time > $1")).
		WithArgs(now).
		WillReturnRows(sessionRows())
	mock.ExpectQuery(regexp.QuoteMeta("FROM games WHERE user_id = $1 AND game_session_id = $2")).
		WithArgs(int64(4), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "game_session_id", "selected_number", "bet_amount", "result", "winning_number", "created_at"}).
			AddRow(int64(20), int64(4), int64(2), 42, "5.00", "win", int64(42), now))
	mock.ExpectQuery(regexp.QuoteMeta("end_time <= $1")).
		WithArgs(now).
		WillReturnError(&pq.Error{Code: "40P01"})

	due, err := store.DueSessions(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Nil(t, due[0].WinningNumber)
	assert.Equal(t, "Session ID 1", due[0].DisplayName())
	assert.Equal(t, 42, *due[1].WinningNumber)

	active, err := store.ActiveSessions(ctx, now)
	require.NoError(t, err)
	assert.NotNil(t, active)
	assert.Empty(t, active)

	bets, err := store.UserBets(ctx, 4, 2)
	require.NoError(t, err)
	require.Len(t, bets, 1)
	assert.Equal(t, models.BetResultWin, bets[0].Result)

	_, err = store.DueSessions(ctx, now)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Transient)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pq.Error{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"lock timeout", &pq.Error{Code: "55P03"}, true},
		{"query canceled", &pq.Error{Code: "57014"}, true},
		{"connection failure", &pq.Error{Code: "08006"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"conflict", ErrConflict, true},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestEnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, EnsureSchema(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db, 0)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	err = store.Ping(context.Background())
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ping", se.Op)

	assert.NoError(t, mock.ExpectationsWereMet())
}
