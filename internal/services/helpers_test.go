package services_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"numbers-betting-backend/internal/models"
	"numbers-betting-backend/internal/services"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

func quietLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type sentMessage struct {
	audience string
	userID   int64
	msg      *models.Notification
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[models.MessageType]bool
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{fail: make(map[models.MessageType]bool)}
}

func (r *recordingNotifier) record(audience string, userID int64, msg *models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[msg.Type] {
		return services.ErrNotifyQueueFull
	}
	r.sent = append(r.sent, sentMessage{audience: audience, userID: userID, msg: msg})
	return nil
}

func (r *recordingNotifier) Broadcast(msg *models.Notification) error {
	return r.record("all", 0, msg)
}

func (r *recordingNotifier) PublishToAdmins(msg *models.Notification) error {
	return r.record("admins", 0, msg)
}

func (r *recordingNotifier) PublishToUser(userID int64, msg *models.Notification) error {
	return r.record("user", userID, msg)
}

func (r *recordingNotifier) messages() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentMessage(nil), r.sent...)
}

func (r *recordingNotifier) count(typ models.MessageType) int {
	n := 0
	for _, m := range r.messages() {
		if m.msg.Type == typ {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) types() []models.MessageType {
	var out []models.MessageType
	for _, m := range r.messages() {
		out = append(out, m.msg.Type)
	}
	return out
}

var errInjected = errors.New("injected failure")

// failingStore wraps a ledger store and fails the named transaction step.
type failingStore struct {
	services.LedgerStore
	failOn string
}

func (f *failingStore) Begin(ctx context.Context) (services.LedgerTx, error) {
	tx, err := f.LedgerStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{LedgerTx: tx, failOn: f.failOn}, nil
}

type failingTx struct {
	services.LedgerTx
	failOn string
}

func (f *failingTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	if f.failOn == "insert_transaction" {
		return &services.StorageError{Op: "insert transaction", Err: errInjected, Transient: true}
	}
	return f.LedgerTx.InsertTransaction(ctx, txn)
}

func (f *failingTx) Commit() error {
	if f.failOn == "commit" {
		return &services.StorageError{Op: "commit", Err: errInjected, Transient: true}
	}
	return f.LedgerTx.Commit()
}

type s1Fixture struct {
	store   *services.MemoryStore
	session models.GameSession
	alice   models.User
	bob     models.User
	b1      models.Bet
	b2      models.Bet
}

// seedS1 creates a session ended at testNow with winning number 7, a bet on
// 7 by alice and a bet on 3 by bob.
func seedS1(t *testing.T) *s1Fixture {
	t.Helper()

	store := services.NewMemoryStore()
	f := &s1Fixture{store: store}

	f.alice = store.AddUser(models.User{Username: "alice", WalletBalance: decimal.RequireFromString("100.00")})
	f.bob = store.AddUser(models.User{Username: "bob", WalletBalance: decimal.RequireFromString("50.00")})
	f.session = store.AddSession(models.GameSession{
		Name:          "Evening Draw",
		StartTime:     testNow.Add(-time.Hour),
		EndTime:       testNow,
		WinningNumber: models.IntPtr(7),
	})
	f.b1 = store.AddBet(models.Bet{
		UserID:         f.alice.ID,
		SessionID:      f.session.ID,
		SelectedNumber: 7,
		Amount:         decimal.RequireFromString("10.00"),
	})
	f.b2 = store.AddBet(models.Bet{
		UserID:         f.bob.ID,
		SessionID:      f.session.ID,
		SelectedNumber: 3,
		Amount:         decimal.RequireFromString("20.00"),
	})
	return f
}
