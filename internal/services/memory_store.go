package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"numbers-betting-backend/internal/models"
)

// MemoryStore keeps the ledger in process. Row locks are held per session
// and per user until the owning transaction commits or rolls back; writes
// are staged on the transaction and only become visible on commit.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]models.GameSession
	bets     map[int64]models.Bet
	users    map[int64]models.User
	txs      []models.Transaction
	logs     []models.AdminLog

	nextID int64

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[int64]models.GameSession),
		bets:     make(map[int64]models.Bet),
		users:    make(map[int64]models.User),
		locks:    make(map[string]chan struct{}),
	}
}

func (m *MemoryStore) AddUser(u models.User) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.ID == 0 {
		u.ID = m.allocID()
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	m.users[u.ID] = u
	return u
}

func (m *MemoryStore) AddSession(s models.GameSession) models.GameSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == 0 {
		s.ID = m.allocID()
	}
	if s.Status == "" {
		s.Status = models.SessionStatusActive
	}
	m.sessions[s.ID] = s
	return s
}

func (m *MemoryStore) AddBet(b models.Bet) models.Bet {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.ID == 0 {
		b.ID = m.allocID()
	}
	if b.Result == "" {
		b.Result = models.BetResultPending
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	m.bets[b.ID] = b
	return b
}

func (m *MemoryStore) Session(id int64) (models.GameSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *MemoryStore) Bet(id int64) (models.Bet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bets[id]
	return b, ok
}

func (m *MemoryStore) User(id int64) (models.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok
}

func (m *MemoryStore) Transactions() []models.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Transaction(nil), m.txs...)
}

func (m *MemoryStore) AdminLogs() []models.AdminLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AdminLog(nil), m.logs...)
}

// allocID must be called with mu held.
func (m *MemoryStore) allocID() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Begin(ctx context.Context) (LedgerTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("begin", err)
	}
	return &memoryTx{
		store:   m,
		held:    make(map[string]bool),
		ended:   make(map[int64]bool),
		results: make(map[int64]resolvedBet),
		credits: make(map[int64]decimal.Decimal),
	}, nil
}

func (m *MemoryStore) DueSessions(ctx context.Context, now time.Time) ([]models.GameSession, error) {
	return m.filterSessions(func(s models.GameSession) bool {
		return s.Status == models.SessionStatusActive && !s.EndTime.After(now)
	}), nil
}

func (m *MemoryStore) ActiveSessions(ctx context.Context, now time.Time) ([]models.GameSession, error) {
	return m.filterSessions(func(s models.GameSession) bool {
		return s.Status == models.SessionStatusActive && s.EndTime.After(now)
	}), nil
}

func (m *MemoryStore) filterSessions(keep func(models.GameSession) bool) []models.GameSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.GameSession, 0)
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndTime.Equal(out[j].EndTime) {
			return out[i].EndTime.Before(out[j].EndTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) UserBets(ctx context.Context, userID, sessionID int64) ([]models.Bet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Bet, 0)
	for _, b := range m.bets {
		if b.UserID == userID && b.SessionID == sessionID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) lockRow(ctx context.Context, key string) error {
	m.locksMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[key] = l
	}
	m.locksMu.Unlock()

	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryStore) unlockRow(key string) {
	m.locksMu.Lock()
	l := m.locks[key]
	m.locksMu.Unlock()
	<-l
}

type resolvedBet struct {
	result        models.BetResult
	winningNumber int
}

type memoryTx struct {
	store *MemoryStore
	held  map[string]bool
	order []string
	done  bool

	ended   map[int64]bool
	results map[int64]resolvedBet
	credits map[int64]decimal.Decimal
	txs     []models.Transaction
	logs    []models.AdminLog
}

func (t *memoryTx) lock(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.store.lockRow(ctx, key); err != nil {
		return err
	}
	t.held[key] = true
	t.order = append(t.order, key)
	return nil
}

func (t *memoryTx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.store.unlockRow(t.order[i])
	}
	t.order = nil
	t.held = make(map[string]bool)
}

func (t *memoryTx) LockSession(ctx context.Context, sessionID int64) (*models.GameSession, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if err := t.lock(ctx, fmt.Sprintf("session:%d", sessionID)); err != nil {
		return nil, storageErr("lock session", err)
	}

	s, ok := t.store.Session(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %d: %w", sessionID, ErrSessionNotFound)
	}
	if t.ended[sessionID] {
		s.Status = models.SessionStatusEnded
	}
	return &s, nil
}

func (t *memoryTx) MarkSessionEnded(ctx context.Context, sessionID int64) error {
	if t.done {
		return ErrTxDone
	}
	s, ok := t.store.Session(sessionID)
	if !ok || s.Status != models.SessionStatusActive || t.ended[sessionID] {
		return storageErr("end session", fmt.Errorf("%w: session %d not active", ErrConflict, sessionID))
	}
	t.ended[sessionID] = true
	return nil
}

func (t *memoryTx) LockPendingBets(ctx context.Context, sessionID int64) ([]models.PendingBet, error) {
	if t.done {
		return nil, ErrTxDone
	}

	t.store.mu.RLock()
	var bets []models.PendingBet
	for _, b := range t.store.bets {
		if b.SessionID != sessionID || b.Result != models.BetResultPending {
			continue
		}
		if _, staged := t.results[b.ID]; staged {
			continue
		}
		bets = append(bets, models.PendingBet{Bet: b, Username: t.store.users[b.UserID].Username})
	}
	t.store.mu.RUnlock()

	sort.Slice(bets, func(i, j int) bool {
		if bets[i].UserID != bets[j].UserID {
			return bets[i].UserID < bets[j].UserID
		}
		return bets[i].ID < bets[j].ID
	})

	for _, b := range bets {
		if err := t.lock(ctx, fmt.Sprintf("user:%d", b.UserID)); err != nil {
			return nil, storageErr("lock pending bets", err)
		}
	}

	if bets == nil {
		bets = make([]models.PendingBet, 0)
	}
	return bets, nil
}

func (t *memoryTx) ResolveBet(ctx context.Context, betID int64, result models.BetResult, winningNumber int) error {
	if t.done {
		return ErrTxDone
	}
	b, ok := t.store.Bet(betID)
	if _, staged := t.results[betID]; !ok || staged || b.Result != models.BetResultPending {
		return storageErr("resolve bet", fmt.Errorf("%w: bet %d not pending", ErrConflict, betID))
	}
	t.results[betID] = resolvedBet{result: result, winningNumber: winningNumber}
	return nil
}

func (t *memoryTx) CreditWallet(ctx context.Context, userID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if t.done {
		return decimal.Zero, ErrTxDone
	}
	if err := t.lock(ctx, fmt.Sprintf("user:%d", userID)); err != nil {
		return decimal.Zero, storageErr("credit wallet", err)
	}

	u, ok := t.store.User(userID)
	if !ok {
		return decimal.Zero, storageErr("credit wallet", fmt.Errorf("user %d not found", userID))
	}

	t.credits[userID] = t.credits[userID].Add(amount)
	return u.WalletBalance.Add(t.credits[userID]), nil
}

func (t *memoryTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	if t.done {
		return ErrTxDone
	}
	t.store.mu.Lock()
	txn.ID = t.store.allocID()
	t.store.mu.Unlock()

	t.txs = append(t.txs, *txn)
	return nil
}

func (t *memoryTx) InsertAdminLog(ctx context.Context, entry *models.AdminLog) error {
	if t.done {
		return ErrTxDone
	}
	t.store.mu.Lock()
	entry.ID = t.store.allocID()
	t.store.mu.Unlock()

	t.logs = append(t.logs, *entry)
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.release()

	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range t.ended {
		s := m.sessions[id]
		s.Status = models.SessionStatusEnded
		m.sessions[id] = s
	}
	for id, r := range t.results {
		b := m.bets[id]
		b.Result = r.result
		b.WinningNumber = models.IntPtr(r.winningNumber)
		m.bets[id] = b
	}
	for id, amount := range t.credits {
		u := m.users[id]
		u.WalletBalance = u.WalletBalance.Add(amount)
		m.users[id] = u
	}
	m.txs = append(m.txs, t.txs...)
	m.logs = append(m.logs, t.logs...)
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.release()
	return nil
}

var _ LedgerStore = (*MemoryStore)(nil)
var _ LedgerTx = (*memoryTx)(nil)
