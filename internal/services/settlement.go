package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"numbers-betting-backend/internal/models"
	"numbers-betting-backend/internal/observability"
)

const DefaultSettlementTimeout = 30 * time.Second

// SettlementEngine ends game sessions and pays out their bets. All ledger
// writes for one session happen in a single transaction; subscribers are
// only told about a settlement after it has committed.
type SettlementEngine struct {
	store    LedgerStore
	notifier Notifier
	events   EventPublisher
	metrics  *observability.Metrics
	log      zerolog.Logger
	timeout  time.Duration
	now      func() time.Time

	flight singleflight.Group
}

type EngineOption func(*SettlementEngine)

func WithEventPublisher(p EventPublisher) EngineOption {
	return func(e *SettlementEngine) { e.events = p }
}

func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *SettlementEngine) { e.metrics = m }
}

func WithSettlementTimeout(d time.Duration) EngineOption {
	return func(e *SettlementEngine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *SettlementEngine) { e.now = now }
}

func NewSettlementEngine(store LedgerStore, notifier Notifier, log zerolog.Logger, opts ...EngineOption) *SettlementEngine {
	e := &SettlementEngine{
		store:    store,
		notifier: notifier,
		log:      log,
		timeout:  DefaultSettlementTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observability.NewMetrics()
	}
	return e
}

// SettleSession ends the session on behalf of the system and settles its
// pending bets. Settling an ended session returns a result with
// AlreadySettled set and changes nothing.
func (e *SettlementEngine) SettleSession(ctx context.Context, sessionID int64) (*models.SettlementResult, error) {
	return e.settle(ctx, sessionID, nil)
}

// EndSession is SettleSession triggered by an admin; the admin id is kept
// in the audit log.
func (e *SettlementEngine) EndSession(ctx context.Context, sessionID, adminID int64) (*models.SettlementResult, error) {
	return e.settle(ctx, sessionID, &adminID)
}

func (e *SettlementEngine) settle(ctx context.Context, sessionID int64, adminID *int64) (*models.SettlementResult, error) {
	v, err, _ := e.flight.Do(flightKey(sessionID, adminID), func() (interface{}, error) {
		return e.run(ctx, sessionID, adminID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.SettlementResult), nil
}

// flightKey separates system and admin triggers so an admin call never
// receives a result produced by another caller.
func flightKey(sessionID int64, adminID *int64) string {
	if adminID == nil {
		return strconv.FormatInt(sessionID, 10) + ":system"
	}
	return fmt.Sprintf("%d:admin:%d", sessionID, *adminID)
}

func (e *SettlementEngine) run(ctx context.Context, sessionID int64, adminID *int64) (*models.SettlementResult, error) {
	base := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithTimeout(base, e.timeout)
	defer cancel()

	start := time.Now()
	result, err := e.apply(runCtx, sessionID, adminID)
	e.metrics.SettlementDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		var se *StorageError
		if runCtx.Err() != nil && !errors.As(err, &se) {
			err = storageErr("settle", err)
		}
		e.recordFailure(sessionID, err)
		return nil, err
	}

	if result.AlreadySettled {
		e.metrics.Settlements.WithLabelValues("already_settled").Inc()
		e.log.Debug().Int64("session_id", sessionID).Msg("session already settled")
		return result, nil
	}

	e.recordSuccess(result)

	notifyCtx, cancelNotify := context.WithTimeout(base, e.timeout)
	defer cancelNotify()
	e.notify(notifyCtx, result)
	e.publishEvent(result)

	return result, nil
}

func (e *SettlementEngine) apply(ctx context.Context, sessionID int64, adminID *int64) (*models.SettlementResult, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil && !errors.Is(err, ErrTxDone) {
			e.log.Warn().Err(err).Int64("session_id", sessionID).Msg("rollback failed")
		}
	}()

	session, err := tx.LockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result := &models.SettlementResult{
		RunID:        uuid.New(),
		Session:      *session,
		Outcomes:     make([]models.BetOutcome, 0),
		Winners:      make([]models.WinnerSummary, 0),
		TotalStakes:  decimal.Zero,
		TotalPayouts: decimal.Zero,
	}

	if session.IsEnded() {
		result.AlreadySettled = true
		return result, nil
	}

	if session.HasWinningNumber() && !ValidNumber(*session.WinningNumber) {
		return nil, fmt.Errorf("session %d has winning number %d: %w", sessionID, *session.WinningNumber, ErrInvalidWinningNumber)
	}

	now := e.now()

	if err := tx.MarkSessionEnded(ctx, sessionID); err != nil {
		return nil, err
	}
	session.Status = models.SessionStatusEnded

	entry := &models.AdminLog{
		AdminID:   adminID,
		Action:    models.AdminActionEndGameSession,
		Details:   models.EndSessionDetails(session, adminID),
		CreatedAt: now,
	}
	if err := tx.InsertAdminLog(ctx, entry); err != nil {
		return nil, err
	}

	if session.HasWinningNumber() {
		if err := e.resolveBets(ctx, tx, result, *session.WinningNumber, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true

	result.Session = *session
	result.SettledAt = now
	return result, nil
}

func (e *SettlementEngine) resolveBets(ctx context.Context, tx LedgerTx, result *models.SettlementResult, winning int, now time.Time) error {
	sessionID := result.Session.ID

	bets, err := tx.LockPendingBets(ctx, sessionID)
	if err != nil {
		return err
	}

	winnerIdx := make(map[int64]int)
	for _, pb := range bets {
		ev := Evaluate(pb.SelectedNumber, winning, pb.Amount)

		if err := tx.ResolveBet(ctx, pb.ID, ev.Result, winning); err != nil {
			return err
		}

		outcome := models.BetOutcome{
			Bet:        pb.Bet,
			Username:   pb.Username,
			Multiplier: ev.Multiplier,
			Payout:     ev.Payout,
		}
		outcome.Result = ev.Result
		outcome.WinningNumber = models.IntPtr(winning)
		result.Outcomes = append(result.Outcomes, outcome)
		result.TotalStakes = result.TotalStakes.Add(pb.Amount)

		if !ev.Won() {
			continue
		}

		balance, err := tx.CreditWallet(ctx, pb.UserID, ev.Payout)
		if err != nil {
			return err
		}

		txn := &models.Transaction{
			UserID:    pb.UserID,
			Type:      models.TransactionTypeWin,
			Amount:    ev.Payout,
			SessionID: models.Int64Ptr(sessionID),
			CreatedAt: now,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		result.TotalPayouts = result.TotalPayouts.Add(ev.Payout)

		idx, ok := winnerIdx[pb.UserID]
		if !ok {
			idx = len(result.Winners)
			winnerIdx[pb.UserID] = idx
			result.Winners = append(result.Winners, models.WinnerSummary{
				UserID:   pb.UserID,
				Username: pb.Username,
				Payout:   decimal.Zero,
			})
		}
		result.Winners[idx].Payout = result.Winners[idx].Payout.Add(ev.Payout)
		result.Winners[idx].Balance = balance
	}

	return nil
}

// notify runs after commit. Each phase finishes for every recipient before
// the next one starts.
func (e *SettlementEngine) notify(ctx context.Context, result *models.SettlementResult) {
	session := result.Session

	ended := models.SessionEndedPayload{
		SessionID:     session.ID,
		WinningNumber: session.WinningNumber,
		GameName:      session.DisplayName(),
	}
	if !session.HasWinningNumber() {
		ended.Message = models.SessionEndedMessage(&session)
	}
	e.publish(models.MessageGameSessionEnd, func(msg *models.Notification) error {
		return e.notifier.Broadcast(msg)
	}, ended)

	if !session.HasWinningNumber() {
		return
	}

	for _, userID := range result.AffectedUsers() {
		payload := e.gameResult(ctx, result, userID)
		e.publish(models.MessageGameResult, func(msg *models.Notification) error {
			return e.notifier.PublishToUser(userID, msg)
		}, payload)
	}

	for _, w := range result.Winners {
		e.publish(models.MessageWinNotification, func(msg *models.Notification) error {
			return e.notifier.PublishToUser(w.UserID, msg)
		}, models.WinNotificationPayload{Message: models.WinMessage(w.Payout)})
	}

	for _, w := range result.Winners {
		e.publish(models.MessageBalanceUpdate, func(msg *models.Notification) error {
			return e.notifier.PublishToUser(w.UserID, msg)
		}, models.BalanceUpdatePayload{Balance: w.Balance})

		e.publish(models.MessageUserBalanceUpdate, func(msg *models.Notification) error {
			return e.notifier.PublishToAdmins(msg)
		}, models.UserBalanceUpdatePayload{UserID: w.UserID, Balance: w.Balance})
	}
}

func (e *SettlementEngine) gameResult(ctx context.Context, result *models.SettlementResult, userID int64) models.GameResultPayload {
	outcomes := result.OutcomesFor(userID)

	summary := models.GameResultSummary{
		UserID:        userID,
		GameSessionID: result.Session.ID,
		GameName:      result.Session.DisplayName(),
		WinningNumber: *result.Session.WinningNumber,
		Result:        models.BetResultLose,
		TotalStake:    decimal.Zero,
		TotalPayout:   decimal.Zero,
	}
	for _, o := range outcomes {
		summary.TotalStake = summary.TotalStake.Add(o.Amount)
		summary.TotalPayout = summary.TotalPayout.Add(o.Payout)
		if o.Result == models.BetResultWin {
			summary.Result = models.BetResultWin
		}
	}

	bets, err := e.store.UserBets(ctx, userID, result.Session.ID)
	if err != nil {
		e.log.Warn().Err(err).
			Int64("session_id", result.Session.ID).
			Int64("user_id", userID).
			Msg("failed to load user bets, sending settled bets only")

		bets = make([]models.Bet, 0, len(outcomes))
		for _, o := range outcomes {
			bets = append(bets, o.Bet)
		}
	}

	return models.GameResultPayload{Game: summary, UserBets: bets}
}

func (e *SettlementEngine) publish(typ models.MessageType, send func(*models.Notification) error, payload interface{}) {
	msg := &models.Notification{Type: typ, Payload: payload}
	if err := send(msg); err != nil {
		e.metrics.NotificationErrors.WithLabelValues(string(typ)).Inc()
		e.log.Warn().Err(err).Str("type", string(typ)).Msg("notification dropped")
	}
}

func (e *SettlementEngine) publishEvent(result *models.SettlementResult) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishSettlement(models.NewSessionSettledEvent(result)); err != nil {
		e.log.Warn().Err(err).Int64("session_id", result.Session.ID).Msg("failed to publish settlement event")
	}
}

// RefreshActiveSessions broadcasts the full list of sessions still open
// for betting.
func (e *SettlementEngine) RefreshActiveSessions(ctx context.Context) error {
	sessions, err := e.store.ActiveSessions(ctx, e.now())
	if err != nil {
		return err
	}

	e.publish(models.MessageActiveSessionsUpdate, func(msg *models.Notification) error {
		return e.notifier.Broadcast(msg)
	}, models.ActiveSessionsPayload{Sessions: sessions})
	return nil
}

func (e *SettlementEngine) recordSuccess(result *models.SettlementResult) {
	e.metrics.Settlements.WithLabelValues("settled").Inc()
	for _, o := range result.Outcomes {
		e.metrics.BetsResolved.WithLabelValues(string(o.Result)).Inc()
	}
	e.metrics.PayoutAmount.Add(result.TotalPayouts.InexactFloat64())

	e.log.Info().
		Str("run_id", result.RunID.String()).
		Int64("session_id", result.Session.ID).
		Bool("has_winning_number", result.Session.HasWinningNumber()).
		Int("bets", len(result.Outcomes)).
		Int("winners", len(result.Winners)).
		Str("total_stakes", models.FormatAmount(result.TotalStakes)).
		Str("total_payouts", models.FormatAmount(result.TotalPayouts)).
		Str("net_revenue", models.FormatAmount(result.NetRevenue())).
		Msg("session settled")
}

func (e *SettlementEngine) recordFailure(sessionID int64, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		e.metrics.Settlements.WithLabelValues("not_found").Inc()
		e.log.Warn().Int64("session_id", sessionID).Msg("session not found")
		return
	}

	e.metrics.Settlements.WithLabelValues("failed").Inc()
	e.log.Error().Err(err).Int64("session_id", sessionID).Msg("settlement failed")
}
