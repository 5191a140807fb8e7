package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"numbers-betting-backend/internal/models"
	"numbers-betting-backend/internal/observability"
)

const DefaultSchedulerSpec = "@every 1m"

// Settler is the part of the settlement engine the scheduler drives.
type Settler interface {
	SettleSession(ctx context.Context, sessionID int64) (*models.SettlementResult, error)
	RefreshActiveSessions(ctx context.Context) error
}

type TickFailure struct {
	SessionID int64
	Err       error
}

// TickReport summarises one scheduler pass.
type TickReport struct {
	Due            int
	Settled        int
	AlreadySettled int
	Failed         []TickFailure
}

type SessionScheduler struct {
	store       LedgerStore
	settler     Settler
	metrics     *observability.Metrics
	log         zerolog.Logger
	spec        string
	concurrency int
	now         func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

type SchedulerOption func(*SessionScheduler)

func WithSchedule(spec string) SchedulerOption {
	return func(s *SessionScheduler) {
		if spec != "" {
			s.spec = spec
		}
	}
}

func WithConcurrency(n int) SchedulerOption {
	return func(s *SessionScheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithSchedulerMetrics(m *observability.Metrics) SchedulerOption {
	return func(s *SessionScheduler) { s.metrics = m }
}

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *SessionScheduler) { s.now = now }
}

func NewSessionScheduler(store LedgerStore, settler Settler, log zerolog.Logger, opts ...SchedulerOption) *SessionScheduler {
	s := &SessionScheduler{
		store:       store,
		settler:     settler,
		log:         log,
		spec:        DefaultSchedulerSpec,
		concurrency: 1,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics()
	}
	return s
}

// Tick settles every session that is past its end time and still active,
// then rebroadcasts the open sessions if anything was due. A failed session
// does not stop the rest of the batch; it stays active and is picked up
// again on the next tick.
func (s *SessionScheduler) Tick(ctx context.Context) (*TickReport, error) {
	s.metrics.SchedulerTicks.Inc()

	due, err := s.store.DueSessions(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list due sessions")
		return nil, fmt.Errorf("list due sessions: %w", err)
	}

	report := &TickReport{Due: len(due)}
	s.metrics.SchedulerDue.Set(float64(len(due)))
	if len(due) == 0 {
		return report, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for _, session := range due {
		g.Go(func() error {
			result, err := s.settler.SettleSession(ctx, session.ID)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err != nil:
				report.Failed = append(report.Failed, TickFailure{SessionID: session.ID, Err: err})
				s.metrics.SchedulerFailures.Inc()
				s.logFailure(session.ID, err)
			case result.AlreadySettled:
				report.AlreadySettled++
			default:
				report.Settled++
			}
			return nil
		})
	}
	g.Wait()

	if err := s.settler.RefreshActiveSessions(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to broadcast active sessions")
	}

	s.log.Info().
		Int("due", report.Due).
		Int("settled", report.Settled).
		Int("already_settled", report.AlreadySettled).
		Int("failed", len(report.Failed)).
		Msg("scheduler tick complete")

	return report, nil
}

func (s *SessionScheduler) logFailure(sessionID int64, err error) {
	event := s.log.Error()
	var se *StorageError
	if errors.As(err, &se) {
		event = event.Bool("transient", se.Transient)
	}
	event.Err(err).Int64("session_id", sessionID).Msg("failed to settle due session")
}

// Start registers the tick on the cron schedule. A tick that is still
// running when the next one fires causes that one to be skipped.
func (s *SessionScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddJob(s.spec, &settleDueJob{scheduler: s, ctx: runCtx}); err != nil {
		cancel()
		return fmt.Errorf("invalid schedule %q: %w", s.spec, err)
	}

	s.cron = c
	s.cancel = cancel
	c.Start()

	s.log.Info().Str("spec", s.spec).Int("concurrency", s.concurrency).Msg("session scheduler started")
	return nil
}

// Stop stops scheduling new ticks and waits for a running tick to finish or
// for ctx to expire.
func (s *SessionScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		cancel()
		s.log.Info().Msg("session scheduler stopped")
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

type settleDueJob struct {
	scheduler *SessionScheduler
	ctx       context.Context
}

func (j *settleDueJob) Run() {
	if j.ctx.Err() != nil {
		return
	}
	j.scheduler.Tick(j.ctx)
}

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
