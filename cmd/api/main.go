package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"numbers-betting-backend/internal/config"
	"numbers-betting-backend/internal/handlers"
	"numbers-betting-backend/internal/observability"
	"numbers-betting-backend/internal/services"
)

func main() {
	bootLog := observability.NewLogger("main", "info")

	if err := godotenv.Load(); err != nil {
		bootLog.Info().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}

	if err := run(cfg); err != nil {
		bootLog.Fatal().Err(err).Msg("Server stopped with error")
	}
}

func run(cfg *config.Config) error {
	log := observability.NewLogger("main", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	health.AddCheck("ledger", store.Ping)

	hub := handlers.NewWebSocketHub(observability.NewLogger("websocket", cfg.LogLevel))
	go hub.Run(ctx)

	var notifier services.Notifier = hub
	if cfg.NotifyBackend == config.NotifyBackendRedis {
		bus, err := services.NewRedisBus(cfg, observability.NewLogger("redis", cfg.LogLevel))
		if err != nil {
			return err
		}
		defer bus.Close()

		if err := bus.Relay(ctx, hub); err != nil {
			return err
		}
		notifier = bus
		health.AddCheck("redis", bus.Ping)
	}

	engineOpts := []services.EngineOption{
		services.WithMetrics(metrics),
		services.WithSettlementTimeout(cfg.SettlementTimeout),
	}
	if cfg.KafkaEnabled() {
		events := services.NewKafkaEventPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, observability.NewLogger("events", cfg.LogLevel))
		defer events.Close()
		engineOpts = append(engineOpts, services.WithEventPublisher(events))
	}

	engine := services.NewSettlementEngine(store, notifier, observability.NewLogger("settlement", cfg.LogLevel), engineOpts...)

	scheduler := services.NewSessionScheduler(store, engine, observability.NewLogger("scheduler", cfg.LogLevel),
		services.WithSchedule(cfg.SchedulerSpec),
		services.WithConcurrency(cfg.SettleConcurrency),
		services.WithSchedulerMetrics(metrics),
	)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	httpLog := observability.NewLogger("http", cfg.LogLevel)
	router := handlers.NewRouter(handlers.RouterConfig{
		JWT:      services.NewJWTService(cfg),
		WS:       handlers.NewWebSocketHandler(hub, httpLog),
		Sessions: handlers.NewSessionHandler(engine, store, httpLog),
		Users:    handlers.NewUserHandler(store, httpLog),
		Metrics:  metrics.Handler(),
		Health:   health,
		Log:      httpLog,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		health.SetReady(true)
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreBackend).Str("notify", cfg.NotifyBackend).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	health.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SettlementTimeout+5*time.Second)
	defer cancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Scheduler did not stop cleanly")
	}
	return server.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (services.LedgerStore, func(), error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		log.Warn().Msg("Using in-memory ledger, data is lost on restart")
		return services.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, err
	}

	if cfg.DBAutoMigrate {
		if err := services.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info().Msg("Database schema ensured")
	}

	return services.NewPostgresStore(db, cfg.DBLockTimeout), func() { db.Close() }, nil
}
