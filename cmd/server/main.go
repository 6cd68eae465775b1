package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wmaynard/chat-service-sub000/internal/api"
	"github.com/wmaynard/chat-service-sub000/internal/api/middleware"
	"github.com/wmaynard/chat-service-sub000/internal/clock"
	"github.com/wmaynard/chat-service-sub000/internal/config"
	"github.com/wmaynard/chat-service-sub000/internal/engine"
	"github.com/wmaynard/chat-service-sub000/internal/handlers"
	"github.com/wmaynard/chat-service-sub000/internal/ids"
	"github.com/wmaynard/chat-service-sub000/internal/notify"
	"github.com/wmaynard/chat-service-sub000/internal/store"
	"github.com/wmaynard/chat-service-sub000/internal/sweep"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx := context.Background()
	checks := map[string]handlers.Pinger{}

	// Redis backs presence, leases, rate limits and event fan-out whenever it
	// is configured, whatever the room store is.
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		checks["redis"] = redisStore
		logger.Info().Msg("connected to Redis")
	}

	memory := store.NewMemoryStore()
	var rooms store.RoomStore
	switch cfg.Store {
	case "memory":
		rooms = memory
	case "redis":
		if redisStore == nil {
			logger.Fatal().Msg("STORE=redis requires REDIS_URL")
		}
		rooms = redisStore
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		rooms = pg
		checks["postgres"] = pg
		logger.Info().Msg("connected to PostgreSQL")
	case "sqlite":
		sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		rooms = sq
		checks["sqlite"] = sq
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite database")
	default:
		logger.Fatal().Str("store", cfg.Store).Msg("unknown STORE")
	}
	defer rooms.Close()

	var presence store.PresenceStore = memory
	var locker store.Locker = memory
	if redisStore != nil {
		presence = redisStore
		locker = redisStore
	} else if cfg.Store != "memory" {
		logger.Warn().Msg("REDIS_URL not set: presence and sweep leases are local to this instance")
	}

	// Event sinks
	var sinks []notify.Sink
	if cfg.IsDevelopment() {
		sinks = append(sinks, notify.LogSink{Logger: logger})
	}
	if redisStore != nil {
		sinks = append(sinks, notify.RedisSink{Client: redisStore.Client(), Prefix: "chat:events:"})
	}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("chat-service"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn().Err(err).Msg("nats disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
			}),
		)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connection failed")
		}
		defer nc.Drain()
		sinks = append(sinks, notify.NATSSink{Conn: nc, Subject: "chat.events"})
		checks["nats"] = natsPinger{nc}
		logger.Info().Msg("connected to NATS")
	}
	dispatcher := notify.NewDispatcher(logger, 4096, sinks...)
	defer dispatcher.Close()

	// Engine and sweeps
	clk := clock.Real()
	dir := engine.New(engine.Deps{
		Rooms:    rooms,
		Live:     cfg.Live,
		Notifier: dispatcher,
		Clock:    clk,
		Logger:   logger.With().Str("component", "engine").Logger(),
	})

	sweepLogger := logger.With().Str("component", "sweep").Logger()
	tracker := sweep.NewPresenceTracker(presence, dir, cfg.Live, dispatcher, clk, sweepLogger)
	scheduler := sweep.NewScheduler(locker, ids.NewOwnerID(), clk, sweepLogger)
	scheduler.Add(tracker.Job())
	scheduler.Add(sweep.NewStickyExpirer(rooms, cfg.Live, clk, sweepLogger).Job())
	scheduler.Add(sweep.NewRoomReaper(rooms, cfg.Live, dispatcher, clk, sweepLogger).Job())

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	scheduler.Start(sweepCtx)

	// HTTP
	var limiterClient *redis.Client
	if redisStore != nil {
		limiterClient = redisStore.Client()
	}
	router := api.NewRouter(api.RouterDeps{
		Logger:  logger,
		Handler: handlers.NewHandler(dir, checks, scheduler, logger),
		Auth:    middleware.NewAuthMiddleware(cfg.JWTSecret, tracker, logger),
		Limiter: middleware.NewRateLimiter(limiterClient, logger, middleware.RateLimiterConfig{
			MessagesPerMinute: cfg.RateLimitMessages,
			Whitelist:         cfg.RateLimitWhitelist,
			AutoBlockEnabled:  !cfg.IsDevelopment(),
		}),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("store", cfg.Store).
			Msg("starting chat server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for a shutdown signal, reloading live settings on SIGHUP
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s != syscall.SIGHUP {
			break
		}
		if err := cfg.Live.Reload(); err != nil {
			logger.Error().Err(err).Msg("config reload rejected some values")
		} else {
			logger.Info().
				Int("global_capacity", cfg.Live.GlobalCapacity()).
				Dur("presence_threshold", cfg.Live.PresenceThreshold()).
				Dur("reaper_threshold", cfg.Live.ReaperThreshold()).
				Str("sticky_cron", cfg.Live.StickyCron()).
				Msg("config reloaded")
		}
	}

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	stopSweeps()
	scheduler.Wait()

	logger.Info().Msg("server stopped")
}

type natsPinger struct {
	conn *nats.Conn
}

func (p natsPinger) Ping(ctx context.Context) error {
	if !p.conn.IsConnected() {
		return errors.New("nats not connected")
	}
	return p.conn.FlushWithContext(ctx)
}
