package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/sketchsync/internal/api"
	"github.com/manpreetbhatti/sketchsync/internal/auth"
	"github.com/manpreetbhatti/sketchsync/internal/compaction"
	"github.com/manpreetbhatti/sketchsync/internal/config"
	"github.com/manpreetbhatti/sketchsync/internal/db"
	"github.com/manpreetbhatti/sketchsync/internal/notify"
	"github.com/manpreetbhatti/sketchsync/internal/ratelimit"
	"github.com/manpreetbhatti/sketchsync/internal/strokelog"
	"github.com/manpreetbhatti/sketchsync/internal/ws"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stdout)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	strokes, closeStrokes, err := openStrokeLog(ctx, cfg, database)
	if err != nil {
		return err
	}
	defer closeStrokes()

	var compactor *compaction.Service
	if cfg.StoreBackend == config.StoreSQLite {
		compactor = compaction.New(database, compaction.Config{
			Interval:        cfg.CompactionInterval,
			EventThreshold:  cfg.CompactionThreshold,
			SessionsPerPass: compaction.DefaultConfig().SessionsPerPass,
		}, logger)
		compactor.Start()
		defer compactor.Stop()
	}

	reporter, closeReporter := newReporter(cfg, logger)
	defer closeReporter()

	hub := ws.NewHub(strokes, reporter, ws.Config{
		SendQueueSize:     cfg.SendQueueSize,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
		CursorPerSecond:   cfg.CursorPerSecond,
		AbuseThreshold:    ws.DefaultConfig().AbuseThreshold,
		StoreTimeout:      cfg.StoreTimeout,
		PaletteSeed:       cfg.PaletteSeed,
		CheckOrigin:       cfg.OriginAllowed,
	}, logger)
	defer hub.Shutdown()

	limiters := ratelimit.NewClientLimiters(1, 10)
	defer limiters.Stop()

	provider := auth.DemoProvider{Required: cfg.RequireAuth}
	handler := api.New(hub, database, strokes, provider, limiters, logger)
	router := api.NewRouter(handler, func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, provider, w, r)
	}, cfg.OriginAllowed)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🎨 sketchsync server starting",
			"addr", server.Addr,
			"env", cfg.Env,
			"store", cfg.StoreBackend,
			"db", cfg.DBPath,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	return nil
}

// openStrokeLog selects the stroke store. Session metadata stays in sqlite
// whatever the backend.
func openStrokeLog(ctx context.Context, cfg *config.Config, database *db.Database) (strokelog.Log, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return strokelog.NewRedis(client, cfg.RedisKeyPrefix), func() { client.Close() }, nil
	case config.StoreMemory:
		return strokelog.NewMemory(), func() {}, nil
	default:
		return database, func() {}, nil
	}
}

// newReporter always logs; AMQP publishing is added when a broker is
// configured and reachable.
func newReporter(cfg *config.Config, logger *slog.Logger) (notify.Reporter, func()) {
	logReporter := notify.NewLogReporter(logger)
	if cfg.AMQPURL == "" {
		return logReporter, func() {}
	}

	publisher, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue, 1024, 2*time.Second, logger)
	if err != nil {
		logger.Error("event publishing disabled", "error", err)
		return logReporter, func() {}
	}
	return notify.Multi{logReporter, publisher}, func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("closing event publisher", "error", err)
		}
	}
}
