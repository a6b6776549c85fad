package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/glowcore/internal/ai"
	"github.com/dukerupert/glowcore/internal/alert"
	"github.com/dukerupert/glowcore/internal/assistant"
	"github.com/dukerupert/glowcore/internal/audience"
	"github.com/dukerupert/glowcore/internal/backup"
	"github.com/dukerupert/glowcore/internal/config"
	"github.com/dukerupert/glowcore/internal/database"
	"github.com/dukerupert/glowcore/internal/devices"
	"github.com/dukerupert/glowcore/internal/fanout"
	"github.com/dukerupert/glowcore/internal/keypool"
	"github.com/dukerupert/glowcore/internal/ledger"
	"github.com/dukerupert/glowcore/internal/logging"
	"github.com/dukerupert/glowcore/internal/middleware"
	"github.com/dukerupert/glowcore/internal/model"
	"github.com/dukerupert/glowcore/internal/push"
	"github.com/dukerupert/glowcore/internal/scheduler"
	"github.com/dukerupert/glowcore/internal/secret"
	"github.com/dukerupert/glowcore/internal/server"
	"github.com/dukerupert/glowcore/internal/store"
	ws "github.com/dukerupert/glowcore/internal/websocket"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "vapid-keys" {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintln(os.Stderr, "generate vapid keys:", err)
			os.Exit(1)
		}
		fmt.Printf("GLOW_VAPID_PUBLIC_KEY=%s\nGLOW_VAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if len(os.Args) > 1 && os.Args[1] == "restore" {
		if len(os.Args) != 4 {
			fmt.Fprintln(os.Stderr, "usage: glowcore restore <backup-key> <destination.db>")
			os.Exit(2)
		}
		if err := restore(cfg, logger, os.Args[2], os.Args[3]); err != nil {
			logger.Error("restore failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("glowcore exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	logger.Info("database ready", "dialect", db.Dialect())

	sealer, err := secret.NewSealer(cfg.SecretPassphrase, cfg.SecretSalt)
	if err != nil {
		return fmt.Errorf("create secret sealer: %w", err)
	}
	if !sealer.Enabled() {
		logger.Warn("GLOW_SECRET_PASSPHRASE not set, api key secrets are stored unsealed")
	}

	hub := ws.NewHub(logger.With("component", "websocket"))
	publisher := ws.NewPublisher(hub)

	var alertSender alert.Sender = alert.LogSender{Logger: logger.With("component", "alert")}
	if cfg.AlertsConfigured() {
		pm, err := alert.NewPostmark(cfg.Alert.PostmarkServerToken, cfg.Alert.PostmarkAccountToken, cfg.Alert.From, cfg.Alert.To)
		if err != nil {
			return fmt.Errorf("configure alerts: %w", err)
		}
		alertSender = pm
	}
	notifier := alert.NewNotifier(alertSender, logger.With("component", "alert"))
	defer notifier.Wait()

	pool := keypool.New(
		store.NewAPIKeyStore(db),
		sealer,
		keypool.Config{
			CooldownBase:     cfg.Pool.CooldownBase,
			CooldownMax:      cfg.Pool.CooldownMax,
			JitterPercent:    cfg.Pool.JitterPercent,
			LeaseTTL:         cfg.Pool.LeaseTTL,
			DeactivateAfter:  cfg.Pool.DeactivateAfter,
			MaxClaimAttempts: cfg.Pool.MaxClaimAttempts,
		},
		keypool.Observers{notifier, publisher},
		logger.With("component", "keypool"),
	)

	registry := devices.NewRegistry(store.NewDeviceTokenStore(db), logger.With("component", "devices"))
	notifications := store.NewNotificationStore(db)
	resolver := audience.NewResolver(notifications, registry, logger.With("component", "audience"))

	provider, err := newPushRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	dispatcher := fanout.New(
		notifications,
		resolver,
		registry,
		ledger.New(store.NewDeliveryStore(db), logger.With("component", "ledger")),
		provider,
		fanout.Config{
			MaxBatchSize: cfg.Fanout.MaxBatchSize,
			Concurrency:  cfg.Fanout.Concurrency,
			MaxRetries:   cfg.Fanout.MaxRetries,
			RetryBase:    cfg.Fanout.RetryBase,
			CallTimeout:  cfg.Fanout.CallTimeout,
			SendLease:    cfg.Fanout.SendLease,
			SendDeadline: cfg.Fanout.SendDeadline,
		},
		fanout.Observers{notifier, publisher},
		logger.With("component", "fanout"),
	)

	responder := assistant.New(pool, ai.NewGemini(cfg.AI.Model), cfg.AI.MaxAttempts, logger.With("component", "assistant"))

	backups := newBackupManager(cfg, db, sealer, publisher.BackupStatus, logger)
	if db.Dialect() == database.DialectSQLite && cfg.BackupConfigured() {
		backups.Start(ctx)
		defer backups.Stop()
	}

	limiter, cleaners, closeLimiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	srv := server.New(db, pool, registry, dispatcher, responder, hub, server.Options{
		AdminToken:         cfg.AdminToken,
		WSOrigins:          cfg.WSOrigins,
		RegisterRateLimit:  cfg.RegisterRateLimit,
		RegisterRateWindow: cfg.RegisterRateWindow,
		WSTicketTTL:        cfg.WSTicketTTL,
		Backups:            backups,
		Limiter:            limiter,
	}, logger)
	if cfg.AdminToken == "" {
		logger.Warn("GLOW_ADMIN_TOKEN not set, /api is unauthenticated")
	}

	sched := scheduler.New(dispatcher, registry, cfg.Schedule.Interval, cfg.Schedule.PruneInterval,
		logger.With("component", "scheduler"), cleaners...)
	sched.Start(ctx)
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Sends run inside the request and are bounded by the send deadline.
		WriteTimeout: cfg.Fanout.SendDeadline + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("glowcore listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// newLimiter shares registration rate limits through Redis when configured.
// The in-memory fallback is returned as a cleaner for the scheduler.
func newLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (middleware.Limiter, []scheduler.Cleaner, func(), error) {
	if cfg.RedisURL == "" {
		mem := middleware.NewRateLimiter()
		return mem, []scheduler.Cleaner{mem}, func() {}, nil
	}
	client, err := connectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info("rate limits shared through redis")
	return middleware.NewRedisLimiter(client, logger.With("component", "ratelimit")), nil, func() { client.Close() }, nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func newBackupManager(cfg *config.Config, db *database.DB, sealer backup.Sealer, callback backup.StatusCallback, logger *slog.Logger) *backup.Manager {
	return backup.NewManager(backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.Backup.S3Endpoint,
			Bucket:    cfg.Backup.S3Bucket,
			Region:    cfg.Backup.S3Region,
			AccessKey: cfg.Backup.S3AccessKey,
			SecretKey: cfg.Backup.S3SecretKey,
		},
		Prefix:    cfg.Backup.Prefix,
		Interval:  cfg.Backup.Interval,
		Retention: cfg.Backup.Retention,
	}, db, sealer, callback, logger.With("component", "backup"))
}

// restore writes a decrypted snapshot to dst without touching the live
// database.
func restore(cfg *config.Config, logger *slog.Logger, key, dst string) error {
	sealer, err := secret.NewSealer(cfg.SecretPassphrase, cfg.SecretSalt)
	if err != nil {
		return fmt.Errorf("create secret sealer: %w", err)
	}
	m := newBackupManager(cfg, nil, sealer, nil, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := m.Restore(ctx, key, dst); err != nil {
		return err
	}
	logger.Info("backup restored", "key", key, "path", dst)
	return nil
}

// newPushRouter wires a sender per platform from whatever credentials are
// configured. Platforms without a sender record rejected deliveries.
func newPushRouter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*push.Router, error) {
	router := push.NewRouter()
	if cfg.WebPushConfigured() {
		router.Handle(push.NewWebPush(cfg.Push.VAPIDPublicKey, cfg.Push.VAPIDPrivateKey, cfg.Push.VAPIDSubscriber), model.PlatformWeb)
	}
	if cfg.Push.FCMEnabled {
		fcm, err := push.NewFCM(ctx, cfg.Push.FCMCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("configure fcm: %w", err)
		}
		router.Handle(fcm, model.PlatformIOS, model.PlatformAndroid)
	}
	for _, p := range model.Platforms {
		if !router.Supports(p) {
			logger.Warn("no push sender configured", "platform", p)
		}
	}
	return router, nil
}
