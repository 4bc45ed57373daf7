package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coursepilot/progressd/internal/config"
	"github.com/coursepilot/progressd/internal/httpapi"
	"github.com/coursepilot/progressd/internal/identity"
	"github.com/coursepilot/progressd/internal/logger"
	"github.com/coursepilot/progressd/internal/observability"
	"github.com/coursepilot/progressd/internal/progress"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fallback, _ := logger.New("info")
		fallback.Fatal("config error", zap.Error(err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fallback, _ := logger.New("info")
		fallback.Fatal("logger init failed", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store := progress.NewStore(progress.Options{
		SessionTTL:          cfg.SessionTTL,
		TerminalRetention:   cfg.TerminalRetention,
		MaxTerminalSessions: cfg.MaxTerminalSessions,
		SubscriberBuffer:    cfg.SubscriberBuffer,
		FanoutGrace:         cfg.FanoutGrace,
	}, metrics)
	store.SetExpireHook(func(snap progress.Snapshot) {
		log.Info("session expired by reaper",
			zap.String("session_id", snap.SessionID),
			zap.String("owner_id", snap.OwnerID),
			zap.Int("progress", snap.CurrentProgress),
		)
	})

	verifier := identity.NewVerifier(cfg.AuthHMACSecret)
	if !verifier.Enabled() {
		log.Warn("no auth secret configured; polling identity comes from the user_id query parameter only")
	}

	api := httpapi.New(cfg, store, verifier, metrics, log)
	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store.StartReaper(ctx, cfg.ReapInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", cfg.BindAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
