package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"neo-scan-engine/internal/config"
	"neo-scan-engine/internal/engine"
	"neo-scan-engine/internal/logger"
	"neo-scan-engine/internal/queue"
	"neo-scan-engine/internal/risk"
	"neo-scan-engine/internal/store"
	"neo-scan-engine/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("run migrations")
	}

	var notifier *queue.Notifier
	if cfg.RedisAddr != "" {
		notifier = queue.NewNotifier(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}))
	}

	eng := engine.New(cfg, st, st, risk.New(nil), notifier, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(map[string]interface{}{
		"workers":       cfg.WorkerCount,
		"poll_interval": cfg.WorkerPollInterval.String(),
		"stale_timeout": cfg.StaleTimeout.String(),
	}).Info("worker started")

	if err := eng.Run(ctx); err != nil {
		log.WithError(err).Info("worker stopped")
	}
}
