package main

import (
	"context"
	"time"

	"neo-scan-engine/internal/config"
	"neo-scan-engine/internal/ingest"
	"neo-scan-engine/internal/logger"
	"neo-scan-engine/internal/store"
)

// One-shot CAD ingestion: fetch close approaches from the JPL SBDB CAD API,
// load them into the approach_events table, and archive the raw payload to
// S3 when a snapshot bucket is configured. Safe to re-run; duplicates are
// skipped.
func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env, cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("run migrations")
	}

	archiver, err := ingest.NewSnapshotArchiver(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init snapshot archiver")
	}

	ing := ingest.NewIngestor(ingest.NewCADClient(cfg), st, archiver, log)
	res, err := ing.Run(ctx)
	if err != nil {
		log.WithError(err).Fatal("ingest cad data")
	}

	log.WithFields(map[string]interface{}{
		"fetched":  res.Fetched,
		"inserted": res.Inserted,
		"skipped":  res.Skipped,
		"snapshot": res.SnapshotKey,
	}).Info("cad ingestion complete")
}
