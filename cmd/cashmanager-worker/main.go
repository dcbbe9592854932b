package main

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sync/errgroup"

	"cashmanager/internal/amqp"
	"cashmanager/internal/cli"
	"cashmanager/internal/core"
	"cashmanager/internal/log"
	"cashmanager/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg, log.ComponentWorker)

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required by the audit worker")
		os.Exit(1)
	}

	logger.Info("Starting cashmanager-worker", "operation", log.OpStartup, "queue", cfg.AMQPQueue)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", log.FieldError, err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	if recent, err := repo.ListAuthEvents(ctx, 1); err != nil {
		logger.Warn("Audit log unreadable", log.FieldError, err)
	} else if len(recent) > 0 {
		logger.Info("Resuming audit log", "last_event", recent[0].ID, "last_event_at", recent[0].Timestamp)
	}

	reporter := cli.SetupReporter(cfg, logger, "cashmanager-worker")

	audit := worker.NewAuditWorker(repo, cfg.AuditRetention, logger)
	handle := func(ctx context.Context, e core.AuthEvent) error {
		err := audit.HandleAuthEvent(ctx, e)
		if err != nil {
			reporter.Capture(ctx, err, map[string]string{"event_type": string(e.Type)})
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.ConsumeAuthEvents(gctx, handle) })
	g.Go(func() error { return audit.RunPruner(gctx, cfg.AuditPruneInterval) })

	err = g.Wait()
	reporter.Flush()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Worker stopped", "operation", log.OpShutdown)
}
