package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	kafkaadapter "github.com/nimafallahian/catalog-relay/internal/adapters/kafka"
	"github.com/nimafallahian/catalog-relay/internal/adapters/secrets"
	"github.com/nimafallahian/catalog-relay/internal/config"
	"github.com/nimafallahian/catalog-relay/internal/logger"
)

func main() {
	if err := run(); err != nil {
		slog.Error("relay terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	slog.SetDefault(logger.New(os.Stdout, "INFO"))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if needsSecrets(cfg) {
		loader, err := secrets.NewAWSLoader(ctx, cfg.AWSRegion)
		if err != nil {
			return err
		}
		if err := resolveSecrets(ctx, cfg, loader); err != nil {
			return err
		}
	}

	catalog, err := newCatalog(cfg, log)
	if err != nil {
		return fmt.Errorf("create %s catalog: %w", cfg.Backend, err)
	}

	dialer, err := kafkaadapter.NewDialer(kafkaadapter.Security{
		TLS:       cfg.Kafka.UsesTLS(),
		SASL:      cfg.Kafka.UsesSASL(),
		Mechanism: cfg.Kafka.SASLMechanism,
		Username:  cfg.Kafka.SASLUsername,
		Password:  cfg.Kafka.SASLPassword,
	})
	if err != nil {
		return fmt.Errorf("create kafka dialer: %w", err)
	}

	log.Info("starting relay",
		"backend", cfg.Backend,
		"topics", cfg.Kafka.Topics,
		"group_id", cfg.Kafka.GroupID,
		"workers", cfg.WorkerCount,
		"batch_size", cfg.BatchSize,
	)

	workers, err := newWorkers(cfg, catalog, dialer, log, openKafka)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			defer closeWorkers([]worker{w})
			return w.relay.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("relay shut down")
	return nil
}
