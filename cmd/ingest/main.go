// Command ingest wires config, logging, the broker, the database, and the
// pipeline components into one Supervisor and runs it to completion,
// following cmd/ingester/main.go's signal.NotifyContext shutdown pattern
// (teacher).
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arclight-data/candle-ingest/internal/batch"
	"github.com/arclight-data/candle-ingest/internal/breaker"
	"github.com/arclight-data/candle-ingest/internal/broker"
	"github.com/arclight-data/candle-ingest/internal/config"
	"github.com/arclight-data/candle-ingest/internal/consumer"
	"github.com/arclight-data/candle-ingest/internal/controller"
	"github.com/arclight-data/candle-ingest/internal/health"
	"github.com/arclight-data/candle-ingest/internal/logctx"
	"github.com/arclight-data/candle-ingest/internal/metrics"
	"github.com/arclight-data/candle-ingest/internal/retry"
	"github.com/arclight-data/candle-ingest/internal/supervisor"
	"github.com/arclight-data/candle-ingest/internal/writer"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code spec.md §6 enumerates: 0 clean
// shutdown, 1 fatal, 2 startup precondition failure (config load or
// database pool construction).
func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}

	log, err := logctx.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		return 2
	}
	entry := log.WithField("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := metrics.New()

	b := breaker.New(breaker.Config{
		FailureThreshold: cfg.CBFailureThreshold,
		ResetTimeout:     cfg.CBResetTimeout,
		HalfOpenTimeout:  cfg.CBHalfOpenTimeout,
		Name:             "writer-breaker",
	}, log, nil)

	r := retry.New(retry.Config{
		MaxAttempts: cfg.InsertRetryAttempts,
		BaseDelay:   cfg.InsertRetryDelay,
		Name:        "writer-retry",
	}, log)

	ctrl := controller.New(controller.Config{
		LatencyThresholdHigh: cfg.LatencyThresholdHigh,
		LatencyThresholdLow:  cfg.LatencyThresholdLow,
		PollTimeoutMin:       cfg.PollTimeoutMin,
		PollTimeoutMax:       cfg.PollTimeoutMax,
		BatchSizeMin:         cfg.BatchSizeMin,
		BatchSizeMax:         cfg.BatchSizeMax,
		InitialPollTimeout:   cfg.KafkaInitialPollTimeout,
		InitialMaxBatch:      cfg.KafkaInitialMaxBatchSize,
	})

	maxBatch := cfg.KafkaInitialMaxBatchSize
	if cfg.InsertBatchSize > 0 && cfg.InsertBatchSize < maxBatch {
		maxBatch = cfg.InsertBatchSize
	}
	batcher := batch.New(maxBatch, cfg.InsertTimeInterval)

	poolCfg, err := pgxpool.ParseConfig(dsn(cfg))
	if err != nil {
		entry.WithError(err).Error("failed to parse database config")
		return 2
	}
	poolCfg.MaxConns = int32(cfg.TimescalePoolSize)
	poolCfg.ConnConfig.ConnectTimeout = cfg.TimescaleConnectionTimeout

	connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.TimescaleConnectionTimeout)
	store, err := writer.NewPgStore(connectCtx, poolCfg)
	cancelConnect()
	if err != nil {
		entry.WithError(err).Error("failed to connect to TimescaleDB")
		return 2
	}

	w := writer.New(store, b, r, sink, log)

	reader := broker.NewKafkaReader(broker.Config{
		BootstrapServers: cfg.KafkaBootstrapServers,
		Topic:            cfg.KafkaTopic,
		GroupID:          cfg.KafkaGroupID,
	})

	loop := consumer.New(reader, batcher, ctrl, w, b, sink, log)

	super := supervisor.New(supervisor.Config{
		TerminationGracePeriod: cfg.TerminationGracePeriod,
	}, loop, reader, supervisor.AsCloser(store.Close), b, sink, log)

	healthServer := health.New(cfg.MetricsPort, super, sink, log)
	healthServer.Start()

	entry.Info("candle-ingest started")
	runErr := super.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Warn("error shutting down health server")
	}
	cancelShutdown()

	if runErr != nil {
		entry.WithError(runErr).Error("candle-ingest stopped with a fatal error")
		return supervisor.ExitCode(runErr)
	}
	entry.Info("candle-ingest shutdown complete")
	return 0
}

// dsn builds a postgres:// connection string from Config's discrete
// fields, matching pgxpool.ParseConfig's expected input.
func dsn(cfg *config.Config) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", cfg.TimescaleHost, cfg.TimescalePort),
		Path:   "/" + cfg.TimescaleDBName,
	}
	if cfg.TimescaleUser != "" {
		u.User = url.UserPassword(cfg.TimescaleUser, cfg.TimescalePassword)
	}
	return u.String()
}
