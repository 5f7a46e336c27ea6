// Command ingestd runs the WIS2 ingest service: it subscribes to
// notification topics on a Global Broker, downloads and verifies the
// referenced data files, decodes them into observation records, and
// persists them into the partitioned observation store.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/couchcryptid/wis2-ingest-service/internal/adapter/bufr"
	"github.com/couchcryptid/wis2-ingest-service/internal/adapter/httpapi"
	kafkaadapter "github.com/couchcryptid/wis2-ingest-service/internal/adapter/kafka"
	mqttadapter "github.com/couchcryptid/wis2-ingest-service/internal/adapter/mqtt"
	"github.com/couchcryptid/wis2-ingest-service/internal/config"
	"github.com/couchcryptid/wis2-ingest-service/internal/observability"
	"github.com/couchcryptid/wis2-ingest-service/internal/pipeline"
	"github.com/couchcryptid/wis2-ingest-service/internal/storage/postgres"
	"github.com/couchcryptid/wis2-ingest-service/internal/subscription"
	"github.com/couchcryptid/wis2-ingest-service/internal/uricache"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	partitions := postgres.NewRouter(cfg.PartitionFrom, cfg.PartitionTo)
	store, err := postgres.NewStore(ctx, cfg.PostgresDSN, partitions, logger, metrics)
	if err != nil {
		logger.Error("postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("schema bootstrap failed", "error", err)
		os.Exit(1)
	}
	if err := store.EnsurePartitions(ctx); err != nil {
		logger.Error("partition bootstrap failed", "error", err)
		os.Exit(1)
	}

	resolver := uricache.New(store, uricache.DefaultRetryPolicy(), logger, metrics)
	decoder := bufr.NewClient(cfg.DecoderURL, cfg.DecoderTimeout, logger)
	acquirer := pipeline.NewAcquirer(cfg.DataDir, cfg.FetchTimeout, logger, metrics)
	normalizer := pipeline.NewNormalizer(decoder, resolver, nil, logger, metrics)

	// Audit sink is feature-flagged via KAFKA_AUDIT_TOPIC.
	var audit pipeline.AuditPublisher
	var auditWriter *kafkaadapter.AuditWriter
	if cfg.AuditTopic != "" {
		auditWriter = kafkaadapter.NewAuditWriter(cfg.KafkaBrokers, cfg.AuditTopic, logger)
		audit = auditWriter
		logger.Info("kafka audit sink enabled", "topic", cfg.AuditTopic)
	}

	pipe := pipeline.New(acquirer, normalizer, store, audit, logger, metrics, cfg.Workers, cfg.QueueSize)

	broker := mqttadapter.NewClient(cfg, logger)
	router := subscription.New(broker, cfg.MQTTBroker, logger, metrics)
	broker.SetMessageHandler(func(topic string, payload []byte) {
		if job, ok := router.Dispatch(topic, payload); ok {
			pipe.Enqueue(job)
		}
	})

	if err := broker.Connect(30 * time.Second); err != nil {
		logger.Error("mqtt connection failed", "error", err)
		os.Exit(1)
	}

	for topic, target := range cfg.Subscriptions {
		router.Subscribe(topic, target)
	}

	srv := httpapi.NewServer(cfg.HTTPAddr, pipe, router, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		if err := pipe.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	broker.Disconnect()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if auditWriter != nil {
		if err := auditWriter.Close(); err != nil {
			logger.Error("kafka audit writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
