package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/wis2-ingest-service/internal/domain"
)

// AuditWriter publishes every acquisition result to a Kafka topic so
// downstream monitoring can reconstruct the audit trail of each
// notification. It implements pipeline.AuditPublisher.
type AuditWriter struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewAuditWriter creates a Kafka producer for the audit topic.
func NewAuditWriter(brokers []string, topic string, logger *slog.Logger) *AuditWriter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireOne,
	}
	return &AuditWriter{writer: w, logger: logger}
}

// Publish serializes and writes one acquisition result. Failures are
// surfaced to the caller; audit publishing is best-effort and never fails a
// job.
func (w *AuditWriter) Publish(ctx context.Context, res domain.AcquisitionResult) error {
	msg, err := auditMessage(res)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, msg)
}

func (w *AuditWriter) Close() error {
	return w.writer.Close()
}

// auditMessage marshals an AcquisitionResult into a Kafka message keyed by
// data_id.
func auditMessage(res domain.AcquisitionResult) (kafkago.Message, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize acquisition result: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(res.DataID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(res.Status)},
			{Key: "broker", Value: []byte(res.Broker)},
			{Key: "received", Value: []byte(res.Received.Format(time.RFC3339))},
		},
	}, nil
}
