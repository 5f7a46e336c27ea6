// Package pipeline runs the acquire-decode-normalize-persist chain for
// dispatched notification jobs on a pool of workers.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/wis2-ingest-service/internal/domain"
	"github.com/couchcryptid/wis2-ingest-service/internal/observability"
)

// Acquisition downloads and verifies the data referenced by one job.
type Acquisition interface {
	Acquire(ctx context.Context, job domain.JobDescriptor) (domain.AcquisitionResult, bool)
}

// Normalization decodes an acquired file into observation records.
type Normalization interface {
	DecodeAndNormalize(ctx context.Context, res domain.AcquisitionResult) ([]domain.ObservationRecord, error)
}

// Persister writes normalized observation batches to storage, returning the
// number of records committed.
type Persister interface {
	InsertObservations(ctx context.Context, records []domain.ObservationRecord) (int, error)
}

// AuditPublisher receives every acquisition result for the audit trail.
type AuditPublisher interface {
	Publish(ctx context.Context, res domain.AcquisitionResult) error
}

// Pipeline owns the work queue and the worker pool. Each job runs its full
// chain to completion on one worker with blocking I/O; the queue provides
// the only asynchrony. No ordering is guaranteed between queued jobs.
type Pipeline struct {
	acquirer   Acquisition
	normalizer Normalization
	store      Persister
	audit      AuditPublisher // nil disables audit publishing
	logger     *slog.Logger
	metrics    *observability.Metrics

	jobs    chan domain.JobDescriptor
	workers int
	ready   atomic.Bool
}

// New creates a Pipeline with the given stages. audit may be nil.
func New(acquirer Acquisition, normalizer Normalization, store Persister, audit AuditPublisher, logger *slog.Logger, metrics *observability.Metrics, workers, queueSize int) *Pipeline {
	return &Pipeline{
		acquirer:   acquirer,
		normalizer: normalizer,
		store:      store,
		audit:      audit,
		logger:     logger,
		metrics:    metrics,
		jobs:       make(chan domain.JobDescriptor, queueSize),
		workers:    workers,
	}
}

// Enqueue hands a dispatched job to the worker pool without blocking the
// caller (the broker delivery thread). A saturated queue drops the job with
// a logged diagnostic; redelivery is the broker's concern.
func (p *Pipeline) Enqueue(job domain.JobDescriptor) bool {
	select {
	case p.jobs <- job:
		p.metrics.JobsDispatched.Inc()
		p.metrics.QueueDepth.Set(float64(len(p.jobs)))
		return true
	default:
		p.logger.Error("work queue full, dropping job",
			"topic", job.Topic, "data_id", job.Payload.Properties.DataID)
		p.metrics.JobsFailed.Inc()
		return false
	}
}

// CheckReadiness returns nil once the pipeline has fully processed at least
// one job.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not processed any jobs yet")
	}
	return nil
}

// Run starts the worker pool and blocks until the context is cancelled and
// all in-flight jobs have finished.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "workers", p.workers, "queue_size", cap(p.jobs))
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	p.logger.Info("pipeline stopped", "reason", ctx.Err())
	return nil
}

func (p *Pipeline) workerLoop(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.metrics.QueueDepth.Set(float64(len(p.jobs)))
			p.process(ctx, logger, job)
		}
	}
}

// process runs one job through the full chain. Stage failures are terminal
// for the job only; the worker moves on to the next one.
func (p *Pipeline) process(ctx context.Context, logger *slog.Logger, job domain.JobDescriptor) {
	p.metrics.DispatchLatency.Observe(job.QueuedAt.Sub(job.ReceivedAt).Seconds())

	start := time.Now()
	res, ok := p.acquirer.Acquire(ctx, job)
	p.metrics.StageDuration.WithLabelValues("acquire").Observe(time.Since(start).Seconds())

	if !ok {
		// No usable link: valid terminal outcome.
		p.ready.Store(true)
		p.metrics.JobsCompleted.Inc()
		return
	}

	p.publishAudit(ctx, logger, res)

	switch res.Status {
	case domain.StatusFail:
		p.metrics.JobsFailed.Inc()
		return
	case domain.StatusSkipped:
		p.ready.Store(true)
		p.metrics.JobsCompleted.Inc()
		return
	}

	start = time.Now()
	records, err := p.normalizer.DecodeAndNormalize(ctx, res)
	p.metrics.StageDuration.WithLabelValues("decode").Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Error("decode stage failed",
			"file", res.FilePath, "data_id", res.DataID, "error", err)
		p.metrics.JobsFailed.Inc()
		return
	}

	if len(records) > 0 {
		start = time.Now()
		persisted, err := p.store.InsertObservations(ctx, records)
		p.metrics.StageDuration.WithLabelValues("persist").Observe(time.Since(start).Seconds())
		if err != nil {
			logger.Error("persist stage failed",
				"file", res.FilePath, "records", len(records), "error", err)
			p.metrics.JobsFailed.Inc()
			return
		}
		p.metrics.RecordsPersisted.Add(float64(persisted))
		logger.Info("observations added",
			"file", res.FilePath, "persisted", persisted, "normalized", len(records))
	}

	p.ready.Store(true)
	p.metrics.JobsCompleted.Inc()
}

func (p *Pipeline) publishAudit(ctx context.Context, logger *slog.Logger, res domain.AcquisitionResult) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Publish(ctx, res); err != nil {
		logger.Warn("audit publish failed",
			"message_id", res.MessageID, "error", err)
	}
}
