package pipeline_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/wis2-ingest-service/internal/domain"
	"github.com/couchcryptid/wis2-ingest-service/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockAcquirer struct {
	mu      sync.Mutex
	results map[string]domain.AcquisitionResult // keyed by message id
	noLink  bool
	calls   int
	done    chan struct{} // closed after the first Acquire, when set
}

func (m *mockAcquirer) Acquire(_ context.Context, job domain.JobDescriptor) (domain.AcquisitionResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.done != nil {
		defer close(m.done)
		m.done = nil
	}
	if m.noLink {
		return domain.AcquisitionResult{}, false
	}
	return m.results[job.Payload.ID], true
}

type mockNormalizer struct {
	records []domain.ObservationRecord
	err     error
}

func (m *mockNormalizer) DecodeAndNormalize(_ context.Context, res domain.AcquisitionResult) ([]domain.ObservationRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	if res.Status != domain.StatusSuccess {
		return nil, nil
	}
	return m.records, nil
}

type mockPersister struct {
	mu       sync.Mutex
	inserted [][]domain.ObservationRecord
	err      error
}

func (m *mockPersister) InsertObservations(_ context.Context, records []domain.ObservationRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.inserted = append(m.inserted, records)
	return len(records), nil
}

func (m *mockPersister) batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inserted)
}

type mockAudit struct {
	mu        sync.Mutex
	published []domain.AcquisitionResult
	err       error
}

func (m *mockAudit) Publish(_ context.Context, res domain.AcquisitionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, res)
	return m.err
}

func (m *mockAudit) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

// --- helpers ---

func testJob(id string) domain.JobDescriptor {
	now := time.Now().UTC()
	return domain.JobDescriptor{
		Topic:      "origin/a/wis2/ch/data/core/synop",
		Payload:    domain.Notification{ID: id},
		Target:     "switzerland",
		Broker:     "test",
		ReceivedAt: now,
		QueuedAt:   now,
	}
}

func successResult(id string) domain.AcquisitionResult {
	return domain.AcquisitionResult{
		MessageID: id,
		DataID:    "wis2/ch/data/core/synop",
		Status:    domain.StatusSuccess,
		FilePath:  "/tmp/obs.bufr4",
	}
}

// runPipeline drives the pool until the job signals completion or the
// timeout expires.
func runPipeline(t *testing.T, p *pipeline.Pipeline, done <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = p.Run(ctx)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not process the job in time")
	}
	// Give the worker a moment to finish the chain after Acquire returned.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-finished
}

// --- tests ---

func TestPipeline_ProcessesJobEndToEnd(t *testing.T) {
	done := make(chan struct{})
	acq := &mockAcquirer{
		results: map[string]domain.AcquisitionResult{"msg-1": successResult("msg-1")},
		done:    done,
	}
	norm := &mockNormalizer{records: []domain.ObservationRecord{{HostID: 1}, {HostID: 2}}}
	store := &mockPersister{}
	audit := &mockAudit{}

	p := pipeline.New(acq, norm, store, audit, slog.Default(), newTestMetrics(), 2, 16)
	require.True(t, p.Enqueue(testJob("msg-1")))
	runPipeline(t, p, done)

	assert.Equal(t, 1, store.batches())
	assert.Equal(t, 1, audit.count())
	assert.NoError(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_FailedAcquisitionStopsChain(t *testing.T) {
	done := make(chan struct{})
	failed := successResult("msg-1")
	failed.Status = domain.StatusFail
	acq := &mockAcquirer{
		results: map[string]domain.AcquisitionResult{"msg-1": failed},
		done:    done,
	}
	store := &mockPersister{}
	audit := &mockAudit{}

	p := pipeline.New(acq, &mockNormalizer{}, store, audit, slog.Default(), newTestMetrics(), 1, 16)
	require.True(t, p.Enqueue(testJob("msg-1")))
	runPipeline(t, p, done)

	assert.Zero(t, store.batches())
	assert.Equal(t, 1, audit.count(), "failures still reach the audit trail")
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_SkippedAcquisitionCompletes(t *testing.T) {
	done := make(chan struct{})
	skipped := successResult("msg-1")
	skipped.Status = domain.StatusSkipped
	acq := &mockAcquirer{
		results: map[string]domain.AcquisitionResult{"msg-1": skipped},
		done:    done,
	}
	store := &mockPersister{}

	p := pipeline.New(acq, &mockNormalizer{}, store, nil, slog.Default(), newTestMetrics(), 1, 16)
	require.True(t, p.Enqueue(testJob("msg-1")))
	runPipeline(t, p, done)

	assert.Zero(t, store.batches())
	assert.NoError(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_NoLinkIsTerminal(t *testing.T) {
	done := make(chan struct{})
	acq := &mockAcquirer{noLink: true, done: done}
	audit := &mockAudit{}

	p := pipeline.New(acq, &mockNormalizer{}, &mockPersister{}, audit, slog.Default(), newTestMetrics(), 1, 16)
	require.True(t, p.Enqueue(testJob("msg-1")))
	runPipeline(t, p, done)

	assert.Zero(t, audit.count(), "nothing to audit without a link")
	assert.NoError(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_DecodeFailureFailsJobOnly(t *testing.T) {
	done := make(chan struct{})
	acq := &mockAcquirer{
		results: map[string]domain.AcquisitionResult{"msg-1": successResult("msg-1")},
		done:    done,
	}
	store := &mockPersister{}

	p := pipeline.New(acq, &mockNormalizer{err: assert.AnError}, store, nil, slog.Default(), newTestMetrics(), 1, 16)
	require.True(t, p.Enqueue(testJob("msg-1")))
	runPipeline(t, p, done)

	assert.Zero(t, store.batches())
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_EnqueueDropsWhenSaturated(t *testing.T) {
	p := pipeline.New(&mockAcquirer{}, &mockNormalizer{}, &mockPersister{}, nil, slog.Default(), newTestMetrics(), 1, 1)

	// The pool is not running, so the single queue slot fills immediately.
	assert.True(t, p.Enqueue(testJob("msg-1")))
	assert.False(t, p.Enqueue(testJob("msg-2")))
}

func TestPipeline_RunStopsOnCancel(t *testing.T) {
	p := pipeline.New(&mockAcquirer{}, &mockNormalizer{}, &mockPersister{}, nil, slog.Default(), newTestMetrics(), 4, 16)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = p.Run(ctx)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop after cancellation")
	}
}
