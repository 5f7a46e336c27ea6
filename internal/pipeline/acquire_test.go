package pipeline_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/wis2-ingest-service/internal/domain"
	"github.com/couchcryptid/wis2-ingest-service/internal/observability"
	"github.com/couchcryptid/wis2-ingest-service/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *observability.Metrics {
	// Fresh registry per call to avoid "already registered" panics in tests.
	return observability.NewMetricsForTesting()
}

func sha256b64(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func makeJob(href, rel string, integrity *domain.Integrity) domain.JobDescriptor {
	return domain.JobDescriptor{
		Topic: "origin/a/wis2/ch/data/core/synop",
		Payload: domain.Notification{
			ID: "msg-1",
			Properties: domain.NotificationProperties{
				DataID:    "wis2/ch/data/core/synop/obs.bufr4",
				Integrity: integrity,
			},
			Links: []domain.Link{{Rel: rel, Href: href}},
		},
		Target:     "switzerland",
		Broker:     "test-broker",
		ReceivedAt: time.Now().UTC(),
		QueuedAt:   time.Now().UTC(),
	}
}

func TestAcquirer_DownloadsAndSaves(t *testing.T) {
	content := []byte("BUFR....7777")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	a := pipeline.NewAcquirer(t.TempDir(), 5*time.Second, slog.Default(), newTestMetrics())
	res, ok := a.Acquire(context.Background(), makeJob(srv.URL+"/obs.bufr4", domain.LinkRelCanonical, nil))

	require.True(t, ok)
	assert.Equal(t, domain.StatusSuccess, res.Status)
	assert.True(t, res.Saved)
	assert.Equal(t, int64(len(content)), res.FileSize)
	assert.Equal(t, "127.0.0.1", res.Cache)
	assert.Nil(t, res.ValidHash)

	saved, err := os.ReadFile(res.FilePath)
	require.NoError(t, err)
	assert.Equal(t, content, saved)
}

func TestAcquirer_VerifiesHash(t *testing.T) {
	content := []byte("BUFR....7777")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	integrity := &domain.Integrity{Method: "sha256", Value: sha256b64(content)}
	a := pipeline.NewAcquirer(t.TempDir(), 5*time.Second, slog.Default(), newTestMetrics())
	res, ok := a.Acquire(context.Background(), makeJob(srv.URL+"/obs.bufr4", domain.LinkRelCanonical, integrity))

	require.True(t, ok)
	assert.Equal(t, domain.StatusSuccess, res.Status)
	require.NotNil(t, res.ValidHash)
	assert.True(t, *res.ValidHash)
	assert.Equal(t, integrity.Value, res.ComputedHash)
}

func TestAcquirer_RejectsHashMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("corrupted bytes"))
	}))
	defer srv.Close()

	integrity := &domain.Integrity{Method: "sha256", Value: sha256b64([]byte("original bytes"))}
	a := pipeline.NewAcquirer(t.TempDir(), 5*time.Second, slog.Default(), newTestMetrics())
	res, ok := a.Acquire(context.Background(), makeJob(srv.URL+"/obs.bufr4", domain.LinkRelCanonical, integrity))

	require.True(t, ok)
	assert.Equal(t, domain.StatusFail, res.Status)
	require.NotNil(t, res.ValidHash)
	assert.False(t, *res.ValidHash)
	assert.False(t, res.Saved)

	_, err := os.Stat(res.FilePath)
	assert.True(t, os.IsNotExist(err), "rejected bytes must not be persisted")
}

func TestAcquirer_UnknownHashMethodStoresUnverified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	integrity := &domain.Integrity{Method: "blake2b", Value: "whatever"}
	a := pipeline.NewAcquirer(t.TempDir(), 5*time.Second, slog.Default(), newTestMetrics())
	res, ok := a.Acquire(context.Background(), makeJob(srv.URL+"/obs.bufr4", domain.LinkRelCanonical, integrity))

	require.True(t, ok)
	assert.Equal(t, domain.StatusSuccess, res.Status)
	assert.Nil(t, res.ValidHash)
}

func TestAcquirer_SkipsExistingFile(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	a := pipeline.NewAcquirer(t.TempDir(), 5*time.Second, slog.Default(), newTestMetrics())
	job := makeJob(srv.URL+"/obs.bufr4", domain.LinkRelCanonical, nil)

	first, ok := a.Acquire(context.Background(), job)
	require.True(t, ok)
	require.Equal(t, domain.StatusSuccess, first.Status)

	second, ok := a.Acquire(context.Background(), job)
	require.True(t, ok)
	assert.Equal(t, domain.StatusSkipped, second.Status)
	assert.Equal(t, first.FilePath, second.FilePath)
	assert.Equal(t, int64(1), requests.Load(), "skip must not re-fetch")
}

func TestAcquirer_UpdateLinkForcesOverwrite(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte("revised data"))
	}))
	defer srv.Close()

	a := pipeline.NewAcquirer(t.TempDir(), 5*time.Second, slog.Default(), newTestMetrics())

	_, ok := a.Acquire(context.Background(), makeJob(srv.URL+"/obs.bufr4", domain.LinkRelCanonical, nil))
	require.True(t, ok)

	res, ok := a.Acquire(context.Background(), makeJob(srv.URL+"/obs.bufr4", domain.LinkRelUpdate, nil))
	require.True(t, ok)
	assert.Equal(t, domain.StatusSuccess, res.Status)
	assert.Equal(t, int64(2), requests.Load(), "update link must re-download")
}

func TestAcquirer_NoUsableLink(t *testing.T) {
	a := pipeline.NewAcquirer(t.TempDir(), 5*time.Second, slog.Default(), newTestMetrics())
	job := makeJob("https://example.org/meta", "via", nil)

	_, ok := a.Acquire(context.Background(), job)
	assert.False(t, ok)
}

func TestAcquirer_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := pipeline.NewAcquirer(t.TempDir(), 5*time.Second, slog.Default(), newTestMetrics())
	res, ok := a.Acquire(context.Background(), makeJob(srv.URL+"/missing.bufr4", domain.LinkRelCanonical, nil))

	require.True(t, ok)
	assert.Equal(t, domain.StatusFail, res.Status)
	assert.False(t, res.Saved)
}
