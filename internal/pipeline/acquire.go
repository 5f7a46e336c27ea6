package pipeline

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/couchcryptid/wis2-ingest-service/internal/domain"
	"github.com/couchcryptid/wis2-ingest-service/internal/observability"
)

// Acquirer downloads the data file referenced by a notification, verifies
// its integrity, and writes it under the dataset's dated directory.
type Acquirer struct {
	client  *http.Client
	dataDir string
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewAcquirer creates the acquisition stage. timeout bounds each download so
// a hung transfer surfaces as a FAIL rather than occupying a worker
// indefinitely.
func NewAcquirer(dataDir string, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Acquirer {
	return &Acquirer{
		client:  &http.Client{Timeout: timeout},
		dataDir: dataDir,
		logger:  logger,
		metrics: metrics,
	}
}

// Acquire runs the full download policy for one job. ok is false when the
// notification carries no usable link, a valid terminal outcome with no
// result. Every other path returns a fully populated AcquisitionResult; a
// transport failure or hash mismatch is StatusFail with the bytes discarded,
// an already present file with overwrite disabled is StatusSkipped with no
// network fetch.
func (a *Acquirer) Acquire(ctx context.Context, job domain.JobDescriptor) (domain.AcquisitionResult, bool) {
	link, overwrite, hasLink := job.Payload.SelectLink()
	if !hasLink {
		a.logger.Info("notification carries no download link",
			"message_id", job.Payload.ID, "data_id", job.Payload.Properties.DataID)
		return domain.AcquisitionResult{}, false
	}

	res := domain.AcquisitionResult{
		Broker:         job.Broker,
		MessageID:      job.Payload.ID,
		DataID:         job.Payload.Properties.DataID,
		MetadataID:     job.Payload.Properties.MetadataID,
		Received:       job.ReceivedAt,
		Queued:         job.QueuedAt,
		ExpectedLength: link.Length,
		Dataset:        job.Target,
	}
	if integrity := job.Payload.Properties.Integrity; integrity != nil {
		res.HashMethod = integrity.Method
		res.ExpectedHash = integrity.Value
	}

	u, err := url.Parse(link.Href)
	if err != nil {
		a.logger.Error("unparseable download link", "href", link.Href, "error", err)
		res.Status = domain.StatusFail
		a.metrics.Downloads.WithLabelValues(string(res.Status)).Inc()
		return res, true
	}
	res.Cache = u.Hostname()

	// Output path is derived from the processing date, not any timestamp in
	// the payload: {data}/{target}/{yyyy}/{mm}/{dd}/{basename}.
	today := domain.Now()
	dir := filepath.Join(a.dataDir, job.Target,
		fmt.Sprintf("%04d", today.Year()),
		fmt.Sprintf("%02d", int(today.Month())),
		fmt.Sprintf("%02d", today.Day()),
	)
	res.FilePath = filepath.Join(dir, path.Base(u.Path))

	if !overwrite {
		if _, err := os.Stat(res.FilePath); err == nil {
			res.Status = domain.StatusSkipped
			a.metrics.Downloads.WithLabelValues(string(res.Status)).Inc()
			return res, true
		}
	}

	res.DownloadStart = domain.Now()
	data, err := a.fetch(ctx, link.Href)
	res.DownloadEnd = domain.Now()
	a.metrics.DownloadDuration.Observe(res.DownloadEnd.Sub(res.DownloadStart).Seconds())

	if err != nil {
		a.logger.Error("download failed",
			"url", link.Href, "data_id", res.DataID, "error", err)
		res.Status = domain.StatusFail
		a.metrics.Downloads.WithLabelValues(string(res.Status)).Inc()
		return res, true
	}
	res.FileSize = int64(len(data))
	a.metrics.DownloadBytes.Add(float64(len(data)))

	if !a.verify(&res, data) {
		a.logger.Error("hash mismatch, rejecting download",
			"url", link.Href,
			"data_id", res.DataID,
			"method", res.HashMethod,
			"expected", res.ExpectedHash,
			"computed", res.ComputedHash,
		)
		res.Status = domain.StatusFail
		a.metrics.Downloads.WithLabelValues(string(res.Status)).Inc()
		return res, true
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.logger.Error("create output directory failed", "dir", dir, "error", err)
		res.Status = domain.StatusFail
		a.metrics.Downloads.WithLabelValues(string(res.Status)).Inc()
		return res, true
	}
	if err := os.WriteFile(res.FilePath, data, 0o644); err != nil {
		a.logger.Error("write file failed", "path", res.FilePath, "error", err)
		res.Status = domain.StatusFail
		a.metrics.Downloads.WithLabelValues(string(res.Status)).Inc()
		return res, true
	}

	res.Saved = true
	res.Status = domain.StatusSuccess
	a.metrics.Downloads.WithLabelValues(string(res.Status)).Inc()
	return res, true
}

func (a *Acquirer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// verify computes the declared hash of data and compares it against the
// expected digest. It returns true when the bytes may be persisted: either
// no integrity pair was supplied (including an unrecognized method, which is
// logged and treated as unverifiable) or the digests match. A mismatch sets
// ValidHash to false and the caller must reject the download.
func (a *Acquirer) verify(res *domain.AcquisitionResult, data []byte) bool {
	if res.HashMethod == "" || res.ExpectedHash == "" {
		return true
	}
	h := hashFor(res.HashMethod)
	if h == nil {
		a.logger.Warn("unknown hash method, storing unverified",
			"method", res.HashMethod, "data_id", res.DataID)
		return true
	}
	h.Write(data)
	res.ComputedHash = base64.StdEncoding.EncodeToString(h.Sum(nil))
	valid := res.ComputedHash == res.ExpectedHash
	res.ValidHash = &valid
	return valid
}

func hashFor(method string) hash.Hash {
	switch method {
	case "sha256":
		return sha256.New()
	case "sha384":
		return sha512.New384()
	case "sha512":
		return sha512.New()
	case "md5":
		return md5.New()
	default:
		return nil
	}
}
