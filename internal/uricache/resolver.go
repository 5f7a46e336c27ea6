// Package uricache resolves reference URIs to stable integer surrogate keys,
// creating the mapping on first use. It is the only cross-worker
// coordination point in the pipeline: concurrent workers racing on the same
// URI must converge on exactly one persisted id, enforced by a
// lock-then-insert protocol against the store with the in-process memo acting
// purely as an optimization.
package uricache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/wis2-ingest-service/internal/observability"
)

// Category names one dedup table. Each category is keyed by uri with a
// unique constraint.
type Category string

const (
	CategoryHost               Category = "host"
	CategoryObserver           Category = "observer"
	CategoryObservationType    Category = "observation_type"
	CategoryObservedProperty   Category = "observed_property"
	CategoryObservingProcedure Category = "observing_procedure"
	CategoryReportType         Category = "report_type"
	CategoryReportIdentifier   Category = "report_identifier"
	CategoryUnits              Category = "units"
	CategoryCodeTable          Category = "code_table"
	CategoryDataset            Category = "dataset"
)

// Categories lists every dedup category, in schema order.
var Categories = []Category{
	CategoryHost,
	CategoryObserver,
	CategoryObservationType,
	CategoryObservedProperty,
	CategoryObservingProcedure,
	CategoryReportType,
	CategoryReportIdentifier,
	CategoryUnits,
	CategoryCodeTable,
	CategoryDataset,
}

// Sentinel errors the Store implementation maps database conditions onto.
var (
	ErrNotFound        = errors.New("uri not found")
	ErrDuplicate       = errors.New("uri already exists")
	ErrLockUnavailable = errors.New("table lock unavailable")
)

// LockedTx is a transaction holding the exclusive lock on one category's
// table. Exactly one of Commit or Rollback must be called.
type LockedTx interface {
	Lookup(ctx context.Context, uri string) (int64, error)
	Insert(ctx context.Context, uri string) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the persistent side of the resolver. BeginLocked returns
// ErrLockUnavailable when the table lock cannot be acquired immediately;
// Lookup returns ErrNotFound when no row exists for the uri.
type Store interface {
	Lookup(ctx context.Context, category Category, uri string) (int64, error)
	BeginLocked(ctx context.Context, category Category) (LockedTx, error)
}

// RetryPolicy bounds the lock-acquisition retry loop.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultRetryPolicy retries lock acquisition 10 times with linear backoff
// (10ms per attempt already made).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * 10 * time.Millisecond
		},
	}
}

// Resolver implements the identifier cache. One Resolver is shared by the
// workers of a process; its memo grows monotonically and is never evicted
// (the uri space per category is small and finite, report identifiers
// excepted — those are resolved with the memo bypassed).
type Resolver struct {
	store   Store
	retry   RetryPolicy
	logger  *slog.Logger
	metrics *observability.Metrics

	mu   sync.Mutex
	memo map[Category]map[string]int64
}

// New creates a Resolver over the given store.
func New(store Store, retry RetryPolicy, logger *slog.Logger, metrics *observability.Metrics) *Resolver {
	if retry.MaxAttempts < 1 {
		retry = DefaultRetryPolicy()
	}
	return &Resolver{
		store:   store,
		retry:   retry,
		logger:  logger,
		metrics: metrics,
		memo:    make(map[Category]map[string]int64),
	}
}

// Resolve returns the integer id for uri in category, inserting the mapping
// if it does not exist yet. The in-process memo is consulted first.
func (r *Resolver) Resolve(ctx context.Context, category Category, uri string) (int64, error) {
	return r.resolve(ctx, category, uri, true)
}

// ResolveUncached is Resolve with the in-process memo bypassed, for
// categories whose uri space is unbounded.
func (r *Resolver) ResolveUncached(ctx context.Context, category Category, uri string) (int64, error) {
	return r.resolve(ctx, category, uri, false)
}

func (r *Resolver) resolve(ctx context.Context, category Category, uri string, useMemo bool) (int64, error) {
	if useMemo {
		if id, ok := r.memoGet(category, uri); ok {
			r.metrics.URILookups.WithLabelValues(string(category), "memo").Inc()
			return id, nil
		}
	}

	// Persistent store is the source of truth; check it before inserting.
	id, err := r.store.Lookup(ctx, category, uri)
	switch {
	case err == nil:
		r.memoPut(category, uri, id, useMemo)
		r.metrics.URILookups.WithLabelValues(string(category), "store").Inc()
		return id, nil
	case !errors.Is(err, ErrNotFound):
		return 0, fmt.Errorf("lookup %s %q: %w", category, uri, err)
	}

	tx, err := r.beginLocked(ctx, category)
	if err != nil {
		return 0, err
	}

	id, err = r.insertLocked(ctx, tx, category, uri)
	if err != nil {
		return 0, err
	}
	r.memoPut(category, uri, id, useMemo)
	return id, nil
}

// beginLocked acquires the category table lock, retrying transient
// lock-unavailable failures under the bounded policy. Exhaustion propagates
// the lock error; the job is considered failed.
func (r *Resolver) beginLocked(ctx context.Context, category Category) (LockedTx, error) {
	for attempt := 1; ; attempt++ {
		tx, err := r.store.BeginLocked(ctx, category)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, ErrLockUnavailable) {
			return nil, fmt.Errorf("lock %s: %w", category, err)
		}
		if attempt >= r.retry.MaxAttempts {
			return nil, fmt.Errorf("lock %s: retries exhausted after %d attempts: %w", category, attempt, err)
		}
		r.logger.Debug("table lock busy, retrying",
			"category", category, "attempt", attempt)
		if err := sleep(ctx, r.retry.Backoff(attempt)); err != nil {
			return nil, err
		}
	}
}

// insertLocked re-queries under the lock (another worker may have inserted
// between the unlocked lookup and lock acquisition), then inserts. A
// uniqueness violation on insert is a defensive fallback: the racing row
// wins and its id is returned.
func (r *Resolver) insertLocked(ctx context.Context, tx LockedTx, category Category, uri string) (id int64, err error) {
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	id, lookupErr := tx.Lookup(ctx, uri)
	switch {
	case lookupErr == nil:
		if err = tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("commit %s lookup: %w", category, err)
		}
		r.metrics.URILookups.WithLabelValues(string(category), "store").Inc()
		return id, nil
	case !errors.Is(lookupErr, ErrNotFound):
		err = fmt.Errorf("locked lookup %s %q: %w", category, uri, lookupErr)
		return 0, err
	}

	id, insertErr := tx.Insert(ctx, uri)
	if insertErr != nil {
		if errors.Is(insertErr, ErrDuplicate) {
			_ = tx.Rollback(ctx)
			id, err = r.store.Lookup(ctx, category, uri)
			if err != nil {
				return 0, fmt.Errorf("re-query %s %q after duplicate: %w", category, uri, err)
			}
			return id, nil
		}
		err = fmt.Errorf("insert %s %q: %w", category, uri, insertErr)
		return 0, err
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit %s insert: %w", category, err)
	}
	r.metrics.URILookups.WithLabelValues(string(category), "inserted").Inc()
	return id, nil
}

func (r *Resolver) memoGet(category Category, uri string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.memo[category][uri]
	return id, ok
}

func (r *Resolver) memoPut(category Category, uri string, id int64, useMemo bool) {
	if !useMemo {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byURI, ok := r.memo[category]
	if !ok {
		byURI = make(map[string]int64)
		r.memo[category] = byURI
	}
	byURI[uri] = id
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
