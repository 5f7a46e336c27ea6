package uricache_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/wis2-ingest-service/internal/observability"
	"github.com/couchcryptid/wis2-ingest-service/internal/uricache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fake store ---

// fakeStore implements the lock-then-insert protocol in memory. BeginLocked
// has NOWAIT semantics: while one transaction holds a category's lock, other
// callers get ErrLockUnavailable, as the database would report.
type fakeStore struct {
	mu     sync.Mutex
	rows   map[uricache.Category]map[string]int64
	nextID int64
	locks  map[uricache.Category]bool

	lookupCalls  int
	beginCalls   int
	failBegins   int // fail this many BeginLocked calls before succeeding
	duplicateOne bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:  make(map[uricache.Category]map[string]int64),
		locks: make(map[uricache.Category]bool),
	}
}

func (s *fakeStore) Lookup(_ context.Context, category uricache.Category, uri string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookupCalls++
	id, ok := s.rows[category][uri]
	if !ok {
		return 0, uricache.ErrNotFound
	}
	return id, nil
}

func (s *fakeStore) BeginLocked(_ context.Context, category uricache.Category) (uricache.LockedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginCalls++
	if s.failBegins > 0 {
		s.failBegins--
		return nil, uricache.ErrLockUnavailable
	}
	if s.locks[category] {
		return nil, uricache.ErrLockUnavailable
	}
	s.locks[category] = true
	return &fakeTx{store: s, category: category}, nil
}

func (s *fakeStore) insert(category uricache.Category, uri string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.duplicateOne {
		s.duplicateOne = false
		s.nextID++
		byURI, ok := s.rows[category]
		if !ok {
			byURI = make(map[string]int64)
			s.rows[category] = byURI
		}
		byURI[uri] = s.nextID
		return 0, uricache.ErrDuplicate
	}
	if _, ok := s.rows[category][uri]; ok {
		return 0, uricache.ErrDuplicate
	}
	s.nextID++
	byURI, ok := s.rows[category]
	if !ok {
		byURI = make(map[string]int64)
		s.rows[category] = byURI
	}
	byURI[uri] = s.nextID
	return s.nextID, nil
}

func (s *fakeStore) unlock(category uricache.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[category] = false
}

func (s *fakeStore) count(category uricache.Category) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[category])
}

type fakeTx struct {
	store    *fakeStore
	category uricache.Category
	done     bool
}

func (t *fakeTx) Lookup(ctx context.Context, uri string) (int64, error) {
	return t.store.Lookup(ctx, t.category, uri)
}

func (t *fakeTx) Insert(_ context.Context, uri string) (int64, error) {
	return t.store.insert(t.category, uri)
}

func (t *fakeTx) Commit(context.Context) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	t.store.unlock(t.category)
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.unlock(t.category)
	return nil
}

func fastRetry() uricache.RetryPolicy {
	return uricache.RetryPolicy{
		MaxAttempts: 20,
		Backoff:     func(int) time.Duration { return time.Millisecond },
	}
}

func newResolver(store uricache.Store) *uricache.Resolver {
	return uricache.New(store, fastRetry(), slog.Default(), observability.NewMetricsForTesting())
}

// --- tests ---

func TestResolver_InsertThenReuse(t *testing.T) {
	store := newFakeStore()
	r := newResolver(store)
	ctx := context.Background()

	first, err := r.Resolve(ctx, uricache.CategoryHost, "https://example.org/host/a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	again, err := r.Resolve(ctx, uricache.CategoryHost, "https://example.org/host/a")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, store.count(uricache.CategoryHost))
}

func TestResolver_MemoSkipsStore(t *testing.T) {
	store := newFakeStore()
	r := newResolver(store)
	ctx := context.Background()

	_, err := r.Resolve(ctx, uricache.CategoryUnits, "K")
	require.NoError(t, err)

	before := store.lookupCalls
	_, err = r.Resolve(ctx, uricache.CategoryUnits, "K")
	require.NoError(t, err)
	assert.Equal(t, before, store.lookupCalls, "memo hit should not touch the store")
}

func TestResolver_UncachedBypassesMemo(t *testing.T) {
	store := newFakeStore()
	r := newResolver(store)
	ctx := context.Background()

	id, err := r.ResolveUncached(ctx, uricache.CategoryReportIdentifier, "SYNOP-2024-001")
	require.NoError(t, err)

	before := store.lookupCalls
	again, err := r.ResolveUncached(ctx, uricache.CategoryReportIdentifier, "SYNOP-2024-001")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Greater(t, store.lookupCalls, before, "uncached resolve must hit the store")
}

func TestResolver_CategoriesAreIndependent(t *testing.T) {
	store := newFakeStore()
	r := newResolver(store)
	ctx := context.Background()

	hostID, err := r.Resolve(ctx, uricache.CategoryHost, "urn:shared")
	require.NoError(t, err)
	typeID, err := r.Resolve(ctx, uricache.CategoryObservationType, "urn:shared")
	require.NoError(t, err)
	assert.NotEqual(t, hostID, typeID)
}

func TestResolver_RetriesBusyLock(t *testing.T) {
	store := newFakeStore()
	store.failBegins = 3
	r := newResolver(store)

	id, err := r.Resolve(context.Background(), uricache.CategoryDataset, "urn:wmo:wis2:dataset/x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, 4, store.beginCalls)
}

func TestResolver_LockRetriesExhausted(t *testing.T) {
	store := newFakeStore()
	store.failBegins = 100
	r := uricache.New(store, uricache.RetryPolicy{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return 0 },
	}, slog.Default(), observability.NewMetricsForTesting())

	_, err := r.Resolve(context.Background(), uricache.CategoryDataset, "urn:wmo:wis2:dataset/x")
	require.Error(t, err)
	assert.ErrorIs(t, err, uricache.ErrLockUnavailable)
	assert.Equal(t, 3, store.beginCalls)
}

func TestResolver_DuplicateRaceFallsBackToStore(t *testing.T) {
	store := newFakeStore()
	store.duplicateOne = true
	r := newResolver(store)

	// Insert reports a uniqueness violation as if a racing worker had won;
	// the resolver must re-query and return the surviving row's id.
	id, err := r.Resolve(context.Background(), uricache.CategoryObserver, "urn:station/123")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, 1, store.count(uricache.CategoryObserver))
}

func TestResolver_ConcurrentWorkersConverge(t *testing.T) {
	store := newFakeStore()
	r := newResolver(store)

	const workers = 16
	ids := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = r.ResolveUncached(context.Background(), uricache.CategoryObservedProperty, "air_temperature")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i], "worker %d", i)
		assert.Equal(t, ids[0], ids[i], "worker %d diverged", i)
	}
	assert.Equal(t, 1, store.count(uricache.CategoryObservedProperty))
}

func TestResolver_ConcurrentDistinctURIs(t *testing.T) {
	store := newFakeStore()
	r := newResolver(store)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uri := fmt.Sprintf("urn:station/%d", i)
			_, errs[i] = r.Resolve(context.Background(), uricache.CategoryObserver, uri)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, n, store.count(uricache.CategoryObserver))
}
