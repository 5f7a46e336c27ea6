// Package postgres implements the persistent store: uri dedup tables backing
// the identifier cache and the time-partitioned observation table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/wis2-ingest-service/internal/domain"
	"github.com/couchcryptid/wis2-ingest-service/internal/observability"
	"github.com/couchcryptid/wis2-ingest-service/internal/uricache"
)

// Postgres SQLSTATE codes mapped onto the resolver's sentinel errors.
const (
	codeUniqueViolation  = "23505"
	codeLockNotAvailable = "55P03"
)

// Store is a pgx-backed store shared by all workers of the process.
type Store struct {
	pool    *pgxpool.Pool
	router  Router
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewStore connects to Postgres and verifies the connection.
func NewStore(ctx context.Context, dsn string, router Router, logger *slog.Logger, metrics *observability.Metrics) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, router: router, logger: logger, metrics: metrics}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// tableFor maps a resolver category to its table name. Categories are a
// closed set, so the name is safe to interpolate into DDL and lock
// statements.
func tableFor(category uricache.Category) string {
	return string(category)
}

// sqlState extracts the SQLSTATE code from a pgx error, or "".
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// Lookup implements uricache.Store.
func (s *Store) Lookup(ctx context.Context, category uricache.Category, uri string) (int64, error) {
	var id int64
	query := fmt.Sprintf(`SELECT id FROM wccdm.%s WHERE uri = $1`, tableFor(category))
	err := s.pool.QueryRow(ctx, query, uri).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, uricache.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// BeginLocked implements uricache.Store: it opens a transaction and takes
// the category table's SHARE ROW EXCLUSIVE lock without waiting, mapping a
// busy lock onto uricache.ErrLockUnavailable so the resolver's retry policy
// applies.
func (s *Store) BeginLocked(ctx context.Context, category uricache.Category) (uricache.LockedTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	lock := fmt.Sprintf(`LOCK TABLE wccdm.%s IN SHARE ROW EXCLUSIVE MODE NOWAIT`, tableFor(category))
	if _, err := tx.Exec(ctx, lock); err != nil {
		_ = tx.Rollback(ctx)
		if sqlState(err) == codeLockNotAvailable {
			return nil, uricache.ErrLockUnavailable
		}
		return nil, err
	}
	return &lockedTx{tx: tx, table: tableFor(category)}, nil
}

type lockedTx struct {
	tx    pgx.Tx
	table string
}

func (l *lockedTx) Lookup(ctx context.Context, uri string) (int64, error) {
	var id int64
	query := fmt.Sprintf(`SELECT id FROM wccdm.%s WHERE uri = $1`, l.table)
	err := l.tx.QueryRow(ctx, query, uri).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, uricache.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (l *lockedTx) Insert(ctx context.Context, uri string) (int64, error) {
	var id int64
	query := fmt.Sprintf(`INSERT INTO wccdm.%s (uri) VALUES ($1) RETURNING id`, l.table)
	err := l.tx.QueryRow(ctx, query, uri).Scan(&id)
	if sqlState(err) == codeUniqueViolation {
		return 0, uricache.ErrDuplicate
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (l *lockedTx) Commit(ctx context.Context) error   { return l.tx.Commit(ctx) }
func (l *lockedTx) Rollback(ctx context.Context) error { return l.tx.Rollback(ctx) }

const insertObservationSQL = `
INSERT INTO wccdm.observation (
    longitude, latitude, z_coordinate,
    host, observer, observation_type, observed_property, observing_procedure,
    phenomenon_time_start, phenomenon_time_end, phenomenon_duration, result_time,
    report_type, report_identifier, is_member_of,
    result_value, result_units, result_uncertainty, result_code_table, result_description,
    additional_properties
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
    $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
) RETURNING id`

// InsertObservations persists a batch of records. The whole batch is
// committed in one transaction when possible; on a store-level error it
// falls back to per-record commit-or-skip so one bad row does not lose the
// file's remaining observations. Returns the number of records committed.
func (s *Store) InsertObservations(ctx context.Context, records []domain.ObservationRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	err := s.insertAll(ctx, records)
	if err == nil {
		return len(records), nil
	}
	s.logger.Error("batch insert failed, falling back to per-record commit",
		"records", len(records), "error", err)
	s.metrics.PersistFallbacks.Inc()

	committed := 0
	for i := range records {
		if err := s.insertAll(ctx, records[i:i+1]); err != nil {
			s.logger.Error("insert observation failed, skipping record", "error", err)
			continue
		}
		committed++
	}
	return committed, nil
}

// insertAll writes records and their annotations in a single transaction.
// Each record must route to a pre-created partition; ErrOutOfRange aborts
// the transaction.
func (s *Store) insertAll(ctx context.Context, records []domain.ObservationRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	annotations := &pgx.Batch{}
	for i := range records {
		rec := &records[i]
		if _, err := s.router.Route(*rec); err != nil {
			return err
		}

		args, err := observationArgs(rec)
		if err != nil {
			return err
		}
		var obsID int64
		if err := tx.QueryRow(ctx, insertObservationSQL, args...).Scan(&obsID); err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}

		for _, flag := range rec.QualityFlags {
			annotations.Queue(
				`INSERT INTO wccdm.quality_flag (observation_id, scheme, flag, value) VALUES ($1, $2, $3, $4)`,
				obsID, flag.Scheme, flag.Flag, flag.Value,
			)
		}
		for _, foi := range rec.FeaturesOfInterest {
			annotations.Queue(
				`INSERT INTO wccdm.feature_of_interest (observation_id, uri, label, relation) VALUES ($1, $2, $3, $4)`,
				obsID, foi.URI, foi.Label, foi.Relation,
			)
		}
	}

	if annotations.Len() > 0 {
		if err := tx.SendBatch(ctx, annotations).Close(); err != nil {
			return fmt.Errorf("insert annotations: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func observationArgs(rec *domain.ObservationRecord) ([]any, error) {
	var vertical any
	if rec.Vertical != nil {
		encoded, err := json.Marshal(rec.Vertical)
		if err != nil {
			return nil, fmt.Errorf("encode z coordinate: %w", err)
		}
		vertical = encoded
	}
	var extensions any
	if len(rec.Extensions) > 0 {
		encoded, err := json.Marshal(rec.Extensions)
		if err != nil {
			return nil, fmt.Errorf("encode additional properties: %w", err)
		}
		extensions = encoded
	}
	var description any
	if rec.ResultDescription != "" {
		description = rec.ResultDescription
	}
	return []any{
		rec.Longitude, rec.Latitude, vertical,
		rec.HostID, rec.ObserverID, rec.ObservationTypeID, rec.ObservedPropertyID, rec.ObservingProcedureID,
		rec.PhenomenonTimeStart, rec.PhenomenonTimeEnd, durationInterval(rec.PhenomenonDuration), rec.ResultTime,
		rec.ReportTypeID, rec.ReportIdentifierID, rec.DatasetID,
		rec.ResultValue, rec.ResultUnitsID, rec.ResultUncertainty, rec.ResultCodeTableID, description,
		extensions,
	}, nil
}

func durationInterval(d time.Duration) string {
	return fmt.Sprintf("%f seconds", d.Seconds())
}
