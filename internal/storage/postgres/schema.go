package postgres

import (
	"context"
	"fmt"

	"github.com/couchcryptid/wis2-ingest-service/internal/uricache"
)

// Dedup tables all share the same shape: a surrogate id and a unique uri.
const uriTableDDL = `
CREATE TABLE IF NOT EXISTS wccdm.%s (
    id  BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
    uri TEXT   NOT NULL UNIQUE
)`

// The observation table is range-partitioned on phenomenon_time_end; rows
// are routed to per-day child tables at insert time. The side tables carry
// the quality and feature-of-interest annotations; they reference the parent
// id without a foreign key because a partitioned parent cannot back one on
// id alone.
const observationDDL = `
CREATE TABLE IF NOT EXISTS wccdm.observation (
    id                    BIGINT GENERATED BY DEFAULT AS IDENTITY,
    longitude             DOUBLE PRECISION NOT NULL,
    latitude              DOUBLE PRECISION NOT NULL,
    z_coordinate          JSONB,
    host                  BIGINT NOT NULL REFERENCES wccdm.host (id),
    observer              BIGINT REFERENCES wccdm.observer (id),
    observation_type      BIGINT NOT NULL REFERENCES wccdm.observation_type (id),
    observed_property     BIGINT NOT NULL REFERENCES wccdm.observed_property (id),
    observing_procedure   BIGINT NOT NULL REFERENCES wccdm.observing_procedure (id),
    phenomenon_time_start TIMESTAMPTZ NOT NULL,
    phenomenon_time_end   TIMESTAMPTZ NOT NULL,
    phenomenon_duration   INTERVAL DEFAULT '0 seconds',
    result_time           TIMESTAMPTZ NOT NULL,
    report_type           BIGINT NOT NULL REFERENCES wccdm.report_type (id),
    report_identifier     BIGINT NOT NULL REFERENCES wccdm.report_identifier (id),
    is_member_of          BIGINT NOT NULL REFERENCES wccdm.dataset (id),
    result_value          NUMERIC,
    result_units          BIGINT REFERENCES wccdm.units (id),
    result_uncertainty    NUMERIC,
    result_code_table     BIGINT REFERENCES wccdm.code_table (id),
    result_description    TEXT,
    additional_properties JSONB,
    PRIMARY KEY (id, phenomenon_time_end)
) PARTITION BY RANGE (phenomenon_time_end)`

const sideTableDDL = `
CREATE TABLE IF NOT EXISTS wccdm.quality_flag (
    id             BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
    observation_id BIGINT NOT NULL,
    scheme         TEXT   NOT NULL,
    flag           TEXT   NOT NULL,
    value          TEXT   NOT NULL
);
CREATE TABLE IF NOT EXISTS wccdm.feature_of_interest (
    id             BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
    observation_id BIGINT NOT NULL,
    uri            TEXT   NOT NULL,
    label          TEXT,
    relation       TEXT
);
CREATE INDEX IF NOT EXISTS quality_flag_observation_idx
    ON wccdm.quality_flag (observation_id);
CREATE INDEX IF NOT EXISTS feature_of_interest_observation_idx
    ON wccdm.feature_of_interest (observation_id)`

// EnsureSchema creates the wccdm schema, the dedup tables, the partitioned
// observation parent, and the annotation side tables. It is idempotent and
// runs at service start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS wccdm`); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for _, category := range uricache.Categories {
		ddl := fmt.Sprintf(uriTableDDL, tableFor(category))
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create %s table: %w", category, err)
		}
	}
	if _, err := s.pool.Exec(ctx, observationDDL); err != nil {
		return fmt.Errorf("create observation table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sideTableDDL); err != nil {
		return fmt.Errorf("create side tables: %w", err)
	}
	return nil
}

// EnsurePartitions creates one child table per day of the router's window.
// Idempotent; pre-creating a bounded range is deliberate, inserts outside it
// must fail loudly.
func (s *Store) EnsurePartitions(ctx context.Context) error {
	for _, d := range s.router.Days() {
		ddl := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS wccdm.%s PARTITION OF wccdm.observation
             FOR VALUES FROM ('%s') TO ('%s')`,
			s.router.PartitionName(d),
			d.Format("2006-01-02 00:00:00+00"),
			d.AddDate(0, 0, 1).Format("2006-01-02 00:00:00+00"),
		)
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create partition %s: %w", s.router.PartitionName(d), err)
		}
	}
	return nil
}
