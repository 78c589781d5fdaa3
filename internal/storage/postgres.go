// Package storage is the persistence gateway for processed readings and
// regional aggregates. All writes go through the configured retry policy so
// transient database failures never surface to the consumer loop as fatal
// errors until the policy is exhausted.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/citypulse/trafficflow/internal/models"
	"github.com/citypulse/trafficflow/internal/retry"
)

type Store struct {
	pool   *pgxpool.Pool
	policy retry.Policy
	log    *slog.Logger
}

// New connects to the database and verifies the connection. The retry policy
// guards every write; if its Retryable predicate is unset, IsTransient is
// used.
func New(ctx context.Context, databaseURL string, policy retry.Policy, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error pinging database: %w", err)
	}

	if policy.Retryable == nil {
		policy.Retryable = IsTransient
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}

	return &Store{pool: pool, policy: policy, log: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS processed_readings (
    id               TEXT PRIMARY KEY,
    sensor_id        TEXT NOT NULL,
    reading_ts       TIMESTAMPTZ NOT NULL,
    latitude         DOUBLE PRECISION NOT NULL,
    longitude        DOUBLE PRECISION NOT NULL,
    vehicle_count    INTEGER NOT NULL,
    average_speed    DOUBLE PRECISION NOT NULL,
    congestion_level DOUBLE PRECISION NOT NULL,
    congestion_score DOUBLE PRECISION NOT NULL,
    processed_at     TIMESTAMPTZ NOT NULL,
    status           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS processed_readings_sensor_ts_idx
    ON processed_readings (sensor_id, reading_ts);

CREATE TABLE IF NOT EXISTS regional_aggregates (
    region_id                TEXT NOT NULL,
    window_start             TIMESTAMPTZ NOT NULL,
    average_congestion_score DOUBLE PRECISION NOT NULL,
    sensor_count             INTEGER NOT NULL,
    message_count            INTEGER NOT NULL,
    updated_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (region_id, window_start)
);
`

// EnsureSchema creates the tables the pipeline writes to if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

const insertReadingSQL = `
INSERT INTO processed_readings (
    id, sensor_id, reading_ts, latitude, longitude, vehicle_count,
    average_speed, congestion_level, congestion_score, processed_at, status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// WriteProcessed inserts one processed reading. Every processing attempt has
// its own ID, so redelivered messages insert as distinct rows rather than
// conflicting.
func (s *Store) WriteProcessed(ctx context.Context, r *models.ProcessedReading) error {
	err := s.policy.Do(ctx, "insert processed reading", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, insertReadingSQL,
			r.ID,
			r.SensorID,
			r.Timestamp,
			r.Location.Latitude,
			r.Location.Longitude,
			r.VehicleCount,
			r.AverageSpeed,
			r.CongestionLevel,
			r.CongestionScore,
			r.ProcessedAt,
			r.Status,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert processed reading %s: %w", r.ID, err)
	}
	return nil
}

const upsertAggregateSQL = `
INSERT INTO regional_aggregates (
    region_id, window_start, average_congestion_score, sensor_count,
    message_count, updated_at
) VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (region_id, window_start) DO UPDATE SET
    average_congestion_score = EXCLUDED.average_congestion_score,
    sensor_count             = EXCLUDED.sensor_count,
    message_count            = EXCLUDED.message_count,
    updated_at               = now()`

// WriteAggregate upserts one closed window keyed on (region_id,
// window_start), so a redelivered flush overwrites instead of duplicating.
func (s *Store) WriteAggregate(ctx context.Context, a *models.RegionalAggregate) error {
	err := s.policy.Do(ctx, "upsert regional aggregate", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, upsertAggregateSQL,
			a.RegionID,
			a.WindowStart,
			a.AverageCongestionScore,
			a.SensorCount,
			a.MessageCount,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert aggregate for region %s window %s: %w",
			a.RegionID, a.WindowStart.Format(time.RFC3339), err)
	}
	return nil
}

// ReadingQuery filters ReadingsBySensor. Nil time bounds are open ended.
type ReadingQuery struct {
	SensorID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

func (s *Store) Readings(ctx context.Context, q ReadingQuery) ([]models.ProcessedReading, error) {
	query := `
        SELECT id, sensor_id, reading_ts, latitude, longitude, vehicle_count,
               average_speed, congestion_level, congestion_score, processed_at, status
        FROM processed_readings`
	var args []any
	var conds []string

	if q.SensorID != "" {
		args = append(args, q.SensorID)
		conds = append(conds, fmt.Sprintf("sensor_id = $%d", len(args)))
	}
	if q.Since != nil {
		args = append(args, *q.Since)
		conds = append(conds, fmt.Sprintf("reading_ts >= $%d", len(args)))
	}
	if q.Until != nil {
		args = append(args, *q.Until)
		conds = append(conds, fmt.Sprintf("reading_ts < $%d", len(args)))
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY reading_ts DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []models.ProcessedReading
	for rows.Next() {
		var r models.ProcessedReading
		err := rows.Scan(
			&r.ID,
			&r.SensorID,
			&r.Timestamp,
			&r.Location.Latitude,
			&r.Location.Longitude,
			&r.VehicleCount,
			&r.AverageSpeed,
			&r.CongestionLevel,
			&r.CongestionScore,
			&r.ProcessedAt,
			&r.Status,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading row: %w", err)
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reading rows: %w", err)
	}
	return readings, nil
}

// AggregateQuery filters Aggregates. Nil time bounds are open ended.
type AggregateQuery struct {
	RegionID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

func (s *Store) Aggregates(ctx context.Context, q AggregateQuery) ([]models.RegionalAggregate, error) {
	query := `
        SELECT region_id, window_start, average_congestion_score, sensor_count, message_count
        FROM regional_aggregates`
	var args []any
	var conds []string

	if q.RegionID != "" {
		args = append(args, q.RegionID)
		conds = append(conds, fmt.Sprintf("region_id = $%d", len(args)))
	}
	if q.Since != nil {
		args = append(args, *q.Since)
		conds = append(conds, fmt.Sprintf("window_start >= $%d", len(args)))
	}
	if q.Until != nil {
		args = append(args, *q.Until)
		conds = append(conds, fmt.Sprintf("window_start < $%d", len(args)))
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY window_start DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer rows.Close()

	return scanAggregates(rows)
}

// LatestAggregates returns the most recent closed window per region.
func (s *Store) LatestAggregates(ctx context.Context) ([]models.RegionalAggregate, error) {
	query := `
        SELECT DISTINCT ON (region_id)
               region_id, window_start, average_congestion_score, sensor_count, message_count
        FROM regional_aggregates
        ORDER BY region_id, window_start DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest aggregates: %w", err)
	}
	defer rows.Close()

	return scanAggregates(rows)
}

func scanAggregates(rows pgx.Rows) ([]models.RegionalAggregate, error) {
	var aggs []models.RegionalAggregate
	for rows.Next() {
		var a models.RegionalAggregate
		err := rows.Scan(
			&a.RegionID,
			&a.WindowStart,
			&a.AverageCongestionScore,
			&a.SensorCount,
			&a.MessageCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		aggs = append(aggs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregate rows: %w", err)
	}
	return aggs, nil
}

// IsTransient reports whether a database error is worth retrying. Server
// errors are judged by SQLSTATE: serialization failures, deadlocks, lock
// timeouts and the connection, resource and operator-intervention classes
// are transient; everything else (constraint violations, bad SQL) is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case "08", "53", "57":
				return true
			}
		}
		return false
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}
