package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/go-aviation-accidents/internal/models"
)

const pgUniqueViolation = "23505"

// Pool is the subset of *pgxpool.Pool used by PostgresDB.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type PostgresDB struct {
	pool  Pool
	clock clockwork.Clock
}

// NewPostgresDB connects to url and applies the schema.
func NewPostgresDB(ctx context.Context, url string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	p := NewPostgresDBFromPool(pool, clockwork.NewRealClock())
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error while migrating to database: %w", err)
	}
	return p, nil
}

// NewPostgresDBFromPool wraps an existing pool without migrating.
func NewPostgresDBFromPool(pool Pool, clock clockwork.Clock) *PostgresDB {
	return &PostgresDB{pool: pool, clock: clock}
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS accidents (
		id BIGSERIAL PRIMARY KEY,
		external_key TEXT NOT NULL,
		case_number TEXT,
		source TEXT NOT NULL,
		event_date TIMESTAMPTZ NOT NULL,
		event_class TEXT NOT NULL DEFAULT '',
		injury_severity TEXT NOT NULL DEFAULT 'none',
		fatal_count INTEGER NOT NULL DEFAULT 0,
		city TEXT,
		region TEXT,
		country TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		coordinates_estimated BOOLEAN NOT NULL DEFAULT FALSE,
		aircraft_make TEXT,
		aircraft_model TEXT,
		aircraft_registration TEXT,
		aircraft_damage TEXT,
		narrative_preliminary TEXT,
		narrative_factual TEXT,
		narrative_analysis TEXT,
		probable_cause TEXT,
		report_url TEXT,
		ingest_count INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT accidents_external_key_key UNIQUE (external_key),
		CONSTRAINT accidents_case_number_key UNIQUE (case_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accidents_event_date ON accidents(event_date)`,
	`CREATE INDEX IF NOT EXISTS idx_accidents_coordinates ON accidents(latitude, longitude)
		WHERE latitude IS NOT NULL AND longitude IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS ingest_runs (
		run_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		seen INTEGER NOT NULL DEFAULT 0,
		inserted INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		skipped_duplicate INTEGER NOT NULL DEFAULT 0,
		skipped_no_key INTEGER NOT NULL DEFAULT 0,
		skipped_no_date INTEGER NOT NULL DEFAULT 0,
		geocoded INTEGER NOT NULL DEFAULT 0,
		geocode_cache_hits INTEGER NOT NULL DEFAULT 0,
		unresolved INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ingest_runs_started_at ON ingest_runs(started_at)`,
}

func (p *PostgresDB) Migrate(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("error applying schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresDB) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM accidents WHERE external_key = $1)`, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("error checking accident %s: %w", key, err)
	}
	return exists, nil
}

// Postgres allows a single conflict target per statement. A case number
// clash is retried as an update keyed by case number.
const pgUpsertQuery = `INSERT INTO accidents (` + accidentColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	ON CONFLICT (external_key) DO UPDATE SET
		case_number = COALESCE(EXCLUDED.case_number, accidents.case_number),
		source = EXCLUDED.source,
		event_date = EXCLUDED.event_date,
		event_class = EXCLUDED.event_class,
		injury_severity = EXCLUDED.injury_severity,
		fatal_count = EXCLUDED.fatal_count,
		city = EXCLUDED.city,
		region = EXCLUDED.region,
		country = EXCLUDED.country,
		latitude = CASE WHEN EXCLUDED.latitude IS NULL THEN accidents.latitude ELSE EXCLUDED.latitude END,
		longitude = CASE WHEN EXCLUDED.latitude IS NULL THEN accidents.longitude ELSE EXCLUDED.longitude END,
		coordinates_estimated = CASE WHEN EXCLUDED.latitude IS NULL THEN accidents.coordinates_estimated ELSE EXCLUDED.coordinates_estimated END,
		aircraft_make = EXCLUDED.aircraft_make,
		aircraft_model = EXCLUDED.aircraft_model,
		aircraft_registration = EXCLUDED.aircraft_registration,
		aircraft_damage = EXCLUDED.aircraft_damage,
		narrative_preliminary = EXCLUDED.narrative_preliminary,
		narrative_factual = EXCLUDED.narrative_factual,
		narrative_analysis = EXCLUDED.narrative_analysis,
		probable_cause = EXCLUDED.probable_cause,
		report_url = EXCLUDED.report_url,
		ingest_count = accidents.ingest_count + 1,
		updated_at = EXCLUDED.updated_at
	RETURNING ingest_count`

const pgUpdateByCaseNumberQuery = `UPDATE accidents SET
		source = $2,
		event_date = $3,
		event_class = $4,
		injury_severity = $5,
		fatal_count = $6,
		city = $7,
		region = $8,
		country = $9,
		latitude = CASE WHEN $10::double precision IS NULL THEN latitude ELSE $10 END,
		longitude = CASE WHEN $10::double precision IS NULL THEN longitude ELSE $11 END,
		coordinates_estimated = CASE WHEN $10::double precision IS NULL THEN coordinates_estimated ELSE $12 END,
		aircraft_make = $13,
		aircraft_model = $14,
		aircraft_registration = $15,
		aircraft_damage = $16,
		narrative_preliminary = $17,
		narrative_factual = $18,
		narrative_analysis = $19,
		probable_cause = $20,
		report_url = $21,
		ingest_count = ingest_count + 1,
		updated_at = $22
	WHERE case_number = $1
	RETURNING ingest_count`

func (p *PostgresDB) Upsert(ctx context.Context, a *models.Accident) (UpsertResult, error) {
	r := toRow(a, p.clock.Now().UTC())
	args := []any{
		r.ExternalKey, r.CaseNumber, r.Source, r.EventDate, r.EventClass, r.Severity,
		r.FatalCount, r.City, r.Region, r.Country, r.Latitude, r.Longitude, r.Estimated,
		r.Make, r.Model, r.Registration, r.Damage,
		r.Preliminary, r.Factual, r.Analysis, r.Cause,
		r.ReportURL, r.IngestCount, r.CreatedAt, r.UpdatedAt,
	}

	var count int
	err := p.pool.QueryRow(ctx, pgUpsertQuery, args...).Scan(&count)
	if err == nil {
		return resultFromCount(count), nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation || pgErr.ConstraintName != "accidents_case_number_key" {
		return 0, fmt.Errorf("error upserting accident %s: %w", a.ExternalKey, err)
	}

	err = p.pool.QueryRow(ctx, pgUpdateByCaseNumberQuery,
		r.CaseNumber, r.Source, r.EventDate, r.EventClass, r.Severity,
		r.FatalCount, r.City, r.Region, r.Country, r.Latitude, r.Longitude, r.Estimated,
		r.Make, r.Model, r.Registration, r.Damage,
		r.Preliminary, r.Factual, r.Analysis, r.Cause,
		r.ReportURL, r.UpdatedAt,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error updating accident by case number %s: %w", a.CaseNumber, err)
	}
	return resultFromCount(count), nil
}

func (p *PostgresDB) SetCoordinates(ctx context.Context, key string, c models.Coordinates) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE accidents SET latitude = $1, longitude = $2, coordinates_estimated = TRUE, updated_at = $3
		WHERE external_key = $4`,
		c.Lat, c.Lng, p.clock.Now().UTC(), key,
	)
	if err != nil {
		return fmt.Errorf("error setting coordinates for %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPgAccident(sc scanner) (models.Accident, error) {
	var r row
	err := sc.Scan(
		&r.ExternalKey, &r.CaseNumber, &r.Source, &r.EventDate, &r.EventClass, &r.Severity,
		&r.FatalCount, &r.City, &r.Region, &r.Country, &r.Latitude, &r.Longitude, &r.Estimated,
		&r.Make, &r.Model, &r.Registration, &r.Damage,
		&r.Preliminary, &r.Factual, &r.Analysis, &r.Cause,
		&r.ReportURL, &r.IngestCount, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return models.Accident{}, err
	}
	return r.accident(), nil
}

func (p *PostgresDB) GetByKey(ctx context.Context, key string) (*models.Accident, error) {
	a, err := scanPgAccident(p.pool.QueryRow(ctx,
		`SELECT `+accidentColumns+` FROM accidents WHERE external_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting accident %s: %w", key, err)
	}
	return &a, nil
}

func (p *PostgresDB) List(ctx context.Context, f Filter) ([]models.Accident, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.WithCoordinates {
		where = append(where, "latitude IS NOT NULL AND longitude IS NOT NULL")
	}
	if f.Since != nil {
		where = append(where, "event_date >= "+arg(f.Since.UTC()))
	}
	if f.Until != nil {
		where = append(where, "event_date <= "+arg(f.Until.UTC()))
	}
	if f.Severity != nil {
		where = append(where, "injury_severity = "+arg(string(*f.Severity)))
	}
	if f.Class != nil {
		where = append(where, "event_class = "+arg(string(*f.Class)))
	}

	query := `SELECT ` + accidentColumns + ` FROM accidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY event_date DESC, external_key LIMIT " + arg(clampLimit(f.Limit)) + " OFFSET " + arg(max(f.Offset, 0))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing accidents: %w", err)
	}
	defer rows.Close()

	var out []models.Accident
	for rows.Next() {
		a, err := scanPgAccident(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning accident: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresDB) RecordRun(ctx context.Context, st models.RunStats) error {
	var finished *time.Time
	if !st.FinishedAt.IsZero() {
		t := st.FinishedAt.UTC()
		finished = &t
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO ingest_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (run_id) DO UPDATE SET
			state = EXCLUDED.state,
			finished_at = EXCLUDED.finished_at,
			seen = EXCLUDED.seen,
			inserted = EXCLUDED.inserted,
			updated = EXCLUDED.updated,
			skipped_duplicate = EXCLUDED.skipped_duplicate,
			skipped_no_key = EXCLUDED.skipped_no_key,
			skipped_no_date = EXCLUDED.skipped_no_date,
			geocoded = EXCLUDED.geocoded,
			geocode_cache_hits = EXCLUDED.geocode_cache_hits,
			unresolved = EXCLUDED.unresolved,
			failed = EXCLUDED.failed,
			error = EXCLUDED.error`,
		st.RunID, st.Source, string(st.State), st.StartedAt.UTC(), finished,
		st.Seen, st.Inserted, st.Updated, st.SkippedDuplicate, st.SkippedNoKey, st.SkippedNoDate,
		st.Geocoded, st.GeocodeCacheHits, st.Unresolved, st.Failed, models.StringPtr(st.Error),
	)
	if err != nil {
		return fmt.Errorf("error recording run %s: %w", st.RunID, err)
	}
	return nil
}

func (p *PostgresDB) ListRuns(ctx context.Context, limit int) ([]models.RunStats, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+runColumns+` FROM ingest_runs ORDER BY started_at DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("error listing runs: %w", err)
	}
	defer rows.Close()

	var out []models.RunStats
	for rows.Next() {
		var (
			st       models.RunStats
			state    string
			finished *time.Time
			runErr   *string
		)
		if err := rows.Scan(
			&st.RunID, &st.Source, &state, &st.StartedAt, &finished,
			&st.Seen, &st.Inserted, &st.Updated, &st.SkippedDuplicate, &st.SkippedNoKey, &st.SkippedNoDate,
			&st.Geocoded, &st.GeocodeCacheHits, &st.Unresolved, &st.Failed, &runErr,
		); err != nil {
			return nil, fmt.Errorf("error scanning run: %w", err)
		}
		st.State = models.RunState(state)
		st.Error = models.Deref(runErr)
		if finished != nil {
			st.FinishedAt = finished.UTC()
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
