package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/mr1hm/go-aviation-accidents/internal/models"
)

// Fixed width so that text comparison orders timestamps.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteDB struct {
	db    *sql.DB
	clock clockwork.Clock
}

type SQLiteOption func(*SQLiteDB)

func WithSQLiteClock(c clockwork.Clock) SQLiteOption {
	return func(s *SQLiteDB) { s.clock = c }
}

func NewSQLiteDB(path string, opts ...SQLiteOption) (*SQLiteDB, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteDB{
		db:    db,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while migrating to database: %w", err)
	}

	return s, nil
}

func (s *SQLiteDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_key TEXT NOT NULL UNIQUE,
			case_number TEXT UNIQUE,
			source TEXT NOT NULL,
			event_date TEXT NOT NULL,
			event_class TEXT NOT NULL DEFAULT '',
			injury_severity TEXT NOT NULL DEFAULT 'none',
			fatal_count INTEGER NOT NULL DEFAULT 0,
			city TEXT,
			region TEXT,
			country TEXT,
			latitude REAL,
			longitude REAL,
			coordinates_estimated INTEGER NOT NULL DEFAULT 0,
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
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_accidents_event_date ON accidents(event_date);
		CREATE INDEX IF NOT EXISTS idx_accidents_coordinates ON accidents(latitude, longitude)
			WHERE latitude IS NOT NULL AND longitude IS NOT NULL;

		CREATE TABLE IF NOT EXISTS ingest_runs (
			run_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			state TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
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
		);

		CREATE INDEX IF NOT EXISTS idx_ingest_runs_started_at ON ingest_runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeFormat, s)
}

func (s *SQLiteDB) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM accidents WHERE external_key = ?)`, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("error checking accident %s: %w", key, err)
	}
	return exists, nil
}

// The coordinate pair and its provenance flag move together: an incoming
// null pair keeps the stored pair and flag.
const sqliteUpsertSet = `
	source = excluded.source,
	event_date = excluded.event_date,
	event_class = excluded.event_class,
	injury_severity = excluded.injury_severity,
	fatal_count = excluded.fatal_count,
	city = excluded.city,
	region = excluded.region,
	country = excluded.country,
	latitude = CASE WHEN excluded.latitude IS NULL THEN accidents.latitude ELSE excluded.latitude END,
	longitude = CASE WHEN excluded.latitude IS NULL THEN accidents.longitude ELSE excluded.longitude END,
	coordinates_estimated = CASE WHEN excluded.latitude IS NULL THEN accidents.coordinates_estimated ELSE excluded.coordinates_estimated END,
	aircraft_make = excluded.aircraft_make,
	aircraft_model = excluded.aircraft_model,
	aircraft_registration = excluded.aircraft_registration,
	aircraft_damage = excluded.aircraft_damage,
	narrative_preliminary = excluded.narrative_preliminary,
	narrative_factual = excluded.narrative_factual,
	narrative_analysis = excluded.narrative_analysis,
	probable_cause = excluded.probable_cause,
	report_url = excluded.report_url,
	ingest_count = accidents.ingest_count + 1,
	updated_at = excluded.updated_at`

const sqliteUpsertQuery = `INSERT INTO accidents (` + accidentColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(external_key) DO UPDATE SET
		case_number = COALESCE(excluded.case_number, accidents.case_number),` + sqliteUpsertSet + `
	ON CONFLICT(case_number) DO UPDATE SET` + sqliteUpsertSet + `
	RETURNING ingest_count`

func (s *SQLiteDB) Upsert(ctx context.Context, a *models.Accident) (UpsertResult, error) {
	r := toRow(a, s.clock.Now())

	var count int
	err := s.db.QueryRowContext(ctx, sqliteUpsertQuery,
		r.ExternalKey, r.CaseNumber, r.Source, formatTime(r.EventDate), r.EventClass, r.Severity,
		r.FatalCount, r.City, r.Region, r.Country, r.Latitude, r.Longitude, r.Estimated,
		r.Make, r.Model, r.Registration, r.Damage,
		r.Preliminary, r.Factual, r.Analysis, r.Cause,
		r.ReportURL, r.IngestCount, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error upserting accident %s: %w", a.ExternalKey, err)
	}
	return resultFromCount(count), nil
}

func (s *SQLiteDB) SetCoordinates(ctx context.Context, key string, c models.Coordinates) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accidents SET latitude = ?, longitude = ?, coordinates_estimated = 1, updated_at = ?
		WHERE external_key = ?`,
		c.Lat, c.Lng, formatTime(s.clock.Now()), key,
	)
	if err != nil {
		return fmt.Errorf("error setting coordinates for %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccident(sc scanner) (models.Accident, error) {
	var (
		r                           row
		eventDate, created, updated string
	)
	err := sc.Scan(
		&r.ExternalKey, &r.CaseNumber, &r.Source, &eventDate, &r.EventClass, &r.Severity,
		&r.FatalCount, &r.City, &r.Region, &r.Country, &r.Latitude, &r.Longitude, &r.Estimated,
		&r.Make, &r.Model, &r.Registration, &r.Damage,
		&r.Preliminary, &r.Factual, &r.Analysis, &r.Cause,
		&r.ReportURL, &r.IngestCount, &created, &updated,
	)
	if err != nil {
		return models.Accident{}, err
	}

	for _, p := range []struct {
		src string
		dst *time.Time
	}{{eventDate, &r.EventDate}, {created, &r.CreatedAt}, {updated, &r.UpdatedAt}} {
		t, err := parseTime(p.src)
		if err != nil {
			return models.Accident{}, fmt.Errorf("error parsing timestamp %q: %w", p.src, err)
		}
		*p.dst = t
	}
	return r.accident(), nil
}

func (s *SQLiteDB) GetByKey(ctx context.Context, key string) (*models.Accident, error) {
	a, err := scanSQLiteAccident(s.db.QueryRowContext(ctx,
		`SELECT `+accidentColumns+` FROM accidents WHERE external_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting accident %s: %w", key, err)
	}
	return &a, nil
}

func (s *SQLiteDB) List(ctx context.Context, f Filter) ([]models.Accident, error) {
	var (
		where []string
		args  []any
	)
	if f.WithCoordinates {
		where = append(where, "latitude IS NOT NULL AND longitude IS NOT NULL")
	}
	if f.Since != nil {
		where = append(where, "event_date >= ?")
		args = append(args, formatTime(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "event_date <= ?")
		args = append(args, formatTime(*f.Until))
	}
	if f.Severity != nil {
		where = append(where, "injury_severity = ?")
		args = append(args, string(*f.Severity))
	}
	if f.Class != nil {
		where = append(where, "event_class = ?")
		args = append(args, string(*f.Class))
	}

	query := `SELECT ` + accidentColumns + ` FROM accidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY event_date DESC, external_key LIMIT ? OFFSET ?"
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing accidents: %w", err)
	}
	defer rows.Close()

	var out []models.Accident
	for rows.Next() {
		a, err := scanSQLiteAccident(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning accident: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) RecordRun(ctx context.Context, st models.RunStats) error {
	var finished, runErr *string
	if !st.FinishedAt.IsZero() {
		v := formatTime(st.FinishedAt)
		finished = &v
	}
	runErr = models.StringPtr(st.Error)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state = excluded.state,
			finished_at = excluded.finished_at,
			seen = excluded.seen,
			inserted = excluded.inserted,
			updated = excluded.updated,
			skipped_duplicate = excluded.skipped_duplicate,
			skipped_no_key = excluded.skipped_no_key,
			skipped_no_date = excluded.skipped_no_date,
			geocoded = excluded.geocoded,
			geocode_cache_hits = excluded.geocode_cache_hits,
			unresolved = excluded.unresolved,
			failed = excluded.failed,
			error = excluded.error`,
		st.RunID, st.Source, string(st.State), formatTime(st.StartedAt), finished,
		st.Seen, st.Inserted, st.Updated, st.SkippedDuplicate, st.SkippedNoKey, st.SkippedNoDate,
		st.Geocoded, st.GeocodeCacheHits, st.Unresolved, st.Failed, runErr,
	)
	if err != nil {
		return fmt.Errorf("error recording run %s: %w", st.RunID, err)
	}
	return nil
}

func (s *SQLiteDB) ListRuns(ctx context.Context, limit int) ([]models.RunStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM ingest_runs ORDER BY started_at DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("error listing runs: %w", err)
	}
	defer rows.Close()

	var out []models.RunStats
	for rows.Next() {
		var (
			st               models.RunStats
			state, started   string
			finished, runErr *string
		)
		if err := rows.Scan(
			&st.RunID, &st.Source, &state, &started, &finished,
			&st.Seen, &st.Inserted, &st.Updated, &st.SkippedDuplicate, &st.SkippedNoKey, &st.SkippedNoDate,
			&st.Geocoded, &st.GeocodeCacheHits, &st.Unresolved, &st.Failed, &runErr,
		); err != nil {
			return nil, fmt.Errorf("error scanning run: %w", err)
		}
		st.State = models.RunState(state)
		st.Error = models.Deref(runErr)
		if st.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("error parsing run start: %w", err)
		}
		if finished != nil {
			if st.FinishedAt, err = parseTime(*finished); err != nil {
				return nil, fmt.Errorf("error parsing run finish: %w", err)
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
