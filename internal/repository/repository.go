package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mr1hm/go-aviation-accidents/internal/models"
)

var ErrNotFound = errors.New("accident not found")

type UpsertResult int

const (
	Inserted UpsertResult = iota + 1
	Updated
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}

type Filter struct {
	Limit           int
	Offset          int
	Since           *time.Time
	Until           *time.Time
	Severity        *models.InjurySeverity
	Class           *models.EventClass
	WithCoordinates bool // only records that can be plotted
}

// AccidentRepository is the record store. Upsert is atomic per record and
// never replaces stored coordinates with null ones.
type AccidentRepository interface {
	Exists(ctx context.Context, key string) (bool, error)
	GetByKey(ctx context.Context, key string) (*models.Accident, error)
	Upsert(ctx context.Context, a *models.Accident) (UpsertResult, error)
	SetCoordinates(ctx context.Context, key string, c models.Coordinates) error
	List(ctx context.Context, f Filter) ([]models.Accident, error)

	RecordRun(ctx context.Context, stats models.RunStats) error
	ListRuns(ctx context.Context, limit int) ([]models.RunStats, error)

	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// accidentColumns is the column order shared by inserts and selects.
const accidentColumns = `external_key, case_number, source, event_date, event_class, injury_severity,
	fatal_count, city, region, country, latitude, longitude, coordinates_estimated,
	aircraft_make, aircraft_model, aircraft_registration, aircraft_damage,
	narrative_preliminary, narrative_factual, narrative_analysis, probable_cause,
	report_url, ingest_count, created_at, updated_at`

const runColumns = `run_id, source, state, started_at, finished_at, seen, inserted, updated,
	skipped_duplicate, skipped_no_key, skipped_no_date, geocoded, geocode_cache_hits,
	unresolved, failed, error`

// row mirrors an accidents row with nullable columns.
type row struct {
	ExternalKey  string
	CaseNumber   *string
	Source       string
	EventDate    time.Time
	EventClass   string
	Severity     string
	FatalCount   int
	City         *string
	Region       *string
	Country      *string
	Latitude     *float64
	Longitude    *float64
	Estimated    bool
	Make         *string
	Model        *string
	Registration *string
	Damage       *string
	Preliminary  *string
	Factual      *string
	Analysis     *string
	Cause        *string
	ReportURL    *string
	IngestCount  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func toRow(a *models.Accident, now time.Time) row {
	r := row{
		ExternalKey: a.ExternalKey,
		CaseNumber:  models.StringPtr(a.CaseNumber),
		Source:      a.Source,
		EventDate:   a.EventDate.UTC(),
		EventClass:  string(a.EventClass),
		Severity:    string(a.InjurySeverity),
		FatalCount:  a.FatalCount,
		City:        a.Location.City,
		Region:      a.Location.Region,
		Country:     a.Location.Country,
		Preliminary: models.StringPtr(a.Narrative.Preliminary),
		Factual:     models.StringPtr(a.Narrative.Factual),
		Analysis:    models.StringPtr(a.Narrative.Analysis),
		Cause:       models.StringPtr(a.Narrative.ProbableCause),
		ReportURL:   models.StringPtr(a.ReportURL),
		IngestCount: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if a.Coordinates != nil {
		lat, lng := a.Coordinates.Lat, a.Coordinates.Lng
		r.Latitude, r.Longitude = &lat, &lng
		r.Estimated = a.CoordinatesEstimated
	}
	if a.Aircraft != nil {
		r.Make = models.StringPtr(a.Aircraft.Make)
		r.Model = models.StringPtr(a.Aircraft.Model)
		r.Registration = models.StringPtr(a.Aircraft.Registration)
		r.Damage = models.StringPtr(a.Aircraft.DamageLevel)
	}
	return r
}

func (r row) accident() models.Accident {
	a := models.Accident{
		ExternalKey:    r.ExternalKey,
		CaseNumber:     models.Deref(r.CaseNumber),
		Source:         r.Source,
		EventDate:      r.EventDate.UTC(),
		EventClass:     models.EventClass(r.EventClass),
		InjurySeverity: models.InjurySeverity(r.Severity),
		FatalCount:     r.FatalCount,
		Location: models.Location{
			City:    r.City,
			Region:  r.Region,
			Country: r.Country,
		},
		Narrative: models.Narrative{
			Preliminary:   models.Deref(r.Preliminary),
			Factual:       models.Deref(r.Factual),
			Analysis:      models.Deref(r.Analysis),
			ProbableCause: models.Deref(r.Cause),
		},
		ReportURL:   models.Deref(r.ReportURL),
		IngestCount: r.IngestCount,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.Latitude != nil && r.Longitude != nil {
		a.Coordinates = &models.Coordinates{Lat: *r.Latitude, Lng: *r.Longitude}
		a.CoordinatesEstimated = r.Estimated
	}
	if r.Make != nil || r.Model != nil || r.Registration != nil || r.Damage != nil {
		a.Aircraft = &models.Aircraft{
			Make:         models.Deref(r.Make),
			Model:        models.Deref(r.Model),
			Registration: models.Deref(r.Registration),
			DamageLevel:  models.Deref(r.Damage),
		}
	}
	return a
}

func resultFromCount(ingestCount int) UpsertResult {
	if ingestCount <= 1 {
		return Inserted
	}
	return Updated
}
