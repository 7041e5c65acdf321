package models

import "time"

type EventClass string

const (
	EventClassUnknown  EventClass = ""
	EventClassAccident EventClass = "accident"
	EventClassIncident EventClass = "incident"
)

type InjurySeverity string

const (
	InjuryNone    InjurySeverity = "none"
	InjuryMinor   InjurySeverity = "minor"
	InjurySerious InjurySeverity = "serious"
	InjuryFatal   InjurySeverity = "fatal"
)

type Accident struct {
	ExternalKey          string // Stable upstream id (mkey, ev_id, or case number)
	CaseNumber           string // Report number, e.g. "WPR24LA112"; empty when unknown
	Source               string // Adapter that produced the record: "bulk", "caseapi", "feed"
	EventDate            time.Time
	EventClass           EventClass
	InjurySeverity       InjurySeverity
	FatalCount           int // Onboard plus on-ground fatalities
	Location             Location
	Coordinates          *Coordinates // nil when unresolved
	CoordinatesEstimated bool         // Coarse geocode or manual override
	Aircraft             *Aircraft
	Narrative            Narrative
	ReportURL            string
	IngestCount          int       // How many times this key has been upserted
	CreatedAt            time.Time // First ingestion
	UpdatedAt            time.Time // Most recent ingestion
}

type Location struct {
	City    *string
	Region  *string // State or province
	Country *string
}

func (l Location) IsEmpty() bool {
	return l.City == nil && l.Region == nil && l.Country == nil
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the pair lies inside WGS-84 bounds.
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type Aircraft struct {
	Make         string
	Model        string
	Registration string
	DamageLevel  string
}

type Narrative struct {
	Preliminary   string
	Factual       string
	Analysis      string
	ProbableCause string
}

func (a *Accident) HasCoordinates() bool {
	return a.Coordinates != nil
}

// StringPtr returns nil for empty strings so optional columns store NULL.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the empty string for a nil pointer.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
