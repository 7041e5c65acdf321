package api

import (
	"time"

	"github.com/mr1hm/go-aviation-accidents/internal/models"
)

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// toGeoJSON converts accidents to point features. Records without
// coordinates cannot be plotted and are left out.
func toGeoJSON(accidents []models.Accident) FeatureCollection {
	features := make([]Feature, 0, len(accidents))

	for _, a := range accidents {
		if a.Coordinates == nil {
			continue
		}
		props := map[string]any{
			"external_key":          a.ExternalKey,
			"case_number":           a.CaseNumber,
			"source":                a.Source,
			"event_date":            a.EventDate.Format(time.RFC3339),
			"event_class":           string(a.EventClass),
			"injury_severity":       string(a.InjurySeverity),
			"fatal_count":           a.FatalCount,
			"city":                  models.Deref(a.Location.City),
			"region":                models.Deref(a.Location.Region),
			"country":               models.Deref(a.Location.Country),
			"coordinates_estimated": a.CoordinatesEstimated,
			"report_url":            a.ReportURL,
			"probable_cause":        a.Narrative.ProbableCause,
		}
		if a.Aircraft != nil {
			props["aircraft_make"] = a.Aircraft.Make
			props["aircraft_model"] = a.Aircraft.Model
			props["aircraft_registration"] = a.Aircraft.Registration
			props["aircraft_damage"] = a.Aircraft.DamageLevel
		}

		features = append(features, Feature{
			Type: "Feature",
			Geometry: Geometry{
				Type:        "Point",
				Coordinates: []float64{a.Coordinates.Lng, a.Coordinates.Lat},
			},
			Properties: props,
		})
	}

	return FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
	}
}
