package ingestion

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/mr1hm/go-aviation-accidents/internal/models"
)

// MaxNarrativeRunes bounds each stored narrative field.
const MaxNarrativeRunes = 5000

// Field spellings seen across the bulk export, the case API and the feed.
// The first present, non-empty value wins.
var (
	keyFields        = []string{"cm_mkey", "Mkey", "mkey", "ev_id", "EventId", "eventId", "externalKey"}
	caseNumberFields = []string{"cm_ntsbNum", "NtsbNo", "NtsbNumber", "ntsbNumber", "caseNumber"}
	dateFields       = []string{"cm_eventDate", "EventDate", "eventDate", "event_date", "pubDate"}
	latFields        = []string{"cm_Latitude", "Latitude", "latitude", "lat"}
	lngFields        = []string{"cm_Longitude", "Longitude", "longitude", "lng", "lon"}
	cityFields       = []string{"cm_city", "City", "city", "EventCity"}
	regionFields     = []string{"cm_state", "State", "state", "region", "EventState"}
	countryFields    = []string{"cm_country", "Country", "country", "EventCountry"}
	classFields      = []string{"cm_eventType", "EventType", "eventType", "eventClass", "ev_type"}
	severityFields   = []string{"cm_highestInjury", "HighestInjuryLevel", "highestInjury", "InjurySeverity"}
	fatalFields      = []string{"cm_fatalInjuryCount", "FatalInjuryCount", "fatalInjuryCount", "TotalFatalInjuries"}
	groundFields     = []string{"cm_onGroundFatalInjuryCount", "OnGroundFatalInjuryCount", "GroundFatalities"}
	vehicleFields    = []string{"cm_vehicles", "Vehicles", "vehicles"}
	reportURLFields  = []string{"reportUrl", "ReportUrl", "ReportURL", "docketUrl"}

	makeFields         = []string{"make", "Make", "cm_make", "acft_make"}
	modelFields        = []string{"model", "Model", "cm_model", "acft_model"}
	registrationFields = []string{"registrationNumber", "RegistrationNumber", "cm_registrationNumber", "regis_no"}
	damageFields       = []string{"damageLevel", "DamageLevel", "cm_damageLevel", "acft_damage"}

	prelimFields   = []string{"prelimNarrative", "PrelimNarrative", "cm_prelimNarrative"}
	factualFields  = []string{"factualNarrative", "FactualNarrative", "cm_factualNarrative"}
	analysisFields = []string{"analysisNarrative", "AnalysisNarrative", "cm_analysisNarrative"}
	causeFields    = []string{"cm_probableCause", "ProbableCause", "probableCause"}
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

// Normalize maps a raw record onto the canonical model. Records without a
// key or a parseable date are rejected with ErrMissingKey or ErrMissingDate.
func Normalize(raw RawRecord, source string) (models.Accident, error) {
	caseNumber := strings.ToUpper(stringField(raw, caseNumberFields))

	key := stringField(raw, keyFields)
	if key == "" {
		key = caseNumber
	}
	if key == "" {
		return models.Accident{}, ErrMissingKey
	}

	eventDate, ok := parseDate(firstValue(raw, dateFields))
	if !ok {
		return models.Accident{}, ErrMissingDate
	}

	fatal := intField(raw, fatalFields) + intField(raw, groundFields)

	a := models.Accident{
		ExternalKey:    key,
		CaseNumber:     caseNumber,
		Source:         source,
		EventDate:      eventDate,
		EventClass:     parseEventClass(stringField(raw, classFields)),
		InjurySeverity: parseSeverity(stringField(raw, severityFields), fatal),
		FatalCount:     fatal,
		Location: models.Location{
			City:    models.StringPtr(titleCase(stringField(raw, cityFields))),
			Region:  models.StringPtr(normalizeCode(stringField(raw, regionFields))),
			Country: models.StringPtr(normalizeCode(stringField(raw, countryFields))),
		},
		Aircraft: firstVehicle(firstValue(raw, vehicleFields)),
		Narrative: models.Narrative{
			Preliminary:   truncate(stringField(raw, prelimFields)),
			Factual:       truncate(stringField(raw, factualFields)),
			Analysis:      truncate(stringField(raw, analysisFields)),
			ProbableCause: truncate(stringField(raw, causeFields)),
		},
		ReportURL: stringField(raw, reportURLFields),
	}

	lat, latOK := floatValue(firstValue(raw, latFields))
	lng, lngOK := floatValue(firstValue(raw, lngFields))
	if latOK && lngOK {
		c := models.Coordinates{Lat: lat, Lng: lng}
		if c.Valid() && !(lat == 0 && lng == 0) {
			a.Coordinates = &c
		}
	}

	return a, nil
}

func firstValue(raw map[string]any, fields []string) any {
	for _, f := range fields {
		v, ok := raw[f]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		return v
	}
	return nil
}

func stringField(raw map[string]any, fields []string) string {
	return stringValue(firstValue(raw, fields))
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func floatValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0)
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return 0, false
	}
}

func intField(raw map[string]any, fields []string) int {
	f, ok := floatValue(firstValue(raw, fields))
	if !ok || f < 0 {
		return 0
	}
	return int(f)
}

func parseDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if d, err := time.Parse(layout, s); err == nil {
				return d.UTC(), true
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC(), true
		}
	case float64:
		if t > 0 {
			return time.UnixMilli(int64(t)).UTC(), true
		}
	}
	return time.Time{}, false
}

func parseEventClass(s string) models.EventClass {
	switch strings.ToUpper(s) {
	case "ACC", "ACCIDENT":
		return models.EventClassAccident
	case "INC", "INCIDENT":
		return models.EventClassIncident
	default:
		return models.EventClassUnknown
	}
}

func parseSeverity(s string, fatalities int) models.InjurySeverity {
	if fatalities > 0 {
		return models.InjuryFatal
	}
	switch strings.ToUpper(s) {
	case "FATL", "FATAL":
		return models.InjuryFatal
	case "SERS", "SERIOUS":
		return models.InjurySerious
	case "MINR", "MINOR":
		return models.InjuryMinor
	default:
		return models.InjuryNone
	}
}

func firstVehicle(v any) *models.Aircraft {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	veh, ok := list[0].(map[string]any)
	if !ok {
		return nil
	}

	a := &models.Aircraft{
		Make:         titleCase(stringField(veh, makeFields)),
		Model:        strings.ToUpper(stringField(veh, modelFields)),
		Registration: strings.ToUpper(stringField(veh, registrationFields)),
		DamageLevel:  stringField(veh, damageFields),
	}
	if *a == (models.Aircraft{}) {
		return nil
	}
	return a
}

func titleCase(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	return cases.Title(language.Und).String(strings.ToLower(s))
}

// normalizeCode upper-cases short codes ("nv", "us") and title-cases names.
func normalizeCode(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= 3 && !strings.Contains(s, " ") {
		return strings.ToUpper(s)
	}
	return titleCase(s)
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxNarrativeRunes {
		return s
	}
	return string([]rune(s)[:MaxNarrativeRunes])
}
