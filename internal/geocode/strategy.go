package geocode

import "strings"

// Query is a location prepared for candidate building.
type Query struct {
	City    string
	Region  string
	Country string
}

// NewQuery trims the parts, expands country codes, and assumes USA when the
// country is missing but the region is a US state. The assumption only
// affects query text.
func NewQuery(city, region, country string) Query {
	q := Query{
		City:    strings.TrimSpace(city),
		Region:  strings.TrimSpace(region),
		Country: CountryName(country),
	}
	if q.Country == "" && IsUSRegion(q.Region) {
		q.Country = "USA"
	}
	return q
}

// CandidateBuilder renders one query formulation. Coarse builders produce
// results that are flagged as estimated.
type CandidateBuilder struct {
	Name   string
	Coarse bool
	Build  func(q Query) (string, bool)
}

func join(parts ...string) string {
	return strings.Join(parts, ", ")
}

var (
	CityRegionCountry = CandidateBuilder{
		Name: "city_region_country",
		Build: func(q Query) (string, bool) {
			if q.City == "" || q.Region == "" || q.Country == "" || IsSentinelRegion(q.Region) {
				return "", false
			}
			return join(q.City, q.Region, q.Country), true
		},
	}
	CityCountry = CandidateBuilder{
		Name: "city_country",
		Build: func(q Query) (string, bool) {
			if q.City == "" || q.Country == "" {
				return "", false
			}
			return join(q.City, q.Country), true
		},
	}
	RegionCountry = CandidateBuilder{
		Name:   "region_country",
		Coarse: true,
		Build: func(q Query) (string, bool) {
			if q.Region == "" || q.Country == "" || IsSentinelRegion(q.Region) {
				return "", false
			}
			return join(q.Region, q.Country), true
		},
	}
	CountryOnly = CandidateBuilder{
		Name:   "country",
		Coarse: true,
		Build: func(q Query) (string, bool) {
			if q.Country == "" {
				return "", false
			}
			return q.Country, true
		},
	}
)

// DefaultStrategies lists builders from most to least specific.
func DefaultStrategies() []CandidateBuilder {
	return []CandidateBuilder{CityRegionCountry, CityCountry, RegionCountry, CountryOnly}
}

// Candidate is a rendered query and the builder that produced it.
type Candidate struct {
	Text     string
	Strategy string
	Coarse   bool
}

// Candidates renders q through builders in order, dropping duplicates.
func Candidates(q Query, builders []CandidateBuilder) []Candidate {
	var out []Candidate
	seen := make(map[string]bool)
	for _, b := range builders {
		text, ok := b.Build(q)
		if !ok {
			continue
		}
		key := strings.ToLower(text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Candidate{Text: text, Strategy: b.Name, Coarse: b.Coarse})
	}
	return out
}
