package geocode

import "strings"

// countryCodes maps ISO-style two letter codes seen in upstream records to
// the names the geocoding service matches best.
var countryCodes = map[string]string{
	"US": "USA",
	"CA": "Canada",
	"MX": "Mexico",
	"GB": "United Kingdom",
	"UK": "United Kingdom",
	"FR": "France",
	"DE": "Germany",
	"IT": "Italy",
	"ES": "Spain",
	"BR": "Brazil",
	"AR": "Argentina",
	"CO": "Colombia",
	"PE": "Peru",
	"CL": "Chile",
	"AU": "Australia",
	"NZ": "New Zealand",
	"JP": "Japan",
	"CN": "China",
	"IN": "India",
	"ID": "Indonesia",
	"PH": "Philippines",
	"ZA": "South Africa",
	"KE": "Kenya",
	"NG": "Nigeria",
	"RU": "Russia",
	"TR": "Turkey",
	"BS": "Bahamas",
	"IE": "Ireland",
	"NL": "Netherlands",
	"CH": "Switzerland",
}

// usRegions are the state and territory codes used by US records.
var usRegions = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true,
	"CT": true, "DE": true, "FL": true, "GA": true, "HI": true, "ID": true,
	"IL": true, "IN": true, "IA": true, "KS": true, "KY": true, "LA": true,
	"ME": true, "MD": true, "MA": true, "MI": true, "MN": true, "MS": true,
	"MO": true, "MT": true, "NE": true, "NV": true, "NH": true, "NJ": true,
	"NM": true, "NY": true, "NC": true, "ND": true, "OH": true, "OK": true,
	"OR": true, "PA": true, "RI": true, "SC": true, "SD": true, "TN": true,
	"TX": true, "UT": true, "VT": true, "VA": true, "WA": true, "WV": true,
	"WI": true, "WY": true, "DC": true, "PR": true, "GU": true, "VI": true,
	"AS": true, "MP": true,
}

// sentinelRegions carry no geographic meaning and must not be queried.
var sentinelRegions = map[string]bool{
	"other":         true,
	"unknown":       true,
	"n/a":           true,
	"na":            true,
	"none":          true,
	"other foreign": true,
}

// CountryName expands a two letter code; other values pass through trimmed.
func CountryName(country string) string {
	country = strings.TrimSpace(country)
	if len(country) == 2 {
		if name, ok := countryCodes[strings.ToUpper(country)]; ok {
			return name
		}
	}
	return country
}

func IsUSRegion(region string) bool {
	return usRegions[strings.ToUpper(strings.TrimSpace(region))]
}

func IsSentinelRegion(region string) bool {
	return sentinelRegions[strings.ToLower(strings.TrimSpace(region))]
}
