package geocode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func texts(cands []Candidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Text)
	}
	return out
}

func TestCandidates_FullLocationOrder(t *testing.T) {
	got := Candidates(NewQuery("Springfield", "IL", "USA"), DefaultStrategies())

	assert.Equal(t, []string{
		"Springfield, IL, USA",
		"Springfield, USA",
		"IL, USA",
		"USA",
	}, texts(got))
	assert.False(t, got[0].Coarse)
	assert.False(t, got[1].Coarse)
	assert.True(t, got[2].Coarse)
	assert.True(t, got[3].Coarse)
}

func TestCandidates_CountryCodeExpanded(t *testing.T) {
	got := Candidates(NewQuery("Toronto", "ON", "CA"), DefaultStrategies())
	assert.Equal(t, []string{"Toronto, ON, Canada", "Toronto, Canada", "ON, Canada", "Canada"}, texts(got))
}

func TestCandidates_SentinelRegionSkipped(t *testing.T) {
	got := Candidates(NewQuery("Nassau", "Other Foreign", "Bahamas"), DefaultStrategies())
	assert.Equal(t, []string{"Nassau, Bahamas", "Bahamas"}, texts(got))
}

func TestCandidates_USRegionImpliesUSA(t *testing.T) {
	got := Candidates(NewQuery("Reno", "NV", ""), DefaultStrategies())
	assert.Equal(t, []string{"Reno, NV, USA", "Reno, USA", "NV, USA", "USA"}, texts(got))
}

func TestCandidates_NoCountryNoUSRegion(t *testing.T) {
	got := Candidates(NewQuery("Somewhere", "ZZ", ""), DefaultStrategies())
	assert.Empty(t, got)
}

func TestCandidates_CountryOnly(t *testing.T) {
	got := Candidates(NewQuery("", "", "mx"), DefaultStrategies())
	assert.Equal(t, []string{"Mexico"}, texts(got))
}

func TestCandidates_CustomChain(t *testing.T) {
	got := Candidates(NewQuery("Reno", "NV", "USA"), []CandidateBuilder{CountryOnly, CityCountry})
	assert.Equal(t, []string{"USA", "Reno, USA"}, texts(got))
}

func TestCountryName(t *testing.T) {
	assert.Equal(t, "USA", CountryName("US"))
	assert.Equal(t, "USA", CountryName(" us "))
	assert.Equal(t, "United Kingdom", CountryName("GB"))
	assert.Equal(t, "France", CountryName("France"))
	assert.Equal(t, "QQ", CountryName("QQ"))
	assert.Equal(t, "", CountryName(""))
}

func TestIsSentinelRegion(t *testing.T) {
	for _, r := range []string{"Other", "UNKNOWN", "n/a", "NA", "none", " other foreign "} {
		assert.True(t, IsSentinelRegion(r), r)
	}
	assert.False(t, IsSentinelRegion("NV"))
}
