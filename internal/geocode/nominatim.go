package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mr1hm/go-aviation-accidents/internal/models"
)

// Provider resolves one free-text query. ok=false with a nil error means
// the service had no match.
type Provider interface {
	Lookup(ctx context.Context, query string) (models.Coordinates, bool, error)
}

type NominatimOption func(*Nominatim)

func WithHTTPClient(hc *http.Client) NominatimOption {
	return func(n *Nominatim) { n.httpClient = hc }
}

func WithUserAgent(ua string) NominatimOption {
	return func(n *Nominatim) { n.userAgent = ua }
}

// Nominatim queries a Nominatim-compatible search endpoint.
type Nominatim struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

func NewNominatim(baseURL string, opts ...NominatimOption) *Nominatim {
	n := &Nominatim{
		baseURL:    baseURL,
		userAgent:  "go-aviation-accidents/1.0",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// flexFloat accepts both "12.5" and 12.5.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid coordinate %s: %w", b, err)
	}
	*f = flexFloat(v)
	return nil
}

type nominatimPlace struct {
	Lat flexFloat `json:"lat"`
	Lon flexFloat `json:"lon"`
}

func (n *Nominatim) Lookup(ctx context.Context, query string) (models.Coordinates, bool, error) {
	u, err := url.Parse(n.baseURL)
	if err != nil {
		return models.Coordinates{}, false, fmt.Errorf("error parsing geocoder url: %w", err)
	}
	params := u.Query()
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.Coordinates{}, false, fmt.Errorf("error creating geocode request: %w", err)
	}
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return models.Coordinates{}, false, fmt.Errorf("error calling geocoder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.Coordinates{}, false, fmt.Errorf("geocoder returned status %d", resp.StatusCode)
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return models.Coordinates{}, false, fmt.Errorf("error decoding geocoder response: %w", err)
	}
	if len(places) == 0 {
		return models.Coordinates{}, false, nil
	}

	return models.Coordinates{Lat: float64(places[0].Lat), Lng: float64(places[0].Lon)}, true, nil
}
