// Package geocode turns partial location names into coordinates by trying
// progressively coarser queries.
package geocode

import (
	"context"
	"log/slog"
	"time"

	"github.com/mr1hm/go-aviation-accidents/internal/cache"
	"github.com/mr1hm/go-aviation-accidents/internal/models"
	"github.com/mr1hm/go-aviation-accidents/internal/observability"
	"github.com/mr1hm/go-aviation-accidents/internal/ratelimit"
)

// Acquirer spaces calls to an external service.
type Acquirer interface {
	Acquire(ctx context.Context, serviceID string) error
}

// Result describes a successful resolution.
type Result struct {
	Coordinates models.Coordinates
	Query       string
	Strategy    string
	FromCache   bool
	Coarse      bool
}

type Option func(*Geocoder)

func WithCache(c cache.Cache) Option {
	return func(g *Geocoder) { g.cache = c }
}

func WithLimiter(a Acquirer) Option {
	return func(g *Geocoder) { g.limiter = a }
}

func WithStrategies(builders []CandidateBuilder) Option {
	return func(g *Geocoder) { g.strategies = builders }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(g *Geocoder) { g.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Geocoder) { g.logger = l }
}

// WithTimeout bounds each individual provider call.
func WithTimeout(d time.Duration) Option {
	return func(g *Geocoder) { g.timeout = d }
}

type Geocoder struct {
	provider   Provider
	cache      cache.Cache
	limiter    Acquirer
	strategies []CandidateBuilder
	metrics    *observability.Metrics
	logger     *slog.Logger
	timeout    time.Duration
}

func New(provider Provider, opts ...Option) *Geocoder {
	g := &Geocoder{
		provider:   provider,
		cache:      cache.Noop{},
		limiter:    ratelimit.New(0),
		strategies: DefaultStrategies(),
		logger:     slog.Default(),
		timeout:    10 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Resolve walks the candidate chain and returns the first valid match.
// ok=false means every candidate was exhausted; that is a normal outcome.
func (g *Geocoder) Resolve(ctx context.Context, city, region, country string) (Result, bool) {
	q := NewQuery(city, region, country)

	for _, cand := range Candidates(q, g.strategies) {
		if ctx.Err() != nil {
			return Result{}, false
		}

		key := cache.Key(cand.Text)
		if coords, ok := g.cacheGet(ctx, key); ok {
			return Result{
				Coordinates: coords,
				Query:       cand.Text,
				Strategy:    cand.Strategy,
				FromCache:   true,
				Coarse:      cand.Coarse,
			}, true
		}

		coords, ok := g.lookup(ctx, cand.Text)
		if !ok {
			continue
		}

		if err := g.cache.Put(ctx, key, coords); err != nil {
			g.logger.Debug("geocode cache write failed", "key", key, "error", err)
		}
		return Result{
			Coordinates: coords,
			Query:       cand.Text,
			Strategy:    cand.Strategy,
			Coarse:      cand.Coarse,
		}, true
	}

	return Result{}, false
}

func (g *Geocoder) cacheGet(ctx context.Context, key string) (models.Coordinates, bool) {
	coords, ok, err := g.cache.Get(ctx, key)
	switch {
	case err != nil:
		g.logger.Debug("geocode cache read failed", "key", key, "error", err)
		g.countCache("error")
		return models.Coordinates{}, false
	case ok:
		g.countCache("hit")
		return coords, true
	default:
		g.countCache("miss")
		return models.Coordinates{}, false
	}
}

func (g *Geocoder) lookup(ctx context.Context, query string) (models.Coordinates, bool) {
	if err := g.limiter.Acquire(ctx, ratelimit.ServiceGeocode); err != nil {
		return models.Coordinates{}, false
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	coords, ok, err := g.provider.Lookup(callCtx, query)
	if g.metrics != nil {
		g.metrics.GeocodeAPIDuration.Observe(time.Since(start).Seconds())
	}

	switch {
	case err != nil:
		g.logger.Debug("geocode lookup failed", "query", query, "error", err)
		g.countRequest("error")
		return models.Coordinates{}, false
	case !ok:
		g.countRequest("empty")
		return models.Coordinates{}, false
	case !coords.Valid():
		g.logger.Debug("geocode result out of range", "query", query, "lat", coords.Lat, "lng", coords.Lng)
		g.countRequest("invalid")
		return models.Coordinates{}, false
	}

	g.countRequest("success")
	return coords, true
}

func (g *Geocoder) countCache(result string) {
	if g.metrics != nil {
		g.metrics.GeocodeCache.WithLabelValues(result).Inc()
	}
}

func (g *Geocoder) countRequest(outcome string) {
	if g.metrics != nil {
		g.metrics.GeocodeRequests.WithLabelValues(outcome).Inc()
	}
}
