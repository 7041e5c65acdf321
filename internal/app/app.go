// Package app wires configuration into the store, geocoder and ingestion
// components shared by the server and the one-shot CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mr1hm/go-aviation-accidents/internal/cache"
	"github.com/mr1hm/go-aviation-accidents/internal/config"
	"github.com/mr1hm/go-aviation-accidents/internal/events"
	"github.com/mr1hm/go-aviation-accidents/internal/geocode"
	"github.com/mr1hm/go-aviation-accidents/internal/ingestion"
	"github.com/mr1hm/go-aviation-accidents/internal/logging"
	"github.com/mr1hm/go-aviation-accidents/internal/observability"
	"github.com/mr1hm/go-aviation-accidents/internal/ratelimit"
	"github.com/mr1hm/go-aviation-accidents/internal/repository"
)

type App struct {
	Config       *config.Config
	Repo         repository.AccidentRepository
	Metrics      *observability.Metrics
	Orchestrator *ingestion.Orchestrator
	Broadcaster  *events.Broadcaster
	Manager      *ingestion.Manager

	logger *slog.Logger
}

// New opens the store and builds the pipeline. reg receives the metrics;
// nil uses the default registerer. Callers must Close the returned App.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	repo, err := OpenRepository(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics(reg)

	var resolver ingestion.Resolver
	if cfg.Geocode.Enabled {
		resolver = NewGeocoder(cfg, metrics, logger)
	} else {
		logger.Info("geocoding disabled")
	}

	orch := ingestion.NewOrchestrator(repo, resolver,
		ingestion.WithMetrics(metrics),
		ingestion.WithLogger(logging.Component(logger, "orchestrator")),
	)
	broadcaster := events.NewBroadcaster()
	mgr := ingestion.NewManager(repo, orch, broadcaster,
		ingestion.WithManagerLogger(logging.Component(logger, "manager")),
	)

	a := &App{
		Config:       cfg,
		Repo:         repo,
		Metrics:      metrics,
		Orchestrator: orch,
		Broadcaster:  broadcaster,
		Manager:      mgr,
		logger:       logger,
	}

	for _, name := range []string{ingestion.SourceBulk, ingestion.SourceCaseAPI, ingestion.SourceFeed} {
		src, err := a.Source(name, "")
		if errors.Is(err, ingestion.ErrUnknownSource) {
			continue
		}
		if err != nil {
			a.Close()
			return nil, err
		}
		mgr.Register(src, name == ingestion.SourceCaseAPI)
	}

	return a, nil
}

// OpenRepository opens the configured backend. SQLite parent directories
// are created as needed.
func OpenRepository(ctx context.Context, cfg config.DatabaseConfig) (repository.AccidentRepository, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := repository.NewPostgresDB(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite":
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("error creating database directory: %w", err)
			}
		}
		db, err := repository.NewSQLiteDB(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", cfg.Driver)
	}
}

// NewGeocodeCache returns the in-process LRU, fronting the key-value
// service when one is configured.
func NewGeocodeCache(cfg config.CacheConfig, hc *http.Client) cache.Cache {
	var local cache.Cache = cache.Noop{}
	if cfg.LRUSize > 0 {
		local = cache.NewLRU(cfg.LRUSize)
	}
	if !cfg.KVEnabled() {
		return local
	}
	return cache.NewTiered(local, cache.NewKV(cfg.KVURL, cfg.KVToken, cache.WithHTTPClient(hc)))
}

func NewGeocoder(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) *geocode.Geocoder {
	hc := &http.Client{Timeout: cfg.Geocode.Timeout}
	provider := geocode.NewNominatim(cfg.Geocode.URL,
		geocode.WithHTTPClient(hc),
		geocode.WithUserAgent(cfg.Geocode.UserAgent),
	)
	limiter := ratelimit.New(ratelimit.DefaultGeocodeInterval,
		ratelimit.WithInterval(ratelimit.ServiceGeocode, cfg.Geocode.MinInterval),
	)
	return geocode.New(provider,
		geocode.WithCache(NewGeocodeCache(cfg.Cache, hc)),
		geocode.WithLimiter(limiter),
		geocode.WithMetrics(metrics),
		geocode.WithTimeout(cfg.Geocode.Timeout),
		geocode.WithLogger(logging.Component(logger, "geocoder")),
	)
}

// Source builds the named adapter from configuration. bulkPath overrides
// the configured export path. ErrUnknownSource is returned for unknown
// names and for sources with nothing to read from.
func (a *App) Source(name, bulkPath string) (ingestion.Source, error) {
	src := a.Config.Sources
	hc := &http.Client{Timeout: src.FetchTimeout}

	switch name {
	case ingestion.SourceBulk:
		if bulkPath == "" {
			bulkPath = src.BulkPath
		}
		if bulkPath == "" {
			return nil, fmt.Errorf("%w: %s (no bulk path configured)", ingestion.ErrUnknownSource, name)
		}
		return ingestion.NewBulkFileSource(bulkPath), nil
	case ingestion.SourceCaseAPI:
		if src.CaseAPIURL == "" {
			return nil, fmt.Errorf("%w: %s (no URL configured)", ingestion.ErrUnknownSource, name)
		}
		return ingestion.NewCaseAPISource(src.CaseAPIURL, src.CaseAPIPageSize, src.CaseAPILookback,
			ingestion.WithCaseAPIClient(hc),
			ingestion.WithCaseAPILogger(logging.Component(a.logger, ingestion.SourceCaseAPI)),
		), nil
	case ingestion.SourceFeed:
		if src.FeedURL == "" {
			return nil, fmt.Errorf("%w: %s (no URL configured)", ingestion.ErrUnknownSource, name)
		}
		return ingestion.NewFeedSource(src.FeedURL,
			ingestion.WithFeedClient(hc),
			ingestion.WithFeedLogger(logging.Component(a.logger, ingestion.SourceFeed)),
		), nil
	default:
		return nil, fmt.Errorf("%w: %s", ingestion.ErrUnknownSource, name)
	}
}

// Schedules lists the pollers enabled in configuration.
func (a *App) Schedules() []ingestion.Schedule {
	var schedules []ingestion.Schedule
	if a.Config.Sources.CaseAPIEnabled {
		schedules = append(schedules, ingestion.Schedule{Source: ingestion.SourceCaseAPI, Interval: a.Config.Sources.CaseAPIPollInterval})
	}
	if a.Config.Sources.FeedEnabled {
		schedules = append(schedules, ingestion.Schedule{Source: ingestion.SourceFeed, Interval: a.Config.Sources.FeedPollInterval})
	}
	return schedules
}

func (a *App) Close() error {
	a.Broadcaster.Close()
	return a.Repo.Close()
}
