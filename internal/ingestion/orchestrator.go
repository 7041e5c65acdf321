package ingestion

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/go-aviation-accidents/internal/geocode"
	"github.com/mr1hm/go-aviation-accidents/internal/models"
	"github.com/mr1hm/go-aviation-accidents/internal/observability"
	"github.com/mr1hm/go-aviation-accidents/internal/repository"
)

// Resolver looks up coordinates for a location.
type Resolver interface {
	Resolve(ctx context.Context, city, region, country string) (geocode.Result, bool)
}

type Options struct {
	// Refresh upserts records whose key is already stored instead of
	// skipping them.
	Refresh bool
}

type OrchestratorOption func(*Orchestrator)

func WithMetrics(m *observability.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(c clockwork.Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = c }
}

func WithRunIDs(next func() string) OrchestratorOption {
	return func(o *Orchestrator) { o.newID = next }
}

// Orchestrator drives one source through normalize, geocode and upsert.
type Orchestrator struct {
	repo     repository.AccidentRepository
	resolver Resolver
	metrics  *observability.Metrics
	logger   *slog.Logger
	clock    clockwork.Clock
	newID    func() string
}

// NewOrchestrator builds an orchestrator. A nil resolver disables
// geocoding; records without coordinates are then stored as unresolved.
func NewOrchestrator(repo repository.AccidentRepository, resolver Resolver, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		repo:     repo,
		resolver: resolver,
		logger:   slog.Default(),
		clock:    clockwork.NewRealClock(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run processes every record src yields and always returns finalized
// statistics, including for aborted and cancelled runs.
func (o *Orchestrator) Run(ctx context.Context, src Source, opts Options) models.RunStats {
	stats := &models.RunStats{
		RunID:     o.newID(),
		Source:    src.Name(),
		State:     models.RunStateFetching,
		StartedAt: o.clock.Now().UTC(),
	}
	logger := o.logger.With("source", stats.Source, "run_id", stats.RunID)
	logger.Info("ingestion run started", "refresh", opts.Refresh)

	var fatal error
	for raw, err := range src.Fetch(ctx) {
		if err != nil {
			if IsItemError(err) {
				stats.Seen++
				stats.Failed++
				o.count(stats.Source, observability.OutcomeFailed)
				logger.Warn("skipping malformed item", "error", err)
				continue
			}
			fatal = err
			break
		}

		stats.Seen++
		o.process(ctx, logger, stats, raw, opts)

		if ctx.Err() != nil {
			break
		}
		stats.State = models.RunStateFetching
	}

	var final models.RunStats
	switch {
	case ctx.Err() != nil:
		final = stats.Finalize(models.RunStateCancelled, o.clock.Now().UTC(), ctx.Err())
		logger.Warn("ingestion run cancelled", "seen", final.Seen)
	case fatal != nil:
		final = stats.Finalize(models.RunStateAborted, o.clock.Now().UTC(), fatal)
		logger.Error("ingestion run aborted", "error", fatal, "seen", final.Seen)
	default:
		final = stats.Finalize(models.RunStateDone, o.clock.Now().UTC(), nil)
		logger.Info("ingestion run finished",
			"seen", final.Seen,
			"inserted", final.Inserted,
			"updated", final.Updated,
			"skipped", final.Skipped(),
			"geocoded", final.Geocoded,
			"unresolved", final.Unresolved,
			"failed", final.Failed,
		)
	}

	if o.metrics != nil {
		o.metrics.Runs.WithLabelValues(final.Source, string(final.State)).Inc()
		o.metrics.RunDuration.WithLabelValues(final.Source).Observe(final.Duration().Seconds())
	}
	return final
}

func (o *Orchestrator) process(ctx context.Context, logger *slog.Logger, stats *models.RunStats, raw RawRecord, opts Options) {
	stats.State = models.RunStateNormalizing
	a, err := Normalize(raw, stats.Source)
	switch {
	case errors.Is(err, ErrMissingKey):
		stats.SkippedNoKey++
		o.count(stats.Source, observability.OutcomeRejected)
		logger.Warn("rejected record", "reason", "missing key")
		return
	case errors.Is(err, ErrMissingDate):
		stats.SkippedNoDate++
		o.count(stats.Source, observability.OutcomeRejected)
		logger.Warn("rejected record", "reason", "missing date")
		return
	case err != nil:
		stats.Failed++
		o.count(stats.Source, observability.OutcomeFailed)
		logger.Warn("normalization failed", "error", err)
		return
	}
	logger = logger.With("external_key", a.ExternalKey)

	exists, err := o.repo.Exists(ctx, a.ExternalKey)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		stats.Failed++
		o.count(stats.Source, observability.OutcomeFailed)
		logger.Warn("existence check failed", "error", err)
		return
	}
	if exists && !opts.Refresh {
		stats.SkippedDuplicate++
		o.count(stats.Source, observability.OutcomeSkippedDuplicate)
		return
	}

	if exists && !a.HasCoordinates() {
		// Stored coordinates survive the upsert; no need to look them up again.
		if stored, err := o.repo.GetByKey(ctx, a.ExternalKey); err == nil && stored.HasCoordinates() {
			o.persist(ctx, logger, stats, &a)
			return
		}
	}

	if !a.HasCoordinates() {
		stats.State = models.RunStateGeocoding
		o.geocode(ctx, logger, stats, &a)
	}

	// A record interrupted by cancellation is left for the next run.
	if ctx.Err() != nil {
		return
	}
	o.persist(ctx, logger, stats, &a)
}

func (o *Orchestrator) geocode(ctx context.Context, logger *slog.Logger, stats *models.RunStats, a *models.Accident) {
	if o.resolver == nil || a.Location.IsEmpty() {
		stats.Unresolved++
		return
	}

	res, ok := o.resolver.Resolve(ctx,
		models.Deref(a.Location.City),
		models.Deref(a.Location.Region),
		models.Deref(a.Location.Country),
	)
	if !ok {
		if ctx.Err() != nil {
			return
		}
		stats.Unresolved++
		logger.Debug("location unresolved")
		return
	}

	c := res.Coordinates
	a.Coordinates = &c
	a.CoordinatesEstimated = res.Coarse
	stats.Geocoded++
	if res.FromCache {
		stats.GeocodeCacheHits++
	}
	logger.Debug("geocoded", "query", res.Query, "strategy", res.Strategy, "cached", res.FromCache)
}

func (o *Orchestrator) persist(ctx context.Context, logger *slog.Logger, stats *models.RunStats, a *models.Accident) {
	stats.State = models.RunStatePersisting
	res, err := o.repo.Upsert(ctx, a)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		stats.Failed++
		o.count(stats.Source, observability.OutcomeFailed)
		logger.Warn("upsert failed", "error", err)
		return
	}

	switch res {
	case repository.Inserted:
		stats.Inserted++
		o.count(stats.Source, observability.OutcomeInserted)
	case repository.Updated:
		stats.Updated++
		o.count(stats.Source, observability.OutcomeUpdated)
	}
}

func (o *Orchestrator) count(source, outcome string) {
	if o.metrics != nil {
		o.metrics.Records.WithLabelValues(source, outcome).Inc()
	}
}
