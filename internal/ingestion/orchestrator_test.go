package ingestion

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/go-aviation-accidents/internal/cache"
	"github.com/mr1hm/go-aviation-accidents/internal/geocode"
	"github.com/mr1hm/go-aviation-accidents/internal/models"
	"github.com/mr1hm/go-aviation-accidents/internal/observability"
	"github.com/mr1hm/go-aviation-accidents/internal/repository"
)

type sliceItem struct {
	rec RawRecord
	err error
}

// sliceSource replays a fixed list of records and errors.
type sliceSource struct {
	name  string
	items []sliceItem
}

func newSliceSource(name string, recs ...RawRecord) *sliceSource {
	s := &sliceSource{name: name}
	for _, r := range recs {
		s.items = append(s.items, sliceItem{rec: r})
	}
	return s
}

func (s *sliceSource) Name() string { return s.name }

func (s *sliceSource) Fetch(ctx context.Context) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		for _, it := range s.items {
			if ctx.Err() != nil {
				return
			}
			if !yield(it.rec, it.err) {
				return
			}
		}
	}
}

type fakeResolver struct {
	mu     sync.Mutex
	calls  int
	result geocode.Result
	ok     bool
}

func (f *fakeResolver) Resolve(ctx context.Context, city, region, country string) (geocode.Result, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.ok
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func record(key string) RawRecord {
	return RawRecord{
		"mkey":      key,
		"eventDate": "2024-03-01",
		"eventType": "ACC",
		"city":      "Reno",
		"state":     "NV",
	}
}

func withCoords(r RawRecord, lat, lng float64) RawRecord {
	r["latitude"] = lat
	r["longitude"] = lng
	return r
}

func newTestStore(t *testing.T) *repository.SQLiteDB {
	t.Helper()
	db, err := repository.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestOrchestrator(repo repository.AccidentRepository, resolver Resolver, opts ...OrchestratorOption) *Orchestrator {
	ids := 0
	base := []OrchestratorOption{
		WithClock(clockwork.NewFakeClockAt(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC))),
		WithRunIDs(func() string {
			ids++
			return fmt.Sprintf("run-%d", ids)
		}),
	}
	return NewOrchestrator(repo, resolver, append(base, opts...)...)
}

func TestOrchestrator_RunTwiceIsIdempotent(t *testing.T) {
	repo := newTestStore(t)
	orch := newTestOrchestrator(repo, nil)
	src := newSliceSource(SourceBulk,
		withCoords(record("1"), 39.5, -119.8),
		withCoords(record("2"), 36.1, -115.1),
	)

	first := orch.Run(context.Background(), src, Options{})
	assert.Equal(t, models.RunStateDone, first.State)
	assert.Equal(t, "run-1", first.RunID)
	assert.Equal(t, 2, first.Seen)
	assert.Equal(t, 2, first.Inserted)

	second := orch.Run(context.Background(), src, Options{})
	assert.Equal(t, 2, second.Seen)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.SkippedDuplicate)

	accidents, err := repo.List(context.Background(), repository.Filter{})
	require.NoError(t, err)
	assert.Len(t, accidents, 2)
}

func TestOrchestrator_RefreshUpdatesExisting(t *testing.T) {
	repo := newTestStore(t)
	orch := newTestOrchestrator(repo, nil)
	src := newSliceSource(SourceCaseAPI, withCoords(record("1"), 39.5, -119.8))

	orch.Run(context.Background(), src, Options{})
	stats := orch.Run(context.Background(), src, Options{Refresh: true})

	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 0, stats.SkippedDuplicate)

	stored, err := repo.GetByKey(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.IngestCount)
}

func TestOrchestrator_GeocodesMissingCoordinates(t *testing.T) {
	repo := newTestStore(t)
	resolver := &fakeResolver{
		ok:     true,
		result: geocode.Result{Coordinates: models.Coordinates{Lat: 39.53, Lng: -119.81}, Coarse: true},
	}
	orch := newTestOrchestrator(repo, resolver)

	// 91 is out of range, so the record is treated as having no coordinates.
	bad := record("1")
	bad["cm_Latitude"] = 91.0
	bad["cm_Longitude"] = -119.8

	stats := orch.Run(context.Background(), newSliceSource(SourceBulk, bad), Options{})
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.Geocoded)
	assert.Equal(t, 1, resolver.Calls())

	stored, err := repo.GetByKey(context.Background(), "1")
	require.NoError(t, err)
	require.NotNil(t, stored.Coordinates)
	assert.InDelta(t, 39.53, stored.Coordinates.Lat, 1e-9)
	assert.True(t, stored.CoordinatesEstimated)
}

func TestOrchestrator_UnresolvedIsStoredWithoutCoordinates(t *testing.T) {
	repo := newTestStore(t)
	resolver := &fakeResolver{}
	orch := newTestOrchestrator(repo, resolver)

	noLocation := RawRecord{"mkey": "2", "eventDate": "2024-03-01"}
	stats := orch.Run(context.Background(), newSliceSource(SourceFeed, record("1"), noLocation), Options{})

	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 2, stats.Unresolved)
	assert.Equal(t, 0, stats.Geocoded)
	// Records without any location never reach the resolver.
	assert.Equal(t, 1, resolver.Calls())

	stored, err := repo.GetByKey(context.Background(), "1")
	require.NoError(t, err)
	assert.Nil(t, stored.Coordinates)
}

func TestOrchestrator_RejectionsAndItemErrors(t *testing.T) {
	repo := newTestStore(t)
	orch := newTestOrchestrator(repo, nil)

	src := &sliceSource{name: SourceBulk, items: []sliceItem{
		{rec: RawRecord{"eventDate": "2024-03-01"}},
		{rec: RawRecord{"mkey": "9"}},
		{err: &ItemError{Index: 2, Err: errors.New("not an object")}},
		{rec: withCoords(record("1"), 1, 1)},
	}}

	stats := orch.Run(context.Background(), src, Options{})
	assert.Equal(t, models.RunStateDone, stats.State)
	assert.Equal(t, 4, stats.Seen)
	assert.Equal(t, 1, stats.SkippedNoKey)
	assert.Equal(t, 1, stats.SkippedNoDate)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 2, stats.Skipped())
}

func TestOrchestrator_FatalFetchAbortsRun(t *testing.T) {
	repo := newTestStore(t)
	orch := newTestOrchestrator(repo, nil)

	src := &sliceSource{name: SourceCaseAPI, items: []sliceItem{
		{rec: withCoords(record("1"), 1, 1)},
		{err: errors.New("upstream unavailable")},
		{rec: withCoords(record("2"), 1, 1)},
	}}

	stats := orch.Run(context.Background(), src, Options{})
	assert.Equal(t, models.RunStateAborted, stats.State)
	assert.Equal(t, "upstream unavailable", stats.Error)
	assert.Equal(t, 1, stats.Inserted)
	assert.False(t, stats.FinishedAt.IsZero())

	// Work done before the failure is kept.
	exists, err := repo.Exists(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, exists)
}

// cancellingSource cancels the run after yielding its first record.
type cancellingSource struct {
	cancel context.CancelFunc
}

func (s *cancellingSource) Name() string { return SourceFeed }

func (s *cancellingSource) Fetch(ctx context.Context) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		if !yield(withCoords(record("1"), 1, 1), nil) {
			return
		}
		s.cancel()
		if ctx.Err() != nil {
			return
		}
		yield(withCoords(record("2"), 1, 1), nil)
	}
}

func TestOrchestrator_Cancellation(t *testing.T) {
	repo := newTestStore(t)
	orch := newTestOrchestrator(repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stats := orch.Run(ctx, &cancellingSource{cancel: cancel}, Options{})
	assert.Equal(t, models.RunStateCancelled, stats.State)
	assert.Equal(t, 1, stats.Seen)
	assert.Equal(t, 1, stats.Inserted)
	assert.NotEmpty(t, stats.Error)
}

// failingStore fails every upsert.
type failingStore struct {
	repository.AccidentRepository
}

func (failingStore) Upsert(context.Context, *models.Accident) (repository.UpsertResult, error) {
	return 0, errors.New("disk full")
}

func TestOrchestrator_StoreFailureIsCounted(t *testing.T) {
	repo := failingStore{newTestStore(t)}
	metrics := observability.NewMetricsForTesting()
	orch := newTestOrchestrator(repo, nil, WithMetrics(metrics))

	stats := orch.Run(context.Background(), newSliceSource(SourceBulk,
		withCoords(record("1"), 1, 1),
		withCoords(record("2"), 1, 1),
	), Options{})

	assert.Equal(t, models.RunStateDone, stats.State)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 0, stats.Inserted)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Records.WithLabelValues(SourceBulk, observability.OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues(SourceBulk, string(models.RunStateDone))))
}

func TestOrchestrator_RefreshKeepsStoredCoordinatesWithoutGeocoding(t *testing.T) {
	repo := newTestStore(t)
	resolver := &fakeResolver{ok: true, result: geocode.Result{Coordinates: models.Coordinates{Lat: 1, Lng: 1}}}
	orch := newTestOrchestrator(repo, resolver)

	orch.Run(context.Background(), newSliceSource(SourceCaseAPI, withCoords(record("1"), 39.5, -119.8)), Options{})
	stats := orch.Run(context.Background(), newSliceSource(SourceCaseAPI, record("1")), Options{Refresh: true})

	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 0, stats.Geocoded)
	assert.Equal(t, 0, resolver.Calls())

	stored, err := repo.GetByKey(context.Background(), "1")
	require.NoError(t, err)
	require.NotNil(t, stored.Coordinates)
	assert.InDelta(t, 39.5, stored.Coordinates.Lat, 1e-9)
}

type countingProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *countingProvider) Lookup(ctx context.Context, query string) (models.Coordinates, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return models.Coordinates{Lat: 39.53, Lng: -119.81}, true, nil
}

func TestOrchestrator_GeocodeCacheSharedAcrossRecords(t *testing.T) {
	repo := newTestStore(t)
	provider := &countingProvider{}
	metrics := observability.NewMetricsForTesting()
	geocoder := geocode.New(provider, geocode.WithCache(cache.NewLRU(16)), geocode.WithMetrics(metrics))
	orch := newTestOrchestrator(repo, geocoder, WithMetrics(metrics))

	stats := orch.Run(context.Background(), newSliceSource(SourceFeed, record("1"), record("2")), Options{})

	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 2, stats.Geocoded)
	assert.Equal(t, 1, stats.GeocodeCacheHits)
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GeocodeCache.WithLabelValues("hit")))
}

// cancellingResolver cancels the run while a lookup is in flight.
type cancellingResolver struct {
	cancel context.CancelFunc
}

func (r *cancellingResolver) Resolve(ctx context.Context, city, region, country string) (geocode.Result, bool) {
	r.cancel()
	return geocode.Result{}, false
}

func TestOrchestrator_CancelDuringGeocodeCountsNothing(t *testing.T) {
	repo := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch := newTestOrchestrator(repo, &cancellingResolver{cancel: cancel})

	stats := orch.Run(ctx, newSliceSource(SourceFeed, record("1"), record("2")), Options{})

	assert.Equal(t, models.RunStateCancelled, stats.State)
	assert.Equal(t, 1, stats.Seen)
	assert.Equal(t, 0, stats.Unresolved)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 0, stats.Inserted)

	exists, err := repo.Exists(context.Background(), "1")
	require.NoError(t, err)
	assert.False(t, exists)
}

// brokenStore fails every existence check.
type brokenStore struct {
	repository.AccidentRepository
}

func (brokenStore) Exists(context.Context, string) (bool, error) {
	return false, errors.New("connection reset")
}

func TestOrchestrator_ExistenceCheckFailureIsPerRecord(t *testing.T) {
	repo := brokenStore{newTestStore(t)}
	orch := newTestOrchestrator(repo, nil)

	stats := orch.Run(context.Background(), newSliceSource(SourceBulk,
		withCoords(record("1"), 1, 1),
		withCoords(record("2"), 1, 1),
	), Options{})

	assert.Equal(t, models.RunStateDone, stats.State)
	assert.Equal(t, 2, stats.Seen)
	assert.Equal(t, 2, stats.Failed)
	assert.Empty(t, stats.Error)
}
