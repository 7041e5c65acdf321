package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/go-aviation-accidents/internal/events"
	"github.com/mr1hm/go-aviation-accidents/internal/models"
	"github.com/mr1hm/go-aviation-accidents/internal/repository"
	"github.com/mr1hm/go-aviation-accidents/internal/worker"
)

// Schedule polls a registered source at a fixed interval.
type Schedule struct {
	Source   string
	Interval time.Duration
}

type registration struct {
	source  Source
	refresh bool // default mode for this source
	guard   sync.Mutex
}

// Manager owns the registered sources. It allows one run per source at a
// time and serializes scheduled runs through a single worker.
type Manager struct {
	repo         repository.AccidentRepository
	orchestrator *Orchestrator
	broadcaster  *events.Broadcaster
	clock        clockwork.Clock
	logger       *slog.Logger

	mu      sync.RWMutex
	sources map[string]*registration

	pool *worker.Pool[string]
	wg   sync.WaitGroup
}

type ManagerOption func(*Manager)

func WithManagerClock(c clockwork.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

func NewManager(repo repository.AccidentRepository, orchestrator *Orchestrator, broadcaster *events.Broadcaster, opts ...ManagerOption) *Manager {
	m := &Manager{
		repo:         repo,
		orchestrator: orchestrator,
		broadcaster:  broadcaster,
		clock:        clockwork.NewRealClock(),
		logger:       slog.Default(),
		sources:      make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds src. refreshByDefault selects the mode used when a
// trigger does not ask for one.
func (m *Manager) Register(src Source, refreshByDefault bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.Name()] = &registration{source: src, refresh: refreshByDefault}
}

func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Trigger runs the named source synchronously. refresh overrides the
// source default when non-nil. Aborted runs are reported through the
// returned stats, not the error.
func (m *Manager) Trigger(ctx context.Context, name string, refresh *bool) (models.RunStats, error) {
	m.mu.RLock()
	reg, ok := m.sources[name]
	m.mu.RUnlock()
	if !ok {
		return models.RunStats{}, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}

	if !reg.guard.TryLock() {
		return models.RunStats{}, fmt.Errorf("%w: %s", ErrRunInProgress, name)
	}
	defer reg.guard.Unlock()

	opts := Options{Refresh: reg.refresh}
	if refresh != nil {
		opts.Refresh = *refresh
	}

	stats := m.orchestrator.Run(ctx, reg.source, opts)

	// The audit row must be written even if the trigger's context is gone.
	if err := m.repo.RecordRun(context.WithoutCancel(ctx), stats); err != nil {
		m.logger.Error("error recording run", "run_id", stats.RunID, "error", err)
	}
	if m.broadcaster != nil {
		m.broadcaster.Publish(stats)
	}
	return stats, nil
}

// Start launches pollers for schedules whose source is registered. Each
// poller runs once immediately and then on every tick.
func (m *Manager) Start(ctx context.Context, schedules ...Schedule) {
	m.pool = worker.NewPool(1, len(schedules)+1, func(ctx context.Context, name string) error {
		_, err := m.Trigger(ctx, name, nil)
		return err
	}, m.logger)
	m.pool.Start(ctx)

	for _, s := range schedules {
		m.mu.RLock()
		_, ok := m.sources[s.Source]
		m.mu.RUnlock()
		if !ok {
			m.logger.Warn("schedule for unregistered source ignored", "source", s.Source)
			continue
		}
		if s.Interval <= 0 {
			m.logger.Warn("schedule with non-positive interval ignored", "source", s.Source)
			continue
		}

		m.wg.Add(1)
		go m.runPoller(ctx, s)
	}
}

func (m *Manager) runPoller(ctx context.Context, s Schedule) {
	defer m.wg.Done()
	m.logger.Info("starting poller", "source", s.Source, "interval", s.Interval)

	ticker := m.clock.NewTicker(s.Interval)
	defer ticker.Stop()

	m.enqueue(s.Source)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("poller shutting down", "source", s.Source)
			return
		case <-ticker.Chan():
			m.enqueue(s.Source)
		}
	}
}

func (m *Manager) enqueue(source string) {
	if !m.pool.TrySubmit(source) {
		m.logger.Warn("scheduled run dropped, queue full", "source", source)
	}
}

// Stop waits for pollers, then drains the scheduled-run queue.
func (m *Manager) Stop() {
	m.wg.Wait()
	if m.pool != nil {
		m.pool.Stop()
	}
	m.logger.Info("ingestion manager stopped")
}
