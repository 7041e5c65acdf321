// Package ratelimit spaces outbound calls per external service.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const ServiceGeocode = "geocode"

// DefaultGeocodeInterval is the usage policy of public Nominatim instances.
const DefaultGeocodeInterval = time.Second

type Option func(*Limiter)

// WithClock overrides the clock used to schedule waits.
func WithClock(c clockwork.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithInterval sets the minimum spacing for one service id.
func WithInterval(serviceID string, d time.Duration) Option {
	return func(l *Limiter) { l.intervals[serviceID] = d }
}

// Limiter enforces a minimum interval between granted acquisitions for
// each service id. Each id has its own clock and a burst of one.
type Limiter struct {
	clock           clockwork.Clock
	defaultInterval time.Duration
	intervals       map[string]time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New returns a Limiter. Ids without an explicit interval use
// defaultInterval; a non-positive interval disables spacing for that id.
func New(defaultInterval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		clock:           clockwork.NewRealClock(),
		defaultInterval: defaultInterval,
		intervals:       map[string]time.Duration{ServiceGeocode: DefaultGeocodeInterval},
		limiters:        make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Interval(serviceID string) time.Duration {
	if d, ok := l.intervals[serviceID]; ok {
		return d
	}
	return l.defaultInterval
}

func (l *Limiter) limiterFor(serviceID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[serviceID]; ok {
		return lim
	}
	interval := l.Interval(serviceID)
	if interval <= 0 {
		return nil
	}
	lim := rate.NewLimiter(rate.Every(interval), 1)
	l.limiters[serviceID] = lim
	return lim
}

// Acquire blocks until the caller may call serviceID. It only fails when
// ctx ends first, in which case the reserved slot is handed back.
func (l *Limiter) Acquire(ctx context.Context, serviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lim := l.limiterFor(serviceID)
	if lim == nil {
		return nil
	}

	now := l.clock.Now()
	r := lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	select {
	case <-l.clock.After(delay):
		return nil
	case <-ctx.Done():
		r.CancelAt(l.clock.Now())
		return ctx.Err()
	}
}
