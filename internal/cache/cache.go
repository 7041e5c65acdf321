// Package cache stores resolved geocoding queries.
package cache

import (
	"context"
	"strings"

	"github.com/mr1hm/go-aviation-accidents/internal/models"
)

// Cache maps a normalized location query to coordinates. Get reports a
// miss with ok=false and a nil error; Put overwrites (last write wins).
type Cache interface {
	Get(ctx context.Context, key string) (models.Coordinates, bool, error)
	Put(ctx context.Context, key string, c models.Coordinates) error
}

// Key normalizes a location query into a cache key.
func Key(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// Noop never stores anything. Used when no cache is configured.
type Noop struct{}

func (Noop) Get(context.Context, string) (models.Coordinates, bool, error) {
	return models.Coordinates{}, false, nil
}

func (Noop) Put(context.Context, string, models.Coordinates) error { return nil }

// Tiered consults a fast local cache before a slower durable one and
// back-fills the local cache on remote hits.
type Tiered struct {
	local  Cache
	remote Cache
}

func NewTiered(local, remote Cache) *Tiered {
	return &Tiered{local: local, remote: remote}
}

func (t *Tiered) Get(ctx context.Context, key string) (models.Coordinates, bool, error) {
	if c, ok, err := t.local.Get(ctx, key); err == nil && ok {
		return c, true, nil
	}

	c, ok, err := t.remote.Get(ctx, key)
	if err != nil || !ok {
		return models.Coordinates{}, false, err
	}
	_ = t.local.Put(ctx, key, c)
	return c, true, nil
}

// Put writes both tiers. The remote error, if any, is returned.
func (t *Tiered) Put(ctx context.Context, key string, c models.Coordinates) error {
	_ = t.local.Put(ctx, key, c)
	return t.remote.Put(ctx, key, c)
}
