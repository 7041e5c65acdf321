package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/go-aviation-accidents/internal/models"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "springfield, il, usa", Key("  Springfield, IL, USA "))
	assert.Equal(t, Key("RENO, NV"), Key("reno, nv"))
}

func TestNoop(t *testing.T) {
	var c Noop
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", models.Coordinates{Lat: 1, Lng: 2}))
	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLRU_BasicGetPut(t *testing.T) {
	c := NewLRU(3)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "a", models.Coordinates{Lat: 1, Lng: 1}))
	got, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.Coordinates{Lat: 1, Lng: 1}, got)

	_, ok, _ = c.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU(2)
	ctx := context.Background()

	_ = c.Put(ctx, "a", models.Coordinates{Lat: 1})
	_ = c.Put(ctx, "b", models.Coordinates{Lat: 2})
	_, _, _ = c.Get(ctx, "a") // a is now most recent
	_ = c.Put(ctx, "c", models.Coordinates{Lat: 3})

	_, ok, _ := c.Get(ctx, "b")
	assert.False(t, ok, "b should have been evicted")
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLRU_OverwriteKeepsSize(t *testing.T) {
	c := NewLRU(2)
	ctx := context.Background()

	_ = c.Put(ctx, "a", models.Coordinates{Lat: 1})
	_ = c.Put(ctx, "a", models.Coordinates{Lat: 5})

	got, ok, _ := c.Get(ctx, "a")
	require.True(t, ok)
	assert.InDelta(t, 5.0, got.Lat, 0)
	assert.Equal(t, 1, c.Len())
}

func TestLRU_Concurrent(t *testing.T) {
	c := NewLRU(50)
	ctx := context.Background()
	done := make(chan struct{})

	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", (n*100+j)%75)
				_ = c.Put(ctx, key, models.Coordinates{Lat: float64(j % 90)})
				_, _, _ = c.Get(ctx, key)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.LessOrEqual(t, c.Len(), 50)
}

type stubCache struct {
	data   map[string]models.Coordinates
	getErr error
	putErr error
	gets   int
	puts   int
}

func newStubCache() *stubCache {
	return &stubCache{data: make(map[string]models.Coordinates)}
}

func (s *stubCache) Get(_ context.Context, key string) (models.Coordinates, bool, error) {
	s.gets++
	if s.getErr != nil {
		return models.Coordinates{}, false, s.getErr
	}
	c, ok := s.data[key]
	return c, ok, nil
}

func (s *stubCache) Put(_ context.Context, key string, c models.Coordinates) error {
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	s.data[key] = c
	return nil
}

func TestTiered_LocalHitSkipsRemote(t *testing.T) {
	local, remote := NewLRU(10), newStubCache()
	tiered := NewTiered(local, remote)
	ctx := context.Background()

	_ = local.Put(ctx, "reno, nv, usa", models.Coordinates{Lat: 39.5, Lng: -119.8})

	got, ok, err := tiered.Get(ctx, "reno, nv, usa")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 39.5, got.Lat, 0)
	assert.Equal(t, 0, remote.gets)
}

func TestTiered_RemoteHitBackfillsLocal(t *testing.T) {
	local, remote := NewLRU(10), newStubCache()
	remote.data["usa"] = models.Coordinates{Lat: 39.8, Lng: -98.5}
	tiered := NewTiered(local, remote)
	ctx := context.Background()

	_, ok, err := tiered.Get(ctx, "usa")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = local.Get(ctx, "usa")
	assert.True(t, ok, "remote hit should populate the local tier")
}

func TestTiered_RemoteErrorSurfaces(t *testing.T) {
	remote := newStubCache()
	remote.getErr = errors.New("unreachable")
	tiered := NewTiered(NewLRU(10), remote)

	_, ok, err := tiered.Get(context.Background(), "usa")
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestTiered_PutWritesBothTiers(t *testing.T) {
	local, remote := NewLRU(10), newStubCache()
	remote.putErr = errors.New("read only")
	tiered := NewTiered(local, remote)
	ctx := context.Background()

	err := tiered.Put(ctx, "usa", models.Coordinates{Lat: 1})
	assert.Error(t, err)

	_, ok, _ := local.Get(ctx, "usa")
	assert.True(t, ok, "local tier is written even when remote fails")
}
