// Package stats provides a short-TTL read-through cache over the registry's
// per-group statistics.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Resinat/Ballast/internal/log"
	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/registry"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultMaxEntries = 4096
)

// Config sizes the cache.
type Config struct {
	TTL        time.Duration
	MaxEntries int
}

// Cache deduplicates concurrent fetches for the same group and serves
// snapshots younger than TTL without touching the registry.
type Cache struct {
	reg     registry.Registry
	ttl     time.Duration
	entries otter.Cache[model.GroupKey, model.StatsSnapshot]
	flight  singleflight.Group
	now     func() time.Time
}

// New creates a stats cache.
func New(reg registry.Registry, cfg Config) (*Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	entries, err := otter.MustBuilder[model.GroupKey, model.StatsSnapshot](cfg.MaxEntries).
		Cost(func(_ model.GroupKey, _ model.StatsSnapshot) uint32 { return 1 }).
		WithTTL(cfg.TTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("stats: build cache: %w", err)
	}
	return &Cache{reg: reg, ttl: cfg.TTL, entries: entries, now: time.Now}, nil
}

// Get returns the statistics of one group. It never fails: when the stats
// sub-fetch fails it returns model.EmptyStats annotated with the error,
// plus the group detail if that fetch succeeded. Failed snapshots are
// never cached.
func (c *Cache) Get(ctx context.Context, groupID, instanceID string) model.StatsSnapshot {
	key := model.GroupKey{InstanceID: instanceID, GroupID: groupID}
	if s, ok := c.fresh(key); ok {
		return s
	}
	v, _, _ := c.flight.Do(key.String(), func() (any, error) {
		if s, ok := c.fresh(key); ok {
			return s, nil
		}
		s := c.fetch(context.WithoutCancel(ctx), key)
		if !s.Failed() {
			c.entries.Set(key, s)
		}
		return s, nil
	})
	return v.(model.StatsSnapshot)
}

func (c *Cache) fresh(key model.GroupKey) (model.StatsSnapshot, bool) {
	s, ok := c.entries.Get(key)
	if !ok {
		return model.StatsSnapshot{}, false
	}
	if !c.now().Before(s.FetchedAt.Add(c.ttl)) {
		c.entries.Delete(key)
		return model.StatsSnapshot{}, false
	}
	return s, true
}

// fetch issues the stats and detail queries concurrently and merges
// whatever succeeded.
func (c *Cache) fetch(ctx context.Context, key model.GroupKey) model.StatsSnapshot {
	var (
		snap      model.StatsSnapshot
		detail    model.Group
		statsErr  error
		detailErr error
		eg        errgroup.Group
	)
	eg.Go(func() error {
		snap, statsErr = c.reg.GetGroupStats(ctx, key.GroupID, key.InstanceID)
		return nil
	})
	eg.Go(func() error {
		detail, detailErr = c.reg.GetGroupDetail(ctx, key.GroupID, key.InstanceID)
		return nil
	})
	_ = eg.Wait()

	now := c.now()
	if statsErr != nil && detailErr != nil {
		err := errors.Join(statsErr, detailErr)
		log.Warnf("[stats] fetch %s failed: %v", key, err)
		return model.EmptyStats(key, now, err.Error())
	}
	if statsErr != nil {
		// A snapshot without key stats is a failure, detail or not.
		log.Warnf("[stats] stats for %s unavailable: %v", key, statsErr)
		snap = model.EmptyStats(key, now, "stats: "+statsErr.Error())
	}
	snap.GroupID, snap.InstanceID = key.GroupID, key.InstanceID
	snap.FetchedAt = now
	if detailErr == nil {
		g := detail
		snap.Group = &g
	} else {
		log.Debugf("[stats] detail for %s unavailable: %v", key, detailErr)
	}
	return snap
}

// Invalidate drops one cached snapshot.
func (c *Cache) Invalidate(groupID, instanceID string) {
	c.entries.Delete(model.GroupKey{InstanceID: instanceID, GroupID: groupID})
}

// Clear drops every cached snapshot.
func (c *Cache) Clear() {
	c.entries.Clear()
}

// Len is the number of cached snapshots.
func (c *Cache) Len() int {
	return c.entries.Size()
}

// Close releases the cache.
func (c *Cache) Close() {
	c.entries.Close()
}
