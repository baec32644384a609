// Package weight tunes the upstream weights of aggregate groups from the
// performance of the model-channel groups behind them.
package weight

import (
	"context"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/Resinat/Ballast/internal/log"
	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/modelmatch"
)

// DefaultWriteDelay spaces consecutive registry writes.
const DefaultWriteDelay = time.Second

// StatsSource returns cached group statistics.
type StatsSource interface {
	Get(ctx context.Context, groupID, instanceID string) model.StatsSnapshot
}

// Topology is the part of the topology manager the optimizer needs.
type Topology interface {
	ByLayer(layer model.Layer) []model.Group
	GroupByName(name string) (model.Group, bool)
	ApplyUpstreams(key model.GroupKey, ups []model.Upstream) bool
}

// Updater persists a group's upstream list.
type Updater interface {
	UpdateGroup(ctx context.Context, groupID, instanceID string, update model.GroupUpdate) error
}

type cacheEntry struct {
	upstreams   []model.Upstream
	fingerprint uint64
}

// Report summarizes one optimization sweep.
type Report struct {
	Groups    int      `json:"groups"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
	Failed    []string `json:"failed"`
}

// Optimizer computes and applies aggregate weights. The last applied set
// per aggregate group is remembered so identical results cause no write.
type Optimizer struct {
	reg        Updater
	topo       Topology
	stats      StatsSource
	writeDelay time.Duration
	cache      *xsync.Map[model.GroupKey, cacheEntry]
	sleep      func(ctx context.Context, d time.Duration)
	onUpdate   func(group model.Group, ups []model.Upstream)
}

// NewOptimizer creates an optimizer. onUpdate, if non-nil, observes every
// persisted weight set.
func NewOptimizer(reg Updater, topo Topology, stats StatsSource, writeDelay time.Duration, onUpdate func(model.Group, []model.Upstream)) *Optimizer {
	if writeDelay < 0 {
		writeDelay = 0
	}
	return &Optimizer{
		reg:        reg,
		topo:       topo,
		stats:      stats,
		writeDelay: writeDelay,
		cache:      xsync.NewMap[model.GroupKey, cacheEntry](),
		sleep:      sleepCtx,
		onUpdate:   onUpdate,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Optimize runs one sweep over every aggregate group.
func (o *Optimizer) Optimize(ctx context.Context) Report {
	var report Report
	for _, g := range o.topo.ByLayer(model.LayerAggregate) {
		if ctx.Err() != nil {
			break
		}
		report.Groups++
		wrote, err := o.optimizeGroup(ctx, g)
		switch {
		case err != nil:
			log.Warnf("[weight] %s: %v", g.Name, err)
			report.Failed = append(report.Failed, g.Name)
		case wrote:
			report.Updated = append(report.Updated, g.Name)
			o.sleep(ctx, o.writeDelay)
		default:
			report.Unchanged = append(report.Unchanged, g.Name)
		}
	}
	log.Infof("[weight] sweep: groups=%d updated=%d unchanged=%d failed=%d",
		report.Groups, len(report.Updated), len(report.Unchanged), len(report.Failed))
	return report
}

func (o *Optimizer) optimizeGroup(ctx context.Context, g model.Group) (bool, error) {
	computed := make([]model.Upstream, 0, len(g.Upstreams))
	for _, up := range g.Upstreams {
		computed = append(computed, model.Upstream{URL: up.URL, Weight: o.upstreamWeight(ctx, up)})
	}
	next := newEntry(computed)

	baseline, ok := o.cache.Load(g.Key())
	if !ok {
		baseline = newEntry(g.Upstreams)
	}
	if baseline.equal(next) {
		o.cache.Store(g.Key(), next)
		return false, nil
	}

	if err := o.reg.UpdateGroup(ctx, g.ID, g.InstanceID, model.GroupUpdate{Upstreams: computed}); err != nil {
		return false, err
	}
	o.cache.Store(g.Key(), next)
	o.topo.ApplyUpstreams(g.Key(), computed)
	if o.onUpdate != nil {
		o.onUpdate(g, computed)
	}
	return true, nil
}

// upstreamWeight resolves the model-channel group behind one upstream and
// weighs it. Anything unresolvable gets weight 1.
func (o *Optimizer) upstreamWeight(ctx context.Context, up model.Upstream) int {
	name, ok := modelmatch.ProxySegment(up.URL)
	if !ok {
		return 1
	}
	backing, ok := o.topo.GroupByName(name)
	if !ok {
		return 1
	}
	s := o.stats.Get(ctx, backing.ID, backing.InstanceID)
	if s.Failed() {
		return 1
	}
	return Weight(s)
}

// Weight is max(1, round(successRate * timeFactor * 100)) where the time
// factor decays linearly to a floor of 0.1 at ten seconds average latency.
func Weight(s model.StatsSnapshot) int {
	rate, latency := successRate(s)
	timeFactor := math.Max(0.1, 1-latency/10000)
	return max(1, int(math.Round(rate*timeFactor*100)))
}

// successRate prefers the hourly window, then daily, then falls back to key
// availability.
func successRate(s model.StatsSnapshot) (rate, avgLatencyMs float64) {
	if h := s.HourlyStats; h != nil && h.TotalRequests > 0 {
		return h.SuccessRate(), h.AvgResponseTimeMs
	}
	if d := s.DailyStats; d != nil && d.TotalRequests > 0 {
		return d.SuccessRate(), d.AvgResponseTimeMs
	}
	if s.KeyStats.ActiveKeys > 0 {
		return 1, 0
	}
	return 0, 0
}

func newEntry(ups []model.Upstream) cacheEntry {
	sorted := model.SortUpstreams(ups)
	return cacheEntry{upstreams: sorted, fingerprint: fingerprint(sorted)}
}

func (e cacheEntry) equal(other cacheEntry) bool {
	return e.fingerprint == other.fingerprint && slices.Equal(e.upstreams, other.upstreams)
}

func fingerprint(sorted []model.Upstream) uint64 {
	h := xxh3.New()
	for _, u := range sorted {
		_, _ = h.WriteString(u.URL)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(strconv.Itoa(u.Weight))
		_, _ = h.WriteString("\n")
	}
	return h.Sum64()
}

// Clear forgets every remembered weight set.
func (o *Optimizer) Clear() {
	o.cache.Clear()
}

// Cached returns the remembered weights of one aggregate group.
func (o *Optimizer) Cached(key model.GroupKey) ([]model.Upstream, bool) {
	e, ok := o.cache.Load(key)
	if !ok {
		return nil, false
	}
	return append([]model.Upstream(nil), e.upstreams...), true
}
