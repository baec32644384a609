package weight

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/stats"
	"github.com/Resinat/Ballast/internal/testutil"
	"github.com/Resinat/Ballast/internal/topology"
)

func TestWeight(t *testing.T) {
	cases := []struct {
		name string
		s    model.StatsSnapshot
		want int
	}{
		{"hourly with latency", model.StatsSnapshot{HourlyStats: &model.WindowStats{TotalRequests: 10, FailureRate: 0.1, AvgResponseTimeMs: 2000}}, 72},
		{"slow floor", model.StatsSnapshot{HourlyStats: &model.WindowStats{TotalRequests: 10, AvgResponseTimeMs: 20000}}, 10},
		{"all failing", model.StatsSnapshot{HourlyStats: &model.WindowStats{TotalRequests: 10, FailureRate: 1}}, 1},
		{"daily fallback", model.StatsSnapshot{DailyStats: &model.WindowStats{TotalRequests: 10, FailureRate: 0.5}}, 50},
		{"idle with keys", model.StatsSnapshot{KeyStats: model.KeyStats{ActiveKeys: 1, TotalKeys: 1}}, 100},
		{"idle without keys", model.StatsSnapshot{}, 1},
	}
	for _, tc := range cases {
		if got := Weight(tc.s); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

type harness struct {
	reg    *testutil.FakeRegistry
	topo   *topology.Manager
	opt    *Optimizer
	agg    model.Group
	sleeps int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := testutil.NewFakeRegistry()
	a := reg.AddGroup(model.Group{Name: "gpt-4o-via-a", Sort: 15})
	b := reg.AddGroup(model.Group{Name: "gpt-4o-via-b", Sort: 15})
	reg.SetStats(a.Key(), model.StatsSnapshot{
		KeyStats:    model.KeyStats{ActiveKeys: 1, TotalKeys: 1},
		HourlyStats: &model.WindowStats{TotalRequests: 100, FailureRate: 0.1, AvgResponseTimeMs: 2000},
	})
	reg.SetStats(b.Key(), model.StatsSnapshot{
		KeyStats:    model.KeyStats{ActiveKeys: 1, TotalKeys: 1},
		HourlyStats: &model.WindowStats{TotalRequests: 100, FailureRate: 0.5},
	})
	agg := reg.AddGroup(model.Group{
		Name: "gpt-4o",
		Sort: 10,
		Upstreams: []model.Upstream{
			{URL: "http://registry.test/proxy/gpt-4o-via-b", Weight: 1},
			{URL: "http://registry.test/proxy/gpt-4o-via-a", Weight: 1},
			{URL: "http://registry.test/proxy/gpt-4o-via-gone", Weight: 7},
		},
	})
	topo := topology.NewManager(reg, testutil.Directory(), testutil.Policy{}, nil, topology.Config{})
	if err := topo.LoadMapping(context.Background()); err != nil {
		t.Fatalf("LoadMapping: %v", err)
	}
	cache, err := stats.New(reg, stats.Config{TTL: time.Minute})
	if err != nil {
		t.Fatalf("stats.New: %v", err)
	}
	t.Cleanup(cache.Close)
	h := &harness{reg: reg, topo: topo, agg: agg}
	h.opt = NewOptimizer(reg, topo, cache, time.Second, nil)
	h.opt.sleep = func(context.Context, time.Duration) { h.sleeps++ }
	return h
}

func TestOptimize_WritesThenSkipsIdenticalWeights(t *testing.T) {
	h := newHarness(t)

	report := h.opt.Optimize(context.Background())
	if len(report.Updated) != 1 || report.Updated[0] != "gpt-4o" {
		t.Fatalf("first sweep: %+v", report)
	}
	stored, _ := h.reg.Group(h.agg.Key())
	weights := map[string]int{}
	for _, u := range stored.Upstreams {
		weights[u.URL] = u.Weight
	}
	if weights["http://registry.test/proxy/gpt-4o-via-a"] != 72 ||
		weights["http://registry.test/proxy/gpt-4o-via-b"] != 50 ||
		weights["http://registry.test/proxy/gpt-4o-via-gone"] != 1 {
		t.Fatalf("weights: %v", weights)
	}
	if h.sleeps != 1 {
		t.Fatalf("write delay: got %d sleeps, want 1", h.sleeps)
	}

	report = h.opt.Optimize(context.Background())
	if n := h.reg.CallCount(testutil.MethodUpdateGroup); n != 1 {
		t.Fatalf("second sweep wrote again: %d updates", n)
	}
	if len(report.Unchanged) != 1 {
		t.Fatalf("second sweep: %+v", report)
	}
	if h.sleeps != 1 {
		t.Fatal("no delay expected when nothing was written")
	}
}

func TestOptimize_ComparisonIsOrderIndependent(t *testing.T) {
	h := newHarness(t)
	h.opt.cache.Store(h.agg.Key(), newEntry([]model.Upstream{
		{URL: "http://registry.test/proxy/gpt-4o-via-gone", Weight: 1},
		{URL: "http://registry.test/proxy/gpt-4o-via-a", Weight: 72},
		{URL: "http://registry.test/proxy/gpt-4o-via-b", Weight: 50},
	}))
	h.opt.Optimize(context.Background())
	if n := h.reg.CallCount(testutil.MethodUpdateGroup); n != 0 {
		t.Fatalf("equal set in different order must not write, got %d updates", n)
	}
}

func TestOptimize_FailedWriteIsRetriedNextSweep(t *testing.T) {
	h := newHarness(t)
	h.reg.FailOn(testutil.MethodUpdateGroup, errors.New("busy"))
	report := h.opt.Optimize(context.Background())
	if len(report.Failed) != 1 {
		t.Fatalf("report: %+v", report)
	}
	if _, ok := h.opt.Cached(h.agg.Key()); ok {
		t.Fatal("failed write must not be cached")
	}
	h.reg.FailOn(testutil.MethodUpdateGroup, nil)
	report = h.opt.Optimize(context.Background())
	if len(report.Updated) != 1 {
		t.Fatalf("retry: %+v", report)
	}
	if g, _ := h.topo.Current().Group(h.agg.Key()); g.Upstreams[0].Weight == 1 && g.Upstreams[1].Weight == 1 {
		t.Fatalf("mapping not updated: %+v", g.Upstreams)
	}
}
