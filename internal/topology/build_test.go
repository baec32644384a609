package topology

import (
	"context"
	"reflect"
	"slices"
	"testing"

	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/testutil"
)

func seedSites(reg *testutil.FakeRegistry) {
	reg.AddGroup(model.Group{Name: "site-a", Sort: 50, ChannelType: "openai", ValidatedModels: []string{"gpt-4o", "gpt-4o-mini"}})
	reg.AddGroup(model.Group{Name: "site-c", Sort: 50, ChannelType: "openai", ValidatedModels: []string{"gpt-4o"}})
	reg.AddGroup(model.Group{Name: "anthropic-b", Sort: 50, ChannelType: "anthropic"})
}

func TestBuildThreeLayerTopology_CreatesThenReuses(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	seedSites(reg)
	m := newTestManager(reg)

	report, err := m.BuildThreeLayerTopology(context.Background(), []string{"GPT-4o"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	wantCreated := []string{"gpt-4o", "gpt-4o-via-site-a", "gpt-4o-via-site-c"}
	if !reflect.DeepEqual(report.Created, wantCreated) {
		t.Fatalf("created: got %v, want %v", report.Created, wantCreated)
	}
	if !reflect.DeepEqual(report.Models, []string{"gpt-4o"}) {
		t.Fatalf("models: got %v", report.Models)
	}

	agg, ok := reg.GroupByName("gpt-4o")
	if !ok {
		t.Fatal("aggregate group missing")
	}
	if agg.Sort != int(model.LayerAggregate) || agg.Layer() != model.LayerAggregate {
		t.Fatalf("aggregate layer: sort=%d layer=%v", agg.Sort, agg.Layer())
	}
	urls := []string{agg.Upstreams[0].URL, agg.Upstreams[1].URL}
	slices.Sort(urls)
	wantURLs := []string{"http://registry.test/proxy/gpt-4o-via-site-a", "http://registry.test/proxy/gpt-4o-via-site-c"}
	if !reflect.DeepEqual(urls, wantURLs) {
		t.Fatalf("aggregate upstreams: got %v", urls)
	}
	ch, _ := reg.GroupByName("gpt-4o-via-site-a")
	if ch.Layer() != model.LayerChannel || ch.Upstreams[0].URL != "http://registry.test/proxy/site-a" {
		t.Fatalf("channel group: %+v", ch)
	}
	if ch.Config.BlacklistThreshold != 3 || ch.TestModel != "gpt-4o" {
		t.Fatalf("channel group spec: %+v", ch)
	}

	if groups := m.Groups("gpt-4o"); len(groups) != 3 || groups[0].Name != "gpt-4o" {
		t.Fatalf("mapping after build: %+v", groups)
	}

	creates := reg.CallCount(testutil.MethodCreateGroup)
	report, err = m.BuildThreeLayerTopology(context.Background(), []string{"gpt-4o"})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := reg.CallCount(testutil.MethodCreateGroup); got != creates {
		t.Fatalf("rebuild created groups: %d -> %d", creates, got)
	}
	if len(report.Reused) != 3 || len(report.Created) != 0 {
		t.Fatalf("rebuild report: %+v", report)
	}
}

func TestBuildThreeLayerTopology_IsolatesSiteFailures(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	seedSites(reg)
	reg.AddGroup(model.Group{Name: "site-ghost", InstanceID: "ghost", Sort: 50, ValidatedModels: []string{"gpt-4o"}})
	m := newTestManager(reg)

	report, err := m.BuildThreeLayerTopology(context.Background(), []string{"gpt-4o"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !reflect.DeepEqual(report.Failed, []string{"gpt-4o-via-site-ghost"}) {
		t.Fatalf("failed: got %v", report.Failed)
	}
	if _, ok := reg.GroupByName("gpt-4o"); !ok {
		t.Fatal("aggregate should still be built from the healthy sites")
	}
}

func TestBuildThreeLayerTopology_ProviderHeuristicAndSkip(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	seedSites(reg)
	m := newTestManager(reg, "gpt-4o-mini")

	report, err := m.BuildThreeLayerTopology(context.Background(), []string{"claude-3-haiku", "gpt-4o-mini", "llama-3-70b"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := reg.GroupByName("claude-3-haiku-via-anthropic-b"); !ok {
		t.Fatal("anthropic site should be matched by provider hint and channel type")
	}
	if _, ok := reg.GroupByName("gpt-4o-mini-via-site-a"); ok {
		t.Fatal("policy-denied model must not get groups")
	}
	if !reflect.DeepEqual(report.Skipped, []string{"llama-3-70b"}) {
		t.Fatalf("skipped: got %v", report.Skipped)
	}
}

func TestBuildThreeLayerTopology_ReusesExistingAndKeepsWeights(t *testing.T) {
	reg := testutil.NewFakeRegistry()
	seedSites(reg)
	reg.AddGroup(model.Group{
		Name:      "gpt-4o",
		Sort:      10,
		Tags:      []string{"layer-10"},
		Upstreams: []model.Upstream{{URL: "http://registry.test/proxy/gpt-4o-via-site-a", Weight: 42}},
	})
	m := newTestManager(reg)

	report, err := m.BuildThreeLayerTopology(context.Background(), []string{"gpt-4o"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !reflect.DeepEqual(report.Updated, []string{"gpt-4o"}) {
		t.Fatalf("updated: got %v", report.Updated)
	}
	agg, _ := reg.GroupByName("gpt-4o")
	weights := map[string]int{}
	for _, u := range agg.Upstreams {
		weights[u.URL] = u.Weight
	}
	if weights["http://registry.test/proxy/gpt-4o-via-site-a"] != 42 {
		t.Fatalf("existing weight lost: %v", weights)
	}
	if weights["http://registry.test/proxy/gpt-4o-via-site-c"] != 1 {
		t.Fatalf("new upstream weight: %v", weights)
	}
}
