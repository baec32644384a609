package topology

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/Resinat/Ballast/internal/log"
	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/modelmatch"
)

// BuildReport summarizes one three-layer build.
type BuildReport struct {
	Models  []string `json:"models"`
	Created []string `json:"created"`
	Reused  []string `json:"reused"`
	Updated []string `json:"updated"`
	Skipped []string `json:"skipped"`
	Failed  []string `json:"failed"`
}

func (r *BuildReport) sortAll() {
	for _, s := range [][]string{r.Models, r.Created, r.Reused, r.Updated, r.Skipped, r.Failed} {
		sort.Strings(s)
	}
}

// groupIndex is the pre-fetched group list keyed by (instance, name). It is
// extended as groups get created so reruns within one build stay idempotent.
type groupIndex struct {
	mu     sync.Mutex
	byName map[string]map[string]model.Group
}

func newGroupIndex(groups []model.Group) *groupIndex {
	idx := &groupIndex{byName: map[string]map[string]model.Group{}}
	for _, g := range groups {
		idx.putLocked(g)
	}
	return idx
}

func (i *groupIndex) putLocked(g model.Group) {
	inst := i.byName[g.InstanceID]
	if inst == nil {
		inst = map[string]model.Group{}
		i.byName[g.InstanceID] = inst
	}
	if _, exists := inst[g.Name]; !exists {
		inst[g.Name] = g
	}
}

func (i *groupIndex) get(instanceID, name string) (model.Group, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	g, ok := i.byName[instanceID][name]
	return g, ok
}

func (i *groupIndex) put(g model.Group) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.putLocked(g)
}

// BuildThreeLayerTopology creates or reuses one model-channel group per
// (model, supporting site) and one aggregate group per model. An empty
// models list builds every model the site groups advertise. A failure for
// one model or site is recorded in the report and never stops the build.
func (m *Manager) BuildThreeLayerTopology(ctx context.Context, models []string) (BuildReport, error) {
	all, err := m.reg.ListGroups(ctx)
	if err != nil {
		return BuildReport{}, fmt.Errorf("topology: list groups: %w", err)
	}
	prev := m.Current()
	sites := lo.Filter(all, func(g model.Group, _ int) bool {
		return m.classify(g, prev) == model.LayerSite && g.Enabled()
	})
	if len(models) == 0 {
		models = m.discoverModels(sites)
	}
	models = lo.Uniq(lo.Map(models, func(s string, _ int) string { return model.NormalizeModelName(s) }))
	models = m.policy.FilterModels(models)

	idx := newGroupIndex(all)
	var (
		report BuildReport
		mu     sync.Mutex
	)
	record := func(fn func(r *BuildReport)) {
		mu.Lock()
		defer mu.Unlock()
		fn(&report)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.cfg.BuildConcurrency)
	for _, name := range models {
		eg.Go(func() error {
			m.buildModel(egCtx, name, sites, idx, record)
			return nil
		})
	}
	_ = eg.Wait()

	report.sortAll()
	log.Infof("[topology] build finished: models=%d created=%d reused=%d updated=%d skipped=%d failed=%d",
		len(report.Models), len(report.Created), len(report.Reused), len(report.Updated), len(report.Skipped), len(report.Failed))
	if err := m.LoadMapping(ctx); err != nil {
		log.Warnf("[topology] reload after build failed: %v", err)
	}
	return report, nil
}

func (m *Manager) buildModel(ctx context.Context, name string, sites []model.Group, idx *groupIndex, record func(func(*BuildReport))) {
	var channels []model.Group
	for _, site := range sites {
		if ctx.Err() != nil {
			return
		}
		if !m.supports(site, name) {
			continue
		}
		cg, err := m.ensureChannelGroup(ctx, name, site, idx, record)
		if err != nil {
			log.Warnf("[topology] model %s via %s: %v", name, site.Name, err)
			record(func(r *BuildReport) { r.Failed = append(r.Failed, modelmatch.ChannelGroupName(name, site.Name)) })
			continue
		}
		channels = append(channels, cg)
	}
	if len(channels) == 0 {
		record(func(r *BuildReport) { r.Skipped = append(r.Skipped, name) })
		return
	}
	if err := m.ensureAggregateGroup(ctx, name, channels, idx, record); err != nil {
		log.Warnf("[topology] aggregate for %s: %v", name, err)
		record(func(r *BuildReport) { r.Failed = append(r.Failed, modelmatch.AggregateGroupName(name)) })
		return
	}
	record(func(r *BuildReport) { r.Models = append(r.Models, name) })
}

// supports decides whether a site group serves a model. A registry-supplied
// validated list is authoritative; otherwise name containment, the site's
// test model, its explicit model list, or a provider hint on a compatible
// channel type qualify it.
func (m *Manager) supports(site model.Group, name string) bool {
	if len(site.ValidatedModels) > 0 {
		return slices.ContainsFunc(site.ValidatedModels, func(v string) bool {
			return model.NormalizeModelName(v) == name
		})
	}
	if strings.Contains(strings.ToLower(site.Name), name) {
		return true
	}
	if model.NormalizeModelName(site.TestModel) == name {
		return true
	}
	if slices.ContainsFunc(site.Models, func(v string) bool { return model.NormalizeModelName(v) == name }) {
		return true
	}
	p, ok := m.lib.ProviderOf(name)
	return ok && p.ServesChannelType(site.ChannelType) && p.HintedBy(site.Name)
}

// discoverModels lists every model the site groups advertise.
func (m *Manager) discoverModels(sites []model.Group) []string {
	var out []string
	for _, s := range sites {
		out = append(out, s.ValidatedModels...)
		out = append(out, s.Models...)
		if s.TestModel != "" {
			out = append(out, s.TestModel)
		}
		out = append(out, m.lib.Extract(s.Name)...)
	}
	if len(out) == 0 && m.cfg.TestModel != "" {
		out = append(out, m.cfg.TestModel)
	}
	out = lo.Uniq(lo.Map(out, func(s string, _ int) string { return model.NormalizeModelName(s) }))
	sort.Strings(out)
	return out
}

func (m *Manager) groupConfig() model.GroupConfig {
	return model.GroupConfig{
		BlacklistThreshold:           m.cfg.BlacklistThreshold,
		KeyValidationIntervalMinutes: m.cfg.KeyValidationIntervalMinutes,
	}
}

func (m *Manager) ensureChannelGroup(
	ctx context.Context,
	modelName string,
	site model.Group,
	idx *groupIndex,
	record func(func(*BuildReport)),
) (model.Group, error) {
	inst, ok := m.dir.GetInstance(site.InstanceID)
	if !ok {
		return model.Group{}, fmt.Errorf("site %s: instance %q not in directory", site.Name, site.InstanceID)
	}
	name := modelmatch.ChannelGroupName(modelName, site.Name)
	desired := []model.Upstream{{URL: modelmatch.ProxyURL(inst.URL, site.Name), Weight: 1}}

	if existing, ok := idx.get(inst.ID, name); ok {
		if sameURLs(existing.Upstreams, desired) {
			record(func(r *BuildReport) { r.Reused = append(r.Reused, name) })
			return existing, nil
		}
		if err := m.reg.UpdateGroup(ctx, existing.ID, existing.InstanceID, model.GroupUpdate{Upstreams: desired}); err != nil {
			return model.Group{}, fmt.Errorf("update %s: %w", name, err)
		}
		existing.Upstreams = desired
		record(func(r *BuildReport) { r.Updated = append(r.Updated, name) })
		return existing, nil
	}

	created, err := m.reg.CreateGroup(ctx, inst.ID, model.GroupSpec{
		Name:               name,
		DisplayName:        modelName + " via " + site.Name,
		Upstreams:          desired,
		Sort:               int(model.LayerChannel),
		ChannelType:        site.ChannelType,
		TestModel:          modelName,
		ValidationEndpoint: site.ValidationEndpoint,
		Config:             m.groupConfig(),
		Tags:               []string{model.LayerChannel.Tag(), "model:" + modelName},
	})
	if err != nil {
		return model.Group{}, fmt.Errorf("create %s: %w", name, err)
	}
	idx.put(created)
	record(func(r *BuildReport) { r.Created = append(r.Created, name) })
	return created, nil
}

func (m *Manager) ensureAggregateGroup(
	ctx context.Context,
	modelName string,
	channels []model.Group,
	idx *groupIndex,
	record func(func(*BuildReport)),
) error {
	desired := make([]model.Upstream, 0, len(channels))
	for _, cg := range channels {
		inst, ok := m.dir.GetInstance(cg.InstanceID)
		if !ok {
			log.Warnf("[topology] channel group %s: instance %q not in directory", cg.Name, cg.InstanceID)
			continue
		}
		desired = append(desired, model.Upstream{URL: modelmatch.ProxyURL(inst.URL, cg.Name), Weight: 1})
	}
	if len(desired) == 0 {
		return fmt.Errorf("no resolvable channel groups")
	}
	inst, ok := m.dir.SelectBestInstance(desired[0].URL)
	if !ok {
		return fmt.Errorf("no registry instance available")
	}
	name := modelmatch.AggregateGroupName(modelName)

	if existing, ok := idx.get(inst.ID, name); ok {
		if sameURLs(existing.Upstreams, desired) {
			record(func(r *BuildReport) { r.Reused = append(r.Reused, name) })
			return nil
		}
		merged := keepWeights(existing.Upstreams, desired)
		if err := m.reg.UpdateGroup(ctx, existing.ID, existing.InstanceID, model.GroupUpdate{Upstreams: merged}); err != nil {
			return fmt.Errorf("update %s: %w", name, err)
		}
		record(func(r *BuildReport) { r.Updated = append(r.Updated, name) })
		return nil
	}

	created, err := m.reg.CreateGroup(ctx, inst.ID, model.GroupSpec{
		Name:        name,
		DisplayName: modelName,
		Upstreams:   desired,
		Sort:        int(model.LayerAggregate),
		ChannelType: channels[0].ChannelType,
		TestModel:   modelName,
		Config:      m.groupConfig(),
		Tags:        []string{model.LayerAggregate.Tag(), "model:" + modelName},
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	idx.put(created)
	record(func(r *BuildReport) { r.Created = append(r.Created, name) })
	return nil
}

func sameURLs(a, b []model.Upstream) bool {
	if len(a) != len(b) {
		return false
	}
	urls := func(ups []model.Upstream) []string {
		out := lo.Map(ups, func(u model.Upstream, _ int) string { return u.URL })
		sort.Strings(out)
		return out
	}
	return slices.Equal(urls(a), urls(b))
}

// keepWeights returns desired with the weights already tuned on existing
// carried over for URLs present in both.
func keepWeights(existing, desired []model.Upstream) []model.Upstream {
	weights := lo.SliceToMap(existing, func(u model.Upstream) (string, int) { return u.URL, u.Weight })
	return lo.Map(desired, func(u model.Upstream, _ int) model.Upstream {
		if w, ok := weights[u.URL]; ok && w > 0 {
			u.Weight = w
		}
		return u
	})
}
