package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resinat/Ballast/internal/log"
	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/modelmatch"
	"github.com/Resinat/Ballast/internal/registry"
	"github.com/Resinat/Ballast/internal/scanloop"
)

// ErrNoMapping is returned by Init when no mapping could be built.
var ErrNoMapping = errors.New("topology: no group mapping available")

// Config tunes group creation and refresh.
type Config struct {
	// TestModel is used for site discovery when no explicit models are given.
	TestModel                    string
	BlacklistThreshold           int
	KeyValidationIntervalMinutes int
	RefreshInterval              time.Duration
	// BuildConcurrency bounds how many models are built in parallel.
	BuildConcurrency int
}

// Manager owns the current Mapping. Readers always see a complete snapshot.
type Manager struct {
	reg     registry.Registry
	dir     registry.InstanceDirectory
	policy  registry.ModelPolicy
	lib     *modelmatch.Library
	matcher *modelmatch.Matcher
	cfg     Config

	mapping atomic.Pointer[Mapping]
	loadMu  sync.Mutex
	now     func() time.Time

	refresh *scanloop.Task
}

// NewManager wires the manager to its collaborators. A nil lib selects the
// embedded pattern library.
func NewManager(
	reg registry.Registry,
	dir registry.InstanceDirectory,
	policy registry.ModelPolicy,
	lib *modelmatch.Library,
	cfg Config,
) *Manager {
	if lib == nil {
		lib = modelmatch.DefaultLibrary()
	}
	if cfg.BuildConcurrency <= 0 {
		cfg.BuildConcurrency = 4
	}
	m := &Manager{
		reg:     reg,
		dir:     dir,
		policy:  policy,
		lib:     lib,
		matcher: modelmatch.NewMatcher(lib),
		cfg:     cfg,
		now:     time.Now,
	}
	m.mapping.Store(emptyMapping())
	return m
}

// Init loads the first mapping. Failure here is fatal for the process.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.LoadMapping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNoMapping, err)
	}
	return nil
}

// Start launches the periodic mapping refresh, if configured.
func (m *Manager) Start() {
	if m.cfg.RefreshInterval <= 0 {
		return
	}
	m.refresh = &scanloop.Task{
		Name:     "topology-refresh",
		Interval: m.cfg.RefreshInterval,
		Fn: func(ctx context.Context) {
			if err := m.LoadMapping(ctx); err != nil {
				log.Warnf("[topology] refresh failed, keeping previous mapping: %v", err)
			}
		},
	}
	m.refresh.Start()
}

// Stop cancels the refresh loop and clears the mapping.
func (m *Manager) Stop() {
	if m.refresh != nil {
		m.refresh.Stop()
	}
	m.Clear()
}

// Clear drops the mapping.
func (m *Manager) Clear() {
	m.mapping.Store(emptyMapping())
}

// Current returns the current snapshot.
func (m *Manager) Current() *Mapping {
	return m.mapping.Load()
}

// LoadMapping lists all groups and publishes a new mapping. Every mapped
// group carries its resolved layer tag. Site groups are indexed by name but
// never mapped to models. On error the previous mapping
// stays in place.
func (m *Manager) LoadMapping(ctx context.Context) error {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()

	groups, err := m.reg.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("topology: list groups: %w", err)
	}
	prev := m.mapping.Load()
	models := make(map[model.GroupKey][]string, len(groups))
	for i, g := range groups {
		g = g.WithLayer(m.classify(g, prev))
		groups[i] = g
		if g.Layer() == model.LayerSite {
			continue
		}
		names := m.policy.FilterModels(m.matcher.ModelsFor(g))
		if len(names) == 0 {
			log.Debugf("[topology] group %s (%s) serves no allowed model", g.Name, g.Key())
			continue
		}
		models[g.Key()] = names
	}
	next := newMapping(groups, models, m.now())
	m.mapping.Store(next)
	log.Infof("[topology] mapping loaded: %d groups, %d models", len(groups), len(next.byModel))
	return nil
}

// ApplyGroup publishes an updated copy of one group into the current
// mapping. Concurrent callers never lose each other's updates.
func (m *Manager) ApplyGroup(key model.GroupKey, mutate func(*model.Group)) bool {
	for {
		cur := m.mapping.Load()
		g, ok := cur.byKey[key]
		if !ok {
			return false
		}
		g = g.Clone()
		mutate(&g)
		if m.mapping.CompareAndSwap(cur, cur.withGroup(g)) {
			return true
		}
	}
}

// ApplyPriority records a persisted priority change in the mapping.
func (m *Manager) ApplyPriority(key model.GroupKey, priority int) bool {
	return m.ApplyGroup(key, func(g *model.Group) { g.Sort = priority })
}

// ApplyUpstreams records persisted upstream weights in the mapping.
func (m *Manager) ApplyUpstreams(key model.GroupKey, ups []model.Upstream) bool {
	return m.ApplyGroup(key, func(g *model.Group) {
		g.Upstreams = append([]model.Upstream(nil), ups...)
	})
}

// Models returns the mapped model names.
func (m *Manager) Models() []string { return m.Current().Models() }

// Groups returns the groups serving one model.
func (m *Manager) Groups(modelName string) []model.Group { return m.Current().Groups(modelName) }

// GroupByName resolves a group by registry name.
func (m *Manager) GroupByName(name string) (model.Group, bool) {
	return m.Current().GroupByName(name)
}

// ByLayer returns every known group of one layer.
func (m *Manager) ByLayer(layer model.Layer) []model.Group {
	return m.Current().ByLayer(layer)
}

// ModelsOf returns the models one group serves.
func (m *Manager) ModelsOf(key model.GroupKey) []string {
	return m.Current().ModelsOf(key)
}
