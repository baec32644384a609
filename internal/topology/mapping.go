// Package topology maintains the model → group mapping and the three-layer
// site → model-channel → aggregate group hierarchy.
package topology

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/Resinat/Ballast/internal/model"
)

// Mapping is an immutable snapshot of the registry's groups indexed by model
// and by name. A Mapping is never mutated after publication; updates build a
// new one and swap it in.
type Mapping struct {
	byModel map[string][]model.Group
	byKey   map[model.GroupKey]model.Group
	byName  map[string]model.GroupKey
	all     []model.Group
	builtAt time.Time
}

func emptyMapping() *Mapping {
	return &Mapping{
		byModel: map[string][]model.Group{},
		byKey:   map[model.GroupKey]model.Group{},
		byName:  map[string]model.GroupKey{},
	}
}

// newMapping indexes groups. models maps each non-site group key to the
// models it serves.
func newMapping(groups []model.Group, models map[model.GroupKey][]string, builtAt time.Time) *Mapping {
	m := emptyMapping()
	m.builtAt = builtAt
	m.all = make([]model.Group, 0, len(groups))
	for _, g := range groups {
		key := g.Key()
		if _, dup := m.byKey[key]; dup {
			continue
		}
		m.all = append(m.all, g)
		m.byKey[key] = g
		if _, taken := m.byName[g.Name]; !taken {
			m.byName[g.Name] = key
		}
		for _, name := range models[key] {
			m.byModel[name] = append(m.byModel[name], g)
		}
	}
	for name := range m.byModel {
		sortGroups(m.byModel[name])
	}
	sortGroups(m.all)
	return m
}

// sortGroups orders by priority, then name, then instance, so every sweep
// visits one model's groups in the same order.
func sortGroups(groups []model.Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.Sort != b.Sort {
			return a.Sort < b.Sort
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.InstanceID < b.InstanceID
	})
}

// withGroup returns a copy of m where the group with g's key is replaced by g.
// Only the slices that contain the group are copied.
func (m *Mapping) withGroup(g model.Group) *Mapping {
	key := g.Key()
	out := &Mapping{
		byModel: make(map[string][]model.Group, len(m.byModel)),
		byKey:   make(map[model.GroupKey]model.Group, len(m.byKey)),
		byName:  m.byName,
		builtAt: m.builtAt,
	}
	for k, v := range m.byKey {
		out.byKey[k] = v
	}
	out.byKey[key] = g
	out.all = replaceGroup(m.all, g)
	for name, groups := range m.byModel {
		if lo.ContainsBy(groups, func(x model.Group) bool { return x.Key() == key }) {
			out.byModel[name] = replaceGroup(groups, g)
		} else {
			out.byModel[name] = groups
		}
	}
	return out
}

func replaceGroup(groups []model.Group, g model.Group) []model.Group {
	out := make([]model.Group, len(groups))
	copy(out, groups)
	for i := range out {
		if out[i].Key() == g.Key() {
			out[i] = g
		}
	}
	sortGroups(out)
	return out
}

// Models returns the mapped model names, sorted.
func (m *Mapping) Models() []string {
	names := lo.Keys(m.byModel)
	sort.Strings(names)
	return names
}

// Groups returns copies of the groups serving modelName in sweep order.
func (m *Mapping) Groups(modelName string) []model.Group {
	return cloneGroups(m.byModel[model.NormalizeModelName(modelName)])
}

// Group returns the group with key.
func (m *Mapping) Group(key model.GroupKey) (model.Group, bool) {
	g, ok := m.byKey[key]
	if !ok {
		return model.Group{}, false
	}
	return g.Clone(), true
}

// GroupByName resolves a group by its registry name.
func (m *Mapping) GroupByName(name string) (model.Group, bool) {
	key, ok := m.byName[name]
	if !ok {
		return model.Group{}, false
	}
	return m.Group(key)
}

// ByLayer returns every group of one layer, in sweep order.
func (m *Mapping) ByLayer(layer model.Layer) []model.Group {
	return cloneGroups(lo.Filter(m.all, func(g model.Group, _ int) bool { return g.Layer() == layer }))
}

// All returns every known group including site groups.
func (m *Mapping) All() []model.Group { return cloneGroups(m.all) }

// ModelsOf returns the models a group is mapped to.
func (m *Mapping) ModelsOf(key model.GroupKey) []string {
	var out []string
	for _, name := range m.Models() {
		if lo.ContainsBy(m.byModel[name], func(g model.Group) bool { return g.Key() == key }) {
			out = append(out, name)
		}
	}
	return out
}

// BuiltAt is when the snapshot was loaded from the registry.
func (m *Mapping) BuiltAt() time.Time { return m.builtAt }

// Empty reports whether no model is mapped.
func (m *Mapping) Empty() bool { return len(m.byModel) == 0 }

func cloneGroups(in []model.Group) []model.Group {
	if len(in) == 0 {
		return nil
	}
	return lo.Map(in, func(g model.Group, _ int) model.Group { return g.Clone() })
}
