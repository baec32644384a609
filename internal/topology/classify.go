package topology

import (
	"strings"

	"github.com/samber/lo"

	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/modelmatch"
)

// classify resolves the layer of a freshly listed group. Once a group has
// been mapped its layer is remembered, so later priority changes to its
// sort never move it to another layer.
func (m *Manager) classify(g model.Group, prev *Mapping) model.Layer {
	if l, ok := g.TaggedLayer(); ok {
		return l
	}
	if known, ok := prev.byKey[g.Key()]; ok {
		if l, ok := known.TaggedLayer(); ok {
			return l
		}
	}
	if aggregateShaped(g) {
		return model.LayerAggregate
	}
	if m.channelShaped(g) {
		return model.LayerChannel
	}
	return g.Layer()
}

// aggregateShaped reports whether every upstream routes through a
// model-channel group.
func aggregateShaped(g model.Group) bool {
	if len(g.Upstreams) == 0 {
		return false
	}
	return lo.EveryBy(g.Upstreams, func(u model.Upstream) bool {
		seg, ok := modelmatch.ProxySegment(u.URL)
		return ok && strings.Contains(seg, model.ChannelSeparator)
	})
}

// channelShaped reports whether the name is <model>-via-<site> for a model
// the group actually serves. A site merely named "x-via-y" does not match.
func (m *Manager) channelShaped(g model.Group) bool {
	idx := strings.Index(g.Name, model.ChannelSeparator)
	if idx <= 0 || idx+len(model.ChannelSeparator) >= len(g.Name) {
		return false
	}
	prefix := strings.ToLower(g.Name[:idx])
	return lo.ContainsBy(m.matcher.ModelsFor(g), func(name string) bool {
		return modelmatch.Sanitize(name) == prefix
	})
}
