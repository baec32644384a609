package modelmatch

import (
	"net/url"
	"strings"

	"github.com/Resinat/Ballast/internal/model"
)

// Strategy returns zero or more candidate models for a group.
type Strategy interface {
	Name() string
	Match(g model.Group) []string
}

// NamePatterns runs the provider library over the group name.
type NamePatterns struct{ Lib *Library }

func (NamePatterns) Name() string { return "name_patterns" }

func (s NamePatterns) Match(g model.Group) []string {
	return s.Lib.Extract(g.Name)
}

// ExplicitList reads the registry-supplied model lists.
type ExplicitList struct{}

func (ExplicitList) Name() string { return "explicit_list" }

func (ExplicitList) Match(g model.Group) []string {
	var out []string
	for _, m := range g.ValidatedModels {
		out = appendUnique(out, model.NormalizeModelName(m))
	}
	for _, m := range g.Models {
		out = appendUnique(out, model.NormalizeModelName(m))
	}
	return out
}

// TestModel uses the model the registry validates the group with.
type TestModel struct{}

func (TestModel) Name() string { return "test_model" }

func (TestModel) Match(g model.Group) []string {
	if m := model.NormalizeModelName(g.TestModel); m != "" {
		return []string{m}
	}
	return nil
}

// ProxyPath re-runs the provider library over the /proxy/<name> segments
// embedded in upstream URLs.
type ProxyPath struct{ Lib *Library }

func (ProxyPath) Name() string { return "proxy_path" }

func (s ProxyPath) Match(g model.Group) []string {
	var out []string
	for _, up := range g.Upstreams {
		seg, ok := ProxySegment(up.URL)
		if !ok {
			continue
		}
		for _, m := range s.Lib.Extract(seg) {
			out = appendUnique(out, m)
		}
	}
	return out
}

// Matcher unions the results of its strategies in order.
type Matcher struct {
	strategies []Strategy
}

// NewMatcher returns the standard strategy chain: name patterns, explicit
// list, test model, proxy path.
func NewMatcher(lib *Library) *Matcher {
	if lib == nil {
		lib = DefaultLibrary()
	}
	return &Matcher{strategies: []Strategy{
		NamePatterns{Lib: lib},
		ExplicitList{},
		TestModel{},
		ProxyPath{Lib: lib},
	}}
}

// NewMatcherWith builds a matcher over custom strategies.
func NewMatcherWith(strategies ...Strategy) *Matcher {
	return &Matcher{strategies: strategies}
}

// ModelsFor returns the union of every strategy's candidates, first-seen order.
func (m *Matcher) ModelsFor(g model.Group) []string {
	var out []string
	for _, s := range m.strategies {
		for _, name := range s.Match(g) {
			out = appendUnique(out, name)
		}
	}
	return out
}

const proxyPrefix = "/proxy/"

// ProxySegment extracts <name> from an upstream URL of the form
// http://host/.../proxy/<name>[/...].
func ProxySegment(rawURL string) (string, bool) {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = u.Path
	}
	idx := strings.Index(path, proxyPrefix)
	if idx < 0 {
		return "", false
	}
	seg := path[idx+len(proxyPrefix):]
	if slash := strings.IndexByte(seg, '/'); slash >= 0 {
		seg = seg[:slash]
	}
	if unescaped, err := url.PathUnescape(seg); err == nil {
		seg = unescaped
	}
	seg = strings.TrimSpace(seg)
	return seg, seg != ""
}

// ChannelName resolves the channel (site) a group routes to: the proxy
// segment of its first upstream, else the part of its name after "-via-".
func ChannelName(g model.Group) string {
	if len(g.Upstreams) > 0 {
		if seg, ok := ProxySegment(g.Upstreams[0].URL); ok {
			return seg
		}
	}
	if idx := strings.LastIndex(g.Name, model.ChannelSeparator); idx >= 0 {
		return g.Name[idx+len(model.ChannelSeparator):]
	}
	return ""
}

// Sanitize lowercases s and replaces every rune outside [a-z0-9_-] with '-'.
func Sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// AggregateGroupName is the name of the layer-10 group for a model.
func AggregateGroupName(modelName string) string {
	return Sanitize(modelName)
}

// ChannelGroupName is the name of the layer-15 group for (model, site).
func ChannelGroupName(modelName, site string) string {
	return Sanitize(modelName) + model.ChannelSeparator + site
}

// ProxyURL builds the upstream URL that routes through group name on the
// gateway at base.
func ProxyURL(base, groupName string) string {
	return strings.TrimRight(base, "/") + proxyPrefix + url.PathEscape(groupName)
}
