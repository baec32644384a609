// Package model defines domain structs shared by the control-plane components.
package model

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Layer is the topology tier of a group. The numeric value is also the
// default sort the registry receives when the group is created.
type Layer int

const (
	LayerAggregate Layer = 10
	LayerChannel   Layer = 15
	LayerSite      Layer = 20
)

func (l Layer) String() string {
	switch l {
	case LayerAggregate:
		return "aggregate"
	case LayerChannel:
		return "model-channel"
	case LayerSite:
		return "site"
	default:
		return "layer-" + strconv.Itoa(int(l))
	}
}

// LayerTag is the tag written on groups created by this system so the layer
// survives later priority (sort) changes.
func (l Layer) Tag() string {
	return "layer-" + strconv.Itoa(int(l))
}

// Priority bounds. Lower is preferred.
const (
	MinPriority = 1
	MaxPriority = 99
)

// Group status values.
const (
	GroupStatusEnabled  = "enabled"
	GroupStatusDisabled = "disabled"
)

// Key status values accepted by ToggleKeyStatus.
const (
	KeyStatusActive  = "active"
	KeyStatusInvalid = "invalid"
)

// Upstream is one weighted target of a group.
type Upstream struct {
	URL    string `json:"url"`
	Weight int    `json:"weight"`
}

// GroupConfig carries the registry-side blacklist/validation knobs.
type GroupConfig struct {
	BlacklistThreshold           int `json:"blacklist_threshold,omitempty"`
	KeyValidationIntervalMinutes int `json:"key_validation_interval_minutes,omitempty"`
}

// Group is one routing unit at some layer, as reported by a registry instance.
type Group struct {
	ID                 string      `json:"id"`
	InstanceID         string      `json:"instance_id"`
	Name               string      `json:"name"`
	Sort               int         `json:"sort"`
	Upstreams          []Upstream  `json:"upstreams"`
	ChannelType        string      `json:"channel_type,omitempty"`
	TestModel          string      `json:"test_model,omitempty"`
	ValidationEndpoint string      `json:"validation_endpoint,omitempty"`
	ValidatedModels    []string    `json:"validated_models,omitempty"`
	Models             []string    `json:"models,omitempty"`
	Status             string      `json:"status,omitempty"`
	Tags               []string    `json:"tags,omitempty"`
	Config             GroupConfig `json:"config,omitempty"`
}

// Key identifies a group across registry instances.
func (g Group) Key() GroupKey {
	return GroupKey{InstanceID: g.InstanceID, GroupID: g.ID}
}

// Priority is the routing priority, i.e. the sort value.
func (g Group) Priority() int {
	return g.Sort
}

// Enabled reports whether the registry considers the group active.
func (g Group) Enabled() bool {
	return g.Status == "" || g.Status == GroupStatusEnabled
}

// TaggedLayer returns the layer named by an explicit layer tag.
func (g Group) TaggedLayer() (Layer, bool) {
	for _, tag := range g.Tags {
		switch tag {
		case LayerAggregate.Tag():
			return LayerAggregate, true
		case LayerChannel.Tag():
			return LayerChannel, true
		case LayerSite.Tag():
			return LayerSite, true
		}
	}
	return 0, false
}

// Layer classifies the group from its layer tag, else its sort band.
// Groups in a topology mapping always carry the tag.
func (g Group) Layer() Layer {
	if l, ok := g.TaggedLayer(); ok {
		return l
	}
	switch g.Sort {
	case int(LayerAggregate):
		return LayerAggregate
	case int(LayerChannel):
		return LayerChannel
	default:
		return LayerSite
	}
}

// WithLayer returns a copy tagged with l. An existing layer tag is kept.
func (g Group) WithLayer(l Layer) Group {
	if _, ok := g.TaggedLayer(); ok {
		return g
	}
	out := g.Clone()
	out.Tags = append(out.Tags, l.Tag())
	return out
}

// Clone returns a deep copy so callers can mutate without touching shared
// mapping snapshots.
func (g Group) Clone() Group {
	out := g
	out.Upstreams = append([]Upstream(nil), g.Upstreams...)
	out.ValidatedModels = append([]string(nil), g.ValidatedModels...)
	out.Models = append([]string(nil), g.Models...)
	out.Tags = append([]string(nil), g.Tags...)
	return out
}

// GroupKey is the (instance, group) identity used by caches.
type GroupKey struct {
	InstanceID string
	GroupID    string
}

func (k GroupKey) String() string {
	return k.InstanceID + "/" + k.GroupID
}

// ChannelSeparator joins model and site in model-channel group names.
const ChannelSeparator = "-via-"

// GroupSpec is the payload for creating a group in the registry.
type GroupSpec struct {
	Name               string      `json:"name"`
	DisplayName        string      `json:"display_name,omitempty"`
	Upstreams          []Upstream  `json:"upstreams"`
	Sort               int         `json:"sort"`
	ChannelType        string      `json:"channel_type"`
	TestModel          string      `json:"test_model"`
	ValidationEndpoint string      `json:"validation_endpoint,omitempty"`
	Config             GroupConfig `json:"config"`
	Tags               []string    `json:"tags,omitempty"`
}

// GroupUpdate is a partial update. Nil fields are left untouched.
type GroupUpdate struct {
	Sort      *int       `json:"sort,omitempty"`
	Upstreams []Upstream `json:"upstreams,omitempty"`
	Status    *string    `json:"status,omitempty"`
}

// LogEntry is one request log row as reported by the registry.
type LogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	GroupName  string    `json:"group_name"`
	Model      string    `json:"model"`
	StatusCode int       `json:"status_code"`
	IsSuccess  bool      `json:"is_success"`
	DurationMs int64     `json:"duration_ms"`
	ErrorMsg   string    `json:"error_message,omitempty"`
}

// SortUpstreams returns a URL-sorted copy of ups.
func SortUpstreams(ups []Upstream) []Upstream {
	out := append([]Upstream(nil), ups...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].URL != out[j].URL {
			return out[i].URL < out[j].URL
		}
		return out[i].Weight < out[j].Weight
	})
	return out
}

// NormalizeModelName returns the canonical lowercase model identifier.
func NormalizeModelName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
