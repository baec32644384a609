// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/registry"
)

// Registry method names used for call recording and failure injection.
const (
	MethodListGroups        = "ListGroups"
	MethodGetGroupStats     = "GetGroupStats"
	MethodGetGroupDetail    = "GetGroupDetail"
	MethodCreateGroup       = "CreateGroup"
	MethodUpdateGroup       = "UpdateGroup"
	MethodDeleteGroup       = "DeleteGroup"
	MethodAddAPIKeys        = "AddAPIKeys"
	MethodToggleKeyStatus   = "ToggleKeyStatus"
	MethodTriggerValidation = "TriggerValidation"
	MethodGetLogs           = "GetLogs"
)

// Call is one recorded registry invocation.
type Call struct {
	Method     string
	GroupID    string
	InstanceID string
	Args       any
}

// FakeRegistry is an in-memory registry.Registry.
type FakeRegistry struct {
	mu       sync.Mutex
	groups   map[model.GroupKey]model.Group
	order    []model.GroupKey
	stats    map[model.GroupKey]model.StatsSnapshot
	logs     map[string][]model.LogEntry
	fail     map[string]error
	failOne  map[string]error
	calls    []Call
	nextID   int
	hook     func(method, groupID string)
	instance string
}

var _ registry.Registry = (*FakeRegistry)(nil)

// NewFakeRegistry creates an empty fake whose default instance is "main".
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{
		groups:   make(map[model.GroupKey]model.Group),
		stats:    make(map[model.GroupKey]model.StatsSnapshot),
		logs:     make(map[string][]model.LogEntry),
		fail:     make(map[string]error),
		failOne:  make(map[string]error),
		nextID:   100,
		instance: "main",
	}
}

// AddGroup stores g, assigning an id and the default instance when absent.
func (f *FakeRegistry) AddGroup(g model.Group) model.Group {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(g)
}

func (f *FakeRegistry) addLocked(g model.Group) model.Group {
	if g.InstanceID == "" {
		g.InstanceID = f.instance
	}
	if g.ID == "" {
		f.nextID++
		g.ID = strconv.Itoa(f.nextID)
	}
	if g.Status == "" {
		g.Status = model.GroupStatusEnabled
	}
	key := g.Key()
	if _, exists := f.groups[key]; !exists {
		f.order = append(f.order, key)
	}
	f.groups[key] = g.Clone()
	return g.Clone()
}

// RemoveGroup deletes a group without recording a call.
func (f *FakeRegistry) RemoveGroup(key model.GroupKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(key)
}

func (f *FakeRegistry) removeLocked(key model.GroupKey) {
	delete(f.groups, key)
	delete(f.stats, key)
	for i, k := range f.order {
		if k == key {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// SetStats sets the snapshot returned by GetGroupStats for key.
func (f *FakeRegistry) SetStats(key model.GroupKey, s model.StatsSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.GroupID, s.InstanceID = key.GroupID, key.InstanceID
	f.stats[key] = s
}

// SetLogs sets the entries returned by GetLogs for a group name.
func (f *FakeRegistry) SetLogs(groupName string, entries []model.LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[groupName] = append([]model.LogEntry(nil), entries...)
}

// FailOn makes every call of method return err. A nil err clears it.
func (f *FakeRegistry) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, method)
		return
	}
	f.fail[method] = err
}

// FailOnGroup makes method return err for one group id only.
func (f *FakeRegistry) FailOnGroup(method, groupID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := method + "/" + groupID
	if err == nil {
		delete(f.failOne, k)
		return
	}
	f.failOne[k] = err
}

// SetHook installs a callback run at the start of every call, outside the
// fake's lock. Tests use it to block or count concurrent calls.
func (f *FakeRegistry) SetHook(hook func(method, groupID string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

// Calls returns the recorded calls of method, or all calls when method is "".
func (f *FakeRegistry) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how many times method was invoked.
func (f *FakeRegistry) CallCount(method string) int {
	return len(f.Calls(method))
}

// ResetCalls forgets recorded calls.
func (f *FakeRegistry) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Group returns the stored group.
func (f *FakeRegistry) Group(key model.GroupKey) (model.Group, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[key]
	return g.Clone(), ok
}

// GroupByName returns the first stored group with name.
func (f *FakeRegistry) GroupByName(name string) (model.Group, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.order {
		if g := f.groups[k]; g.Name == name {
			return g.Clone(), true
		}
	}
	return model.Group{}, false
}

// enter records the call and returns the injected error, if any.
func (f *FakeRegistry) enter(method, groupID, instanceID string, args any) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, GroupID: groupID, InstanceID: instanceID, Args: args})
	hook := f.hook
	err := f.fail[method]
	if err == nil {
		err = f.failOne[method+"/"+groupID]
	}
	f.mu.Unlock()
	if hook != nil {
		hook(method, groupID)
	}
	return err
}

func (f *FakeRegistry) ListGroups(ctx context.Context) ([]model.Group, error) {
	if err := f.enter(MethodListGroups, "", "", nil); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Group, 0, len(f.order))
	for _, k := range f.order {
		out = append(out, f.groups[k].Clone())
	}
	return out, nil
}

func (f *FakeRegistry) GetGroupStats(ctx context.Context, groupID, instanceID string) (model.StatsSnapshot, error) {
	if err := f.enter(MethodGetGroupStats, groupID, instanceID, nil); err != nil {
		return model.StatsSnapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := model.GroupKey{InstanceID: instanceID, GroupID: groupID}
	if _, ok := f.groups[key]; !ok {
		return model.StatsSnapshot{}, fmt.Errorf("%w: %s", registry.ErrGroupNotFound, key)
	}
	s, ok := f.stats[key]
	if !ok {
		return model.StatsSnapshot{GroupID: groupID, InstanceID: instanceID}, nil
	}
	return s, nil
}

func (f *FakeRegistry) GetGroupDetail(ctx context.Context, groupID, instanceID string) (model.Group, error) {
	if err := f.enter(MethodGetGroupDetail, groupID, instanceID, nil); err != nil {
		return model.Group{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[model.GroupKey{InstanceID: instanceID, GroupID: groupID}]
	if !ok {
		return model.Group{}, fmt.Errorf("%w: %s/%s", registry.ErrGroupNotFound, instanceID, groupID)
	}
	return g.Clone(), nil
}

func (f *FakeRegistry) CreateGroup(ctx context.Context, instanceID string, spec model.GroupSpec) (model.Group, error) {
	if err := f.enter(MethodCreateGroup, "", instanceID, spec); err != nil {
		return model.Group{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.order {
		if k.InstanceID == instanceID && f.groups[k].Name == spec.Name {
			return model.Group{}, &registry.APIError{Status: 409, Message: "group name already exists"}
		}
	}
	return f.addLocked(model.Group{
		InstanceID:         instanceID,
		Name:               spec.Name,
		Sort:               spec.Sort,
		Upstreams:          spec.Upstreams,
		ChannelType:        spec.ChannelType,
		TestModel:          spec.TestModel,
		ValidationEndpoint: spec.ValidationEndpoint,
		Tags:               spec.Tags,
		Config:             spec.Config,
	}), nil
}

func (f *FakeRegistry) UpdateGroup(ctx context.Context, groupID, instanceID string, update model.GroupUpdate) error {
	if err := f.enter(MethodUpdateGroup, groupID, instanceID, update); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := model.GroupKey{InstanceID: instanceID, GroupID: groupID}
	g, ok := f.groups[key]
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrGroupNotFound, key)
	}
	if update.Sort != nil {
		g.Sort = *update.Sort
	}
	if update.Upstreams != nil {
		g.Upstreams = append([]model.Upstream(nil), update.Upstreams...)
	}
	if update.Status != nil {
		g.Status = *update.Status
	}
	f.groups[key] = g
	return nil
}

func (f *FakeRegistry) DeleteGroup(ctx context.Context, groupID, instanceID string) error {
	if err := f.enter(MethodDeleteGroup, groupID, instanceID, nil); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(model.GroupKey{InstanceID: instanceID, GroupID: groupID})
	return nil
}

func (f *FakeRegistry) AddAPIKeys(ctx context.Context, instanceID, groupID string, keys []string) error {
	if err := f.enter(MethodAddAPIKeys, groupID, instanceID, append([]string(nil), keys...)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := model.GroupKey{InstanceID: instanceID, GroupID: groupID}
	s := f.stats[key]
	s.GroupID, s.InstanceID = groupID, instanceID
	s.KeyStats.TotalKeys += len(keys)
	s.KeyStats.ActiveKeys += len(keys)
	f.stats[key] = s
	return nil
}

func (f *FakeRegistry) ToggleKeyStatus(ctx context.Context, groupID, instanceID, status string) error {
	if err := f.enter(MethodToggleKeyStatus, groupID, instanceID, status); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := model.GroupKey{InstanceID: instanceID, GroupID: groupID}
	if _, ok := f.groups[key]; !ok {
		return fmt.Errorf("%w: %s", registry.ErrGroupNotFound, key)
	}
	s := f.stats[key]
	switch status {
	case model.KeyStatusActive:
		s.KeyStats.ActiveKeys += s.KeyStats.InvalidKeys
		s.KeyStats.InvalidKeys = 0
	case model.KeyStatusInvalid:
		s.KeyStats.InvalidKeys += s.KeyStats.ActiveKeys
		s.KeyStats.ActiveKeys = 0
	}
	f.stats[key] = s
	return nil
}

func (f *FakeRegistry) TriggerValidation(ctx context.Context, groupID, instanceID string) error {
	return f.enter(MethodTriggerValidation, groupID, instanceID, nil)
}

func (f *FakeRegistry) GetLogs(ctx context.Context, groupName, instanceID string, timeRangeHours int) ([]model.LogEntry, error) {
	if err := f.enter(MethodGetLogs, "", instanceID, groupName); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.LogEntry(nil), f.logs[groupName]...), nil
}

// Policy is a ModelPolicy that allows everything except the listed names.
type Policy struct {
	Denied map[string]bool
}

func (p Policy) IsModelAllowed(name string) bool {
	name = model.NormalizeModelName(name)
	return name != "" && !p.Denied[name]
}

func (p Policy) FilterModels(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if p.IsModelAllowed(n) {
			out = append(out, n)
		}
	}
	return out
}

// Directory is an InstanceDirectory over a single "main" instance.
func Directory() *registry.StaticDirectory {
	return registry.NewStaticDirectory([]registry.Instance{{ID: "main", Name: "main", URL: "http://registry.test"}})
}
