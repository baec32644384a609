// Package monitor runs the health control loop: independently scheduled
// sweeps that score groups, drive the priority controller, tune aggregate
// weights and feed the recovery scheduler.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"

	"github.com/Resinat/Ballast/internal/log"
	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/priority"
	"github.com/Resinat/Ballast/internal/recovery"
	"github.com/Resinat/Ballast/internal/scanloop"
	"github.com/Resinat/Ballast/internal/weight"
)

// Sweep names.
const (
	SweepOptimize     = "optimize"
	SweepHealthCheck  = "health-check"
	SweepSmart        = "smart-optimize"
	SweepStatusChange = "status-change"
	SweepRecovery     = "recovery"
	SweepLogAnalysis  = "log-analysis"
	SweepWeights      = "weights"
)

// Config holds the sweep cadences.
type Config struct {
	OptimizeInterval      time.Duration
	HealthCheckInterval   time.Duration
	SmartOptimizeInterval time.Duration
	StatusChangeInterval  time.Duration
	RecoveryInterval      time.Duration
	LogAnalysisInterval   time.Duration
	// WeightSchedule is a cron expression, e.g. "@every 24h".
	WeightSchedule        string
	StatusChangeThreshold int
}

// DefaultConfig returns the standard cadences.
func DefaultConfig() Config {
	return Config{
		OptimizeInterval:      5 * time.Minute,
		HealthCheckInterval:   10 * time.Minute,
		SmartOptimizeInterval: 15 * time.Minute,
		StatusChangeInterval:  2 * time.Minute,
		RecoveryInterval:      5 * time.Minute,
		LogAnalysisInterval:   time.Minute,
		WeightSchedule:        "@every 24h",
		StatusChangeThreshold: 20,
	}
}

// Registry is the part of the group registry the monitor calls directly.
type Registry interface {
	TriggerValidation(ctx context.Context, groupID, instanceID string) error
	GetLogs(ctx context.Context, groupName, instanceID string, timeRangeHours int) ([]model.LogEntry, error)
}

// Topology exposes the current group mapping.
type Topology interface {
	Models() []string
	Groups(modelName string) []model.Group
	ByLayer(layer model.Layer) []model.Group
	ModelsOf(key model.GroupKey) []string
}

// StatsSource returns cached statistics.
type StatsSource interface {
	Get(ctx context.Context, groupID, instanceID string) model.StatsSnapshot
	Clear()
}

// Prioritizer runs priority optimization.
type Prioritizer interface {
	OptimizeAll(ctx context.Context) []priority.Summary
	OptimizeModel(ctx context.Context, modelName string) priority.Summary
	AdjustGroup(ctx context.Context, modelName string, key model.GroupKey) (*priority.Adjustment, error)
}

// WeightOptimizer tunes aggregate upstream weights.
type WeightOptimizer interface {
	Optimize(ctx context.Context) weight.Report
	Clear()
}

// Recovery is the recovery scheduler.
type Recovery interface {
	Observe(modelName, channel string, stats model.StatsSnapshot) bool
	NoteError(modelName, channel, msg string)
	Sweep(ctx context.Context) []recovery.Outcome
	Clear()
}

// Deps are the monitor's collaborators.
type Deps struct {
	Registry Registry
	Topology Topology
	Stats    StatsSource
	Priority Prioritizer
	Weights  WeightOptimizer
	Recovery Recovery
}

// Direction values of a status change.
const (
	ChangeImproved = "improved"
	ChangeDegraded = "degraded"
)

// StatusChange is a score jump detected between two status-change sweeps.
type StatusChange struct {
	ID                  uuid.UUID            `json:"id"`
	Model               string               `json:"model"`
	GroupID             string               `json:"group_id"`
	InstanceID          string               `json:"instance_id"`
	GroupName           string               `json:"group_name"`
	Previous            int                  `json:"previous"`
	Current             int                  `json:"current"`
	Direction           string               `json:"direction"`
	Adjustment          *priority.Adjustment `json:"adjustment,omitempty"`
	ValidationTriggered bool                 `json:"validation_triggered"`
	At                  time.Time            `json:"at"`
}

// ValidationRequest records a model-wide validation trigger.
type ValidationRequest struct {
	ID     uuid.UUID `json:"id"`
	Model  string    `json:"model"`
	Groups []string  `json:"groups"`
	Failed []string  `json:"failed,omitempty"`
	At     time.Time `json:"at"`
}

// SweepSummary is the aggregate result of one sweep run.
type SweepSummary struct {
	ID       uuid.UUID           `json:"id"`
	Sweep    string              `json:"sweep"`
	Counts   map[string]int      `json:"counts"`
	Affected map[string][]string `json:"affected,omitempty"`
	Duration time.Duration       `json:"duration"`
	At       time.Time           `json:"at"`
}

// Hooks observe monitor activity. All are optional.
type Hooks struct {
	OnStatusChange func(StatusChange)
	OnValidation   func(ValidationRequest)
	OnSweep        func(SweepSummary)
}

// Monitor owns the sweep schedule and the state shared between sweeps.
type Monitor struct {
	cfg      Config
	reg      Registry
	topo     Topology
	stats    StatsSource
	prio     Prioritizer
	weights  WeightOptimizer
	recovery Recovery
	hooks    Hooks

	previous        *xsync.Map[model.GroupKey, int]
	needsValidation *xsync.Map[string, time.Time]
	health          *xsync.Map[string, ModelStatus]

	mu         sync.Mutex
	tasks      []*scanloop.Task
	cron       *cron.Cron
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	now        func() time.Time
}

// New validates cfg and creates a stopped monitor.
func New(cfg Config, deps Deps, hooks Hooks) (*Monitor, error) {
	def := DefaultConfig()
	if cfg.StatusChangeThreshold <= 0 {
		cfg.StatusChangeThreshold = def.StatusChangeThreshold
	}
	if cfg.WeightSchedule == "" {
		cfg.WeightSchedule = def.WeightSchedule
	}
	if _, err := cron.ParseStandard(cfg.WeightSchedule); err != nil {
		return nil, fmt.Errorf("monitor: weight schedule %q: %w", cfg.WeightSchedule, err)
	}
	return &Monitor{
		cfg:             cfg,
		reg:             deps.Registry,
		topo:            deps.Topology,
		stats:           deps.Stats,
		prio:            deps.Priority,
		weights:         deps.Weights,
		recovery:        deps.Recovery,
		hooks:           hooks,
		previous:        xsync.NewMap[model.GroupKey, int](),
		needsValidation: xsync.NewMap[string, time.Time](),
		health:          xsync.NewMap[string, ModelStatus](),
		now:             time.Now,
	}, nil
}

// Start launches every sweep. Calling Start twice is a no-op.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}
	m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())

	c := cron.New()
	if _, err := c.AddFunc(m.cfg.WeightSchedule, func() { m.RunWeights(m.lifeCtx) }); err != nil {
		m.lifeCancel()
		return fmt.Errorf("monitor: schedule weights: %w", err)
	}
	m.cron = c

	m.tasks = []*scanloop.Task{
		m.task(SweepOptimize, m.cfg.OptimizeInterval, func(ctx context.Context) { m.RunFullOptimize(ctx) }),
		m.task(SweepHealthCheck, m.cfg.HealthCheckInterval, func(ctx context.Context) { m.RunHealthCheck(ctx) }),
		m.task(SweepSmart, m.cfg.SmartOptimizeInterval, func(ctx context.Context) { m.RunSmartOptimize(ctx) }),
		m.task(SweepStatusChange, m.cfg.StatusChangeInterval, func(ctx context.Context) { m.DetectStatusChanges(ctx) }),
		m.task(SweepRecovery, m.cfg.RecoveryInterval, func(ctx context.Context) { m.RunRecovery(ctx) }),
		m.task(SweepLogAnalysis, m.cfg.LogAnalysisInterval, func(ctx context.Context) { m.AnalyzeLogs(ctx) }),
	}
	for _, t := range m.tasks {
		t.Start()
	}
	c.Start()
	log.Infof("[monitor] started: optimize=%s health=%s smart=%s status=%s recovery=%s logs=%s weights=%q",
		m.cfg.OptimizeInterval, m.cfg.HealthCheckInterval, m.cfg.SmartOptimizeInterval,
		m.cfg.StatusChangeInterval, m.cfg.RecoveryInterval, m.cfg.LogAnalysisInterval, m.cfg.WeightSchedule)
	return nil
}

func (m *Monitor) task(name string, interval time.Duration, fn func(context.Context)) *scanloop.Task {
	return &scanloop.Task{Name: name, Interval: interval, Fn: fn}
}

// Stop cancels every sweep, waits for running ones to return and clears
// all in-memory state: previous scores, validation flags, recorded health,
// the stats cache, the weight cache and the recovery tickets.
func (m *Monitor) Stop() {
	m.mu.Lock()
	tasks, c, cancel := m.tasks, m.cron, m.lifeCancel
	m.tasks, m.cron, m.lifeCancel = nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, t := range tasks {
		t.Stop()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	m.Clear()
	log.Infof("[monitor] stopped")
}

// Clear drops all state held by the monitor and its caches.
func (m *Monitor) Clear() {
	m.previous.Clear()
	m.needsValidation.Clear()
	m.health.Clear()
	if m.stats != nil {
		m.stats.Clear()
	}
	if m.weights != nil {
		m.weights.Clear()
	}
	if m.recovery != nil {
		m.recovery.Clear()
	}
}

// NeedsValidation reports whether a model awaits its next smart optimization
// after a validation request.
func (m *Monitor) NeedsValidation(modelName string) bool {
	_, ok := m.needsValidation.Load(modelName)
	return ok
}

// PreviousScore returns the score a group had at the last status-change sweep.
func (m *Monitor) PreviousScore(key model.GroupKey) (int, bool) {
	return m.previous.Load(key)
}

// finish logs one aggregate line for a sweep and reports it.
func (m *Monitor) finish(sweep string, started time.Time, counts map[string]int, affected map[string][]string) SweepSummary {
	for k, v := range affected {
		if len(v) == 0 {
			delete(affected, k)
		}
	}
	s := SweepSummary{
		ID:       uuid.New(),
		Sweep:    sweep,
		Counts:   counts,
		Affected: affected,
		Duration: m.now().Sub(started),
		At:       m.now(),
	}
	log.Infof("[monitor] %s: %s", sweep, formatSummary(counts, affected))
	if m.hooks.OnSweep != nil {
		m.hooks.OnSweep(s)
	}
	return s
}

func formatSummary(counts map[string]int, affected map[string][]string) string {
	var parts []string
	keys := lo.Keys(counts)
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	keys = lo.Keys(affected)
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=[%s]", k, strings.Join(affected[k], ",")))
	}
	return strings.Join(parts, " ")
}
