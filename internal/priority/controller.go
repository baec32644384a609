package priority

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/samber/lo"

	"github.com/Resinat/Ballast/internal/log"
	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/registry"
	"github.com/Resinat/Ballast/internal/scoring"
)

// StatsSource returns cached group statistics.
type StatsSource interface {
	Get(ctx context.Context, groupID, instanceID string) model.StatsSnapshot
}

// Topology is the part of the topology manager the controller needs.
type Topology interface {
	Models() []string
	Groups(modelName string) []model.Group
	ApplyPriority(key model.GroupKey, priority int) bool
}

// Adjustment is one persisted priority change.
type Adjustment struct {
	Model       string    `json:"model"`
	GroupID     string    `json:"group_id"`
	InstanceID  string    `json:"instance_id"`
	GroupName   string    `json:"group_name"`
	OldPriority int       `json:"old_priority"`
	NewPriority int       `json:"new_priority"`
	Score       int       `json:"score"`
	Reasons     []string  `json:"reasons"`
	Direction   string    `json:"direction"`
	At          time.Time `json:"at"`
}

// Direction values.
const (
	DirectionImproved = "improved"
	DirectionDegraded = "degraded"
)

// Summary reports one model's optimization run.
type Summary struct {
	Model        string       `json:"model"`
	TotalGroups  int          `json:"total_groups"`
	Adjusted     int          `json:"adjusted"`
	Improvements int          `json:"improvements"`
	Degradations int          `json:"degradations"`
	AverageScore float64      `json:"average_score"`
	Adjustments  []Adjustment `json:"adjustments"`
	Failed       []string     `json:"failed,omitempty"`
}

// Hooks are optional observers, called after the fact.
type Hooks struct {
	OnAdjust  func(Adjustment)
	OnSummary func(Summary)
}

// Controller runs priority optimization. Runs for the same model are
// serialized; runs for different models proceed in parallel.
type Controller struct {
	reg   registry.Registry
	topo  Topology
	stats StatsSource
	hooks Hooks
	locks *xsync.Map[string, *sync.Mutex]
	now   func() time.Time
}

// NewController creates a controller.
func NewController(reg registry.Registry, topo Topology, stats StatsSource, hooks Hooks) *Controller {
	return &Controller{
		reg:   reg,
		topo:  topo,
		stats: stats,
		hooks: hooks,
		locks: xsync.NewMap[string, *sync.Mutex](),
		now:   time.Now,
	}
}

func (c *Controller) lock(modelName string) func() {
	mu, _ := c.locks.LoadOrStore(modelName, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// Evaluate fetches statistics and scores for groups, in the given order.
func Evaluate(ctx context.Context, src StatsSource, groups []model.Group) []Input {
	return lo.Map(groups, func(g model.Group, _ int) Input {
		s := src.Get(ctx, g.ID, g.InstanceID)
		return Input{Group: g, Stats: s, Score: scoring.Score(s)}
	})
}

// OptimizeModel scores every group of a model and persists changed
// priorities. A failed write for one group is logged and left out of the
// summary counts.
func (c *Controller) OptimizeModel(ctx context.Context, modelName string) Summary {
	unlock := c.lock(modelName)
	defer unlock()

	groups := c.topo.Groups(modelName)
	summary := Summary{Model: modelName, TotalGroups: len(groups)}
	if len(groups) == 0 {
		return summary
	}
	inputs := Evaluate(ctx, c.stats, groups)
	summary.AverageScore = lo.SumBy(inputs, func(in Input) float64 { return float64(in.Score.Score) }) / float64(len(inputs))

	for _, d := range Plan(inputs) {
		if !d.Changed() {
			continue
		}
		adj, err := c.persist(ctx, modelName, d)
		if err != nil {
			log.Warnf("[priority] %s: update %s failed: %v", modelName, d.Input.Group.Name, err)
			summary.Failed = append(summary.Failed, d.Input.Group.Name)
			continue
		}
		summary.Adjusted++
		if adj.Direction == DirectionImproved {
			summary.Improvements++
		} else {
			summary.Degradations++
		}
		summary.Adjustments = append(summary.Adjustments, adj)
	}
	if summary.Adjusted > 0 || len(summary.Failed) > 0 {
		log.Infof("[priority] %s: groups=%d adjusted=%d improved=%d degraded=%d failed=%d avg_score=%.1f",
			modelName, summary.TotalGroups, summary.Adjusted, summary.Improvements, summary.Degradations,
			len(summary.Failed), summary.AverageScore)
	}
	if c.hooks.OnSummary != nil {
		c.hooks.OnSummary(summary)
	}
	return summary
}

// OptimizeAll runs OptimizeModel over every mapped model.
func (c *Controller) OptimizeAll(ctx context.Context) []Summary {
	var out []Summary
	for _, name := range c.topo.Models() {
		if ctx.Err() != nil {
			break
		}
		out = append(out, c.OptimizeModel(ctx, name))
	}
	return out
}

// AdjustGroup re-plans a single group of a model using fresh statistics.
// It returns nil when the priority does not change.
func (c *Controller) AdjustGroup(ctx context.Context, modelName string, key model.GroupKey) (*Adjustment, error) {
	unlock := c.lock(modelName)
	defer unlock()

	groups := c.topo.Groups(modelName)
	idx := -1
	for i, g := range groups {
		if g.Key() == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s in model %s", registry.ErrGroupNotFound, key, modelName)
	}
	target := Evaluate(ctx, c.stats, groups[idx:idx+1])[0]
	var prev *Input
	if idx > 0 {
		p := Evaluate(ctx, c.stats, groups[idx-1:idx])[0]
		prev = &p
	}
	d := PlanOne(target, prev)
	if !d.Changed() {
		return nil, nil
	}
	adj, err := c.persist(ctx, modelName, d)
	if err != nil {
		return nil, err
	}
	return &adj, nil
}

func (c *Controller) persist(ctx context.Context, modelName string, d Decision) (Adjustment, error) {
	g := d.Input.Group
	p := d.NewPriority
	if err := c.reg.UpdateGroup(ctx, g.ID, g.InstanceID, model.GroupUpdate{Sort: &p}); err != nil {
		return Adjustment{}, err
	}
	c.topo.ApplyPriority(g.Key(), p)
	dir := DirectionDegraded
	if d.Improved() {
		dir = DirectionImproved
	}
	adj := Adjustment{
		Model:       modelName,
		GroupID:     g.ID,
		InstanceID:  g.InstanceID,
		GroupName:   g.Name,
		OldPriority: d.OldPriority,
		NewPriority: d.NewPriority,
		Score:       d.Input.Score.Score,
		Reasons:     d.Reasons,
		Direction:   dir,
		At:          c.now(),
	}
	if c.hooks.OnAdjust != nil {
		c.hooks.OnAdjust(adj)
	}
	return adj, nil
}
