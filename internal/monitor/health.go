package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/priority"
)

// Per-group score bands used for model classification.
const (
	HealthyBand  = 60
	CriticalBand = 20
)

// GroupHealth is one group's score inside a model status.
type GroupHealth struct {
	GroupID    string            `json:"group_id"`
	InstanceID string            `json:"instance_id"`
	Name       string            `json:"name"`
	Priority   int               `json:"priority"`
	Layer      string            `json:"layer"`
	Score      model.ScoreResult `json:"score"`
	Error      string            `json:"error,omitempty"`
}

// Errored reports whether the group's statistics could not be fetched.
func (g GroupHealth) Errored() bool { return g.Error != "" }

// ModelStatus is the classified health of one model.
type ModelStatus struct {
	Model           string            `json:"model"`
	Health          model.ModelHealth `json:"health"`
	Healthy         int               `json:"healthy"`
	Degraded        int               `json:"degraded"`
	Critical        int               `json:"critical"`
	WorstScore      int               `json:"worst_score"`
	Errored         bool              `json:"errored"`
	NeedsValidation bool              `json:"needs_validation"`
	Groups          []GroupHealth     `json:"groups"`
	CheckedAt       time.Time         `json:"checked_at"`
}

// Urgent reports whether the model needs an immediate priority run.
func (s ModelStatus) Urgent() bool {
	return s.Errored || (len(s.Groups) > 0 && s.WorstScore < CriticalBand)
}

// ClassifyModel derives a model's overall health from its group scores:
// critical if any group is below 20 or errored, degraded if degraded groups
// outnumber healthy ones, warning if none is healthy, healthy otherwise.
func ClassifyModel(groups []GroupHealth) model.ModelHealth {
	healthy, degraded, critical := countBands(groups)
	switch {
	case critical > 0:
		return model.ModelCritical
	case degraded > healthy:
		return model.ModelDegraded
	case healthy == 0:
		return model.ModelWarning
	default:
		return model.ModelHealthy
	}
}

func countBands(groups []GroupHealth) (healthy, degraded, critical int) {
	for _, g := range groups {
		switch {
		case g.Errored() || g.Score.Score < CriticalBand:
			critical++
		case g.Score.Score < HealthyBand:
			degraded++
		default:
			healthy++
		}
	}
	return healthy, degraded, critical
}

func groupHealth(in priority.Input) GroupHealth {
	return GroupHealth{
		GroupID:    in.Group.ID,
		InstanceID: in.Group.InstanceID,
		Name:       in.Group.Name,
		Priority:   in.Group.Priority(),
		Layer:      in.Group.Layer().String(),
		Score:      in.Score,
		Error:      in.Stats.Error,
	}
}

// CheckModel scores every group of a model and records the classification.
func (m *Monitor) CheckModel(ctx context.Context, modelName string) ModelStatus {
	inputs := priority.Evaluate(ctx, m.stats, m.topo.Groups(modelName))
	groups := lo.Map(inputs, func(in priority.Input, _ int) GroupHealth { return groupHealth(in) })
	healthy, degraded, critical := countBands(groups)
	status := ModelStatus{
		Model:     modelName,
		Health:    ClassifyModel(groups),
		Healthy:   healthy,
		Degraded:  degraded,
		Critical:  critical,
		Groups:    groups,
		CheckedAt: m.now(),
	}
	if len(groups) > 0 {
		status.WorstScore = lo.MinBy(groups, func(a, b GroupHealth) bool { return a.Score.Score < b.Score.Score }).Score.Score
		status.Errored = lo.SomeBy(groups, GroupHealth.Errored)
	}
	_, status.NeedsValidation = m.needsValidation.Load(modelName)
	m.health.Store(modelName, status)
	return status
}

// CheckAll classifies every mapped model.
func (m *Monitor) CheckAll(ctx context.Context) []ModelStatus {
	var out []ModelStatus
	for _, name := range m.topo.Models() {
		if ctx.Err() != nil {
			break
		}
		out = append(out, m.CheckModel(ctx, name))
	}
	return out
}

// Status returns the last recorded classification of a model.
func (m *Monitor) Status(modelName string) (ModelStatus, bool) {
	return m.health.Load(modelName)
}

// Statuses returns the last recorded classification of every model, by name.
func (m *Monitor) Statuses() []ModelStatus {
	var out []ModelStatus
	m.health.Range(func(_ string, s ModelStatus) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}
