// Package priority computes bounded routing-priority adjustments from group
// health scores and persists them to the registry.
package priority

import (
	"fmt"
	"sort"

	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/scoring"
)

// MaxStep bounds the total priority change applied to one group per cycle.
const MaxStep = 10

// keyShortageCap is the worst priority a key-shortage penalty alone can push to.
const keyShortageCap = 90

// Input is one group with its latest statistics and score.
type Input struct {
	Group model.Group
	Stats model.StatsSnapshot
	Score model.ScoreResult
}

// Decision is the planned priority of one group.
type Decision struct {
	Input       Input
	OldPriority int
	NewPriority int
	Reasons     []string
}

// Changed reports whether the decision needs a registry write.
func (d Decision) Changed() bool { return d.NewPriority != d.OldPriority }

// Improved reports whether the group moves towards the front.
func (d Decision) Improved() bool { return d.NewPriority < d.OldPriority }

// SortInputs orders inputs by current priority, then name, then instance.
func SortInputs(inputs []Input) {
	sort.SliceStable(inputs, func(i, j int) bool {
		a, b := inputs[i].Group, inputs[j].Group
		if a.Sort != b.Sort {
			return a.Sort < b.Sort
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.InstanceID < b.InstanceID
	})
}

// Plan computes new priorities for one model's groups. Inputs are visited in
// ascending current priority; each decision sees the previous one for the
// anti-clustering rule. Plan is pure.
func Plan(inputs []Input) []Decision {
	sorted := append([]Input(nil), inputs...)
	SortInputs(sorted)
	out := make([]Decision, 0, len(sorted))
	var prev *Decision
	for _, in := range sorted {
		d := decide(in, prev)
		out = append(out, d)
		prev = &out[len(out)-1]
	}
	return out
}

// PlanOne computes the decision for a single group. prev, when non-nil, is
// the group immediately ahead of it in the current ordering.
func PlanOne(in Input, prev *Input) Decision {
	if prev == nil {
		return decide(in, nil)
	}
	p := Decision{Input: *prev, OldPriority: prev.Group.Sort, NewPriority: prev.Group.Sort}
	return decide(in, &p)
}

func decide(in Input, prev *Decision) Decision {
	cur := in.Group.Sort
	if in.Stats.Failed() {
		return Decision{
			Input:       in,
			OldPriority: cur,
			NewPriority: cur,
			Reasons:     []string{"statistics unavailable: hold"},
		}
	}
	score := in.Score.Score
	var (
		delta   int
		forced  bool
		reasons []string
	)

	switch {
	case score >= scoring.ExcellentScore:
		step := max(1, (score-70)/10)
		delta -= step
		reasons = append(reasons, fmt.Sprintf("score %d excellent: improve %d", score, step))
	case score >= scoring.GoodScore:
		if cur > 10 {
			delta--
			reasons = append(reasons, fmt.Sprintf("score %d good: improve 1", score))
		}
	case score >= scoring.FairScore:
		step := max(1, (60-score)/10)
		delta += step
		reasons = append(reasons, fmt.Sprintf("score %d fair: degrade %d", score, step))
	case score >= scoring.PoorScore:
		delta += 10
		reasons = append(reasons, fmt.Sprintf("score %d poor: degrade 10", score))
	default:
		forced = true
		reasons = append(reasons, fmt.Sprintf("score %d critical: force to %d", score, model.MaxPriority))
	}

	hourly := in.Stats.Hourly()
	if hourly.FailureRate > 0.2 {
		delta += 3
		reasons = append(reasons, fmt.Sprintf("hourly failure rate %.1f%%: degrade 3", hourly.FailureRate*100))
	} else if hourly.FailureRate < 0.01 && hourly.TotalRequests > 10 {
		delta--
		reasons = append(reasons, "hourly failure rate below 1%: improve 1")
	}

	if hourly.TotalRequests > 100 && hourly.FailureRate < 0.05 {
		delta--
		reasons = append(reasons, fmt.Sprintf("%d requests at low failure rate: improve 1", hourly.TotalRequests))
	}

	ks := in.Stats.KeyStats
	if ks.ActiveKeys <= 0 {
		forced = true
		reasons = append(reasons, "no active keys: force to 99")
	} else if ks.TotalKeys > 0 {
		ratio := float64(ks.ActiveKeys) / float64(ks.TotalKeys)
		switch {
		case ratio < 0.3:
			if cur+delta < keyShortageCap {
				delta = min(delta+5, keyShortageCap-cur)
			}
			reasons = append(reasons, fmt.Sprintf("active key ratio %.0f%%: degrade 5", ratio*100))
		case ratio > 0.8:
			delta--
			reasons = append(reasons, fmt.Sprintf("active key ratio %.0f%%: improve 1", ratio*100))
		}
	}

	if forced {
		delta = model.MaxPriority - cur
	}

	if prev != nil {
		candidate := cur + delta
		if abs(candidate-prev.NewPriority) <= 2 && score < prev.Input.Score.Score {
			delta += 2
			reasons = append(reasons, fmt.Sprintf("within 2 of %s with lower score: degrade 2", prev.Input.Group.Name))
		}
	}

	if delta > MaxStep {
		delta = MaxStep
	} else if delta < -MaxStep {
		delta = -MaxStep
	}
	next := min(max(cur+delta, model.MinPriority), model.MaxPriority)

	return Decision{
		Input:       in,
		OldPriority: cur,
		NewPriority: next,
		Reasons:     reasons,
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
