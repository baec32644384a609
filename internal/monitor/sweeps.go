package monitor

import (
	"context"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Resinat/Ballast/internal/log"
	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/modelmatch"
	"github.com/Resinat/Ballast/internal/recovery"
	"github.com/Resinat/Ballast/internal/scoring"
	"github.com/Resinat/Ballast/internal/weight"
)

// validationScore is the score below which a degradation triggers
// validation of the whole model.
const validationScore = 40

// RunFullOptimize runs the priority controller over every model.
func (m *Monitor) RunFullOptimize(ctx context.Context) SweepSummary {
	started := m.now()
	summaries := m.prio.OptimizeAll(ctx)
	counts := map[string]int{"models": len(summaries)}
	var adjusted, failed []string
	for _, s := range summaries {
		counts["adjusted"] += s.Adjusted
		counts["failed"] += len(s.Failed)
		if s.Adjusted > 0 {
			adjusted = append(adjusted, s.Model)
		}
		if len(s.Failed) > 0 {
			failed = append(failed, s.Model)
		}
	}
	return m.finish(SweepOptimize, started, counts, map[string][]string{"adjusted": adjusted, "failed": failed})
}

// RunHealthCheck classifies every model and immediately optimizes those
// whose worst group is below the critical band or could not be fetched.
func (m *Monitor) RunHealthCheck(ctx context.Context) SweepSummary {
	started := m.now()
	statuses := m.CheckAll(ctx)
	var urgent []string
	for _, s := range statuses {
		if ctx.Err() != nil {
			break
		}
		if s.Urgent() {
			m.prio.OptimizeModel(ctx, s.Model)
			urgent = append(urgent, s.Model)
		}
	}
	counts, affected := classCounts(statuses)
	counts["optimized"] = len(urgent)
	affected["optimized"] = urgent
	return m.finish(SweepHealthCheck, started, counts, affected)
}

// RunSmartOptimize optimizes only models that are not healthy or await
// validation, and clears their validation flag.
func (m *Monitor) RunSmartOptimize(ctx context.Context) SweepSummary {
	started := m.now()
	statuses := m.CheckAll(ctx)
	var optimized []string
	for _, s := range statuses {
		if ctx.Err() != nil {
			break
		}
		if s.Health == model.ModelHealthy && !s.NeedsValidation {
			continue
		}
		m.prio.OptimizeModel(ctx, s.Model)
		m.needsValidation.Delete(s.Model)
		optimized = append(optimized, s.Model)
	}
	counts, affected := classCounts(statuses)
	counts["optimized"] = len(optimized)
	affected["optimized"] = optimized
	return m.finish(SweepSmart, started, counts, affected)
}

func classCounts(statuses []ModelStatus) (map[string]int, map[string][]string) {
	byHealth := lo.GroupBy(statuses, func(s ModelStatus) model.ModelHealth { return s.Health })
	names := func(h model.ModelHealth) []string {
		return lo.Map(byHealth[h], func(s ModelStatus, _ int) string { return s.Model })
	}
	counts := map[string]int{
		"models":   len(statuses),
		"healthy":  len(byHealth[model.ModelHealthy]),
		"warning":  len(byHealth[model.ModelWarning]),
		"degraded": len(byHealth[model.ModelDegraded]),
		"critical": len(byHealth[model.ModelCritical]),
	}
	affected := map[string][]string{
		"critical": names(model.ModelCritical),
		"degraded": names(model.ModelDegraded),
		"warning":  names(model.ModelWarning),
	}
	return counts, affected
}

// DetectStatusChanges compares every mapped group's score with the score
// seen by the previous run. A jump of at least the configured threshold
// re-plans that group's priority; a degradation that ends below 40 also
// requests validation of the whole model. A group shared by several models
// is handled once, under the first model in name order. Groups whose
// statistics could not be fetched keep their last score, and scores of
// groups that left the mapping are dropped.
func (m *Monitor) DetectStatusChanges(ctx context.Context) []StatusChange {
	started := m.now()
	seen := make(map[model.GroupKey]bool)
	validated := make(map[string]bool)
	var changes []StatusChange
	groups := 0
	for _, name := range m.topo.Models() {
		for _, g := range m.topo.Groups(name) {
			if ctx.Err() != nil {
				break
			}
			key := g.Key()
			if seen[key] {
				continue
			}
			seen[key] = true
			groups++

			snap := m.stats.Get(ctx, g.ID, g.InstanceID)
			if snap.Failed() {
				continue
			}
			cur := scoring.Score(snap).Score
			prev, ok := m.previous.Load(key)
			m.previous.Store(key, cur)
			if !ok || abs(cur-prev) < m.cfg.StatusChangeThreshold {
				continue
			}
			changes = append(changes, m.handleChange(ctx, name, g, prev, cur, validated))
		}
	}

	if ctx.Err() == nil {
		m.previous.Range(func(key model.GroupKey, _ int) bool {
			if !seen[key] {
				m.previous.Delete(key)
			}
			return true
		})
	}

	var improved, degraded []string
	for _, c := range changes {
		if c.Direction == ChangeImproved {
			improved = append(improved, c.GroupName)
		} else {
			degraded = append(degraded, c.GroupName)
		}
	}
	m.finish(SweepStatusChange, started,
		map[string]int{"groups": groups, "improved": len(improved), "degraded": len(degraded), "validated": len(validated)},
		map[string][]string{"improved": improved, "degraded": degraded})
	return changes
}

func (m *Monitor) handleChange(ctx context.Context, modelName string, g model.Group, prev, cur int, validated map[string]bool) StatusChange {
	change := StatusChange{
		ID:         uuid.New(),
		Model:      modelName,
		GroupID:    g.ID,
		InstanceID: g.InstanceID,
		GroupName:  g.Name,
		Previous:   prev,
		Current:    cur,
		Direction:  ChangeImproved,
		At:         m.now(),
	}
	if cur < prev {
		change.Direction = ChangeDegraded
	}
	adj, err := m.prio.AdjustGroup(ctx, modelName, g.Key())
	if err != nil {
		log.Warnf("[monitor] %s: adjust %s after %s: %v", modelName, g.Name, change.Direction, err)
	}
	change.Adjustment = adj

	if change.Direction == ChangeDegraded && cur < validationScore && !validated[modelName] {
		validated[modelName] = true
		m.ValidateModel(ctx, modelName)
		change.ValidationTriggered = true
	}
	if m.hooks.OnStatusChange != nil {
		m.hooks.OnStatusChange(change)
	}
	return change
}

// ValidateModel requests key validation for every group of a model and
// flags it for the next smart optimization. A validation already in
// progress counts as success.
func (m *Monitor) ValidateModel(ctx context.Context, modelName string) ValidationRequest {
	req := ValidationRequest{ID: uuid.New(), Model: modelName, At: m.now()}
	for _, g := range m.topo.Groups(modelName) {
		req.Groups = append(req.Groups, g.Name)
		if err := m.reg.TriggerValidation(ctx, g.ID, g.InstanceID); err != nil {
			log.Warnf("[monitor] %s: validate %s: %v", modelName, g.Name, err)
			req.Failed = append(req.Failed, g.Name)
		}
	}
	m.needsValidation.Store(modelName, req.At)
	if m.hooks.OnValidation != nil {
		m.hooks.OnValidation(req)
	}
	return req
}

// RunRecovery runs one recovery scheduler sweep.
func (m *Monitor) RunRecovery(ctx context.Context) []recovery.Outcome {
	started := m.now()
	outcomes := m.recovery.Sweep(ctx)
	counts := map[string]int{"attempts": len(outcomes)}
	affected := map[string][]string{}
	for _, o := range outcomes {
		counts[o.Result]++
		affected[o.Result] = append(affected[o.Result], o.GroupName)
	}
	m.finish(SweepRecovery, started, counts, affected)
	return outcomes
}

// AnalyzeLogs scans model-channel groups for failing hourly statistics and
// hands them to the recovery scheduler. For each newly scheduled
// combination the latest registry error message is attached to its history.
// It returns how many tickets were created.
func (m *Monitor) AnalyzeLogs(ctx context.Context) int {
	started := m.now()
	created, scanned, failing := 0, 0, 0
	var scheduled []string
	for _, g := range m.topo.ByLayer(model.LayerChannel) {
		if ctx.Err() != nil {
			break
		}
		models := m.topo.ModelsOf(g.Key())
		if len(models) == 0 {
			continue
		}
		scanned++
		s := m.stats.Get(ctx, g.ID, g.InstanceID)
		if s.Failed() || !recovery.Failing(s) {
			continue
		}
		failing++
		channel := modelmatch.ChannelName(g)
		for _, name := range models {
			if !m.recovery.Observe(name, channel, s) {
				continue
			}
			created++
			scheduled = append(scheduled, g.Name)
			if msg := m.lastError(ctx, g); msg != "" {
				m.recovery.NoteError(name, channel, msg)
			}
		}
	}
	m.finish(SweepLogAnalysis, started,
		map[string]int{"groups": scanned, "failing": failing, "scheduled": created},
		map[string][]string{"scheduled": scheduled})
	return created
}

// lastError returns the newest failure message in a group's last hour of
// request logs.
func (m *Monitor) lastError(ctx context.Context, g model.Group) string {
	entries, err := m.reg.GetLogs(ctx, g.Name, g.InstanceID, 1)
	if err != nil {
		log.Debugf("[monitor] logs for %s: %v", g.Name, err)
		return ""
	}
	failed := lo.Filter(entries, func(e model.LogEntry, _ int) bool { return !e.IsSuccess && e.ErrorMsg != "" })
	if len(failed) == 0 {
		return ""
	}
	return lo.MaxBy(failed, func(a, b model.LogEntry) bool { return a.Timestamp.After(b.Timestamp) }).ErrorMsg
}

// RunWeights runs one weight optimizer sweep.
func (m *Monitor) RunWeights(ctx context.Context) weight.Report {
	started := m.now()
	r := m.weights.Optimize(ctx)
	m.finish(SweepWeights, started,
		map[string]int{"groups": r.Groups, "updated": len(r.Updated), "unchanged": len(r.Unchanged), "failed": len(r.Failed)},
		map[string][]string{"updated": r.Updated, "failed": r.Failed})
	return r
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
