package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/Resinat/Ballast/internal/journal"
	"github.com/Resinat/Ballast/internal/log"
	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/monitor"
	"github.com/Resinat/Ballast/internal/priority"
	"github.com/Resinat/Ballast/internal/recovery"
)

func (a *ballastApp) recordAdjustment(adj priority.Adjustment) {
	msg := fmt.Sprintf("priority %d -> %d (score %d)", adj.OldPriority, adj.NewPriority, adj.Score)
	a.journal.Record(journal.KindPriority, adj.Model, adj.GroupName, msg, adj)
}

func (a *ballastApp) recordWeights(g model.Group, ups []model.Upstream) {
	weights := lo.Map(ups, func(u model.Upstream, _ int) string {
		return fmt.Sprintf("%s=%d", u.URL, u.Weight)
	})
	modelName := ""
	if models := a.topo.ModelsOf(g.Key()); len(models) > 0 {
		modelName = models[0]
	}
	a.journal.Record(journal.KindWeight, modelName, g.Name, "weights "+strings.Join(weights, ", "), ups)
}

func (a *ballastApp) recordRecovery(o recovery.Outcome) {
	msg := o.Result
	if o.Error != "" {
		msg += ": " + o.Error
	}
	if o.Result == recovery.ResultRecovered {
		log.Infof("[recovery] %s recovered after %d retries", o.GroupName, o.RetryCount)
	}
	a.journal.Record(journal.KindRecovery, o.Model, o.GroupName, msg, o)
}

func (a *ballastApp) recordStatusChange(sc monitor.StatusChange) {
	msg := fmt.Sprintf("score %d -> %d (%s)", sc.Previous, sc.Current, sc.Direction)
	a.journal.Record(journal.KindStatusChange, sc.Model, sc.GroupName, msg, sc)
}

func (a *ballastApp) recordValidation(vr monitor.ValidationRequest) {
	msg := fmt.Sprintf("validated %d groups, %d failed", len(vr.Groups), len(vr.Failed))
	a.journal.Record(journal.KindValidation, vr.Model, "", msg, vr)
}

func (a *ballastApp) recordSweep(s monitor.SweepSummary) {
	if len(s.Counts) == 0 {
		return
	}
	keys := lo.Keys(s.Counts)
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, s.Counts[k]))
	}
	a.journal.Record(journal.KindSweep, "", "", s.Sweep+": "+strings.Join(parts, " "), s)
}
