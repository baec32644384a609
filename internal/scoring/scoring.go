// Package scoring turns a group's passively collected statistics into a
// 0-100 health score with an explanation. Everything here is pure.
package scoring

import (
	"fmt"
	"math"

	"github.com/Resinat/Ballast/internal/model"
)

// Factor names reported in ScoreResult.Factors.
const (
	FactorKeyHealth = "key_health"
	FactorHourly    = "hourly_performance"
	FactorDaily     = "daily_performance"
	FactorTrend     = "trend"
	FactorFetch     = "fetch_error"
)

// Thresholds shared with the priority controller and the monitor.
const (
	ExcellentScore = 80
	GoodScore      = 60
	FairScore      = 40
	PoorScore      = 20
)

// Recommendation texts. Exported so callers and tests can match on them.
const (
	RecNoActiveKeys   = "URGENT: no API keys are available for this group; add or restore keys immediately"
	RecKeyShortage    = "Key shortage: fewer than half of the configured keys are active"
	RecHourlyUnstable = "Stability warning: more than 20% of requests failed in the last hour"
	RecLowConfidence  = "Low traffic in the last hour; the score is based on limited data"
	RecDailyUnstable  = "Daily failure rate above 10%; watch upstream stability"
	RecDegrading      = "Failure rate is trending up versus the weekly baseline; schedule maintenance"
	RecExcellent      = "Group is performing excellently"
	RecGood           = "Group is healthy"
	RecFair           = "Group performance is fair; consider adding keys or checking upstreams"
	RecPoor           = "Group performance is poor; investigate upstream errors"
	RecCritical       = "Group is critical; routing will avoid it until it recovers"
)

// Score computes the health score of one group. Identical input always
// yields identical output.
func Score(stats model.StatsSnapshot) model.ScoreResult {
	var factors []model.ScoreFactor
	if stats.Failed() {
		factors = append(factors, model.ScoreFactor{
			Factor:   FactorFetch,
			SubScore: 0,
			Details:  stats.Error,
		})
	}

	ks := stats.KeyStats
	score := 100.0
	stopped := false

	if ks.TotalKeys <= 0 {
		factors = append(factors, model.ScoreFactor{
			Factor:   FactorKeyHealth,
			SubScore: 0,
			Details:  "no keys configured",
		})
		score = 0
		stopped = true
	} else {
		activeRatio := ratio(ks.ActiveKeys, ks.TotalKeys)
		invalidRatio := ratio(ks.InvalidKeys, ks.TotalKeys)
		keyScore := activeRatio * (1 - invalidRatio*0.5)
		factors = append(factors, model.ScoreFactor{
			Factor:   FactorKeyHealth,
			SubScore: keyScore,
			Details:  fmt.Sprintf("%d/%d keys active, %d invalid", ks.ActiveKeys, ks.TotalKeys, ks.InvalidKeys),
		})
		score *= keyScore
		if ks.ActiveKeys <= 0 {
			score = 0
			stopped = true
		}
	}

	if !stopped {
		if h := stats.HourlyStats; h != nil && h.TotalRequests > 0 {
			volume := math.Min(float64(h.TotalRequests)/100, 1)
			hourlyScore := h.SuccessRate() * (0.7 + 0.3*volume)
			score *= 0.7 + 0.3*hourlyScore
			factors = append(factors, model.ScoreFactor{
				Factor:   FactorHourly,
				SubScore: hourlyScore,
				Details:  fmt.Sprintf("%d requests, %.1f%% failed", h.TotalRequests, h.FailureRate*100),
			})
		}

		if d := stats.DailyStats; d != nil && d.TotalRequests > 0 {
			dailyScore := d.SuccessRate()
			if d.TotalRequests > 1000 {
				dailyScore *= 1.1
			}
			score *= 0.8 + 0.2*math.Min(dailyScore, 1)
			factors = append(factors, model.ScoreFactor{
				Factor:   FactorDaily,
				SubScore: math.Min(dailyScore, 1),
				Details:  fmt.Sprintf("%d requests, %.1f%% failed", d.TotalRequests, d.FailureRate*100),
			})
		}

		if trend, ok := trendFactor(stats); ok {
			score *= trend
			details := "stable or improving versus weekly baseline"
			if trend < 1 {
				details = "degrading versus weekly baseline"
			}
			factors = append(factors, model.ScoreFactor{
				Factor:   FactorTrend,
				SubScore: trend,
				Details:  details,
			})
		}
	}

	final := int(math.Round(clamp(score, 0, 100)))
	level := LevelOf(final)
	return model.ScoreResult{
		Score:           final,
		HealthLevel:     level,
		Factors:         factors,
		Recommendations: recommendations(stats, level),
	}
}

// LevelOf buckets a score into a health level.
func LevelOf(score int) model.HealthLevel {
	switch {
	case score >= ExcellentScore:
		return model.HealthExcellent
	case score >= GoodScore:
		return model.HealthGood
	case score >= FairScore:
		return model.HealthFair
	case score >= PoorScore:
		return model.HealthPoor
	default:
		return model.HealthCritical
	}
}

// trendFactor compares daily against weekly failure rate. It needs both
// windows to be reported.
func trendFactor(stats model.StatsSnapshot) (float64, bool) {
	if stats.DailyStats == nil || stats.WeeklyStats == nil {
		return 0, false
	}
	if stats.DailyStats.FailureRate <= stats.WeeklyStats.FailureRate {
		return 1.05, true
	}
	return 0.95, true
}

func recommendations(stats model.StatsSnapshot, level model.HealthLevel) []string {
	var recs []string
	ks := stats.KeyStats
	if ks.ActiveKeys <= 0 {
		recs = append(recs, RecNoActiveKeys)
	} else if ratio(ks.ActiveKeys, ks.TotalKeys) < 0.5 {
		recs = append(recs, RecKeyShortage)
	}
	hourly := stats.Hourly()
	if hourly.FailureRate > 0.2 && hourly.TotalRequests > 0 {
		recs = append(recs, RecHourlyUnstable)
	}
	if hourly.TotalRequests < 10 && ks.ActiveKeys > 0 {
		recs = append(recs, RecLowConfidence)
	}
	if stats.DailyStats != nil && stats.DailyStats.FailureRate > 0.1 {
		recs = append(recs, RecDailyUnstable)
	}
	if trend, ok := trendFactor(stats); ok && trend < 1 {
		recs = append(recs, RecDegrading)
	}
	if len(recs) > 0 {
		return recs
	}
	switch level {
	case model.HealthExcellent:
		return []string{RecExcellent}
	case model.HealthGood:
		return []string{RecGood}
	case model.HealthFair:
		return []string{RecFair}
	case model.HealthPoor:
		return []string{RecPoor}
	default:
		return []string{RecCritical}
	}
}

func ratio(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
