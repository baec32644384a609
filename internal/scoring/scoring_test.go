package scoring

import (
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/Resinat/Ballast/internal/model"
)

func snapshot(active, total, invalid int, hourly, daily, weekly *model.WindowStats) model.StatsSnapshot {
	return model.StatsSnapshot{
		GroupID:     "1",
		InstanceID:  "main",
		KeyStats:    model.KeyStats{ActiveKeys: active, TotalKeys: total, InvalidKeys: invalid},
		HourlyStats: hourly,
		DailyStats:  daily,
		WeeklyStats: weekly,
	}
}

func TestScore_AllKeysInvalid(t *testing.T) {
	res := Score(snapshot(0, 5, 5, nil, nil, nil))
	if res.Score != 0 {
		t.Fatalf("score: got %d, want 0", res.Score)
	}
	if res.HealthLevel != model.HealthCritical {
		t.Fatalf("level: got %q, want critical", res.HealthLevel)
	}
	if !slices.Contains(res.Recommendations, RecNoActiveKeys) {
		t.Fatalf("recommendations missing key-unavailable message: %v", res.Recommendations)
	}
}

func TestScore_HealthyBusyGroup(t *testing.T) {
	res := Score(snapshot(10, 10, 0,
		&model.WindowStats{TotalRequests: 200, FailedRequests: 2, FailureRate: 0.01}, nil, nil))
	if res.Score < 90 {
		t.Fatalf("score: got %d, want >= 90", res.Score)
	}
	if res.HealthLevel != model.HealthExcellent {
		t.Fatalf("level: got %q, want excellent", res.HealthLevel)
	}
	if !reflect.DeepEqual(res.Recommendations, []string{RecExcellent}) {
		t.Fatalf("recommendations: got %v", res.Recommendations)
	}
}

func TestScore_ZeroKeysIsZero(t *testing.T) {
	busy := &model.WindowStats{TotalRequests: 5000, FailureRate: 0}
	for _, s := range []model.StatsSnapshot{
		snapshot(0, 0, 0, busy, busy, busy),
		snapshot(0, 3, 0, busy, busy, busy),
		model.EmptyStats(model.GroupKey{InstanceID: "main", GroupID: "1"}, time.Unix(0, 0), "timeout"),
	} {
		if got := Score(s).Score; got != 0 {
			t.Fatalf("Score(%+v): got %d, want 0", s.KeyStats, got)
		}
	}
}

func TestScore_FetchErrorIsExplained(t *testing.T) {
	res := Score(model.EmptyStats(model.GroupKey{GroupID: "1"}, time.Unix(0, 0), "connection refused"))
	if len(res.Factors) == 0 || res.Factors[0].Factor != FactorFetch {
		t.Fatalf("factors: got %+v", res.Factors)
	}
}

func TestScore_BoundedAndDeterministic(t *testing.T) {
	windows := []*model.WindowStats{
		nil,
		{TotalRequests: 0},
		{TotalRequests: 3, FailedRequests: 3, FailureRate: 1},
		{TotalRequests: 50, FailedRequests: 10, FailureRate: 0.2},
		{TotalRequests: 5000, FailedRequests: 5, FailureRate: 0.001},
		{TotalRequests: 100, FailureRate: 1.7},
	}
	keys := [][3]int{{0, 0, 0}, {1, 1, 0}, {3, 10, 7}, {10, 10, 0}, {12, 10, 0}, {5, 10, 20}}
	for _, k := range keys {
		for _, h := range windows {
			for _, d := range windows {
				for _, w := range windows {
					s := snapshot(k[0], k[1], k[2], h, d, w)
					a := Score(s)
					b := Score(s)
					if a.Score < 0 || a.Score > 100 {
						t.Fatalf("score out of range: %d for %+v", a.Score, s)
					}
					if !reflect.DeepEqual(a, b) {
						t.Fatalf("non-deterministic result for %+v: %+v vs %+v", s, a, b)
					}
				}
			}
		}
	}
}

func TestScore_TrendFactor(t *testing.T) {
	hourly := &model.WindowStats{TotalRequests: 100, FailureRate: 0.05}
	improving := Score(snapshot(10, 10, 0, hourly,
		&model.WindowStats{TotalRequests: 500, FailureRate: 0.02},
		&model.WindowStats{TotalRequests: 3000, FailureRate: 0.05}))
	degrading := Score(snapshot(10, 10, 0, hourly,
		&model.WindowStats{TotalRequests: 500, FailureRate: 0.08},
		&model.WindowStats{TotalRequests: 3000, FailureRate: 0.05}))
	if improving.Score <= degrading.Score {
		t.Fatalf("improving trend should score higher: %d vs %d", improving.Score, degrading.Score)
	}
	if !slices.Contains(degrading.Recommendations, RecDegrading) {
		t.Fatalf("degrading trend recommendation missing: %v", degrading.Recommendations)
	}
}

func TestScore_Recommendations(t *testing.T) {
	res := Score(snapshot(2, 10, 1,
		&model.WindowStats{TotalRequests: 5, FailedRequests: 2, FailureRate: 0.4},
		&model.WindowStats{TotalRequests: 40, FailureRate: 0.15}, nil))
	for _, want := range []string{RecKeyShortage, RecHourlyUnstable, RecLowConfidence, RecDailyUnstable} {
		if !slices.Contains(res.Recommendations, want) {
			t.Errorf("missing recommendation %q in %v", want, res.Recommendations)
		}
	}
}

func TestLevelOf(t *testing.T) {
	cases := []struct {
		score int
		want  model.HealthLevel
	}{
		{100, model.HealthExcellent},
		{80, model.HealthExcellent},
		{79, model.HealthGood},
		{60, model.HealthGood},
		{59, model.HealthFair},
		{40, model.HealthFair},
		{39, model.HealthPoor},
		{20, model.HealthPoor},
		{19, model.HealthCritical},
		{0, model.HealthCritical},
	}
	for _, tc := range cases {
		if got := LevelOf(tc.score); got != tc.want {
			t.Errorf("LevelOf(%d): got %q, want %q", tc.score, got, tc.want)
		}
	}
}
