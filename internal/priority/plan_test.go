package priority

import (
	"testing"

	"github.com/Resinat/Ballast/internal/model"
)

func input(name string, sort, score int, ks model.KeyStats, hourly *model.WindowStats) Input {
	return Input{
		Group: model.Group{ID: name, InstanceID: "main", Name: name, Sort: sort},
		Stats: model.StatsSnapshot{KeyStats: ks, HourlyStats: hourly},
		Score: model.ScoreResult{Score: score},
	}
}

func TestPlan_ExcellentGroupImproves(t *testing.T) {
	d := Plan([]Input{input("a", 10, 85, model.KeyStats{ActiveKeys: 5, TotalKeys: 10}, nil)})[0]
	if d.NewPriority > 9 {
		t.Fatalf("priority: got %d, want <= 9", d.NewPriority)
	}
}

func TestPlan_Bands(t *testing.T) {
	half := model.KeyStats{ActiveKeys: 5, TotalKeys: 10}
	cases := []struct {
		name string
		in   Input
		want int
	}{
		{"good above 10 improves by one", input("g", 30, 65, half, nil), 29},
		{"good at 10 holds", input("g", 10, 65, half, nil), 10},
		{"fair degrades", input("f", 30, 45, half, nil), 31},
		{"fair low degrades more", input("f", 30, 40, half, nil), 32},
		{"poor degrades ten", input("p", 30, 25, half, nil), 40},
		{"critical is forced but bounded", input("c", 50, 10, half, nil), 60},
		{"no active keys is forced but bounded", input("k", 5, 0, model.KeyStats{TotalKeys: 5, InvalidKeys: 5}, nil), 15},
		{"failing hour adds three", input("h", 30, 65, half, &model.WindowStats{TotalRequests: 50, FailureRate: 0.3}), 32},
		{"clean busy hour improves", input("v", 30, 65, half, &model.WindowStats{TotalRequests: 200, FailureRate: 0.001}), 27},
		{"key shortage capped at 90", input("s", 88, 65, model.KeyStats{ActiveKeys: 2, TotalKeys: 10}, nil), 90},
		{"key surplus improves", input("r", 30, 65, model.KeyStats{ActiveKeys: 9, TotalKeys: 10}, nil), 28},
		{"floor at 1", input("x", 1, 100, model.KeyStats{ActiveKeys: 9, TotalKeys: 10}, nil), 1},
	}
	for _, tc := range cases {
		d := Plan([]Input{tc.in})[0]
		if d.NewPriority != tc.want {
			t.Errorf("%s: got %d, want %d (reasons %v)", tc.name, d.NewPriority, tc.want, d.Reasons)
		}
	}
}

func TestPlan_AntiClustering(t *testing.T) {
	decisions := Plan([]Input{
		input("b", 11, 70, model.KeyStats{ActiveKeys: 5, TotalKeys: 10}, nil),
		input("a", 10, 85, model.KeyStats{ActiveKeys: 10, TotalKeys: 10}, nil),
	})
	if decisions[0].Input.Group.Name != "a" {
		t.Fatalf("plan order: got %s first, want a", decisions[0].Input.Group.Name)
	}
	if decisions[0].NewPriority != 8 {
		t.Fatalf("a: got %d, want 8", decisions[0].NewPriority)
	}
	if decisions[1].NewPriority != 12 {
		t.Fatalf("b: got %d, want 12 (pushed away from a)", decisions[1].NewPriority)
	}
}

func TestPlan_BoundedForEveryCycle(t *testing.T) {
	keys := []model.KeyStats{
		{},
		{ActiveKeys: 0, TotalKeys: 4, InvalidKeys: 4},
		{ActiveKeys: 1, TotalKeys: 10},
		{ActiveKeys: 5, TotalKeys: 10},
		{ActiveKeys: 10, TotalKeys: 10},
	}
	hours := []*model.WindowStats{
		nil,
		{TotalRequests: 500, FailureRate: 0.001},
		{TotalRequests: 50, FailureRate: 0.5},
	}
	for prio := model.MinPriority; prio <= model.MaxPriority; prio++ {
		for score := 0; score <= 100; score += 5 {
			for _, ks := range keys {
				for _, h := range hours {
					prev := input("prev", prio, 100, model.KeyStats{ActiveKeys: 1, TotalKeys: 1}, nil)
					d := Plan([]Input{prev, input("g", prio, score, ks, h)})[1]
					if d.NewPriority < model.MinPriority || d.NewPriority > model.MaxPriority {
						t.Fatalf("priority %d out of range (prio=%d score=%d)", d.NewPriority, prio, score)
					}
					if diff := d.NewPriority - d.OldPriority; diff > MaxStep || diff < -MaxStep {
						t.Fatalf("step %d exceeds bound (prio=%d score=%d ks=%+v)", diff, prio, score, ks)
					}
				}
			}
		}
	}
}

func TestPlan_FailedStatsHoldPriority(t *testing.T) {
	in := input("a", 12, 0, model.KeyStats{}, &model.WindowStats{FailureRate: 1})
	in.Stats.Error = "stats: registry unavailable"
	d := Plan([]Input{in})[0]
	if d.Changed() || d.NewPriority != 12 {
		t.Fatalf("failed fetch moved priority: %+v", d)
	}
}
