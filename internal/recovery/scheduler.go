// Package recovery schedules passive recovery attempts for failing
// (model, channel) combinations with bounded exponential backoff.
package recovery

import (
	"context"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/Resinat/Ballast/internal/log"
	"github.com/Resinat/Ballast/internal/model"
	"github.com/Resinat/Ballast/internal/modelmatch"
	"github.com/Resinat/Ballast/internal/registry"
)

const (
	// InitialDelay is how long a new ticket waits before its first attempt.
	InitialDelay = 5 * time.Minute
	// MaxDelay caps the backoff.
	MaxDelay     = time.Hour
	baseDelay    = time.Second

	failureRateThreshold = 0.5
	minRequests          = 5
)

// Delay is the backoff after retryCount failed attempts:
// min(1s * 2^retryCount, 1h).
func Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 12 {
		return MaxDelay
	}
	return min(baseDelay<<retryCount, MaxDelay)
}

// Key identifies a (model, channel) combination.
type Key struct {
	Model   string `json:"model"`
	Channel string `json:"channel"`
}

func (k Key) groupName() string {
	return modelmatch.ChannelGroupName(k.Model, k.Channel)
}

// Ticket is a scheduled recovery attempt.
type Ticket struct {
	Key
	NextRetryAt time.Time `json:"next_retry_at"`
	RetryCount  int       `json:"retry_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// FailureRecord is advisory failure history for a combination.
type FailureRecord struct {
	Key
	Count           int       `json:"count"`
	LastFailureAt   time.Time `json:"last_failure_at"`
	LastFailureRate float64   `json:"last_failure_rate"`
	LastError       string    `json:"last_error,omitempty"`
}

// Result values of an attempt.
const (
	ResultRecovered   = "recovered"
	ResultRescheduled = "rescheduled"
	ResultRemoved     = "removed"
	ResultBusy        = "busy"
	// ResultCancelled means the ticket was resolved or cleared elsewhere
	// before or during the attempt.
	ResultCancelled = "cancelled"
)

// Outcome describes one recovery attempt.
type Outcome struct {
	Key
	GroupName   string    `json:"group_name"`
	Result      string    `json:"result"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// GroupResolver looks groups up by registry name.
type GroupResolver interface {
	GroupByName(name string) (model.Group, bool)
}

// Scheduler owns recovery tickets and failure history.
type Scheduler struct {
	reg       registry.Registry
	groups    GroupResolver
	tickets   *xsync.Map[Key, Ticket]
	failures  *xsync.Map[Key, FailureRecord]
	inflight  *xsync.Map[Key, struct{}]
	now       func() time.Time
	onOutcome func(Outcome)
}

// NewScheduler creates an empty scheduler. onOutcome, if non-nil, observes
// every attempt.
func NewScheduler(reg registry.Registry, groups GroupResolver, onOutcome func(Outcome)) *Scheduler {
	return &Scheduler{
		reg:       reg,
		groups:    groups,
		tickets:   xsync.NewMap[Key, Ticket](),
		failures:  xsync.NewMap[Key, FailureRecord](),
		inflight:  xsync.NewMap[Key, struct{}](),
		now:       time.Now,
		onOutcome: onOutcome,
	}
}

// Failing reports whether hourly statistics qualify a channel for recovery.
func Failing(s model.StatsSnapshot) bool {
	h := s.Hourly()
	return h.FailureRate > failureRateThreshold && h.TotalRequests > minRequests
}

// Observe records a channel's statistics. A failing combination gets a
// failure record and, if it has none, a ticket due in InitialDelay. It
// reports whether a ticket was created.
func (s *Scheduler) Observe(modelName, channel string, stats model.StatsSnapshot) bool {
	if !Failing(stats) || channel == "" {
		return false
	}
	key := Key{Model: modelName, Channel: channel}
	now := s.now()
	s.failures.Compute(key, func(rec FailureRecord, _ bool) (FailureRecord, xsync.ComputeOp) {
		rec.Key = key
		rec.Count++
		rec.LastFailureAt = now
		rec.LastFailureRate = stats.Hourly().FailureRate
		return rec, xsync.UpdateOp
	})
	_, loaded := s.tickets.LoadOrStore(key, Ticket{
		Key:         key,
		NextRetryAt: now.Add(InitialDelay),
		CreatedAt:   now,
	})
	if !loaded {
		log.Infof("[recovery] scheduled %s via %s (failure rate %.0f%%)", modelName, channel, stats.Hourly().FailureRate*100)
	}
	return !loaded
}

// NoteError attaches the latest error message to a combination's history.
func (s *Scheduler) NoteError(modelName, channel, msg string) {
	key := Key{Model: modelName, Channel: channel}
	s.failures.Compute(key, func(rec FailureRecord, loaded bool) (FailureRecord, xsync.ComputeOp) {
		if !loaded {
			return rec, xsync.CancelOp
		}
		rec.LastError = msg
		return rec, xsync.UpdateOp
	})
}

// Sweep attempts every due ticket, in key order.
func (s *Scheduler) Sweep(ctx context.Context) []Outcome {
	now := s.now()
	var due []Key
	s.tickets.Range(func(k Key, t Ticket) bool {
		if !now.Before(t.NextRetryAt) {
			due = append(due, k)
		}
		return true
	})
	sortKeys(due)

	var out []Outcome
	counts := map[string]int{}
	for _, k := range due {
		if ctx.Err() != nil {
			break
		}
		o := s.attempt(ctx, k)
		counts[o.Result]++
		out = append(out, o)
	}
	if len(due) > 0 {
		log.Infof("[recovery] sweep: due=%d recovered=%d rescheduled=%d removed=%d busy=%d cancelled=%d",
			len(due), counts[ResultRecovered], counts[ResultRescheduled], counts[ResultRemoved], counts[ResultBusy],
			counts[ResultCancelled])
	}
	return out
}

// Trigger runs an attempt immediately for one combination, creating its
// ticket if none exists.
func (s *Scheduler) Trigger(ctx context.Context, modelName, channel string) Outcome {
	key := Key{Model: model.NormalizeModelName(modelName), Channel: channel}
	now := s.now()
	s.tickets.LoadOrStore(key, Ticket{Key: key, NextRetryAt: now, CreatedAt: now})
	return s.attempt(ctx, key)
}

func (s *Scheduler) attempt(ctx context.Context, key Key) Outcome {
	out := Outcome{Key: key, GroupName: key.groupName()}
	if _, busy := s.inflight.LoadOrStore(key, struct{}{}); busy {
		out.Result = ResultBusy
		return out
	}
	defer s.inflight.Delete(key)

	if _, ok := s.tickets.Load(key); !ok {
		out.Result = ResultCancelled
		return out
	}

	finish := func(o Outcome) Outcome {
		if s.onOutcome != nil {
			s.onOutcome(o)
		}
		return o
	}

	g, ok := s.groups.GroupByName(out.GroupName)
	if !ok {
		s.forget(key)
		out.Result = ResultRemoved
		out.Error = "group not found"
		log.Infof("[recovery] %s no longer exists, ticket removed", out.GroupName)
		return finish(out)
	}
	if _, err := s.reg.GetGroupDetail(ctx, g.ID, g.InstanceID); err != nil {
		if registry.IsNotFound(err) {
			s.forget(key)
			out.Result = ResultRemoved
			out.Error = err.Error()
			return finish(out)
		}
		return finish(s.reschedule(key, out, err))
	}
	stats, err := s.reg.GetGroupStats(ctx, g.ID, g.InstanceID)
	if err != nil {
		return finish(s.reschedule(key, out, err))
	}
	if stats.KeyStats.InvalidKeys > 0 {
		if err := s.reg.ToggleKeyStatus(ctx, g.ID, g.InstanceID, model.KeyStatusActive); err != nil {
			return finish(s.reschedule(key, out, err))
		}
		s.tickets.Delete(key)
		out.Result = ResultRecovered
		log.Infof("[recovery] %s: restored %d invalid keys", out.GroupName, stats.KeyStats.InvalidKeys)
		return finish(out)
	}
	return finish(s.reschedule(key, out, nil))
}

func (s *Scheduler) reschedule(key Key, out Outcome, cause error) Outcome {
	now := s.now()
	t, ok := s.tickets.Compute(key, func(t Ticket, loaded bool) (Ticket, xsync.ComputeOp) {
		if !loaded {
			return t, xsync.CancelOp
		}
		t.NextRetryAt = now.Add(Delay(t.RetryCount))
		t.RetryCount++
		return t, xsync.UpdateOp
	})
	if !ok {
		out.Result = ResultCancelled
		return out
	}
	out.Result = ResultRescheduled
	out.RetryCount = t.RetryCount
	out.NextRetryAt = t.NextRetryAt
	if cause != nil {
		out.Error = cause.Error()
	}
	return out
}

// forget removes the ticket and the failure history of a combination.
func (s *Scheduler) forget(key Key) {
	s.tickets.Delete(key)
	s.failures.Delete(key)
}

// Tickets returns every ticket ordered by key.
func (s *Scheduler) Tickets() []Ticket {
	var out []Ticket
	s.tickets.Range(func(_ Key, t Ticket) bool {
		out = append(out, t)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return less(out[i].Key, out[j].Key) })
	return out
}

// Ticket returns one ticket.
func (s *Scheduler) Ticket(modelName, channel string) (Ticket, bool) {
	return s.tickets.Load(Key{Model: modelName, Channel: channel})
}

// Failures returns the failure history ordered by key.
func (s *Scheduler) Failures() []FailureRecord {
	var out []FailureRecord
	s.failures.Range(func(_ Key, r FailureRecord) bool {
		out = append(out, r)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return less(out[i].Key, out[j].Key) })
	return out
}

// Clear drops all tickets and history.
func (s *Scheduler) Clear() {
	s.tickets.Clear()
	s.failures.Clear()
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
}

func less(a, b Key) bool {
	if a.Model != b.Model {
		return a.Model < b.Model
	}
	return a.Channel < b.Channel
}
