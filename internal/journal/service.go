package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Resinat/Ballast/internal/log"
)

// Service is the asynchronous journal writer. Record performs a
// non-blocking send and drops the event when the queue is full; a
// background goroutine flushes batches to the Store. A cron job prunes
// events older than the retention window.
type Service struct {
	store         *Store
	queue         chan Event
	batchSize     int
	interval      time.Duration
	retention     time.Duration
	pruneSchedule string
	dropped       atomic.Int64
	now           func() time.Time

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	cron    *cron.Cron
}

// ServiceConfig configures the journal service.
type ServiceConfig struct {
	Store         *Store
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
	Retention     time.Duration
	// PruneSchedule is a standard cron expression. Empty disables pruning.
	PruneSchedule string
}

// NewService creates a stopped journal service.
func NewService(cfg ServiceConfig) (*Service, error) {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 256
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if cfg.PruneSchedule != "" {
		if _, err := cron.ParseStandard(cfg.PruneSchedule); err != nil {
			return nil, fmt.Errorf("journal: prune schedule %q: %w", cfg.PruneSchedule, err)
		}
	}
	return &Service{
		store:         cfg.Store,
		queue:         make(chan Event, queueSize),
		batchSize:     batchSize,
		interval:      interval,
		retention:     cfg.Retention,
		pruneSchedule: cfg.PruneSchedule,
		now:           time.Now,
	}, nil
}

// Start launches the flush goroutine and the prune schedule.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.flushLoop(s.stopCh)

	if s.pruneSchedule != "" && s.retention > 0 {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(s.pruneSchedule, func() { s.PruneNow(context.Background()) }); err != nil {
			log.Warnf("[journal] invalid prune schedule %q: %v", s.pruneSchedule, err)
		}
		s.cron.Start()
	}
}

// Stop stops pruning, drains queued events to the store and returns.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.cron
	s.cron = nil
	close(s.stopCh)
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.wg.Wait()
}

// Emit enqueues an event, filling in its id and time when absent.
// Non-blocking; drops on overflow.
func (s *Service) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	select {
	case s.queue <- e:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Warnf("[journal] queue full, %d events dropped so far", n)
		}
	}
}

// Record builds an event with data marshalled as JSON and emits it.
func (s *Service) Record(kind, modelName, group, message string, data any) {
	e := Event{Kind: kind, Model: modelName, Group: group, Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			log.Warnf("[journal] marshal %s event: %v", kind, err)
		} else {
			e.Data = raw
		}
	}
	s.Emit(e)
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Service) Dropped() int64 { return s.dropped.Load() }

// Query lists stored events.
func (s *Service) Query(ctx context.Context, f Filter) (Page, error) {
	return s.store.List(ctx, f)
}

// PruneNow deletes events older than the retention window.
func (s *Service) PruneNow(ctx context.Context) int64 {
	if s.retention <= 0 {
		return 0
	}
	n, err := s.store.Prune(ctx, s.now().Add(-s.retention))
	if err != nil {
		log.Warnf("[journal] prune failed: %v", err)
		return 0
	}
	if n > 0 {
		log.Infof("[journal] pruned %d events older than %s", n, s.retention)
	}
	return n
}

func (s *Service) flushLoop(stopCh <-chan struct{}) {
	defer s.wg.Done()

	batch := make([]Event, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-stopCh:
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Service) drainAndFlush(batch []Event) {
	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Service) flush(events []Event) {
	if n, err := s.store.InsertBatch(context.Background(), events); err != nil {
		log.Warnf("[journal] flush %d events failed: %v", len(events), err)
	} else if n > 0 {
		log.Debugf("[journal] flushed %d events", n)
	}
}
