package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenStore_MigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		store, err := OpenStore(dir)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("close #%d: %v", i+1, err)
		}
	}
}

func TestStore_InsertListFilterPaginate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var events []Event
	for i := 0; i < 5; i++ {
		events = append(events, Event{
			ID:      fmt.Sprintf("p-%d", i),
			At:      base.Add(time.Duration(i) * time.Minute),
			Kind:    KindPriority,
			Model:   "gpt-4o",
			Group:   "gpt-4o-via-a",
			Message: "priority 10 -> 9",
			Data:    json.RawMessage(`{"old":10,"new":9}`),
		})
	}
	events = append(events, Event{ID: "w-0", At: base, Kind: KindWeight, Model: "claude-3-5-sonnet"})
	events = append(events, events[0]) // duplicate id is ignored

	n, err := store.InsertBatch(ctx, events)
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if n != 6 {
		t.Fatalf("inserted: got %d, want 6", n)
	}

	page, err := store.List(ctx, Filter{Kind: KindPriority, Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 5 || len(page.Items) != 2 {
		t.Fatalf("page: total=%d items=%d", page.Total, len(page.Items))
	}
	if page.Items[0].ID != "p-3" || page.Items[1].ID != "p-2" {
		t.Fatalf("order: %s, %s", page.Items[0].ID, page.Items[1].ID)
	}
	if string(page.Items[0].Data) != `{"old":10,"new":9}` {
		t.Fatalf("data: %s", page.Items[0].Data)
	}

	page, err = store.List(ctx, Filter{Model: "claude-3-5-sonnet"})
	if err != nil || page.Total != 1 || page.Items[0].Kind != KindWeight || page.Items[0].Data != nil {
		t.Fatalf("model filter: %+v err=%v", page, err)
	}

	page, err = store.List(ctx, Filter{Since: base.Add(3 * time.Minute)})
	if err != nil || page.Total != 2 {
		t.Fatalf("since filter: %+v err=%v", page, err)
	}
}

func TestStore_Prune(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	if _, err := store.InsertBatch(ctx, []Event{
		{ID: "old", At: now.Add(-48 * time.Hour), Kind: KindSweep},
		{ID: "new", At: now, Kind: KindSweep},
	}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	n, err := store.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Prune: n=%d err=%v", n, err)
	}
	page, _ := store.List(ctx, Filter{})
	if page.Total != 1 || page.Items[0].ID != "new" {
		t.Fatalf("remaining: %+v", page.Items)
	}
}

func TestService_StopDrainsQueue(t *testing.T) {
	store := openTestStore(t)
	svc, err := NewService(ServiceConfig{Store: store, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.Start()
	svc.Record(KindStatusChange, "gpt-4o", "gpt-4o-via-a", "score 92 -> 15", map[string]int{"previous": 92, "current": 15})
	svc.Emit(Event{Kind: KindRecovery, Model: "gpt-4o", Message: "recovered"})
	svc.Stop()

	page, err := svc.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("stored: got %d, want 2", page.Total)
	}
	for _, e := range page.Items {
		if e.ID == "" || e.At.IsZero() {
			t.Fatalf("id and time must be filled in: %+v", e)
		}
	}
	svc.Stop()
}

func TestService_DropsOnOverflow(t *testing.T) {
	store := openTestStore(t)
	svc, err := NewService(ServiceConfig{Store: store, QueueSize: 1})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	for i := 0; i < 3; i++ {
		svc.Emit(Event{Kind: KindSweep})
	}
	if svc.Dropped() != 2 {
		t.Fatalf("dropped: got %d, want 2", svc.Dropped())
	}
}

func TestService_PruneNowUsesRetention(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if _, err := store.InsertBatch(context.Background(), []Event{
		{ID: "a", At: now.Add(-31 * 24 * time.Hour), Kind: KindSweep},
		{ID: "b", At: now.Add(-time.Hour), Kind: KindSweep},
	}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	svc, err := NewService(ServiceConfig{Store: store, Retention: 720 * time.Hour, PruneSchedule: "0 3 * * *"})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	svc.now = func() time.Time { return now }
	if n := svc.PruneNow(context.Background()); n != 1 {
		t.Fatalf("pruned: got %d, want 1", n)
	}
}

func TestNewService_RejectsBadSchedule(t *testing.T) {
	if _, err := NewService(ServiceConfig{PruneSchedule: "nightly"}); err == nil {
		t.Fatal("expected a schedule error")
	}
}
