package store

import (
	"testing"
	"time"

	"github.com/machina-io/machina/pkg/model"
)

func testEvent(id, instanceID string, before, after string, ts time.Time) *PersistedEvent {
	return &PersistedEvent{
		ID:            id,
		InstanceID:    instanceID,
		MachineName:   "Order",
		ComponentName: "OrderCo",
		Event:         model.Event{Type: "FILL", Payload: map[string]interface{}{"qty": float64(100)}},
		StateBefore:   before,
		StateAfter:    after,
		Timestamp:     ts,
	}
}

func TestMemoryStore_EventsOrdered(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()

	if err := s.Append(testEvent("e1", "i1", "A", "B", base)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(testEvent("e2", "i1", "B", "C", base.Add(time.Millisecond))); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Same timestamp as e1 but another instance: must not appear for i1.
	if err := s.Append(testEvent("e3", "i2", "A", "B", base)); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.EventsForInstance("i1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != "e1" || events[1].ID != "e2" {
		t.Errorf("wrong order: %s, %s", events[0].ID, events[1].ID)
	}
	if events[0].Sequence >= events[1].Sequence {
		t.Error("sequence numbers not increasing")
	}
}

func TestMemoryStore_EventByID(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Append(testEvent("e1", "i1", "A", "B", time.Now())); err != nil {
		t.Fatalf("append: %v", err)
	}

	e, err := s.EventByID("e1")
	if err != nil {
		t.Fatalf("byID: %v", err)
	}
	if e.StateAfter != "B" {
		t.Errorf("wrong event: %+v", e)
	}
	if _, err := s.EventByID("missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_EventsInRange(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now()
	s.Append(testEvent("e1", "i1", "A", "B", base))
	s.Append(testEvent("e2", "i1", "B", "C", base.Add(time.Hour)))

	events, err := s.EventsInRange(base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(events) != 1 || events[0].ID != "e1" {
		t.Errorf("expected only e1, got %v", events)
	}
}

func TestMemoryStore_Snapshots(t *testing.T) {
	s := NewMemoryStore()

	snap := &InstanceSnapshot{
		Instance: InstanceRecord{
			ID:            "i1",
			ComponentName: "OrderCo",
			MachineName:   "Order",
			CurrentState:  "Pending",
			Context:       map[string]interface{}{"orderId": "O1"},
			Status:        StatusActive,
		},
		LastEventID:  "e1",
		LastEventSeq: 1,
		TakenAt:      time.Now(),
	}
	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Snapshot("i1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Instance.CurrentState != "Pending" || got.LastEventID != "e1" {
		t.Errorf("wrong snapshot: %+v", got)
	}

	// Overwrite replaces.
	snap2 := *snap
	snap2.Instance.CurrentState = "Done"
	if err := s.SaveSnapshot(&snap2); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ = s.Snapshot("i1")
	if got.Instance.CurrentState != "Done" {
		t.Errorf("snapshot not overwritten: %+v", got)
	}

	ids, err := s.ListInstanceIDs()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "i1" {
		t.Errorf("wrong ids: %v", ids)
	}

	if _, err := s.Snapshot("missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileEventStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileEventStore(DefaultFileLogConfig(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.Append(testEvent("e1", "i1", "A", "B", base)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(testEvent("e2", "i1", "B", "C", base.Add(time.Millisecond))); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen: recovery rebuilds the index from segments.
	s2, err := NewFileEventStore(DefaultFileLogConfig(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	events, err := s2.EventsForInstance("i1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 recovered events, got %d", len(events))
	}
	if events[0].ID != "e1" || events[1].ID != "e2" {
		t.Errorf("wrong order after recovery: %s, %s", events[0].ID, events[1].ID)
	}

	// Appends continue with increasing sequence after recovery.
	e3 := testEvent("e3", "i1", "C", "D", base.Add(2*time.Millisecond))
	if err := s2.Append(e3); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	if e3.Sequence <= events[1].Sequence {
		t.Errorf("sequence did not advance past recovered events: %d <= %d", e3.Sequence, events[1].Sequence)
	}
}

func TestFileEventStore_Rotation(t *testing.T) {
	cfg := DefaultFileLogConfig(t.TempDir())
	cfg.MaxSegmentBytes = 256 // force rotation quickly

	s, err := NewFileEventStore(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	base := time.Now()
	for i := 0; i < 20; i++ {
		if err := s.Append(testEvent(
			"e"+string(rune('a'+i)), "i1", "A", "B", base.Add(time.Duration(i)*time.Millisecond))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	segs, err := listLogSegments(cfg.Dir)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(segs) < 2 {
		t.Errorf("expected rotation to create multiple segments, got %d", len(segs))
	}

	events, _ := s.EventsForInstance("i1")
	if len(events) != 20 {
		t.Errorf("expected 20 events, got %d", len(events))
	}
}

func TestFileSnapshotStore(t *testing.T) {
	s, err := NewFileSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	snap := &InstanceSnapshot{
		Instance: InstanceRecord{ID: "i1", CurrentState: "Pending", Status: StatusActive},
		TakenAt:  time.Now(),
	}
	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Snapshot("i1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Instance.CurrentState != "Pending" {
		t.Errorf("wrong snapshot: %+v", got)
	}

	ids, _ := s.ListInstanceIDs()
	if len(ids) != 1 {
		t.Errorf("wrong ids: %v", ids)
	}
}

func TestPoolConfigValidation(t *testing.T) {
	if _, err := NewPool(PoolConfig{}); err == nil {
		t.Error("empty config accepted")
	}
	if _, err := NewPool(PoolConfig{DSN: "x"}); err == nil {
		t.Error("missing driver accepted")
	}
	cfg := DefaultPoolConfig("x", "sqlite3")
	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	if _, err := NewPool(cfg); err == nil {
		t.Error("idle > open accepted")
	}
}
