// Package persistence coordinates the EventStore and SnapshotStore:
// durable transition appends, snapshot cadence, restore and timeout
// resynchronization.
package persistence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/machina-io/machina/pkg/core"
	"github.com/machina-io/machina/pkg/model"
	"github.com/machina-io/machina/pkg/store"
)

// Config controls what gets persisted and how often snapshots are cut.
type Config struct {
	// EventSourcing enables the append-only transition log.
	EventSourcing bool

	// Snapshots enables periodic snapshots.
	Snapshots bool

	// SnapshotInterval is the number of persisted transitions between
	// snapshots. Terminal states snapshot regardless of the counter.
	SnapshotInterval int
}

// DefaultConfig enables event sourcing and snapshots every 50
// transitions.
func DefaultConfig() Config {
	return Config{
		EventSourcing:    true,
		Snapshots:        true,
		SnapshotInterval: 50,
	}
}

// RestoreTarget is the slice of a runtime the restore path needs.
type RestoreTarget interface {
	ComponentName() string
	ComponentModel() *model.Component
	Adopt(rec store.InstanceRecord, enteredStateAt time.Time) error
}

// TimeoutResyncer re-arms or fires timeout transitions after restore.
type TimeoutResyncer interface {
	ResyncTimeouts() (synced, expired int)
}

// RestoreResult reports restore counts.
type RestoreResult struct {
	Restored int
	Failed   int
}

// Manager coordinates event and snapshot writes for one deployment.
// Safe for concurrent use by multiple runtimes.
type Manager struct {
	cfg       Config
	events    store.EventStore
	snapshots store.SnapshotStore

	mu     sync.Mutex
	counts map[string]int
	seq    uint64

	logger core.Logger
}

// NewManager validates the configuration and wires the stores.
func NewManager(cfg Config, events store.EventStore, snapshots store.SnapshotStore, logger core.Logger) (*Manager, error) {
	if cfg.EventSourcing && events == nil {
		return nil, errors.New("persistence: event sourcing enabled but no event store")
	}
	if cfg.Snapshots && snapshots == nil {
		return nil, errors.New("persistence: snapshots enabled but no snapshot store")
	}
	if cfg.Snapshots && cfg.SnapshotInterval <= 0 {
		return nil, errors.New("persistence: snapshot interval must be positive")
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &Manager{
		cfg:       cfg,
		events:    events,
		snapshots: snapshots,
		counts:    make(map[string]int),
		logger:    logger,
	}, nil
}

// RecordCreation appends the creation event and writes the initial
// snapshot, guaranteeing every instance has a restore base.
func (m *Manager) RecordCreation(rec *store.InstanceRecord, event *store.PersistedEvent) error {
	if m.cfg.EventSourcing {
		m.stamp(event)
		if err := m.events.Append(event); err != nil {
			return fmt.Errorf("persistence: append creation: %w", err)
		}
	}
	if m.cfg.Snapshots {
		return m.snapshot(rec, event)
	}
	return nil
}

// RecordTransition appends the event (durable before return) and cuts
// a snapshot when the instance hit a terminal state or the cadence
// counter rolled over. A nil event appends nothing and leaves the
// counter alone, so it snapshots only when terminal is set.
func (m *Manager) RecordTransition(rec *store.InstanceRecord, event *store.PersistedEvent, terminal bool) error {
	due := terminal
	if event != nil {
		if m.cfg.EventSourcing {
			m.stamp(event)
			if err := m.events.Append(event); err != nil {
				return fmt.Errorf("persistence: append: %w", err)
			}
		}
		m.mu.Lock()
		m.counts[rec.ID]++
		if m.cfg.Snapshots && m.counts[rec.ID]%m.cfg.SnapshotInterval == 0 {
			due = true
		}
		m.mu.Unlock()
	}

	if due && m.cfg.Snapshots {
		return m.snapshot(rec, event)
	}
	return nil
}

// SnapshotNow writes a snapshot on explicit request.
func (m *Manager) SnapshotNow(rec *store.InstanceRecord) error {
	if !m.cfg.Snapshots {
		return errors.New("persistence: snapshots disabled")
	}
	return m.snapshot(rec, nil)
}

func (m *Manager) stamp(event *store.PersistedEvent) {
	m.mu.Lock()
	m.seq++
	event.Sequence = m.seq
	m.mu.Unlock()
}

func (m *Manager) snapshot(rec *store.InstanceRecord, event *store.PersistedEvent) error {
	snap := &store.InstanceSnapshot{
		Instance: *rec,
		TakenAt:  time.Now(),
	}
	if event != nil {
		snap.LastEventID = event.ID
		snap.LastEventSeq = event.Sequence
	}
	if err := m.snapshots.SaveSnapshot(snap); err != nil {
		return fmt.Errorf("persistence: snapshot: %w", err)
	}
	return nil
}

// Restore rebuilds a runtime's instance map: for each instance with a
// snapshot, load the latest snapshot and replay every later event as a
// pure state transition (no hooks, no cascades, no timers). Instances
// that terminated cleanly before shutdown stay deallocated unless they
// are the entry point.
func (m *Manager) Restore(target RestoreTarget) (RestoreResult, error) {
	var result RestoreResult
	if m.snapshots == nil {
		return result, errors.New("persistence: no snapshot store")
	}

	ids, err := m.snapshots.ListInstanceIDs()
	if err != nil {
		return result, fmt.Errorf("persistence: list snapshots: %w", err)
	}

	component := target.ComponentModel()
	for _, id := range ids {
		snap, err := m.snapshots.Snapshot(id)
		if err != nil {
			m.logger.Errorf("restore %s: load snapshot: %v", id, err)
			result.Failed++
			continue
		}
		rec := snap.Instance
		if rec.ComponentName != target.ComponentName() {
			continue
		}
		machine := component.Machine(rec.MachineName)
		if machine == nil {
			m.logger.Errorf("restore %s: unknown machine %s", id, rec.MachineName)
			result.Failed++
			continue
		}

		enteredAt := snap.TakenAt
		replayed := 0
		if m.events != nil {
			events, err := m.events.EventsForInstance(id)
			if err != nil {
				m.logger.Errorf("restore %s: load events: %v", id, err)
				result.Failed++
				continue
			}
			for _, e := range events {
				if e.Sequence <= snap.LastEventSeq {
					continue
				}
				applyEvent(machine, &rec, e)
				enteredAt = e.Timestamp
				replayed++
			}
			m.mu.Lock()
			m.counts[id] = len(events)
			m.mu.Unlock()
		}

		if rec.Status != store.StatusActive && !rec.IsEntryPoint {
			// Terminated before shutdown; stays deallocated.
			continue
		}

		if err := target.Adopt(rec, enteredAt); err != nil {
			m.logger.Errorf("restore %s: adopt: %v", id, err)
			result.Failed++
			continue
		}
		m.logger.Infof("restored instance %s in state %s (%d events replayed)", id, rec.CurrentState, replayed)
		result.Restored++
	}
	return result, nil
}

// applyEvent applies one persisted event as a pure state transition.
func applyEvent(machine *model.StateMachine, rec *store.InstanceRecord, e *store.PersistedEvent) {
	rec.UpdatedAt = e.Timestamp
	if e.StateAfter == "" || e.StateAfter == rec.CurrentState {
		return
	}
	if e.StateAfter == errorSentinel {
		rec.Status = store.StatusError
		return
	}
	rec.CurrentState = e.StateAfter
	if s := machine.State(e.StateAfter); s != nil {
		switch s.Kind {
		case model.StateKindFinal:
			rec.Status = store.StatusCompleted
		case model.StateKindError:
			rec.Status = store.StatusError
		}
	}
}

// errorSentinel mirrors the runtime's hook-failure marker without
// importing it.
const errorSentinel = "__error__"

// ResynchronizeTimeouts re-arms pending timeout transitions and fires
// the ones that expired while the process was down. Returns
// (synced, expired).
func (m *Manager) ResynchronizeTimeouts(rt TimeoutResyncer) (int, int) {
	synced, expired := rt.ResyncTimeouts()
	m.logger.Infof("timeout resync: %d armed, %d fired immediately", synced, expired)
	return synced, expired
}
