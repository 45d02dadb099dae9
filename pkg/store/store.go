// Package store defines the persistence contracts of the engine: an
// append-only EventStore for transitions and a SnapshotStore for
// instance restore bases. Implementations must be durable once
// Append/SaveSnapshot returns.
package store

import (
	"errors"
	"time"

	"github.com/machina-io/machina/pkg/model"
)

var (
	// ErrNotFound is returned when an event or snapshot does not exist.
	ErrNotFound = errors.New("store: not found")
)

// InstanceStatus is the lifecycle status of an instance.
type InstanceStatus string

const (
	StatusActive    InstanceStatus = "active"
	StatusCompleted InstanceStatus = "completed"
	StatusError     InstanceStatus = "error"
)

// InstanceRecord is the serializable projection of an FSM instance.
// The runtime owns the live instance; stores and brokers carry records.
type InstanceRecord struct {
	ID                string                 `json:"id"`
	ComponentName     string                 `json:"componentName"`
	MachineName       string                 `json:"machineName"`
	CurrentState      string                 `json:"currentState"`
	Context           map[string]interface{} `json:"context,omitempty"`
	PublicMember      map[string]interface{} `json:"publicMember,omitempty"`
	Status            InstanceStatus         `json:"status"`
	IsEntryPoint      bool                   `json:"isEntryPoint,omitempty"`
	ParentInstanceID  string                 `json:"parentInstanceId,omitempty"`
	ParentMachineName string                 `json:"parentMachineName,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// PersistedEvent is one durably recorded transition. Events of one
// instance are ordered by timestamp then sequence.
type PersistedEvent struct {
	ID            string      `json:"id"`
	InstanceID    string      `json:"instanceId"`
	MachineName   string      `json:"machineName"`
	ComponentName string      `json:"componentName"`
	Event         model.Event `json:"event"`
	StateBefore   string      `json:"stateBefore"`
	StateAfter    string      `json:"stateAfter"`
	Timestamp     time.Time   `json:"timestamp"`
	Sequence      uint64      `json:"sequence"`

	// Optional causality references.
	CausationID   string `json:"causationId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// InstanceSnapshot is a restore base: a full instance record plus the
// id of the last event it covers.
type InstanceSnapshot struct {
	Instance    InstanceRecord `json:"instance"`
	LastEventID string         `json:"lastEventId"`
	LastEventSeq uint64        `json:"lastEventSeq"`
	TakenAt     time.Time      `json:"takenAt"`
}

// EventStore is the append-only transition log.
type EventStore interface {
	// Append durably records the event before returning.
	Append(event *PersistedEvent) error

	// EventsForInstance returns all events of one instance ordered by
	// timestamp then sequence.
	EventsForInstance(instanceID string) ([]*PersistedEvent, error)

	// EventsInRange returns events with from <= timestamp < to.
	EventsInRange(from, to time.Time) ([]*PersistedEvent, error)

	// EventByID returns a single event or ErrNotFound.
	EventByID(id string) (*PersistedEvent, error)
}

// SnapshotStore persists instance snapshots.
type SnapshotStore interface {
	// SaveSnapshot durably records the snapshot before returning.
	// Saving overwrites any previous snapshot of the same instance.
	SaveSnapshot(snapshot *InstanceSnapshot) error

	// Snapshot returns the latest snapshot of an instance or ErrNotFound.
	Snapshot(instanceID string) (*InstanceSnapshot, error)

	// ListInstanceIDs returns every instance id with a snapshot.
	ListInstanceIDs() ([]string, error)
}
