package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/machina-io/machina/pkg/core"
)

// SQLStore implements EventStore and SnapshotStore on database/sql.
// It supports the "sqlite3" (mattn/go-sqlite3) and "postgres" (lib/pq)
// drivers; placeholders are rebound per dialect.
type SQLStore struct {
	pool *Pool
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS machina_events (
	id            TEXT PRIMARY KEY,
	instance_id   TEXT NOT NULL,
	machine_name  TEXT NOT NULL,
	component     TEXT NOT NULL,
	event_json    TEXT NOT NULL,
	state_before  TEXT NOT NULL,
	state_after   TEXT NOT NULL,
	ts            TIMESTAMP NOT NULL,
	seq           BIGINT NOT NULL,
	causation_id  TEXT,
	correlation_id TEXT
);
CREATE INDEX IF NOT EXISTS machina_events_instance ON machina_events (instance_id, ts, seq);
CREATE TABLE IF NOT EXISTS machina_snapshots (
	instance_id    TEXT PRIMARY KEY,
	instance_json  TEXT NOT NULL,
	last_event_id  TEXT NOT NULL,
	last_event_seq BIGINT NOT NULL,
	taken_at       TIMESTAMP NOT NULL
);
`

// NewSQLStore creates a store over an existing pool and initializes
// the schema.
func NewSQLStore(pool *Pool) (*SQLStore, error) {
	if pool == nil {
		return nil, errors.New("store: pool is required")
	}
	s := &SQLStore{pool: pool}
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := pool.DB().Exec(stmt); err != nil {
			return nil, fmt.Errorf("store: schema init failed: %w", err)
		}
	}
	return s, nil
}

// rebind rewrites ? placeholders to $N for the postgres driver.
func (s *SQLStore) rebind(query string) string {
	if s.pool.DriverName() != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Append(event *PersistedEvent) error {
	eventJSON, err := core.JSONEncode(event.Event)
	if err != nil {
		return err
	}
	if event.Sequence == 0 {
		event.Sequence = uint64(time.Now().UnixNano())
	}
	_, err = s.pool.DB().Exec(s.rebind(
		`INSERT INTO machina_events
		 (id, instance_id, machine_name, component, event_json, state_before, state_after, ts, seq, causation_id, correlation_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		event.ID, event.InstanceID, event.MachineName, event.ComponentName,
		string(eventJSON), event.StateBefore, event.StateAfter,
		event.Timestamp.UTC(), int64(event.Sequence), event.CausationID, event.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("store: append failed: %w", err)
	}
	return nil
}

func (s *SQLStore) EventsForInstance(instanceID string) ([]*PersistedEvent, error) {
	rows, err := s.pool.DB().Query(s.rebind(
		`SELECT id, instance_id, machine_name, component, event_json, state_before, state_after, ts, seq, causation_id, correlation_id
		 FROM machina_events WHERE instance_id = ? ORDER BY ts, seq`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLStore) EventsInRange(from, to time.Time) ([]*PersistedEvent, error) {
	rows, err := s.pool.DB().Query(s.rebind(
		`SELECT id, instance_id, machine_name, component, event_json, state_before, state_after, ts, seq, causation_id, correlation_id
		 FROM machina_events WHERE ts >= ? AND ts < ? ORDER BY ts, seq`), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLStore) EventByID(id string) (*PersistedEvent, error) {
	rows, err := s.pool.DB().Query(s.rebind(
		`SELECT id, instance_id, machine_name, component, event_json, state_before, state_after, ts, seq, causation_id, correlation_id
		 FROM machina_events WHERE id = ?`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[0], nil
}

func scanEvents(rows *sql.Rows) ([]*PersistedEvent, error) {
	var out []*PersistedEvent
	for rows.Next() {
		var (
			e         PersistedEvent
			eventJSON string
			seq       int64
			causation sql.NullString
			corr      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.MachineName, &e.ComponentName,
			&eventJSON, &e.StateBefore, &e.StateAfter, &e.Timestamp, &seq, &causation, &corr); err != nil {
			return nil, err
		}
		if err := core.JSONDecode([]byte(eventJSON), &e.Event); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		e.CausationID = causation.String
		e.CorrelationID = corr.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveSnapshot(snapshot *InstanceSnapshot) error {
	instJSON, err := core.JSONEncode(snapshot.Instance)
	if err != nil {
		return err
	}
	_, err = s.pool.DB().Exec(s.rebind(
		`DELETE FROM machina_snapshots WHERE instance_id = ?`), snapshot.Instance.ID)
	if err != nil {
		return err
	}
	_, err = s.pool.DB().Exec(s.rebind(
		`INSERT INTO machina_snapshots (instance_id, instance_json, last_event_id, last_event_seq, taken_at)
		 VALUES (?, ?, ?, ?, ?)`),
		snapshot.Instance.ID, string(instJSON), snapshot.LastEventID,
		int64(snapshot.LastEventSeq), snapshot.TakenAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: save snapshot failed: %w", err)
	}
	return nil
}

func (s *SQLStore) Snapshot(instanceID string) (*InstanceSnapshot, error) {
	row := s.pool.DB().QueryRow(s.rebind(
		`SELECT instance_json, last_event_id, last_event_seq, taken_at
		 FROM machina_snapshots WHERE instance_id = ?`), instanceID)

	var (
		snap     InstanceSnapshot
		instJSON string
		seq      int64
	)
	err := row.Scan(&instJSON, &snap.LastEventID, &seq, &snap.TakenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := core.JSONDecode([]byte(instJSON), &snap.Instance); err != nil {
		return nil, err
	}
	snap.LastEventSeq = uint64(seq)
	return &snap, nil
}

func (s *SQLStore) ListInstanceIDs() ([]string, error) {
	rows, err := s.pool.DB().Query(`SELECT instance_id FROM machina_snapshots ORDER BY instance_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var (
	_ EventStore    = (*SQLStore)(nil)
	_ SnapshotStore = (*SQLStore)(nil)
)
