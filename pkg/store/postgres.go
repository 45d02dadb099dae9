package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/machina-io/machina/pkg/core"
)

// PostgresStore implements EventStore and SnapshotStore on a pgx
// connection pool. Preferred over the database/sql path for Postgres
// deployments under sustained transition volume.
type PostgresStore struct {
	pool *pgxpool.Pool
	ctx  context.Context
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS machina_events (
	id             TEXT PRIMARY KEY,
	instance_id    TEXT NOT NULL,
	machine_name   TEXT NOT NULL,
	component      TEXT NOT NULL,
	event_json     JSONB NOT NULL,
	state_before   TEXT NOT NULL,
	state_after    TEXT NOT NULL,
	ts             TIMESTAMPTZ NOT NULL,
	seq            BIGINT NOT NULL,
	causation_id   TEXT,
	correlation_id TEXT
);
CREATE INDEX IF NOT EXISTS machina_events_instance ON machina_events (instance_id, ts, seq);
CREATE TABLE IF NOT EXISTS machina_snapshots (
	instance_id    TEXT PRIMARY KEY,
	instance_json  JSONB NOT NULL,
	last_event_id  TEXT NOT NULL,
	last_event_seq BIGINT NOT NULL,
	taken_at       TIMESTAMPTZ NOT NULL
)`

// NewPostgresStore connects a pgx pool and initializes the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("store: postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: postgres connect failed: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &PostgresStore{pool: pool, ctx: ctx}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: schema init failed: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Append(event *PersistedEvent) error {
	eventJSON, err := core.JSONEncode(event.Event)
	if err != nil {
		return err
	}
	if event.Sequence == 0 {
		event.Sequence = uint64(time.Now().UnixNano())
	}
	_, err = s.pool.Exec(s.ctx,
		`INSERT INTO machina_events
		 (id, instance_id, machine_name, component, event_json, state_before, state_after, ts, seq, causation_id, correlation_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.ID, event.InstanceID, event.MachineName, event.ComponentName,
		eventJSON, event.StateBefore, event.StateAfter,
		event.Timestamp.UTC(), int64(event.Sequence), event.CausationID, event.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("store: append failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) EventsForInstance(instanceID string) ([]*PersistedEvent, error) {
	rows, err := s.pool.Query(s.ctx,
		`SELECT id, instance_id, machine_name, component, event_json, state_before, state_after, ts, seq, causation_id, correlation_id
		 FROM machina_events WHERE instance_id = $1 ORDER BY ts, seq`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

func (s *PostgresStore) EventsInRange(from, to time.Time) ([]*PersistedEvent, error) {
	rows, err := s.pool.Query(s.ctx,
		`SELECT id, instance_id, machine_name, component, event_json, state_before, state_after, ts, seq, causation_id, correlation_id
		 FROM machina_events WHERE ts >= $1 AND ts < $2 ORDER BY ts, seq`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPgEvents(rows)
}

func (s *PostgresStore) EventByID(id string) (*PersistedEvent, error) {
	rows, err := s.pool.Query(s.ctx,
		`SELECT id, instance_id, machine_name, component, event_json, state_before, state_after, ts, seq, causation_id, correlation_id
		 FROM machina_events WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events, err := scanPgEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events[0], nil
}

func scanPgEvents(rows pgx.Rows) ([]*PersistedEvent, error) {
	var out []*PersistedEvent
	for rows.Next() {
		var (
			e         PersistedEvent
			eventJSON []byte
			seq       int64
			causation *string
			corr      *string
		)
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.MachineName, &e.ComponentName,
			&eventJSON, &e.StateBefore, &e.StateAfter, &e.Timestamp, &seq, &causation, &corr); err != nil {
			return nil, err
		}
		if err := core.JSONDecode(eventJSON, &e.Event); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		if causation != nil {
			e.CausationID = *causation
		}
		if corr != nil {
			e.CorrelationID = *corr
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveSnapshot(snapshot *InstanceSnapshot) error {
	instJSON, err := core.JSONEncode(snapshot.Instance)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(s.ctx,
		`INSERT INTO machina_snapshots (instance_id, instance_json, last_event_id, last_event_seq, taken_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (instance_id) DO UPDATE SET
		   instance_json = EXCLUDED.instance_json,
		   last_event_id = EXCLUDED.last_event_id,
		   last_event_seq = EXCLUDED.last_event_seq,
		   taken_at = EXCLUDED.taken_at`,
		snapshot.Instance.ID, instJSON, snapshot.LastEventID,
		int64(snapshot.LastEventSeq), snapshot.TakenAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: save snapshot failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Snapshot(instanceID string) (*InstanceSnapshot, error) {
	row := s.pool.QueryRow(s.ctx,
		`SELECT instance_json, last_event_id, last_event_seq, taken_at
		 FROM machina_snapshots WHERE instance_id = $1`, instanceID)

	var (
		snap     InstanceSnapshot
		instJSON []byte
		seq      int64
	)
	err := row.Scan(&instJSON, &snap.LastEventID, &seq, &snap.TakenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := core.JSONDecode(instJSON, &snap.Instance); err != nil {
		return nil, err
	}
	snap.LastEventSeq = uint64(seq)
	return &snap, nil
}

func (s *PostgresStore) ListInstanceIDs() ([]string, error) {
	rows, err := s.pool.Query(s.ctx, `SELECT instance_id FROM machina_snapshots ORDER BY instance_id`)
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
	_ EventStore    = (*PostgresStore)(nil)
	_ SnapshotStore = (*PostgresStore)(nil)
)
