package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"crmsync/internal/etl"
)

// StateStore persists stream cursor state in the stream_state table.
type StateStore struct {
	db *DB
}

var _ etl.StateStore = (*StateStore)(nil)

// NewStateStore creates a new StateStore.
func NewStateStore(db *DB) *StateStore {
	return &StateStore{db: db}
}

// GetState returns the stored state, or an empty state when none exists.
func (s *StateStore) GetState(ctx context.Context, jobID, stream string) (etl.StreamState, error) {
	var raw string
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT state_json FROM stream_state WHERE job_id = ? AND stream = ?`, jobID, stream,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return etl.StreamState{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get state %s/%s", jobID, stream)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	state := etl.StreamState{}
	if err := dec.Decode(&state); err != nil {
		return nil, errors.Wrapf(err, "decode state %s/%s", jobID, stream)
	}
	return state, nil
}

func (s *StateStore) PutState(ctx context.Context, jobID, stream string, state etl.StreamState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	_, err = s.db.conn.ExecContext(ctx,
		`INSERT INTO stream_state (job_id, stream, state_json, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(job_id, stream) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		jobID, stream, string(raw), time.Now(),
	)
	return errors.Wrapf(err, "put state %s/%s", jobID, stream)
}

// ListStates returns every stream state of a job keyed by stream name.
func (s *StateStore) ListStates(ctx context.Context, jobID string) (map[string]etl.StreamState, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT stream, state_json FROM stream_state WHERE job_id = ? ORDER BY stream`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "list states")
	}
	defer rows.Close()

	out := make(map[string]etl.StreamState)
	for rows.Next() {
		var stream, raw string
		if err := rows.Scan(&stream, &raw); err != nil {
			return nil, err
		}
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		state := etl.StreamState{}
		if err := dec.Decode(&state); err != nil {
			return nil, errors.Wrapf(err, "decode state %s/%s", jobID, stream)
		}
		out[stream] = state
	}
	return out, rows.Err()
}
