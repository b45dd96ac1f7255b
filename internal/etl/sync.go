package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"crmsync/internal/logger"
)

// ── SyncJob ────────────────────────────────────────────────
// Orchestrates: state migration → slices → retriever → transforms → destination.
//
// Pattern: Airbyte sync / Singer tap→target pipeline.

// SyncJob holds the configuration for a single sync.
type SyncJob struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	SourceType    string            `json:"sourceType"`
	SourceCfg     SourceConfig      `json:"sourceConfig"`
	Streams       []string          `json:"streams,omitempty"` // empty = every stream
	Transforms    []TransformConfig `json:"transforms,omitempty"`
	SyncMode      SyncMode          `json:"syncMode"`
	TriggerType   string            `json:"triggerType"`   // "manual" | "schedule" | "file_watch"
	TriggerConfig string            `json:"triggerConfig"` // cron expression or watch path
	Enabled       bool              `json:"enabled"`
	LastRunAt     time.Time         `json:"lastRunAt"`
	LastStatus    string            `json:"lastStatus"` // "success" | "error" | "running" | ""
	LastError     string            `json:"lastError"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// SyncResult is the outcome of running a sync job.
type SyncResult struct {
	JobID       string          `json:"jobId"`
	Status      string          `json:"status"` // "success" | "error"
	RowsRead    int             `json:"rowsRead"`
	RowsWritten int             `json:"rowsWritten"`
	Streams     []*StreamResult `json:"streams"`
	Duration    time.Duration   `json:"duration"`
	Error       string          `json:"error,omitempty"`
}

// StreamResult is the outcome of reading one stream.
type StreamResult struct {
	Stream      string      `json:"stream"`
	RowsRead    int         `json:"rowsRead"`
	RowsWritten int         `json:"rowsWritten"`
	State       StreamState `json:"state,omitempty"`
}

// SyncRunLog is a historical record of a sync run.
type SyncRunLog struct {
	ID          string    `json:"id"`
	JobID       string    `json:"jobId"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Status      string    `json:"status"`
	RowsRead    int       `json:"rowsRead"`
	RowsWritten int       `json:"rowsWritten"`
	Error       string    `json:"error,omitempty"`
}

// Stream is one readable collection of a source.
type Stream struct {
	Name        string
	PrimaryKey  []string
	CursorField string
	Retriever   Retriever
	Schema      SchemaLoader
	// StateMigrations run, in order, on the persisted state before slicing.
	StateMigrations []StateMigration
	// ClientSideIncremental drops records whose cursor is older than the state.
	ClientSideIncremental bool
}

// ── Engine ─────────────────────────────────────────────────

// defaultBatchSize bounds how many records are buffered before a destination write.
const defaultBatchSize = 500

// Engine runs streams against a destination.
type Engine struct {
	Dest  Destination
	State StateStore // optional
	// Transformations apply to every record of every stream after the
	// stream's own selector.
	Transformations []RecordTransformation
	BatchSize       int
}

// RunSync executes a sync job end-to-end.
func (e *Engine) RunSync(ctx context.Context, job *SyncJob) (*SyncResult, error) {
	start := time.Now()
	result := &SyncResult{JobID: job.ID}
	fail := func(err error) (*SyncResult, error) {
		result.Status = "error"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result, err
	}

	source, err := GetSource(job.SourceType)
	if err != nil {
		return fail(err)
	}
	streams, err := source.Streams(ctx, job.SourceCfg)
	if err != nil {
		return fail(errors.Wrap(err, "build streams"))
	}
	selected, err := SelectStreams(streams, job.Streams)
	if err != nil {
		return fail(err)
	}
	jobTransforms, err := BuildTransformations(job.Transforms)
	if err != nil {
		return fail(err)
	}

	engine := *e
	engine.Transformations = append(append([]RecordTransformation{}, e.Transformations...), jobTransforms...)

	mode := job.SyncMode
	if mode == "" {
		mode = SyncAppend
	}
	for _, st := range selected {
		sr, err := engine.ReadStream(ctx, job.ID, st, mode)
		if sr != nil {
			result.Streams = append(result.Streams, sr)
			result.RowsRead += sr.RowsRead
			result.RowsWritten += sr.RowsWritten
		}
		if err != nil {
			return fail(errors.Wrapf(err, "stream %s", st.Name))
		}
	}

	result.Status = "success"
	result.Duration = time.Since(start)
	return result, nil
}

// SelectStreams filters the catalog by name, keeping catalog order.
// An empty selection keeps every stream.
func SelectStreams(streams []*Stream, names []string) ([]*Stream, error) {
	if len(names) == 0 {
		return streams, nil
	}
	byName := make(map[string]*Stream, len(streams))
	for _, st := range streams {
		byName[st.Name] = st
	}
	out := make([]*Stream, 0, len(names))
	for _, name := range names {
		st, ok := byName[name]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownStream, "%q", name)
		}
		out = append(out, st)
	}
	return out, nil
}

// ReadStream reads every slice of a stream into the destination and checkpoints
// state after each slice.
func (e *Engine) ReadStream(ctx context.Context, jobID string, st *Stream, mode SyncMode) (*StreamResult, error) {
	log := logger.Named("engine").With("stream", st.Name)
	result := &StreamResult{Stream: st.Name}

	state, err := e.loadState(ctx, jobID, st)
	if err != nil {
		return result, err
	}

	var schema *Schema
	if st.Schema != nil {
		if schema, err = st.Schema.JSONSchema(ctx); err != nil {
			return result, errors.Wrap(err, "load schema")
		}
	}
	if err := e.Dest.Prepare(ctx, st, schema, mode); err != nil {
		return result, errors.Wrap(err, "prepare destination")
	}

	slices, err := st.Retriever.StreamSlices(ctx, state)
	if err != nil {
		return result, errors.Wrap(err, "stream slices")
	}

	batchSize := e.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	startCursor := state[st.CursorField]
	maxCursor := startCursor
	for _, slice := range slices {
		log.Debugw("reading slice", "partition", slice.Partition, "cursor_slice", slice.CursorSlice)

		batch := make([]Record, 0, batchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			n, err := e.Dest.Write(ctx, st, batch)
			result.RowsWritten += n
			batch = make([]Record, 0, batchSize)
			return err
		}

		for rec, err := range st.Retriever.ReadRecords(ctx, slice) {
			if err != nil {
				return result, err
			}
			result.RowsRead++

			if st.CursorField != "" {
				cursor, ok := rec[st.CursorField]
				if ok && cursor != nil {
					if st.ClientSideIncremental && startCursor != nil && CompareCursor(cursor, startCursor) < 0 {
						continue
					}
					if maxCursor == nil || CompareCursor(cursor, maxCursor) > 0 {
						maxCursor = cursor
					}
				}
			}

			if err := ApplyTransformations(ctx, rec, slice, e.Transformations); err != nil {
				return result, errors.Wrap(err, "transform")
			}
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return result, errors.Wrap(err, "write")
				}
			}
		}
		if err := flush(); err != nil {
			return result, errors.Wrap(err, "write")
		}

		if st.CursorField != "" && maxCursor != nil {
			state = state.Clone()
			state[st.CursorField] = maxCursor
			if err := e.checkpoint(ctx, jobID, st.Name, state); err != nil {
				return result, err
			}
		}
	}

	result.State = state
	log.Infow("stream complete", "rows_read", result.RowsRead, "rows_written", result.RowsWritten)
	return result, nil
}

func (e *Engine) loadState(ctx context.Context, jobID string, st *Stream) (StreamState, error) {
	state := StreamState{}
	if e.State != nil {
		stored, err := e.State.GetState(ctx, jobID, st.Name)
		if err != nil {
			return nil, errors.Wrap(err, "load state")
		}
		if stored != nil {
			state = stored
		}
	}
	for _, m := range st.StateMigrations {
		if !m.ShouldMigrate(state) {
			continue
		}
		migrated, err := m.Migrate(state)
		if err != nil {
			return nil, errors.Wrap(err, "migrate state")
		}
		logger.Logger.Infow("migrated stream state", "stream", st.Name, "from", fmt.Sprint(state), "to", fmt.Sprint(migrated))
		state = migrated
	}
	return state, nil
}

func (e *Engine) checkpoint(ctx context.Context, jobID, stream string, state StreamState) error {
	if e.State != nil {
		if err := e.State.PutState(ctx, jobID, stream, state); err != nil {
			return errors.Wrap(err, "persist state")
		}
	}
	if sw, ok := e.Dest.(StateWriter); ok {
		if err := sw.WriteState(ctx, stream, state); err != nil {
			return errors.Wrap(err, "emit state")
		}
	}
	return nil
}

// Preview reads up to maxRows records of one stream without writing anything.
func Preview(ctx context.Context, sourceType string, cfg SourceConfig, stream string, maxRows int) ([]Record, *Schema, error) {
	source, err := GetSource(sourceType)
	if err != nil {
		return nil, nil, err
	}
	streams, err := source.Streams(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	selected, err := SelectStreams(streams, []string{stream})
	if err != nil {
		return nil, nil, err
	}
	st := selected[0]

	var schema *Schema
	if st.Schema != nil {
		if schema, err = st.Schema.JSONSchema(ctx); err != nil {
			return nil, nil, err
		}
	}
	slices, err := st.Retriever.StreamSlices(ctx, StreamState{})
	if err != nil {
		return nil, schema, err
	}

	var records []Record
	for _, slice := range slices {
		for rec, err := range st.Retriever.ReadRecords(ctx, slice) {
			if err != nil {
				return records, schema, err
			}
			records = append(records, rec)
			if len(records) >= maxRows {
				return records, schema, nil
			}
		}
	}
	return records, schema, nil
}
