package etl

import "context"

// ── Destination ────────────────────────────────────────────
// A Destination writes records into a target system.
// Implementations live in internal/destination.
//
// Pattern: Singer target protocol.

// SyncMode determines how records are written to the destination.
type SyncMode string

const (
	SyncReplace SyncMode = "replace" // delete all existing rows, insert fresh
	SyncAppend  SyncMode = "append"  // add rows without deleting existing
)

// Destination writes records to a target system.
type Destination interface {
	// Prepare is called once per stream before the first Write.
	Prepare(ctx context.Context, stream *Stream, schema *Schema, mode SyncMode) error
	Write(ctx context.Context, stream *Stream, records []Record) (int, error)
	Close() error
}

// StateWriter is implemented by destinations that also checkpoint state
// (for example the protocol writer on stdout).
type StateWriter interface {
	WriteState(ctx context.Context, stream string, state StreamState) error
}

// StateStore persists per-job, per-stream cursor state.
type StateStore interface {
	GetState(ctx context.Context, jobID, stream string) (StreamState, error)
	PutState(ctx context.Context, jobID, stream string, state StreamState) error
}
