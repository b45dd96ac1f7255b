package etl

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Airbyte protocol message types.
const (
	MessageRecord           = "RECORD"
	MessageState            = "STATE"
	MessageLog              = "LOG"
	MessageSpec             = "SPEC"
	MessageConnectionStatus = "CONNECTION_STATUS"
	MessageCatalog          = "CATALOG"
)

// Connection status values.
const (
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

type ConnectionStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type RecordMessage struct {
	Stream    string `json:"stream"`
	EmittedAt int64  `json:"emitted_at"`
	Data      Record `json:"data"`
}

type StreamDescriptor struct {
	Name string `json:"name"`
}

type StreamStateMessage struct {
	StreamDescriptor StreamDescriptor `json:"stream_descriptor"`
	StreamState      StreamState      `json:"stream_state"`
}

type StateMessage struct {
	Type   string              `json:"type"`
	Stream *StreamStateMessage `json:"stream,omitempty"`
}

// CatalogStream is the discover view of a Stream.
type CatalogStream struct {
	Name                    string     `json:"name"`
	JSONSchema              *Schema    `json:"json_schema"`
	SupportedSyncModes      []string   `json:"supported_sync_modes"`
	SourceDefinedCursor     bool       `json:"source_defined_cursor,omitempty"`
	DefaultCursorField      []string   `json:"default_cursor_field,omitempty"`
	SourceDefinedPrimaryKey [][]string `json:"source_defined_primary_key,omitempty"`
}

type Catalog struct {
	Streams []CatalogStream `json:"streams"`
}

type Message struct {
	Type             string            `json:"type"`
	Log              *LogMessage       `json:"log,omitempty"`
	Spec             *SourceSpec       `json:"spec,omitempty"`
	ConnectionStatus *ConnectionStatus `json:"connectionStatus,omitempty"`
	Catalog          *Catalog          `json:"catalog,omitempty"`
	Record           *RecordMessage    `json:"record,omitempty"`
	State            *StateMessage     `json:"state,omitempty"`
}

// BuildCatalog renders streams into a discover catalog.
func BuildCatalog(ctx context.Context, streams []*Stream) (*Catalog, error) {
	catalog := &Catalog{Streams: make([]CatalogStream, 0, len(streams))}
	for _, st := range streams {
		cs := CatalogStream{Name: st.Name, SupportedSyncModes: []string{"full_refresh"}}
		if st.Schema != nil {
			schema, err := st.Schema.JSONSchema(ctx)
			if err != nil {
				return nil, err
			}
			cs.JSONSchema = schema
		}
		if st.CursorField != "" {
			cs.SupportedSyncModes = append(cs.SupportedSyncModes, "incremental")
			cs.SourceDefinedCursor = true
			cs.DefaultCursorField = []string{st.CursorField}
		}
		if len(st.PrimaryKey) > 0 {
			cs.SourceDefinedPrimaryKey = [][]string{st.PrimaryKey}
		}
		catalog.Streams = append(catalog.Streams, cs)
	}
	return catalog, nil
}

// MessageWriter serialises protocol messages as JSON lines.
type MessageWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
}

// NewMessageWriter writes messages to w.
func NewMessageWriter(w io.Writer) *MessageWriter {
	return &MessageWriter{enc: json.NewEncoder(w), now: time.Now}
}

// Emit writes one message.
func (w *MessageWriter) Emit(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(msg)
}

// StdoutDestination emits RECORD and STATE messages instead of persisting records.
type StdoutDestination struct {
	Writer *MessageWriter
}

func (d *StdoutDestination) Prepare(context.Context, *Stream, *Schema, SyncMode) error { return nil }

func (d *StdoutDestination) Write(_ context.Context, stream *Stream, records []Record) (int, error) {
	emittedAt := d.Writer.now().UnixMilli()
	for i, rec := range records {
		err := d.Writer.Emit(&Message{
			Type:   MessageRecord,
			Record: &RecordMessage{Stream: stream.Name, EmittedAt: emittedAt, Data: rec},
		})
		if err != nil {
			return i, err
		}
	}
	return len(records), nil
}

func (d *StdoutDestination) WriteState(_ context.Context, stream string, state StreamState) error {
	return d.Writer.Emit(&Message{
		Type: MessageState,
		State: &StateMessage{
			Type: "STREAM",
			Stream: &StreamStateMessage{
				StreamDescriptor: StreamDescriptor{Name: stream},
				StreamState:      state,
			},
		},
	})
}

func (d *StdoutDestination) Close() error { return nil }
