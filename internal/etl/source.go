package etl

import (
	"context"
	"iter"
	"net/http"
	"net/url"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	// ErrShape marks a response whose configured path does not resolve to the
	// expected structure. It is fatal for the response being processed.
	ErrShape = errors.New("unexpected response shape")
	// ErrUnknownSource is returned by GetSource for unregistered source types.
	ErrUnknownSource = errors.New("unknown source type")
	// ErrUnknownStream is returned when a configured stream name is not in the catalog.
	ErrUnknownStream = errors.New("unknown stream")
)

// ── Transport ──────────────────────────────────────────────
// The host transport sends one HTTP request and returns one parsed JSON document.
// Retry, backoff and authentication live behind this interface.

// Request is a single HTTP exchange description.
type Request struct {
	Method  string
	URL     string
	Params  url.Values
	Headers http.Header
	// JSON is marshalled as the request body when non-nil.
	JSON any
}

// Response is a decoded HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	// Body is the decoded JSON document; numbers decode as json.Number.
	Body any
}

// Object returns the body as a JSON object, or nil when it is not one.
func (r *Response) Object() map[string]any {
	if r == nil {
		return nil
	}
	m, _ := r.Body.(map[string]any)
	return m
}

// Transport sends a request and decodes the JSON response.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// ── Request cycle contracts ────────────────────────────────

// Requester issues the request for one page of one slice.
type Requester interface {
	SendRequest(ctx context.Context, slice StreamSlice, token PageToken) (*Response, error)
}

// RecordExtractor turns one response into a lazy sequence of records.
type RecordExtractor interface {
	ExtractRecords(ctx context.Context, resp *Response) iter.Seq2[Record, error]
}

// PaginationStrategy computes the next page token from the last page.
// A nil token with a nil error terminates pagination.
type PaginationStrategy interface {
	InitialToken() PageToken
	NextPageToken(resp *Response, lastPageSize int, lastRecord Record, lastToken PageToken) (PageToken, error)
}

// StreamSlicer enumerates the slices of a stream.
type StreamSlicer interface {
	StreamSlices(ctx context.Context, state StreamState) ([]StreamSlice, error)
}

// Retriever runs a full request/response/record cycle per slice, including its
// own pagination.
type Retriever interface {
	StreamSlices(ctx context.Context, state StreamState) ([]StreamSlice, error)
	ReadRecords(ctx context.Context, slice StreamSlice) iter.Seq2[Record, error]
}

// SchemaLoader produces the JSON schema of a stream.
type SchemaLoader interface {
	JSONSchema(ctx context.Context) (*Schema, error)
}

// StaticSchema is a SchemaLoader over a fixed schema.
type StaticSchema struct{ Schema *Schema }

func (s StaticSchema) JSONSchema(context.Context) (*Schema, error) { return s.Schema, nil }

// StateMigration repairs a persisted stream state before a sync resumes.
type StateMigration interface {
	ShouldMigrate(state StreamState) bool
	Migrate(state StreamState) (StreamState, error)
}

// ── Source ──────────────────────────────────────────────────
// A Source exposes a catalog of streams for one external system.
// Implementations register themselves from init().
//
// Pattern: Airbyte connector protocol (spec → check → discover → read).

// SourceConfig is an opaque configuration map parsed per source type.
type SourceConfig map[string]any

// SourceSpec describes a source type.
type SourceSpec struct {
	Type  string `json:"type"`
	Label string `json:"label"`
	// ConnectionSpecification is the JSON schema of the source configuration.
	ConnectionSpecification any `json:"connectionSpecification,omitempty"`
}

// Source is the interface every data source must implement.
type Source interface {
	// Spec returns metadata about this source type.
	Spec() SourceSpec

	// Check verifies the configuration with one authenticated call.
	Check(ctx context.Context, cfg SourceConfig) error

	// Streams builds the stream catalog for a configuration.
	Streams(ctx context.Context, cfg SourceConfig) ([]*Stream, error)
}

// ── Source Registry ────────────────────────────────────────
// Compile-time registration via init() in each source package.

var (
	registryMu sync.RWMutex
	registry   = map[string]Source{}
)

// RegisterSource registers a source by its spec type.
func RegisterSource(s Source) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s.Spec().Type] = s
}

// GetSource returns a registered source by type.
func GetSource(typ string) (Source, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[typ]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSource, "%q", typ)
	}
	return s, nil
}

// ListSources returns the specs of all registered sources.
func ListSources() []SourceSpec {
	registryMu.RLock()
	defer registryMu.RUnlock()
	specs := make([]SourceSpec, 0, len(registry))
	for _, s := range registry {
		specs = append(specs, s.Spec())
	}
	return specs
}
