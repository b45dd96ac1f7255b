package hubspot_test

import (
	"context"
	"encoding/json"
	"iter"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"crmsync/internal/etl"
)

// decode parses a JSON document the way the transport does.
func decode(t *testing.T, doc string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))
	return v
}

func response(t *testing.T, doc string) *etl.Response {
	return &etl.Response{StatusCode: 200, Body: decode(t, doc)}
}

func collect(t *testing.T, seq iter.Seq2[etl.Record, error]) ([]etl.Record, error) {
	t.Helper()
	var out []etl.Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// fakeTransport answers requests with a handler and records them.
type fakeTransport struct {
	mu      sync.Mutex
	handler func(req *etl.Request) (*etl.Response, error)
	reqs    []*etl.Request
}

func (f *fakeTransport) Send(_ context.Context, req *etl.Request) (*etl.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.handler(req)
}

func (f *fakeTransport) requests(prefix string) []*etl.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*etl.Request
	for _, r := range f.reqs {
		if strings.Contains(r.URL, prefix) {
			out = append(out, r)
		}
	}
	return out
}

// groupsRetriever replays association groups per association name.
type groupsRetriever struct {
	names  []string
	groups map[string][]etl.Record
	err    error
	seen   []etl.StreamSlice
}

func (g *groupsRetriever) StreamSlices(context.Context, etl.StreamState) ([]etl.StreamSlice, error) {
	slices := make([]etl.StreamSlice, 0, len(g.names))
	for _, n := range g.names {
		slices = append(slices, etl.StreamSlice{Partition: map[string]any{"association_name": n}})
	}
	return slices, nil
}

func (g *groupsRetriever) ReadRecords(_ context.Context, slice etl.StreamSlice) iter.Seq2[etl.Record, error] {
	g.seen = append(g.seen, slice)
	return func(yield func(etl.Record, error) bool) {
		if g.err != nil {
			yield(nil, g.err)
			return
		}
		for _, rec := range g.groups[slice.GetString("association_name")] {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func group(from string, to ...string) etl.Record {
	targets := make([]any, 0, len(to))
	for _, id := range to {
		targets = append(targets, map[string]any{"toObjectId": json.Number(id)})
	}
	return etl.Record{"from": map[string]any{"id": json.Number(from)}, "to": targets}
}
