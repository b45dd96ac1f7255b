package etl

import (
	"context"
	"iter"
	"time"

	"github.com/cockroachdb/errors"
)

// SimpleRetriever drives the request → select → paginate loop for every slice.
type SimpleRetriever struct {
	Name      string
	Requester Requester
	Selector  *RecordSelector
	// Paginator is optional; without one each slice is a single request.
	Paginator PaginationStrategy
	// Slicer is optional; without one the retriever reads a single empty slice.
	Slicer StreamSlicer
}

func (r *SimpleRetriever) StreamSlices(ctx context.Context, state StreamState) ([]StreamSlice, error) {
	if r.Slicer == nil {
		return []StreamSlice{{}}, nil
	}
	return r.Slicer.StreamSlices(ctx, state)
}

func (r *SimpleRetriever) ReadRecords(ctx context.Context, slice StreamSlice) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var token PageToken
		if r.Paginator != nil {
			token = r.Paginator.InitialToken()
		}
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			resp, err := r.Requester.SendRequest(ctx, slice, token)
			if err != nil {
				yield(nil, errors.Wrapf(err, "%s: request", r.Name))
				return
			}

			pageSize := 0
			var last Record
			for rec, err := range r.Selector.SelectRecords(ctx, resp, slice) {
				if err != nil {
					yield(nil, errors.Wrapf(err, "%s: select records", r.Name))
					return
				}
				pageSize++
				last = rec
				if !yield(rec, nil) {
					return
				}
			}

			if r.Paginator == nil {
				return
			}
			next, err := r.Paginator.NextPageToken(resp, pageSize, last, token)
			if err != nil {
				yield(nil, errors.Wrapf(err, "%s: next page token", r.Name))
				return
			}
			if next == nil {
				return
			}
			token = next
		}
	}
}

// ListPartitionRouter emits one slice per value, keyed by CursorField.
type ListPartitionRouter struct {
	CursorField string
	Values      []string
}

func (p *ListPartitionRouter) StreamSlices(context.Context, StreamState) ([]StreamSlice, error) {
	slices := make([]StreamSlice, 0, len(p.Values))
	for _, v := range p.Values {
		slices = append(slices, StreamSlice{Partition: map[string]any{p.CursorField: v}})
	}
	return slices, nil
}

// Keys of the cursor slice produced by SingleWindowSlicer.
const (
	SliceStartTime = "start_time"
	SliceEndTime   = "end_time"
)

// SingleWindowSlicer produces exactly one time window per read, from the state
// cursor (or StartDate) to now, with bounds in epoch milliseconds. Streams whose
// request routing depends on the window start must not be stepped.
type SingleWindowSlicer struct {
	CursorField string
	StartDate   time.Time
	Now         func() time.Time
}

func (s *SingleWindowSlicer) StreamSlices(_ context.Context, state StreamState) ([]StreamSlice, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	start := s.StartDate
	if v, ok := state[s.CursorField]; ok && v != nil && v != "" {
		t, err := ParseCursor(v)
		if err != nil {
			return nil, errors.Wrapf(err, "state cursor %q", s.CursorField)
		}
		if t.After(start) {
			start = t
		}
	}
	return []StreamSlice{{
		CursorSlice: map[string]any{
			SliceStartTime: start.UnixMilli(),
			SliceEndTime:   now().UnixMilli(),
		},
	}}, nil
}
