package etl

import (
	"context"
	"iter"

	"github.com/cockroachdb/errors"

	"crmsync/internal/dpath"
)

// ExtractList resolves path in body to a list of items.
//
// An empty path selects the body itself. A path containing a wildcard collects
// every match. Otherwise the path is looked up directly and a missing value
// yields an empty list. A present, non-empty value that is not a list is an
// ErrShape failure.
func ExtractList(body any, path []string) ([]any, error) {
	var extracted any
	switch {
	case len(path) == 0:
		extracted = body
	case dpath.HasWildcard(path):
		extracted = dpath.Values(body, path)
	default:
		v, ok := dpath.Get(body, path)
		if !ok {
			return nil, nil
		}
		extracted = v
	}

	if list, ok := extracted.([]any); ok {
		return list, nil
	}
	if isEmpty(extracted) {
		return nil, nil
	}
	return nil, errors.Wrapf(ErrShape, "field path %v must point to a list, got %T", path, extracted)
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(x) == 0
	case string:
		return x == ""
	case bool:
		return !x
	default:
		return false
	}
}

// DpathExtractor yields the objects found at FieldPath. A single object at the
// path is yielded as one record.
type DpathExtractor struct {
	FieldPath []string
}

func (e *DpathExtractor) ExtractRecords(_ context.Context, resp *Response) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var body any
		if resp != nil {
			body = resp.Body
		}
		if len(e.FieldPath) > 0 && !dpath.HasWildcard(e.FieldPath) {
			if v, ok := dpath.Get(body, e.FieldPath); ok {
				if obj, isObj := v.(map[string]any); isObj {
					yield(Record(obj), nil)
					return
				}
			}
		}
		items, err := ExtractList(body, e.FieldPath)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if !yield(Record(obj), nil) {
				return
			}
		}
	}
}

// Normalizer coerces record values to a schema.
type Normalizer interface {
	Normalize(rec Record, schema *Schema)
}

// RecordSelector runs extraction, transformations and normalization for one response.
type RecordSelector struct {
	Extractor       RecordExtractor
	Transformations []RecordTransformation
	Normalizer      Normalizer
	Schema          *Schema
	// SchemaLoader resolves the normalization schema when Schema is nil.
	SchemaLoader SchemaLoader
}

// SelectRecords yields the records of resp ready for emission.
func (s *RecordSelector) SelectRecords(ctx context.Context, resp *Response, slice StreamSlice) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		schema := s.Schema
		if schema == nil && s.SchemaLoader != nil && s.Normalizer != nil {
			loaded, err := s.SchemaLoader.JSONSchema(ctx)
			if err != nil {
				yield(nil, errors.Wrap(err, "load schema"))
				return
			}
			schema = loaded
		}
		for rec, err := range s.Extractor.ExtractRecords(ctx, resp) {
			if err != nil {
				yield(nil, err)
				return
			}
			if err := ApplyTransformations(ctx, rec, slice, s.Transformations); err != nil {
				yield(nil, err)
				return
			}
			if s.Normalizer != nil && schema != nil {
				s.Normalizer.Normalize(rec, schema)
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
