package etl

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// ── Transformations ────────────────────────────────────────
// Transformations rewrite records in place between extraction and normalization.
// They are composable and run in declaration order.

// RecordTransformation mutates a record in place.
type RecordTransformation interface {
	Transform(ctx context.Context, rec Record, slice StreamSlice) error
}

// TransformationFunc adapts a plain function to the RecordTransformation interface.
type TransformationFunc func(ctx context.Context, rec Record, slice StreamSlice) error

func (f TransformationFunc) Transform(ctx context.Context, rec Record, slice StreamSlice) error {
	return f(ctx, rec, slice)
}

// ApplyTransformations runs a chain of transformations on a record.
func ApplyTransformations(ctx context.Context, rec Record, slice StreamSlice, ts []RecordTransformation) error {
	for _, t := range ts {
		if err := t.Transform(ctx, rec, slice); err != nil {
			return err
		}
	}
	return nil
}

// ── Built-in Transforms ────────────────────────────────────

// RenameTransform renames fields in a record.
type RenameTransform struct {
	Mapping map[string]string // oldName → newName
}

func (t *RenameTransform) Transform(_ context.Context, rec Record, _ StreamSlice) error {
	for old, new_ := range t.Mapping {
		if v, ok := rec[old]; ok {
			rec[new_] = v
			delete(rec, old)
		}
	}
	return nil
}

// RemoveFieldsTransform drops the listed fields.
type RemoveFieldsTransform struct {
	Fields []string
}

func (t *RemoveFieldsTransform) Transform(_ context.Context, rec Record, _ StreamSlice) error {
	for _, f := range t.Fields {
		delete(rec, f)
	}
	return nil
}

// ── Declarative registry ───────────────────────────────────

// TransformConfig is a declarative transformation definition (stored as JSON).
type TransformConfig struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

// TransformationFactory builds a transformation from its declarative config.
type TransformationFactory func(cfg map[string]any) (RecordTransformation, error)

var (
	transformsMu sync.RWMutex
	transforms   = map[string]TransformationFactory{}
)

// RegisterTransformation makes a transformation type available to BuildTransformations.
func RegisterTransformation(typ string, f TransformationFactory) {
	transformsMu.Lock()
	defer transformsMu.Unlock()
	transforms[typ] = f
}

// TransformationTypes lists the registered declarative transformation types.
func TransformationTypes() []string {
	transformsMu.RLock()
	defer transformsMu.RUnlock()
	types := make([]string, 0, len(transforms))
	for t := range transforms {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// BuildTransformations converts declarative configs into transformation instances.
func BuildTransformations(configs []TransformConfig) ([]RecordTransformation, error) {
	transformsMu.RLock()
	defer transformsMu.RUnlock()

	ts := make([]RecordTransformation, 0, len(configs))
	for i, tc := range configs {
		factory, ok := transforms[tc.Type]
		if !ok {
			return nil, errors.Newf("transform %d: unknown type %q", i, tc.Type)
		}
		t, err := factory(tc.Config)
		if err != nil {
			return nil, errors.Wrapf(err, "transform %d (%s)", i, tc.Type)
		}
		ts = append(ts, t)
	}
	return ts, nil
}

func init() {
	RegisterTransformation("rename", func(cfg map[string]any) (RecordTransformation, error) {
		mapping, ok := cfg["mapping"].(map[string]any)
		if !ok {
			return nil, errors.New("rename requires a mapping object")
		}
		m := make(map[string]string, len(mapping))
		for k, v := range mapping {
			m[k] = fmt.Sprint(v)
		}
		return &RenameTransform{Mapping: m}, nil
	})
	RegisterTransformation("remove_fields", func(cfg map[string]any) (RecordTransformation, error) {
		raw, ok := cfg["fields"].([]any)
		if !ok {
			return nil, errors.New("remove_fields requires a fields list")
		}
		fields := make([]string, 0, len(raw))
		for _, f := range raw {
			fields = append(fields, fmt.Sprint(f))
		}
		return &RemoveFieldsTransform{Fields: fields}, nil
	})
}
