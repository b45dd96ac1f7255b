package etl

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
)

// ── Record ─────────────────────────────────────────────────
// Common intermediate data format.
// All extractors emit Records, all destinations consume Records.
// Inspired by the Airbyte record protocol / Singer record message.

// Record is a single entity instance flowing through the pipeline.
// Transformations mutate it in place.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ── Schema ─────────────────────────────────────────────────

// Type names used in Schema.Type.
const (
	TypeNull    = "null"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// Formats understood by schema normalization.
const (
	FormatDate     = "date"
	FormatDateTime = "date-time"
)

// TypeSet is the JSON-schema `type` keyword. It unmarshals from either a single
// string or a list of strings and always marshals as a list.
type TypeSet []string

// Has reports whether t is one of the declared types.
func (ts TypeSet) Has(t string) bool {
	for _, v := range ts {
		if v == t {
			return true
		}
	}
	return false
}

func (ts *TypeSet) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*ts = TypeSet{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.Wrap(err, "schema type must be a string or a list of strings")
	}
	*ts = many
	return nil
}

// Nullable builds a TypeSet of null plus t.
func Nullable(t string) TypeSet { return TypeSet{TypeNull, t} }

// Schema is a JSON-schema node. The root node of a stream schema and every nested
// property share this shape.
type Schema struct {
	Draft                string             `json:"$schema,omitempty"`
	Type                 TypeSet            `json:"type,omitempty"`
	Format               string             `json:"format,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`

	// ApplyCastDatetime set to false disables date/date-time normalization
	// for the field.
	ApplyCastDatetime *bool `json:"__ab_apply_cast_datetime,omitempty"`
}

// AllowsNull reports whether the node declares the null type.
func (s *Schema) AllowsNull() bool { return s.Type.Has(TypeNull) }

// CastsDatetime reports whether date/date-time values should be re-rendered.
func (s *Schema) CastsDatetime() bool {
	return s.ApplyCastDatetime == nil || *s.ApplyCastDatetime
}

// FieldNames returns the sorted top-level property names.
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ── Id helpers ─────────────────────────────────────────────

// IDString renders an entity id as a string. The API returns ids as JSON numbers
// or numeric strings; both normalize to the same decimal text.
func IDString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case json.Number:
		return id.String(), true
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	default:
		return "", false
	}
}

// IDInt interprets an entity id as an integer.
func IDInt(v any) (int64, error) {
	s, ok := IDString(v)
	if !ok {
		return 0, errors.Newf("id %v is not a string or number", v)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "id %q is not an integer", s)
	}
	return n, nil
}
