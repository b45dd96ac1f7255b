package hubspot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"crmsync/internal/etl"
)

// DefaultLegacyFieldMapping maps legacy property name fragments to the v2
// fragments that replaced them.
var DefaultLegacyFieldMapping = map[string]string{
	"hs_lifecyclestage_": "hs_v2_date_entered_",
	"hs_date_entered_":   "hs_v2_date_entered_",
	"hs_date_exited_":    "hs_v2_date_exited_",
	"hs_time_in_":        "hs_v2_time_in_",
}

const lifecycleStagePrefix = "hs_lifecyclestage_"

// LegacyFieldTransformation copies every v2 property under its legacy name so
// records keep the fields older syncs produced. Existing legacy values are
// never overwritten. Records carrying a nested properties object are rewritten
// inside it.
type LegacyFieldTransformation struct {
	// FieldMapping is keyed by legacy fragment; values are the new fragments.
	FieldMapping map[string]string
}

func (t *LegacyFieldTransformation) Transform(_ context.Context, rec etl.Record, _ etl.StreamSlice) error {
	target := map[string]any(rec)
	if props, ok := rec["properties"].(map[string]any); ok {
		target = props
	}

	legacyKeys := lo.Keys(t.FieldMapping)
	sort.Strings(legacyKeys)
	fields := lo.Keys(target)
	sort.Strings(fields)

	for _, field := range fields {
		value := target[field]
		for _, legacy := range legacyKeys {
			current := t.FieldMapping[legacy]
			if !strings.Contains(field, current) {
				continue
			}
			name := strings.ReplaceAll(field, current, legacy)
			if legacy == lifecycleStagePrefix && !strings.HasSuffix(name, "_date") {
				name += "_date"
			}
			if existing, ok := target[name]; !ok || existing == nil {
				target[name] = value
			}
		}
	}
	return nil
}

// FlattenAssociations replaces the associations object of a record with one
// top-level id list per association type.
func FlattenAssociations(_ context.Context, rec etl.Record, _ etl.StreamSlice) error {
	raw, ok := rec["associations"]
	if !ok {
		return nil
	}
	delete(rec, "associations")
	associations, _ := raw.(map[string]any)
	for name, v := range associations {
		assoc, _ := v.(map[string]any)
		results, _ := assoc["results"].([]any)
		ids := make([]any, 0, len(results))
		for _, r := range results {
			if row, ok := r.(map[string]any); ok {
				ids = append(ids, row["id"])
			}
		}
		rec[associationField(name)] = ids
	}
	return nil
}

// RenameProperties nests every field of a flat record under a properties
// schema object and mirrors each one as a top-level properties_<name> field.
func RenameProperties(_ context.Context, rec etl.Record, _ etl.StreamSlice) error {
	nested := make(map[string]any, len(rec))
	for name, value := range rec {
		nested[name] = value
	}
	clear(rec)
	for name, value := range nested {
		rec[propertiesPrefix+name] = value
	}
	rec["properties"] = map[string]any{
		"type":       etl.Nullable(etl.TypeObject),
		"properties": nested,
	}
	return nil
}

// FlattenProperties mirrors each entry of the nested properties object as a
// top-level properties_<name> field.
func FlattenProperties(_ context.Context, rec etl.Record, _ etl.StreamSlice) error {
	props, ok := rec["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for name, value := range props {
		rec[propertiesPrefix+name] = value
	}
	return nil
}

// AddFieldsFromEndpoint merges the fields of a per-record endpoint into each
// record. The request is scoped by a parent_id partition carrying the record id.
type AddFieldsFromEndpoint struct {
	Requester etl.Requester
	Selector  *etl.RecordSelector
}

func (t *AddFieldsFromEndpoint) Transform(ctx context.Context, rec etl.Record, _ etl.StreamSlice) error {
	id, ok := etl.IDString(rec["id"])
	if !ok {
		return errors.Wrap(etl.ErrShape, "record without id")
	}
	slice := etl.StreamSlice{Partition: map[string]any{"parent_id": id}}
	resp, err := t.Requester.SendRequest(ctx, slice, nil)
	if err != nil {
		return errors.Wrapf(err, "fetch fields for %s", id)
	}
	for extra, err := range t.Selector.SelectRecords(ctx, resp, slice) {
		if err != nil {
			return err
		}
		for k, v := range extra {
			rec[k] = v
		}
	}
	return nil
}

func init() {
	etl.RegisterTransformation("legacy_fields", func(cfg map[string]any) (etl.RecordTransformation, error) {
		mapping := DefaultLegacyFieldMapping
		if raw, ok := cfg["mapping"].(map[string]any); ok {
			mapping = make(map[string]string, len(raw))
			for k, v := range raw {
				mapping[k] = fmt.Sprint(v)
			}
		}
		return &LegacyFieldTransformation{FieldMapping: mapping}, nil
	})
	etl.RegisterTransformation("flatten_associations", func(map[string]any) (etl.RecordTransformation, error) {
		return etl.TransformationFunc(FlattenAssociations), nil
	})
	etl.RegisterTransformation("flatten_properties", func(map[string]any) (etl.RecordTransformation, error) {
		return etl.TransformationFunc(FlattenProperties), nil
	})
	etl.RegisterTransformation("rename_properties", func(map[string]any) (etl.RecordTransformation, error) {
		return etl.TransformationFunc(RenameProperties), nil
	})
}
