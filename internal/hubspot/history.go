package hubspot

import (
	"context"
	"iter"
	"sort"

	"crmsync/internal/etl"
)

// lastModifiedProperty changes together with every other property, so its
// history would duplicate every change event.
const lastModifiedProperty = "hs_lastmodifieddate"

// PropertyHistoryExtractor turns each entity's propertiesWithHistory into one
// record per historical property version.
type PropertyHistoryExtractor struct {
	FieldPath []string
	// EntityPrimaryKey names the output field carrying the entity id,
	// e.g. "contactId".
	EntityPrimaryKey string
	// AdditionalKeys are entity fields copied onto every version.
	AdditionalKeys []string
}

func (e *PropertyHistoryExtractor) ExtractRecords(_ context.Context, resp *etl.Response) iter.Seq2[etl.Record, error] {
	return func(yield func(etl.Record, error) bool) {
		var body any
		if resp != nil {
			body = resp.Body
		}
		items, err := etl.ExtractList(body, e.FieldPath)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, item := range items {
			entity, ok := item.(map[string]any)
			if !ok {
				continue
			}
			for rec := range e.versions(entity) {
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

func (e *PropertyHistoryExtractor) versions(entity map[string]any) iter.Seq[etl.Record] {
	return func(yield func(etl.Record) bool) {
		history, _ := entity["propertiesWithHistory"].(map[string]any)
		names := make([]string, 0, len(history))
		for name := range history {
			if name != lastModifiedProperty {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		extra := make(map[string]any, len(e.AdditionalKeys))
		for _, key := range e.AdditionalKeys {
			extra[key] = entity[key]
		}

		for _, name := range names {
			versions, _ := history[name].([]any)
			for _, v := range versions {
				version, ok := v.(map[string]any)
				if !ok {
					continue
				}
				rec := make(etl.Record, len(version)+len(extra)+2)
				for k, val := range version {
					rec[k] = val
				}
				rec["property"] = name
				rec[e.EntityPrimaryKey] = entity["id"]
				for k, val := range extra {
					rec[k] = val
				}
				if !yield(rec) {
					return
				}
			}
		}
	}
}
