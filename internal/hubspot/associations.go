package hubspot

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"crmsync/internal/etl"
	"crmsync/internal/logger"
)

const (
	associationNameField = "association_name"
	recordIDsField       = "record_ids"
)

// AssociationsExtractor yields the entities found at FieldPath enriched with
// one field per association type holding the ids of related objects.
//
// Related ids come from a nested retriever that issues one batched
// associations read per association type. It is either supplied directly or
// built once, on first use, by NewRetriever.
type AssociationsExtractor struct {
	FieldPath []string
	Entity    string

	Associations     []string
	AssociationsFunc func() ([]string, error)

	Retriever    etl.Retriever
	NewRetriever func(entity string, associations []string) (etl.Retriever, error)

	once     sync.Once
	buildErr error
}

func (e *AssociationsExtractor) retriever() (etl.Retriever, error) {
	e.once.Do(func() {
		if e.Retriever != nil {
			return
		}
		if e.NewRetriever == nil {
			e.buildErr = errors.Newf("associations extractor for %s has no retriever", e.Entity)
			return
		}
		associations := e.Associations
		if e.AssociationsFunc != nil {
			a, err := e.AssociationsFunc()
			if err != nil {
				e.buildErr = errors.Wrap(err, "resolve association types")
				return
			}
			associations = a
		}
		e.Retriever, e.buildErr = e.NewRetriever(e.Entity, associations)
	})
	return e.Retriever, e.buildErr
}

func (e *AssociationsExtractor) ExtractRecords(ctx context.Context, resp *etl.Response) iter.Seq2[etl.Record, error] {
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

		byPK := orderedmap.New[string, etl.Record]()
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id, ok := etl.IDString(obj["id"])
			if !ok {
				yield(nil, errors.Wrapf(etl.ErrShape, "%s record without id", e.Entity))
				return
			}
			byPK.Set(id, etl.Record(obj))
		}
		if byPK.Len() == 0 {
			return
		}

		if err := e.enrich(ctx, byPK); err != nil {
			yield(nil, err)
			return
		}

		for pair := byPK.Oldest(); pair != nil; pair = pair.Next() {
			if !yield(pair.Value, nil) {
				return
			}
		}
	}
}

func (e *AssociationsExtractor) enrich(ctx context.Context, byPK *orderedmap.OrderedMap[string, etl.Record]) error {
	retriever, err := e.retriever()
	if err != nil {
		return err
	}

	ids := make([]string, 0, byPK.Len())
	for pair := byPK.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	stubs := lo.Map(ids, func(id string, _ int) map[string]any {
		rec, _ := byPK.Get(id)
		return map[string]any{"id": rec["id"]}
	})

	slices, err := retriever.StreamSlices(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "%s associations: slices", e.Entity)
	}
	for _, slice := range slices {
		slice = slice.WithExtraFields(map[string]any{recordIDsField: stubs})
		field := associationField(slice.GetString(associationNameField))
		if err := mergeAssociations(ctx, retriever, slice, field, byPK); err != nil {
			return errors.Wrapf(err, "%s associations %q", e.Entity, field)
		}
	}
	return nil
}

// mergeAssociations drains one association slice into byPK. The first group
// touching a record in this pass replaces the field; later groups append.
func mergeAssociations(ctx context.Context, retriever etl.Retriever, slice etl.StreamSlice, field string, byPK *orderedmap.OrderedMap[string, etl.Record]) error {
	touched := make(map[string]bool)
	for group, err := range retriever.ReadRecords(ctx, slice) {
		if err != nil {
			return err
		}
		from, _ := group["from"].(map[string]any)
		fromID, ok := etl.IDString(from["id"])
		if !ok {
			return errors.Wrap(etl.ErrShape, "association group without from.id")
		}
		rec, ok := byPK.Get(fromID)
		if !ok {
			logger.Logger.Warnw("association for unknown record", "field", field, "id", fromID)
			continue
		}

		to, _ := group["to"].([]any)
		related := make([]string, 0, len(to))
		for _, t := range to {
			obj, _ := t.(map[string]any)
			if id, ok := etl.IDString(obj["toObjectId"]); ok {
				related = append(related, id)
			}
		}

		if !touched[fromID] {
			touched[fromID] = true
			rec[field] = related
			continue
		}
		existing, _ := rec[field].([]string)
		rec[field] = append(existing, related...)
	}
	return nil
}

func associationField(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

// BuildAssociationsRetriever assembles the nested associations cycle: one
// POST /crm/v4/associations/{entity}/{association}/batch/read per association
// type with the slice's record ids as inputs, records selected from
// "results", no pagination.
func BuildAssociationsRetriever(transport etl.Transport, urlBase, entity string, associations []string) *etl.SimpleRetriever {
	return &etl.SimpleRetriever{
		Name: entity + "_associations",
		Requester: &etl.HTTPRequester{
			Name:      entity + "_associations",
			Transport: transport,
			URLBase:   urlBase,
			Method:    http.MethodPost,
			Path: func(_ context.Context, slice etl.StreamSlice, _ etl.PageToken) (string, error) {
				return fmt.Sprintf("/crm/v4/associations/%s/%s/batch/read", entity, slice.GetString(associationNameField)), nil
			},
			Body: func(_ context.Context, slice etl.StreamSlice, _ etl.PageToken) (any, error) {
				return map[string]any{"inputs": slice.ExtraFields[recordIDsField]}, nil
			},
		},
		Selector: &etl.RecordSelector{Extractor: &etl.DpathExtractor{FieldPath: []string{"results"}}},
		Slicer:   &etl.ListPartitionRouter{CursorField: associationNameField, Values: associations},
	}
}
