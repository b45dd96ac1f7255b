package hubspot

import (
	"context"
	"encoding/json"
	"iter"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"crmsync/internal/etl"
	"crmsync/internal/logger"
)

const (
	jsonSchemaDraft  = "http://json-schema.org/draft-07/schema#"
	propertiesPrefix = "properties_"
)

// PropertyDescriptor is one entry of the properties endpoint: a property name
// and the API type token describing its values.
type PropertyDescriptor struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
}

// FieldSchema maps an API type token to a nullable schema node. Unknown tokens
// fall back to a nullable string.
func FieldSchema(desc PropertyDescriptor) *etl.Schema {
	switch desc.Type {
	case "string", "enumeration", "phone_number", "object_coordinates", "json":
		return &etl.Schema{Type: etl.Nullable(etl.TypeString)}
	case "datetime", "date-time":
		return &etl.Schema{Type: etl.Nullable(etl.TypeString), Format: etl.FormatDateTime}
	case "date":
		return &etl.Schema{Type: etl.Nullable(etl.TypeString), Format: etl.FormatDate}
	case "number":
		return &etl.Schema{Type: etl.Nullable(etl.TypeNumber)}
	case "boolean", "bool":
		return &etl.Schema{Type: etl.Nullable(etl.TypeBoolean)}
	default:
		logger.Logger.Warnw("unsupported property type, falling back to string",
			"property", desc.Name, "type", desc.Type)
		return &etl.Schema{Type: etl.Nullable(etl.TypeString)}
	}
}

// SynthesizeSchema builds the record schema of a CRM object from its property
// descriptors: the fixed top-level fields, a nested properties object, and a
// flattened properties_<name> field per descriptor.
func SynthesizeSchema(descs []PropertyDescriptor) *etl.Schema {
	nested := make(map[string]*etl.Schema, len(descs))
	for _, d := range descs {
		nested[d.Name] = FieldSchema(d)
	}

	props := map[string]*etl.Schema{
		"id":        {Type: etl.Nullable(etl.TypeString)},
		"createdAt": {Type: etl.Nullable(etl.TypeString), Format: etl.FormatDateTime},
		"updatedAt": {Type: etl.Nullable(etl.TypeString), Format: etl.FormatDateTime},
		"archived":  {Type: etl.Nullable(etl.TypeBoolean)},
		"properties": {
			Type:       etl.Nullable(etl.TypeObject),
			Properties: nested,
		},
	}
	for name, field := range nested {
		flat := *field
		props[propertiesPrefix+name] = &flat
	}

	return &etl.Schema{
		Draft:                jsonSchemaDraft,
		Type:                 etl.Nullable(etl.TypeObject),
		AdditionalProperties: lo.ToPtr(true),
		Properties:           props,
	}
}

// WithAssociations adds one nullable string-array field per association type.
func WithAssociations(schema *etl.Schema, associations []string) *etl.Schema {
	for _, a := range associations {
		schema.Properties[associationField(a)] = &etl.Schema{
			Type:  etl.Nullable(etl.TypeArray),
			Items: &etl.Schema{Type: etl.TypeSet{etl.TypeString}},
		}
	}
	return schema
}

// CustomObjectsSchemaLoader serves a schema synthesized from descriptors that
// were already fetched with the custom object definition.
type CustomObjectsSchemaLoader struct {
	Properties   []PropertyDescriptor
	Associations []string
}

func (l *CustomObjectsSchemaLoader) JSONSchema(context.Context) (*etl.Schema, error) {
	return WithAssociations(SynthesizeSchema(l.Properties), l.Associations), nil
}

// SchemaExtractor wraps the whole results list of a properties response into a
// single {"properties": [...]} record.
type SchemaExtractor struct {
	FieldPath []string
}

func (e *SchemaExtractor) ExtractRecords(_ context.Context, resp *etl.Response) iter.Seq2[etl.Record, error] {
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
		if items == nil {
			items = []any{}
		}
		yield(etl.Record{"properties": items}, nil)
	}
}

// DescriptorsFromRecord decodes the property list of a SchemaExtractor record.
func DescriptorsFromRecord(rec etl.Record) ([]PropertyDescriptor, error) {
	raw, err := json.Marshal(rec["properties"])
	if err != nil {
		return nil, errors.Wrap(err, "encode property descriptors")
	}
	var descs []PropertyDescriptor
	if err := json.Unmarshal(raw, &descs); err != nil {
		return nil, errors.Wrapf(etl.ErrShape, "property descriptors: %v", err)
	}
	return descs, nil
}

// DynamicSchemaLoader reads an object's property descriptors from the
// properties endpoint once and synthesizes its schema from them.
type DynamicSchemaLoader struct {
	Retriever    etl.Retriever
	Associations []string

	once   sync.Once
	descs  []PropertyDescriptor
	schema *etl.Schema
	err    error
}

func (l *DynamicSchemaLoader) load(ctx context.Context) {
	l.once.Do(func() {
		slices, err := l.Retriever.StreamSlices(ctx, nil)
		if err != nil {
			l.err = errors.Wrap(err, "properties slices")
			return
		}
		for _, slice := range slices {
			for rec, err := range l.Retriever.ReadRecords(ctx, slice) {
				if err != nil {
					l.err = errors.Wrap(err, "read properties")
					return
				}
				descs, err := DescriptorsFromRecord(rec)
				if err != nil {
					l.err = err
					return
				}
				l.descs = append(l.descs, descs...)
			}
		}
		l.schema = WithAssociations(SynthesizeSchema(l.descs), l.Associations)
	})
}

func (l *DynamicSchemaLoader) JSONSchema(ctx context.Context) (*etl.Schema, error) {
	l.load(ctx)
	return l.schema, l.err
}

// PropertyNames returns the descriptor names, the property list requested
// from search endpoints.
func (l *DynamicSchemaLoader) PropertyNames(ctx context.Context) ([]string, error) {
	l.load(ctx)
	if l.err != nil {
		return nil, l.err
	}
	return lo.Map(l.descs, func(d PropertyDescriptor, _ int) string { return d.Name }), nil
}
