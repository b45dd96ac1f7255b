package hubspot_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/etl"
	"crmsync/internal/hubspot"
)

func TestFieldSchema(t *testing.T) {
	tests := []struct {
		token  string
		typ    string
		format string
	}{
		{"string", etl.TypeString, ""},
		{"enumeration", etl.TypeString, ""},
		{"phone_number", etl.TypeString, ""},
		{"object_coordinates", etl.TypeString, ""},
		{"json", etl.TypeString, ""},
		{"datetime", etl.TypeString, etl.FormatDateTime},
		{"date-time", etl.TypeString, etl.FormatDateTime},
		{"date", etl.TypeString, etl.FormatDate},
		{"number", etl.TypeNumber, ""},
		{"boolean", etl.TypeBoolean, ""},
		{"bool", etl.TypeBoolean, ""},
		{"currency_number", etl.TypeString, ""},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			s := hubspot.FieldSchema(hubspot.PropertyDescriptor{Name: "f", Type: tt.token})
			assert.Equal(t, etl.Nullable(tt.typ), s.Type)
			assert.Equal(t, tt.format, s.Format)
		})
	}
}

func TestSynthesizeSchema(t *testing.T) {
	schema := hubspot.SynthesizeSchema([]hubspot.PropertyDescriptor{
		{Name: "email", Type: "string"},
		{Name: "closedate", Type: "date"},
	})

	assert.Equal(t, "http://json-schema.org/draft-07/schema#", schema.Draft)
	require.NotNil(t, schema.AdditionalProperties)
	assert.True(t, *schema.AdditionalProperties)
	assert.Equal(t, []string{
		"archived", "createdAt", "id", "properties", "properties_closedate", "properties_email", "updatedAt",
	}, schema.FieldNames())

	assert.Equal(t, etl.FormatDateTime, schema.Properties["createdAt"].Format)
	assert.Equal(t, etl.Nullable(etl.TypeBoolean), schema.Properties["archived"].Type)

	nested := schema.Properties["properties"]
	assert.Equal(t, etl.Nullable(etl.TypeObject), nested.Type)
	assert.Equal(t, []string{"closedate", "email"}, nested.FieldNames())
	assert.Equal(t, etl.FormatDate, nested.Properties["closedate"].Format)
	assert.Equal(t, etl.FormatDate, schema.Properties["properties_closedate"].Format)

	raw, err := json.Marshal(schema)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"$schema":"http://json-schema.org/draft-07/schema#"`)
	assert.Contains(t, string(raw), `"type":["null","object"]`)
}

func TestCustomObjectsSchemaLoader(t *testing.T) {
	loader := &hubspot.CustomObjectsSchemaLoader{
		Properties:   []hubspot.PropertyDescriptor{{Name: "size", Type: "number"}},
		Associations: []string{"contacts", "line items"},
	}
	schema, err := loader.JSONSchema(context.Background())
	require.NoError(t, err)
	assert.Contains(t, schema.Properties, "properties_size")
	assert.Contains(t, schema.Properties, "contacts")
	assert.Contains(t, schema.Properties, "line_items")
	assert.Equal(t, etl.Nullable(etl.TypeArray), schema.Properties["contacts"].Type)
}

func TestDynamicSchemaLoader(t *testing.T) {
	tr := &fakeTransport{handler: func(req *etl.Request) (*etl.Response, error) {
		return &etl.Response{Body: map[string]any{"results": []any{
			map[string]any{"name": "dealname", "type": "string", "label": "Deal name"},
			map[string]any{"name": "amount", "type": "number"},
		}}}, nil
	}}
	loader := &hubspot.DynamicSchemaLoader{
		Retriever: &etl.SimpleRetriever{
			Requester: &etl.HTTPRequester{Transport: tr, URLBase: "https://api.example.com", Path: etl.StaticPath("/crm/v3/properties/deals")},
			Selector:  &etl.RecordSelector{Extractor: &hubspot.SchemaExtractor{FieldPath: []string{"results"}}},
		},
	}

	names, err := loader.PropertyNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dealname", "amount"}, names)

	schema, err := loader.JSONSchema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, etl.Nullable(etl.TypeNumber), schema.Properties["properties_amount"].Type)

	assert.Len(t, tr.reqs, 1)
	assert.Equal(t, "https://api.example.com/crm/v3/properties/deals", tr.reqs[0].URL)
}
