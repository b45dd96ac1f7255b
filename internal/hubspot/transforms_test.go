package hubspot_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/etl"
	"crmsync/internal/hubspot"
)

func TestLegacyFieldTransformation(t *testing.T) {
	tr := &hubspot.LegacyFieldTransformation{FieldMapping: hubspot.DefaultLegacyFieldMapping}
	rec := etl.Record{
		"id": "1",
		"properties": map[string]any{
			"hs_v2_date_entered_lead":      "2023-01-01",
			"hs_v2_date_exited_customer":   "2023-02-01",
			"hs_v2_time_in_opportunity":    "100",
			"hs_v2_date_entered_customer":  "2023-03-01",
			"hs_date_entered_customer":     "already-set",
			"firstname":                    "Ada",
		},
	}
	require.NoError(t, tr.Transform(context.Background(), rec, etl.StreamSlice{}))

	props := rec["properties"].(map[string]any)
	assert.Equal(t, "2023-01-01", props["hs_date_entered_lead"])
	assert.Equal(t, "2023-01-01", props["hs_lifecyclestage_lead_date"])
	assert.Equal(t, "2023-02-01", props["hs_date_exited_customer"])
	assert.Equal(t, "100", props["hs_time_in_opportunity"])
	assert.Equal(t, "already-set", props["hs_date_entered_customer"])
	assert.Equal(t, "2023-03-01", props["hs_lifecyclestage_customer_date"])
	assert.Equal(t, "Ada", props["firstname"])
	assert.NotContains(t, rec, "hs_date_entered_lead")
}

func TestLegacyFieldTransformation_FlatRecord(t *testing.T) {
	tr := &hubspot.LegacyFieldTransformation{FieldMapping: map[string]string{"hs_date_entered_": "hs_v2_date_entered_"}}
	rec := etl.Record{"hs_v2_date_entered_lead": "x", "hs_date_entered_other": nil, "hs_v2_date_entered_other": "y"}
	require.NoError(t, tr.Transform(context.Background(), rec, etl.StreamSlice{}))
	assert.Equal(t, "x", rec["hs_date_entered_lead"])
	assert.Equal(t, "y", rec["hs_date_entered_other"])
}

func TestFlattenAssociations(t *testing.T) {
	rec := etl.Record{
		"id": "1",
		"associations": map[string]any{
			"contacts":      map[string]any{"results": []any{map[string]any{"id": "5", "type": "x"}, map[string]any{"id": "6"}}},
			"deal products": map[string]any{"results": []any{}},
		},
	}
	require.NoError(t, hubspot.FlattenAssociations(context.Background(), rec, etl.StreamSlice{}))
	assert.NotContains(t, rec, "associations")
	assert.Equal(t, []any{"5", "6"}, rec["contacts"])
	assert.Equal(t, []any{}, rec["deal_products"])
}

func TestRenameProperties(t *testing.T) {
	rec := etl.Record{"email": map[string]any{"type": "string"}}
	require.NoError(t, hubspot.RenameProperties(context.Background(), rec, etl.StreamSlice{}))
	assert.Equal(t, map[string]any{"type": "string"}, rec["properties_email"])
	assert.NotContains(t, rec, "email")
	nested := rec["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"email": map[string]any{"type": "string"}}, nested["properties"])
}

func TestRenameProperties_ManyFields(t *testing.T) {
	rec := etl.Record{}
	want := map[string]any{}
	for i := range 20 {
		name := fmt.Sprintf("p%d", i)
		rec[name] = map[string]any{"type": "string"}
		want[name] = map[string]any{"type": "string"}
	}
	require.NoError(t, hubspot.RenameProperties(context.Background(), rec, etl.StreamSlice{}))

	nested := rec["properties"].(map[string]any)
	assert.Equal(t, want, nested["properties"])
	require.Len(t, rec, len(want)+1)
	for name, value := range want {
		assert.Equal(t, value, rec["properties_"+name])
		assert.NotContains(t, rec, name)
	}
}

func TestFlattenProperties(t *testing.T) {
	rec := etl.Record{"properties": map[string]any{"email": "a@b.c"}}
	require.NoError(t, hubspot.FlattenProperties(context.Background(), rec, etl.StreamSlice{}))
	assert.Equal(t, "a@b.c", rec["properties_email"])
}

func TestAddFieldsFromEndpoint(t *testing.T) {
	tr := &fakeTransport{handler: func(req *etl.Request) (*etl.Response, error) {
		return &etl.Response{Body: map[string]any{"stats": map[string]any{"counters": map[string]any{"sent": json.Number("10")}}}}, nil
	}}
	add := &hubspot.AddFieldsFromEndpoint{
		Requester: &etl.HTTPRequester{
			Transport: tr,
			URLBase:   "https://api.example.com",
			Path: func(_ context.Context, s etl.StreamSlice, _ etl.PageToken) (string, error) {
				return "/emails/" + s.GetString("parent_id"), nil
			},
		},
		Selector: &etl.RecordSelector{Extractor: &etl.DpathExtractor{FieldPath: []string{"stats"}}},
	}
	rec := etl.Record{"id": json.Number("99"), "name": "launch"}
	require.NoError(t, add.Transform(context.Background(), rec, etl.StreamSlice{}))
	assert.Equal(t, "launch", rec["name"])
	assert.Equal(t, map[string]any{"sent": json.Number("10")}, rec["counters"])
	require.Len(t, tr.reqs, 1)
	assert.Equal(t, "https://api.example.com/emails/99", tr.reqs[0].URL)
}

func TestDeclarativeTransformations(t *testing.T) {
	ts, err := etl.BuildTransformations([]etl.TransformConfig{
		{Type: "legacy_fields", Config: map[string]any{"mapping": map[string]any{"old_": "new_"}}},
		{Type: "flatten_associations"},
		{Type: "flatten_properties"},
	})
	require.NoError(t, err)
	rec := etl.Record{"new_a": 1}
	require.NoError(t, etl.ApplyTransformations(context.Background(), rec, etl.StreamSlice{}, ts))
	assert.Equal(t, 1, rec["old_a"])
}
