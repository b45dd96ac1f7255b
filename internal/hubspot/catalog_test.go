package hubspot_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/config"
	"crmsync/internal/etl"
	"crmsync/internal/hubspot"
)

func crmAPI(t *testing.T) *fakeTransport {
	return &fakeTransport{handler: func(req *etl.Request) (*etl.Response, error) {
		switch {
		case strings.Contains(req.URL, "/crm/v3/properties/"):
			return response(t, `{"results": [
				{"name": "email", "type": "string"},
				{"name": "num_employees", "type": "number"},
				{"name": "hs_v2_date_entered_lead", "type": "datetime"}
			]}`), nil
		case strings.HasSuffix(req.URL, "/crm/v3/objects/contacts/search"):
			return response(t, `{"total": 2, "results": [
				{"id": "1", "updatedAt": "2024-01-02T00:00:00.000Z", "archived": false,
				 "properties": {"email": "a@example.com", "num_employees": "1,500", "hs_v2_date_entered_lead": "1700000000000"}},
				{"id": "2", "updatedAt": "2024-01-03T00:00:00.000Z", "archived": false,
				 "properties": {"email": "b@example.com", "num_employees": "", "hs_v2_date_entered_lead": null}}
			]}`), nil
		case strings.Contains(req.URL, "/crm/v4/associations/contacts/companies/"):
			return response(t, `{"results": [{"from": {"id": "1"}, "to": [{"toObjectId": 77}]}]}`), nil
		case strings.Contains(req.URL, "/crm/v4/associations/"):
			return response(t, `{"results": []}`), nil
		}
		t.Fatalf("unexpected request %s %s", req.Method, req.URL)
		return nil, nil
	}}
}

func testConfig() *config.Config {
	return &config.Config{
		StartDate: "2024-01-01T00:00:00Z",
		URLBase:   "https://api.example.com",
		PageSize:  100,
		CustomObjects: []config.CustomObject{{
			Name:       "2-123",
			Properties: []config.CustomProperty{{Name: "size", Type: "number"}},
		}},
	}
}

func TestCatalog_StreamNames(t *testing.T) {
	streams, err := hubspot.Catalog(testConfig(), crmAPI(t))
	require.NoError(t, err)

	names := make([]string, 0, len(streams))
	for _, st := range streams {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{
		"contacts", "contacts_property_history",
		"companies", "companies_property_history",
		"deals", "deals_property_history",
		"tickets",
		"engagements", "marketing_emails",
		"2-123",
	}, names)
}

func TestCatalog_ReadContacts(t *testing.T) {
	api := crmAPI(t)
	streams, err := hubspot.Catalog(testConfig(), api)
	require.NoError(t, err)
	selected, err := etl.SelectStreams(streams, []string{"contacts"})
	require.NoError(t, err)
	contacts := selected[0]

	slices, err := contacts.Retriever.StreamSlices(context.Background(), etl.StreamState{})
	require.NoError(t, err)
	require.Len(t, slices, 1)

	records, err := collect(t, contacts.Retriever.ReadRecords(context.Background(), slices[0]))
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, "1", first["id"])
	assert.Equal(t, []string{"77"}, first["companies"])
	assert.NotContains(t, first, "deals", "no association groups leaves the field unset")
	assert.Equal(t, "2024-01-02T00:00:00+00:00", first["updatedAt"])
	assert.Equal(t, int64(1500), first["properties_num_employees"])
	assert.Equal(t, "2023-11-14T22:13:20+00:00", first["properties_hs_v2_date_entered_lead"])

	props := first["properties"].(map[string]any)
	assert.Equal(t, int64(1500), props["num_employees"])
	assert.Equal(t, "1700000000000", props["hs_lifecyclestage_lead_date"], "legacy alias copies the raw value")

	second := records[1]
	assert.Nil(t, second["properties_num_employees"])
	assert.NotContains(t, second, "companies")

	search := api.requests("/crm/v3/objects/contacts/search")
	require.Len(t, search, 1)
	body := search[0].JSON.(map[string]any)
	assert.Equal(t, 100, body["limit"])
	assert.Equal(t, []string{"email", "num_employees", "hs_v2_date_entered_lead"}, body["properties"])
	filters := body["filterGroups"].([]map[string]any)[0]["filters"].([]map[string]any)
	require.Len(t, filters, 1)
	assert.Equal(t, "lastmodifieddate", filters[0]["propertyName"])

	// The properties endpoint is read once for schema and request properties.
	assert.Len(t, api.requests("/crm/v3/properties/contacts"), 1)

	schema, err := contacts.Schema.JSONSchema(context.Background())
	require.NoError(t, err)
	assert.Contains(t, schema.Properties, "companies")
	raw, err := json.Marshal(schema)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "properties_email")
}

func TestCatalog_InvalidStartDate(t *testing.T) {
	cfg := testConfig()
	cfg.StartDate = "not-a-date"
	_, err := hubspot.Catalog(cfg, crmAPI(t))
	require.Error(t, err)
}

func TestSource_Registered(t *testing.T) {
	src, err := etl.GetSource(hubspot.SourceType)
	require.NoError(t, err)
	assert.Equal(t, "HubSpot", src.Spec().Label)
	assert.NotNil(t, src.Spec().ConnectionSpecification)
}

func TestSource_Streams(t *testing.T) {
	src := &hubspot.Source{NewTransport: func(context.Context, *config.Config) (etl.Transport, error) {
		return crmAPI(t), nil
	}}
	streams, err := src.Streams(context.Background(), etl.SourceConfig{
		"credentials": map[string]any{"credentials_title": config.PrivateAppCredentials, "access_token": "pat"},
		"streams":     []any{"engagements", "contacts"},
	})
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, "engagements", streams[0].Name)

	_, err = src.Streams(context.Background(), etl.SourceConfig{
		"credentials": map[string]any{"credentials_title": config.PrivateAppCredentials},
	})
	require.Error(t, err)
}
