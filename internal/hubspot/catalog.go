package hubspot

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"crmsync/internal/config"
	"crmsync/internal/etl"
)

// crmObject describes a standard CRM object type.
type crmObject struct {
	Entity       string
	Associations []string
	// LastModified is the modification timestamp property used by search filters.
	LastModified string
	// HistoryKey names the entity id in property history records; empty
	// objects have no history stream.
	HistoryKey string
	Legacy     bool
}

var crmObjects = []crmObject{
	{Entity: "contacts", Associations: []string{"companies", "deals"}, LastModified: "lastmodifieddate", HistoryKey: "contactId", Legacy: true},
	{Entity: "companies", Associations: []string{"contacts"}, LastModified: "hs_lastmodifieddate", HistoryKey: "companyId"},
	{Entity: "deals", Associations: []string{"contacts", "companies", "line_items"}, LastModified: "hs_lastmodifieddate", HistoryKey: "dealId", Legacy: true},
	{Entity: "tickets", Associations: []string{"contacts", "companies", "deals"}, LastModified: "hs_lastmodifieddate"},
}

const (
	updatedAtField   = "updatedAt"
	historyPageLimit = 50
)

// Catalog builds every stream of cfg on top of transport.
func Catalog(cfg *config.Config, transport etl.Transport) ([]*etl.Stream, error) {
	b, err := newCatalogBuilder(cfg, transport)
	if err != nil {
		return nil, err
	}

	var streams []*etl.Stream
	for _, obj := range crmObjects {
		st, err := b.searchStream(obj)
		if err != nil {
			return nil, err
		}
		streams = append(streams, st)
		if obj.HistoryKey != "" {
			hist, err := b.historyStream(obj)
			if err != nil {
				return nil, err
			}
			streams = append(streams, hist)
		}
	}

	eng, err := b.engagementsStream()
	if err != nil {
		return nil, err
	}
	streams = append(streams, eng, b.marketingEmailsStream())

	for _, obj := range cfg.CustomObjects {
		st, err := b.customObjectStream(obj)
		if err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}
	return streams, nil
}

type catalogBuilder struct {
	cfg       *config.Config
	transport etl.Transport
	startDate time.Time
	legacy    map[string]string
	loaders   map[string]*DynamicSchemaLoader
}

func newCatalogBuilder(cfg *config.Config, transport etl.Transport) (*catalogBuilder, error) {
	start := cfg.StartDate
	if start == "" {
		start = DefaultStartDate
	}
	t, ok := ParseDatetime(start)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidStartDate, "%q", start)
	}
	legacy := cfg.LegacyFieldMapping
	if len(legacy) == 0 {
		legacy = DefaultLegacyFieldMapping
	}
	return &catalogBuilder{
		cfg:       cfg,
		transport: transport,
		startDate: t,
		legacy:    legacy,
		loaders:   make(map[string]*DynamicSchemaLoader),
	}, nil
}

func (b *catalogBuilder) startDateString() string {
	if b.cfg.StartDate == "" {
		return DefaultStartDate
	}
	return b.cfg.StartDate
}

func (b *catalogBuilder) migration(cursorField, cursorFormat string) (etl.StateMigration, error) {
	return NewMigrateEmptyStringState(cursorField, b.startDateString(), cursorFormat)
}

// propertiesLoader returns the shared schema loader of an entity; search and
// history streams request the same property list.
func (b *catalogBuilder) propertiesLoader(obj crmObject) *DynamicSchemaLoader {
	if l, ok := b.loaders[obj.Entity]; ok {
		return l
	}
	l := &DynamicSchemaLoader{
		Retriever: &etl.SimpleRetriever{
			Name: obj.Entity + "_properties",
			Requester: &etl.HTTPRequester{
				Name:      obj.Entity + "_properties",
				Transport: b.transport,
				URLBase:   b.cfg.URLBase,
				Path:      etl.StaticPath("/crm/v3/properties/" + obj.Entity),
			},
			Selector: &etl.RecordSelector{Extractor: &SchemaExtractor{FieldPath: []string{"results"}}},
		},
		Associations: obj.Associations,
	}
	b.loaders[obj.Entity] = l
	return l
}

func (b *catalogBuilder) searchPageSize() int {
	return min(max(b.cfg.PageSize, 1), searchPageLimit)
}

func (b *catalogBuilder) searchStream(obj crmObject) (*etl.Stream, error) {
	loader := b.propertiesLoader(obj)
	migration, err := b.migration(updatedAtField, "")
	if err != nil {
		return nil, err
	}

	var transforms []etl.RecordTransformation
	if obj.Legacy {
		transforms = append(transforms, &LegacyFieldTransformation{FieldMapping: b.legacy})
	}
	transforms = append(transforms, etl.TransformationFunc(FlattenProperties))

	transport, urlBase := b.transport, b.cfg.URLBase
	return &etl.Stream{
		Name:        obj.Entity,
		PrimaryKey:  []string{"id"},
		CursorField: updatedAtField,
		Retriever: &etl.SimpleRetriever{
			Name: obj.Entity,
			Requester: &CRMSearchRequester{
				Transport:            transport,
				URLBase:              urlBase,
				Entity:               obj.Entity,
				LastModifiedProperty: obj.LastModified,
				PageSize:             b.searchPageSize(),
				Properties:           loader.PropertyNames,
			},
			Selector: &etl.RecordSelector{
				Extractor: &AssociationsExtractor{
					FieldPath:    []string{"results"},
					Entity:       obj.Entity,
					Associations: obj.Associations,
					NewRetriever: func(entity string, associations []string) (etl.Retriever, error) {
						return BuildAssociationsRetriever(transport, urlBase, entity, associations), nil
					},
				},
				Transformations: transforms,
				Normalizer:      EntitySchemaNormalization{},
				SchemaLoader:    loader,
			},
			Paginator: &CRMSearchPagination{PageSize: b.searchPageSize()},
			Slicer:    &etl.SingleWindowSlicer{CursorField: updatedAtField, StartDate: b.startDate},
		},
		Schema:                loader,
		StateMigrations:       []etl.StateMigration{migration},
		ClientSideIncremental: true,
	}, nil
}

var historySchema = &etl.Schema{
	Draft:                jsonSchemaDraft,
	Type:                 etl.Nullable(etl.TypeObject),
	AdditionalProperties: lo.ToPtr(true),
	Properties: map[string]*etl.Schema{
		"value":           {Type: etl.Nullable(etl.TypeString)},
		"timestamp":       {Type: etl.Nullable(etl.TypeString), Format: etl.FormatDateTime},
		"sourceType":      {Type: etl.Nullable(etl.TypeString)},
		"sourceId":        {Type: etl.Nullable(etl.TypeString)},
		"sourceLabel":     {Type: etl.Nullable(etl.TypeString)},
		"updatedByUserId": {Type: etl.Nullable(etl.TypeNumber)},
		"property":        {Type: etl.Nullable(etl.TypeString)},
		"archived":        {Type: etl.Nullable(etl.TypeBoolean)},
	},
}

func (b *catalogBuilder) historyStream(obj crmObject) (*etl.Stream, error) {
	loader := b.propertiesLoader(obj)
	migration, err := b.migration("timestamp", "")
	if err != nil {
		return nil, err
	}

	schema := *historySchema
	schema.Properties = lo.Assign(historySchema.Properties, map[string]*etl.Schema{
		obj.HistoryKey: {Type: etl.Nullable(etl.TypeString)},
	})

	return &etl.Stream{
		Name:        obj.Entity + "_property_history",
		PrimaryKey:  []string{obj.HistoryKey, "property", "timestamp"},
		CursorField: "timestamp",
		Retriever: &etl.SimpleRetriever{
			Name: obj.Entity + "_property_history",
			Requester: &etl.HTTPRequester{
				Name:      obj.Entity + "_property_history",
				Transport: b.transport,
				URLBase:   b.cfg.URLBase,
				Path:      etl.StaticPath("/crm/v3/objects/" + obj.Entity),
				Params: func(ctx context.Context, _ etl.StreamSlice, token etl.PageToken) (url.Values, error) {
					names, err := loader.PropertyNames(ctx)
					if err != nil {
						return nil, err
					}
					params := url.Values{
						"limit":                 {strconv.Itoa(historyPageLimit)},
						"archived":              {"false"},
						"propertiesWithHistory": {strings.Join(names, ",")},
					}
					if after, ok := token[afterKey]; ok {
						params.Set(afterKey, fmt.Sprint(after))
					}
					return params, nil
				},
			},
			Selector: &etl.RecordSelector{
				Extractor: &PropertyHistoryExtractor{
					FieldPath:        []string{"results"},
					EntityPrimaryKey: obj.HistoryKey,
					AdditionalKeys:   []string{"archived"},
				},
				Normalizer: EntitySchemaNormalization{},
				Schema:     &schema,
			},
			Paginator: AfterCursorPagination{},
		},
		Schema:                etl.StaticSchema{Schema: &schema},
		StateMigrations:       []etl.StateMigration{migration},
		ClientSideIncremental: true,
	}, nil
}

var engagementsSchema = &etl.Schema{
	Draft:                jsonSchemaDraft,
	Type:                 etl.Nullable(etl.TypeObject),
	AdditionalProperties: lo.ToPtr(true),
	Properties: map[string]*etl.Schema{
		"id":           {Type: etl.Nullable(etl.TypeInteger)},
		"createdAt":    {Type: etl.Nullable(etl.TypeInteger)},
		"lastUpdated":  {Type: etl.Nullable(etl.TypeInteger)},
		"type":         {Type: etl.Nullable(etl.TypeString)},
		"engagement":   {Type: etl.Nullable(etl.TypeObject)},
		"associations": {Type: etl.Nullable(etl.TypeObject)},
		"metadata":     {Type: etl.Nullable(etl.TypeObject)},
	},
}

func (b *catalogBuilder) engagementsStream() (*etl.Stream, error) {
	migration, err := b.migration("lastUpdated", "%ms")
	if err != nil {
		return nil, err
	}
	return &etl.Stream{
		Name:        "engagements",
		PrimaryKey:  []string{"id"},
		CursorField: "lastUpdated",
		Retriever: &etl.SimpleRetriever{
			Name: "engagements",
			Requester: &EngagementsRequester{
				Transport: b.transport,
				URLBase:   b.cfg.URLBase,
				PageSize:  engagementsProbeCount,
			},
			Selector: &etl.RecordSelector{
				Extractor:       &etl.DpathExtractor{FieldPath: []string{"results"}},
				Transformations: []etl.RecordTransformation{etl.TransformationFunc(HoistEngagement)},
				Normalizer:      EntitySchemaNormalization{},
				Schema:          engagementsSchema,
			},
			Paginator: OffsetPagination{},
			Slicer:    &etl.SingleWindowSlicer{CursorField: "lastUpdated", StartDate: b.startDate},
		},
		Schema:                etl.StaticSchema{Schema: engagementsSchema},
		StateMigrations:       []etl.StateMigration{migration},
		ClientSideIncremental: true,
	}, nil
}

var marketingEmailsSchema = &etl.Schema{
	Draft:                jsonSchemaDraft,
	Type:                 etl.Nullable(etl.TypeObject),
	AdditionalProperties: lo.ToPtr(true),
	Properties: map[string]*etl.Schema{
		"id":        {Type: etl.Nullable(etl.TypeString)},
		"name":      {Type: etl.Nullable(etl.TypeString)},
		"subject":   {Type: etl.Nullable(etl.TypeString)},
		"state":     {Type: etl.Nullable(etl.TypeString)},
		"createdAt": {Type: etl.Nullable(etl.TypeString), Format: etl.FormatDateTime},
		"updatedAt": {Type: etl.Nullable(etl.TypeString), Format: etl.FormatDateTime},
		"counters":  {Type: etl.Nullable(etl.TypeObject)},
		"ratios":    {Type: etl.Nullable(etl.TypeObject)},
	},
}

// marketingEmailsStream lists marketing emails and merges each email's
// statistics from its detail endpoint.
func (b *catalogBuilder) marketingEmailsStream() *etl.Stream {
	return &etl.Stream{
		Name:        "marketing_emails",
		PrimaryKey:  []string{"id"},
		CursorField: updatedAtField,
		Retriever: &etl.SimpleRetriever{
			Name: "marketing_emails",
			Requester: &etl.HTTPRequester{
				Name:      "marketing_emails",
				Transport: b.transport,
				URLBase:   b.cfg.URLBase,
				Path:      etl.StaticPath("/marketing/v3/emails"),
				Params:    afterParams(b.cfg.PageSize),
			},
			Selector: &etl.RecordSelector{
				Extractor: &etl.DpathExtractor{FieldPath: []string{"results"}},
				Transformations: []etl.RecordTransformation{&AddFieldsFromEndpoint{
					Requester: &etl.HTTPRequester{
						Name:      "marketing_email_statistics",
						Transport: b.transport,
						URLBase:   b.cfg.URLBase,
						Path: func(_ context.Context, slice etl.StreamSlice, _ etl.PageToken) (string, error) {
							return "/marketing/v3/emails/" + slice.GetString("parent_id"), nil
						},
						Params: func(context.Context, etl.StreamSlice, etl.PageToken) (url.Values, error) {
							return url.Values{"includeStats": {"true"}}, nil
						},
					},
					Selector: &etl.RecordSelector{Extractor: &etl.DpathExtractor{FieldPath: []string{"stats"}}},
				}},
				Normalizer: EntitySchemaNormalization{},
				Schema:     marketingEmailsSchema,
			},
			Paginator: AfterCursorPagination{},
		},
		Schema:                etl.StaticSchema{Schema: marketingEmailsSchema},
		ClientSideIncremental: true,
	}
}

func afterParams(limit int) func(context.Context, etl.StreamSlice, etl.PageToken) (url.Values, error) {
	return func(_ context.Context, _ etl.StreamSlice, token etl.PageToken) (url.Values, error) {
		params := url.Values{"limit": {strconv.Itoa(max(limit, 1))}}
		if after, ok := token[afterKey]; ok {
			params.Set(afterKey, fmt.Sprint(after))
		}
		return params, nil
	}
}

func (b *catalogBuilder) customObjectStream(obj config.CustomObject) (*etl.Stream, error) {
	migration, err := b.migration(updatedAtField, "")
	if err != nil {
		return nil, err
	}
	descs := lo.Map(obj.Properties, func(p config.CustomProperty, _ int) PropertyDescriptor {
		return PropertyDescriptor{Name: p.Name, Type: p.Type}
	})
	loader := &CustomObjectsSchemaLoader{Properties: descs, Associations: obj.Associations}
	schema, _ := loader.JSONSchema(context.Background())
	names := lo.Map(descs, func(d PropertyDescriptor, _ int) string { return d.Name })

	base := afterParams(b.cfg.PageSize)
	return &etl.Stream{
		Name:        obj.Name,
		PrimaryKey:  []string{"id"},
		CursorField: updatedAtField,
		Retriever: &etl.SimpleRetriever{
			Name: obj.Name,
			Requester: &etl.HTTPRequester{
				Name:      obj.Name,
				Transport: b.transport,
				URLBase:   b.cfg.URLBase,
				Path:      etl.StaticPath("/crm/v3/objects/" + obj.Name),
				Params: func(ctx context.Context, slice etl.StreamSlice, token etl.PageToken) (url.Values, error) {
					params, err := base(ctx, slice, token)
					if err != nil {
						return nil, err
					}
					if len(names) > 0 {
						params.Set("properties", strings.Join(names, ","))
					}
					if len(obj.Associations) > 0 {
						params.Set("associations", strings.Join(obj.Associations, ","))
					}
					return params, nil
				},
			},
			Selector: &etl.RecordSelector{
				Extractor: &etl.DpathExtractor{FieldPath: []string{"results"}},
				Transformations: []etl.RecordTransformation{
					etl.TransformationFunc(FlattenAssociations),
					etl.TransformationFunc(FlattenProperties),
				},
				Normalizer: EntitySchemaNormalization{},
				Schema:     schema,
			},
			Paginator: AfterCursorPagination{},
		},
		Schema:                loader,
		StateMigrations:       []etl.StateMigration{migration},
		ClientSideIncremental: true,
	}, nil
}
