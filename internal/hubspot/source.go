package hubspot

import (
	"context"
	"net/http"
	"net/url"

	"github.com/cockroachdb/errors"

	"crmsync/internal/config"
	"crmsync/internal/etl"
	"crmsync/internal/httpclient"
)

// SourceType is the registry key of the CRM source.
const SourceType = "hubspot"

// Source exposes the CRM streams through the etl source registry.
type Source struct {
	// NewTransport overrides the API client, mainly for tests.
	NewTransport func(ctx context.Context, cfg *config.Config) (etl.Transport, error)
}

func init() { etl.RegisterSource(&Source{}) }

func (s *Source) Spec() etl.SourceSpec {
	return etl.SourceSpec{
		Type:                    SourceType,
		Label:                   "HubSpot",
		ConnectionSpecification: config.Spec(),
	}
}

func (s *Source) setup(ctx context.Context, raw etl.SourceConfig) (*config.Config, etl.Transport, error) {
	cfg, err := config.FromMap(raw)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "invalid configuration")
	}
	if s.NewTransport != nil {
		t, err := s.NewTransport(ctx, cfg)
		return cfg, t, err
	}
	client, err := httpclient.NewFromConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, client, nil
}

// Check reads a single contact to verify the credentials and scopes.
func (s *Source) Check(ctx context.Context, raw etl.SourceConfig) error {
	cfg, transport, err := s.setup(ctx, raw)
	if err != nil {
		return err
	}
	_, err = transport.Send(ctx, &etl.Request{
		Method: http.MethodGet,
		URL:    etl.JoinURL(cfg.URLBase, "/crm/v3/objects/contacts"),
		Params: url.Values{"limit": {"1"}},
	})
	if err != nil {
		return errors.Wrap(err, "connection check")
	}
	return nil
}

func (s *Source) Streams(ctx context.Context, raw etl.SourceConfig) ([]*etl.Stream, error) {
	cfg, transport, err := s.setup(ctx, raw)
	if err != nil {
		return nil, err
	}
	streams, err := Catalog(cfg, transport)
	if err != nil {
		return nil, err
	}
	if len(cfg.Streams) == 0 {
		return streams, nil
	}
	return etl.SelectStreams(streams, cfg.Streams)
}
