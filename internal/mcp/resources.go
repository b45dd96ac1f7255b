package mcpserver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"

	"crmsync/internal/config"
)

const (
	specURI           = "crmsync://spec"
	jobStateURIPrefix = "crmsync://jobs/"
)

func (s *Server) registerResources() {
	// ── crmsync://spec ─────────────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		specURI,
		"Connector Specification",
		mcp.WithMIMEType("application/json"),
	), s.handleSpecResource)

	// ── crmsync://jobs/{jobId}/state ───────────────────
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(
			jobStateURIPrefix+"{jobId}/state",
			"Stream State of a Sync Job",
		),
		s.handleJobStateResource,
	)
}

func (s *Server) handleSpecResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(config.Spec(), "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      specURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleJobStateResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	jobID := strings.TrimSuffix(strings.TrimPrefix(uri, jobStateURIPrefix), "/state")
	if jobID == "" || jobID == uri {
		return nil, errors.Newf("invalid job state uri %q", uri)
	}

	states, err := s.etl.GetStreamStates(ctx, jobID)
	if err != nil {
		return nil, err
	}
	data, _ := json.MarshalIndent(states, "", "  ")
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
