package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"

	"crmsync/internal/etl"
	"crmsync/internal/service"
)

func (s *Server) registerSyncTools() {
	s.mcp.AddTool(mcp.NewTool("list_sources",
		mcp.WithDescription("List available source types with their configuration schemas"),
	), s.handleListSources)

	s.mcp.AddTool(mcp.NewTool("list_streams",
		mcp.WithDescription("List the streams of the configured CRM source with cursor fields and primary keys"),
	), s.handleListStreams)

	s.mcp.AddTool(mcp.NewTool("create_sync_job",
		mcp.WithDescription("Create a sync job reading the configured CRM source. Without cron or watchPath the job only runs on demand."),
		mcp.WithString("name", mcp.Description("Job name"), mcp.Required()),
		mcp.WithString("description", mcp.Description("Free-form description")),
		mcp.WithString("streams", mcp.Description("Comma separated stream names (empty reads every stream)")),
		mcp.WithString("syncMode", mcp.Description("append (default) or replace")),
		mcp.WithString("cron", mcp.Description("Cron expression for scheduled runs")),
		mcp.WithString("watchPath", mcp.Description("File whose changes trigger a run")),
		mcp.WithString("transformsJSON", mcp.Description(`Optional JSON array of {type, config} transformations applied to every record, e.g. [{"type":"flatten_properties"}]`)),
	), s.handleCreateSyncJob)

	s.mcp.AddTool(mcp.NewTool("list_sync_jobs",
		mcp.WithDescription("List sync jobs with their last run status"),
	), s.handleListSyncJobs)

	s.mcp.AddTool(mcp.NewTool("run_sync_job",
		mcp.WithDescription("Execute a sync job now. Replace-mode jobs clear their destination tables first."),
		mcp.WithString("jobId", mcp.Description("Sync job ID"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleRunSyncJob)

	s.mcp.AddTool(mcp.NewTool("get_stream_state",
		mcp.WithDescription("Show the persisted cursor state of every stream of a job"),
		mcp.WithString("jobId", mcp.Description("Sync job ID"), mcp.Required()),
	), s.handleGetStreamState)

	s.mcp.AddTool(mcp.NewTool("list_run_logs",
		mcp.WithDescription("Show the most recent runs of a job"),
		mcp.WithString("jobId", mcp.Description("Sync job ID"), mcp.Required()),
	), s.handleListRunLogs)
}

func boolPtr(v bool) *bool { return &v }

// ── Handlers ───────────────────────────────────────────────

func (s *Server) handleListSources(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.etl.ListSources())
}

func (s *Server) handleListStreams(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	catalog, err := s.etl.DiscoverCatalog(ctx, s.sourceType, s.sourceCfg)
	if err != nil {
		return nil, errors.Wrap(err, "discover streams")
	}

	type streamSummary struct {
		Name        string     `json:"name"`
		CursorField []string   `json:"cursorField,omitempty"`
		PrimaryKey  [][]string `json:"primaryKey,omitempty"`
		SyncModes   []string   `json:"syncModes"`
	}
	summaries := make([]streamSummary, 0, len(catalog.Streams))
	for _, cs := range catalog.Streams {
		summaries = append(summaries, streamSummary{
			Name:        cs.Name,
			CursorField: cs.DefaultCursorField,
			PrimaryKey:  cs.SourceDefinedPrimaryKey,
			SyncModes:   cs.SupportedSyncModes,
		})
	}
	return jsonResult(summaries)
}

func (s *Server) handleCreateSyncJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	input := service.CreateETLJobInput{
		Name:         req.GetString("name", ""),
		Description:  req.GetString("description", ""),
		SourceType:   s.sourceType,
		SourceConfig: s.sourceCfg,
		Streams:      stringList(args["streams"]),
		SyncMode:     req.GetString("syncMode", ""),
		TriggerType:  service.TriggerManual,
		Enabled:      true,
	}
	if input.Name == "" {
		return nil, errors.New("name is required")
	}
	if cron := req.GetString("cron", ""); cron != "" {
		input.TriggerType, input.TriggerConfig = service.TriggerSchedule, cron
	} else if path := req.GetString("watchPath", ""); path != "" {
		input.TriggerType, input.TriggerConfig = service.TriggerFileWatch, path
	}

	// transformsJSON may come as a string or as a raw JSON array
	switch v := args["transformsJSON"].(type) {
	case string:
		if v != "" {
			if err := parseJSON(v, &input.Transforms); err != nil {
				return nil, errors.Wrap(err, "parse transforms")
			}
		}
	case nil:
	default:
		raw, _ := json.Marshal(v)
		if err := json.Unmarshal(raw, &input.Transforms); err != nil {
			return nil, errors.Wrap(err, "parse transforms")
		}
	}

	job, err := s.etl.CreateJob(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "create sync job")
	}
	return jsonResult(redactJob(job))
}

func (s *Server) handleListSyncJobs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs, err := s.etl.ListJobs()
	if err != nil {
		return nil, err
	}
	running := make(map[string]bool)
	for _, id := range s.etl.RunningJobs() {
		running[id] = true
	}

	type jobSummary struct {
		etl.SyncJob
		Running bool `json:"running"`
	}
	out := make([]jobSummary, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobSummary{SyncJob: *redactJob(&jobs[i]), Running: running[jobs[i].ID]})
	}
	return jsonResult(out)
}

func (s *Server) handleRunSyncJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := req.GetString("jobId", "")
	if jobID == "" {
		return nil, errors.New("jobId is required")
	}
	result, err := s.etl.RunJob(ctx, jobID)
	if err != nil {
		if result == nil {
			return nil, errors.Wrap(err, "run sync job")
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: err.Error()}},
			IsError: true,
		}, nil
	}
	return jsonResult(result)
}

func (s *Server) handleGetStreamState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := req.GetString("jobId", "")
	if jobID == "" {
		return nil, errors.New("jobId is required")
	}
	states, err := s.etl.GetStreamStates(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return jsonResult(states)
}

func (s *Server) handleListRunLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := req.GetString("jobId", "")
	if jobID == "" {
		return nil, errors.New("jobId is required")
	}
	logs, err := s.etl.ListRunLogs(jobID)
	if err != nil {
		return nil, err
	}
	return jsonResult(logs)
}

// redactJob hides the source configuration, which carries credentials.
func redactJob(job *etl.SyncJob) *etl.SyncJob {
	out := *job
	out.SourceCfg = nil
	return &out
}
