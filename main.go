package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"crmsync/internal/config"
	"crmsync/internal/destination"
	"crmsync/internal/etl"
	"crmsync/internal/hubspot"
	"crmsync/internal/logger"
	mcpserver "crmsync/internal/mcp"
	"crmsync/internal/service"
	"crmsync/internal/storage"
)

var version = "dev"

var (
	configPath string
	logJSON    bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "crmsync",
	Short: "crmsync - CRM source connector",
	Long: `crmsync reads CRM objects, their associations and property history and
writes them as Airbyte protocol messages or into a database.

Available commands:
  spec      - Print the connector specification
  check     - Verify the configuration with one authenticated call
  discover  - Print the stream catalog with JSON schemas
  read      - Read streams and emit RECORD/STATE messages
  serve     - Run scheduled and file-triggered sync jobs, optionally over MCP

Examples:
  crmsync check --config crmsync.yaml
  crmsync read --config crmsync.yaml --streams contacts,deals
  crmsync serve --config crmsync.yaml --mcp`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(logJSON, logLevel); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML, TOML or JSON config file")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(specCmd, checkCmd, discoverCmd, newReadCmd(), newServeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ── Helpers ────────────────────────────────────────────────

// loadSource loads and validates the configuration and renders it as the
// opaque source configuration.
func loadSource() (*config.Config, etl.SourceConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	raw, err := cfg.ToMap()
	if err != nil {
		return nil, nil, err
	}
	return cfg, raw, nil
}

func emit(msg *etl.Message) error {
	return etl.NewMessageWriter(os.Stdout).Emit(msg)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ── spec ───────────────────────────────────────────────────

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Print the connector specification",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := etl.GetSource(hubspot.SourceType)
		if err != nil {
			return err
		}
		spec := source.Spec()
		return emit(&etl.Message{Type: etl.MessageSpec, Spec: &spec})
	},
}

// ── check ──────────────────────────────────────────────────

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the configuration with one authenticated call",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status := &etl.ConnectionStatus{Status: etl.StatusSucceeded}
		_, raw, err := loadSource()
		if err == nil {
			var source etl.Source
			if source, err = etl.GetSource(hubspot.SourceType); err == nil {
				err = source.Check(cmd.Context(), raw)
			}
		}
		if err != nil {
			status = &etl.ConnectionStatus{Status: etl.StatusFailed, Message: err.Error()}
		}
		return emit(&etl.Message{Type: etl.MessageConnectionStatus, ConnectionStatus: status})
	},
}

// ── discover ───────────────────────────────────────────────

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Print the stream catalog with JSON schemas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, raw, err := loadSource()
		if err != nil {
			return err
		}
		source, err := etl.GetSource(hubspot.SourceType)
		if err != nil {
			return err
		}
		streams, err := source.Streams(cmd.Context(), raw)
		if err != nil {
			return err
		}
		catalog, err := etl.BuildCatalog(cmd.Context(), streams)
		if err != nil {
			return err
		}
		return emit(&etl.Message{Type: etl.MessageCatalog, Catalog: catalog})
	},
}

// ── read ───────────────────────────────────────────────────

func newReadCmd() *cobra.Command {
	var (
		streams      []string
		mode         string
		jobID        string
		persistState bool
	)

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read streams and emit RECORD/STATE messages",
		Long: `Read streams into the configured destination. With the default stdout
destination every record and state checkpoint is written to stdout as an
Airbyte protocol message. --persist-state resumes from, and checkpoints into,
the local state database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runRead(ctx, streams, etl.SyncMode(mode), jobID, persistState)
		},
	}

	cmd.Flags().StringSliceVar(&streams, "streams", nil, "Streams to read (default: config streams, or all)")
	cmd.Flags().StringVar(&mode, "mode", string(etl.SyncAppend), "Destination write mode: append or replace")
	cmd.Flags().StringVar(&jobID, "job-id", "cli", "State namespace used with --persist-state")
	cmd.Flags().BoolVar(&persistState, "persist-state", false, "Load and store stream state in the local database")
	return cmd
}

func runRead(ctx context.Context, streams []string, mode etl.SyncMode, jobID string, persistState bool) error {
	log := logger.Named("read")
	cfg, raw, err := loadSource()
	if err != nil {
		return err
	}

	dest, err := destination.New(ctx, cfg.Destination, os.Stdout)
	if err != nil {
		return err
	}
	defer dest.Close()

	engine := &etl.Engine{Dest: dest}
	if persistState {
		db, err := storage.New(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		engine.State = storage.NewStateStore(db)
	}

	job := &etl.SyncJob{
		ID:         jobID,
		Name:       "read",
		SourceType: hubspot.SourceType,
		SourceCfg:  raw,
		Streams:    streams,
		SyncMode:   mode,
	}
	result, err := engine.RunSync(ctx, job)
	if err != nil {
		_ = emit(&etl.Message{Type: etl.MessageLog, Log: &etl.LogMessage{Level: "ERROR", Message: err.Error()}})
		return err
	}
	log.Infow("read complete", "rows_read", result.RowsRead, "rows_written", result.RowsWritten, "duration", result.Duration)
	return nil
}

// ── serve ──────────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	var withMCP bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled and file-triggered sync jobs",
		Long: `Register the configured schedules as sync jobs and run them on their cron
expression or file-change trigger until interrupted. With --mcp the job service
is also exposed as an MCP server on stdin/stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runServe(ctx, withMCP)
		},
	}
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "Serve the MCP protocol on stdin/stdout")
	return cmd
}

func runServe(ctx context.Context, withMCP bool) error {
	log := logger.Named("serve")
	cfg, raw, err := loadSource()
	if err != nil {
		return err
	}

	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	// stdout belongs to the MCP transport; protocol output moves to stderr.
	var protocolOut io.Writer = os.Stdout
	if withMCP {
		protocolOut = os.Stderr
	}
	newDest := func(ctx context.Context, _ *etl.SyncJob) (etl.Destination, error) {
		return destination.New(ctx, cfg.Destination, protocolOut)
	}

	svc := service.NewETLService(storage.NewETLStore(db), storage.NewStateStore(db), newDest, service.LogEmitter{})
	if err := svc.EnsureScheduledJobs(ctx, hubspot.SourceType, raw, cfg.Schedules); err != nil {
		return errors.Wrap(err, "register schedules")
	}
	svc.RestartWatchers(ctx)
	defer func() {
		svc.Stop()
		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		svc.WaitRunning(waitCtx)
	}()

	if withMCP {
		srv := mcpserver.New(mcpserver.Deps{
			ETL:          svc,
			SourceType:   hubspot.SourceType,
			SourceConfig: raw,
			Version:      version,
		})
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ServeStdio() }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		}
	}

	log.Infow("serving", "schedules", len(cfg.Schedules), "database", cfg.Database.Path)
	<-ctx.Done()
	log.Infow("shutting down")
	return nil
}
