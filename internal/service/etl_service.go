package service

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"crmsync/internal/config"
	"crmsync/internal/etl"
	"crmsync/internal/logger"
	"crmsync/internal/storage"
)

// ─────────────────────────────────────────────────────────────
// ETL Service: business logic for sync jobs
// ─────────────────────────────────────────────────────────────

// Trigger types of a sync job.
const (
	TriggerManual    = "manual"
	TriggerSchedule  = "schedule"
	TriggerFileWatch = "file_watch"
)

// Events emitted by the service.
const (
	EventJobStarted   = "etl:job-started"
	EventJobCompleted = "etl:job-completed"
	EventJobFailed    = "etl:job-failed"
)

// ErrJobRunning is returned by RunJob when the job is already in flight.
var ErrJobRunning = errors.New("job is already running")

const (
	defaultRunTimeout = 30 * time.Minute
	watchDebounce     = 500 * time.Millisecond
	runLogLimit       = 50
)

// DestinationFactory opens a destination for one job run. The service closes
// it when the run finishes.
type DestinationFactory func(ctx context.Context, job *etl.SyncJob) (etl.Destination, error)

// ETLService manages sync jobs, scheduling, and file watching.
type ETLService struct {
	store       *storage.ETLStore
	state       *storage.StateStore
	newDest     DestinationFactory
	emitter     EventEmitter
	runningJobs runningJobsGuard

	// RunTimeout bounds a single job run.
	RunTimeout time.Duration

	// watcher / cron lifecycle
	mu          sync.Mutex
	watchCancel context.CancelFunc
	watcher     *fsnotify.Watcher
	cronSched   *cron.Cron
}

// NewETLService creates an ETLService ready for use.
func NewETLService(
	store *storage.ETLStore,
	state *storage.StateStore,
	newDest DestinationFactory,
	emitter EventEmitter,
) *ETLService {
	if emitter == nil {
		emitter = LogEmitter{}
	}
	return &ETLService{
		store:      store,
		state:      state,
		newDest:    newDest,
		emitter:    emitter,
		RunTimeout: defaultRunTimeout,
	}
}

// ── Job CRUD ───────────────────────────────────────────────

type CreateETLJobInput struct {
	Name          string                `json:"name"`
	Description   string                `json:"description"`
	SourceType    string                `json:"sourceType"`
	SourceConfig  map[string]any        `json:"sourceConfig"`
	Streams       []string              `json:"streams"`
	Transforms    []etl.TransformConfig `json:"transforms"`
	SyncMode      string                `json:"syncMode"`
	TriggerType   string                `json:"triggerType"`
	TriggerConfig string                `json:"triggerConfig"`
	Enabled       bool                  `json:"enabled"`
}

func (in CreateETLJobInput) validate() error {
	if _, err := etl.GetSource(in.SourceType); err != nil {
		return err
	}
	if in.Name == "" {
		return errors.New("job name is required")
	}
	switch in.SyncMode {
	case "", string(etl.SyncAppend), string(etl.SyncReplace):
	default:
		return errors.Newf("unknown sync mode %q", in.SyncMode)
	}
	switch in.TriggerType {
	case "", TriggerManual:
	case TriggerSchedule:
		if _, err := cron.ParseStandard(in.TriggerConfig); err != nil {
			return errors.Wrapf(err, "invalid cron expression %q", in.TriggerConfig)
		}
	case TriggerFileWatch:
		if in.TriggerConfig == "" {
			return errors.New("file_watch trigger requires a path")
		}
	default:
		return errors.Newf("unknown trigger type %q", in.TriggerType)
	}
	if _, err := etl.BuildTransformations(in.Transforms); err != nil {
		return err
	}
	return nil
}

func (in CreateETLJobInput) apply(job *etl.SyncJob) {
	job.Name = in.Name
	job.Description = in.Description
	job.SourceType = in.SourceType
	job.SourceCfg = in.SourceConfig
	job.Streams = in.Streams
	job.Transforms = in.Transforms
	job.SyncMode = etl.SyncMode(in.SyncMode)
	job.TriggerType = in.TriggerType
	job.TriggerConfig = in.TriggerConfig
	if job.SyncMode == "" {
		job.SyncMode = etl.SyncAppend
	}
	if job.TriggerType == "" {
		job.TriggerType = TriggerManual
	}
}

func (s *ETLService) CreateJob(ctx context.Context, input CreateETLJobInput) (*etl.SyncJob, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	job := &etl.SyncJob{Enabled: input.Enabled}
	input.apply(job)

	if err := s.store.CreateJob(job); err != nil {
		return nil, errors.Wrap(err, "create sync job")
	}
	s.RestartWatchers(ctx)
	return job, nil
}

func (s *ETLService) GetJob(id string) (*etl.SyncJob, error) {
	return s.store.GetJob(id)
}

func (s *ETLService) ListJobs() ([]etl.SyncJob, error) {
	return s.store.ListJobs()
}

func (s *ETLService) UpdateJob(ctx context.Context, id string, input CreateETLJobInput) error {
	if err := input.validate(); err != nil {
		return err
	}
	job, err := s.store.GetJob(id)
	if err != nil {
		return err
	}
	input.apply(job)
	job.Enabled = input.Enabled

	if err := s.store.UpdateJob(job); err != nil {
		return err
	}
	s.RestartWatchers(ctx)
	return nil
}

func (s *ETLService) DeleteJob(ctx context.Context, id string) error {
	err := s.store.DeleteJob(id)
	if err == nil {
		s.RestartWatchers(ctx)
	}
	return err
}

// EnsureScheduledJobs creates or updates one job per configured schedule,
// matched by name, all reading sourceType with sourceCfg.
func (s *ETLService) EnsureScheduledJobs(ctx context.Context, sourceType string, sourceCfg map[string]any, schedules []config.ScheduleConfig) error {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return err
	}
	byName := make(map[string]string, len(jobs))
	for _, j := range jobs {
		byName[j.Name] = j.ID
	}

	for _, sc := range schedules {
		input := CreateETLJobInput{
			Name:         sc.Name,
			SourceType:   sourceType,
			SourceConfig: sourceCfg,
			Streams:      sc.Streams,
			SyncMode:     sc.SyncMode,
			TriggerType:  TriggerManual,
			Enabled:      true,
		}
		switch {
		case sc.Cron != "":
			input.TriggerType, input.TriggerConfig = TriggerSchedule, sc.Cron
		case sc.Watch != "":
			input.TriggerType, input.TriggerConfig = TriggerFileWatch, sc.Watch
		}
		if err := input.validate(); err != nil {
			return errors.Wrapf(err, "schedule %q", sc.Name)
		}

		if id, ok := byName[sc.Name]; ok {
			job, err := s.store.GetJob(id)
			if err != nil {
				return err
			}
			input.apply(job)
			job.Enabled = true
			if err := s.store.UpdateJob(job); err != nil {
				return errors.Wrapf(err, "update schedule %q", sc.Name)
			}
			continue
		}
		job := &etl.SyncJob{Enabled: true}
		input.apply(job)
		if err := s.store.CreateJob(job); err != nil {
			return errors.Wrapf(err, "create schedule %q", sc.Name)
		}
	}
	s.RestartWatchers(ctx)
	return nil
}

// ── Run ────────────────────────────────────────────────────

// RunJob executes a single sync job synchronously, records a run log, and
// emits completion events.
func (s *ETLService) RunJob(ctx context.Context, id string) (*etl.SyncResult, error) {
	log := logger.Named("etl-service").With("job_id", id)

	// Prevent concurrent execution of the same job.
	if !s.runningJobs.TryLock(id) {
		return nil, errors.Wrapf(ErrJobRunning, "job %s", id)
	}
	defer s.runningJobs.Unlock(id)

	job, err := s.store.GetJob(id)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateJobStatus(id, "running", ""); err != nil {
		log.Warnw("failed to mark job running", "error", err)
	}
	s.emitter.Emit(ctx, EventJobStarted, map[string]string{"jobId": id})

	runCtx, cancel := context.WithTimeout(ctx, s.RunTimeout)
	defer cancel()

	start := time.Now()
	result, runErr := s.runEngine(runCtx, job)

	runLog := &etl.SyncRunLog{
		JobID:       id,
		StartedAt:   start,
		FinishedAt:  time.Now(),
		Status:      result.Status,
		RowsRead:    result.RowsRead,
		RowsWritten: result.RowsWritten,
	}
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		runLog.Error = errMsg
	}
	if err := s.store.CreateRunLog(runLog); err != nil {
		log.Warnw("failed to record run log", "error", err)
	}
	if err := s.store.UpdateJobStatus(id, result.Status, errMsg); err != nil {
		log.Warnw("failed to update job status", "error", err)
	}

	if runErr != nil {
		log.Warnw("sync failed", "error", runErr, "rows_read", result.RowsRead)
		s.emitter.Emit(ctx, EventJobFailed, map[string]string{"jobId": id, "error": errMsg})
		return result, runErr
	}
	log.Infow("sync finished", "rows_read", result.RowsRead, "rows_written", result.RowsWritten, "duration", result.Duration)
	s.emitter.Emit(ctx, EventJobCompleted, result)
	return result, nil
}

func (s *ETLService) runEngine(ctx context.Context, job *etl.SyncJob) (*etl.SyncResult, error) {
	dest, err := s.newDest(ctx, job)
	if err != nil {
		err = errors.Wrap(err, "open destination")
		return &etl.SyncResult{JobID: job.ID, Status: "error", Error: err.Error()}, err
	}
	defer func() {
		if cerr := dest.Close(); cerr != nil {
			logger.Named("etl-service").Warnw("failed to close destination", "job_id", job.ID, "error", cerr)
		}
	}()

	engine := &etl.Engine{Dest: dest}
	if s.state != nil {
		engine.State = s.state
	}
	return engine.RunSync(ctx, job)
}

// RunningJobs returns the ids of jobs with a run in flight.
func (s *ETLService) RunningJobs() []string {
	return s.runningJobs.Running()
}

// ListSources returns the available source descriptors.
func (s *ETLService) ListSources() []etl.SourceSpec {
	return etl.ListSources()
}

// ListRunLogs returns the most recent run logs for a job.
func (s *ETLService) ListRunLogs(jobID string) ([]etl.SyncRunLog, error) {
	return s.store.ListRunLogs(jobID, runLogLimit)
}

// GetStreamStates returns the persisted cursor state of every stream of a job.
func (s *ETLService) GetStreamStates(ctx context.Context, jobID string) (map[string]etl.StreamState, error) {
	if _, err := s.store.GetJob(jobID); err != nil {
		return nil, err
	}
	if s.state == nil {
		return map[string]etl.StreamState{}, nil
	}
	return s.state.ListStates(ctx, jobID)
}

// ── Catalog / Preview ──────────────────────────────────────

// DiscoverCatalog lists the streams of a source configuration with their schemas.
func (s *ETLService) DiscoverCatalog(ctx context.Context, sourceType string, cfg etl.SourceConfig) (*etl.Catalog, error) {
	source, err := etl.GetSource(sourceType)
	if err != nil {
		return nil, err
	}

	discCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	streams, err := source.Streams(discCtx, cfg)
	if err != nil {
		return nil, err
	}
	return etl.BuildCatalog(discCtx, streams)
}

// PreviewResult is the response from PreviewStream.
type PreviewResult struct {
	Schema  *etl.Schema  `json:"schema"`
	Records []etl.Record `json:"records"`
}

// PreviewStream reads the first few records of one stream without writing them.
func (s *ETLService) PreviewStream(ctx context.Context, sourceType string, cfg etl.SourceConfig, stream string, maxRows int) (*PreviewResult, error) {
	previewCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	records, schema, err := etl.Preview(previewCtx, sourceType, cfg, stream, maxRows)
	if err != nil {
		return nil, err
	}
	return &PreviewResult{Schema: schema, Records: records}, nil
}

// ── Watchers (cron + file_watch) ──────────────────────────

// RestartWatchers tears down the current watcher/cron and rebuilds them from scratch.
func (s *ETLService) RestartWatchers(ctx context.Context) {
	log := logger.Named("etl-watcher")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchersLocked()

	jobs, err := s.store.ListEnabledScheduledJobs()
	if err != nil {
		log.Warnw("failed to list jobs", "error", err)
		return
	}

	// ── Cron jobs ──
	var c *cron.Cron
	scheduled := 0
	for _, j := range jobs {
		if j.TriggerType != TriggerSchedule || j.TriggerConfig == "" {
			continue
		}
		if c == nil {
			c = cron.New()
		}
		jid := j.ID
		_, err := c.AddFunc(j.TriggerConfig, func() {
			log.Infow("cron run", "job_id", jid)
			if _, err := s.RunJob(ctx, jid); err != nil {
				log.Warnw("cron run failed", "job_id", jid, "error", err)
			}
		})
		if err != nil {
			log.Warnw("invalid cron expression", "job_id", jid, "expr", j.TriggerConfig, "error", err)
			continue
		}
		scheduled++
	}
	if c != nil {
		c.Start()
		s.cronSched = c
		log.Infow("scheduled jobs", "count", scheduled)
	}

	// ── File watchers ──
	pathToJob := make(map[string]string)
	for _, j := range jobs {
		if j.TriggerType != TriggerFileWatch || j.TriggerConfig == "" {
			continue
		}
		absPath, err := filepath.Abs(j.TriggerConfig)
		if err != nil {
			log.Warnw("bad watch path", "path", j.TriggerConfig, "error", err)
			continue
		}
		pathToJob[absPath] = j.ID
	}
	if len(pathToJob) == 0 {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnw("failed to create watcher", "error", err)
		return
	}
	s.watcher = watcher

	watchedDirs := make(map[string]bool)
	for absPath := range pathToJob {
		dir := filepath.Dir(absPath)
		if watchedDirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			log.Warnw("failed to watch dir", "dir", dir, "error", err)
			continue
		}
		watchedDirs[dir] = true
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel
	go s.watchLoop(ctx, watchCtx, watcher, pathToJob)

	log.Infow("watching files", "count", len(pathToJob))
}

func (s *ETLService) watchLoop(runCtx, watchCtx context.Context, watcher *fsnotify.Watcher, pathToJob map[string]string) {
	log := logger.Named("etl-watcher")
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-watchCtx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			absPath, _ := filepath.Abs(event.Name)
			jobID, ok := pathToJob[absPath]
			if !ok {
				continue
			}
			if t, exists := timers[jobID]; exists {
				t.Stop()
			}
			timers[jobID] = time.AfterFunc(watchDebounce, func() {
				log.Infow("file changed", "path", absPath, "job_id", jobID)
				if _, err := s.RunJob(runCtx, jobID); err != nil {
					log.Warnw("watch run failed", "job_id", jobID, "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("watcher error", "error", err)
		}
	}
}

// WaitRunning blocks until all running jobs finish or ctx is cancelled.
// Used for graceful shutdown.
func (s *ETLService) WaitRunning(ctx context.Context) {
	s.runningJobs.WaitAll(ctx)
}

// Stop tears down all watchers and schedulers.
func (s *ETLService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchersLocked()
}

func (s *ETLService) stopWatchersLocked() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}
}
