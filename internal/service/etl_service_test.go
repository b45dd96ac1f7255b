package service_test

import (
	"context"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/config"
	"crmsync/internal/etl"
	"crmsync/internal/service"
	"crmsync/internal/storage"
)

// ─────────────────────────────────────────────────────────────
// Fakes: an in-memory source and destination
// ─────────────────────────────────────────────────────────────

const fakeSourceType = "fake-crm"

type fakeSource struct{}

func (fakeSource) Spec() etl.SourceSpec {
	return etl.SourceSpec{Type: fakeSourceType, Label: "Fake CRM"}
}

func (fakeSource) Check(context.Context, etl.SourceConfig) error { return nil }

func (fakeSource) Streams(context.Context, etl.SourceConfig) ([]*etl.Stream, error) {
	return []*etl.Stream{{
		Name:        "contacts",
		PrimaryKey:  []string{"id"},
		CursorField: "updatedAt",
		Retriever:   fakeRetriever{},
		Schema: etl.StaticSchema{Schema: &etl.Schema{
			Type: etl.TypeSet{etl.TypeObject},
		}},
	}}, nil
}

type fakeRetriever struct{}

func (fakeRetriever) StreamSlices(context.Context, etl.StreamState) ([]etl.StreamSlice, error) {
	return []etl.StreamSlice{{}}, nil
}

func (fakeRetriever) ReadRecords(context.Context, etl.StreamSlice) iter.Seq2[etl.Record, error] {
	return func(yield func(etl.Record, error) bool) {
		for _, rec := range []etl.Record{
			{"id": "1", "updatedAt": "2024-01-01T00:00:00Z"},
			{"id": "2", "updatedAt": "2024-01-02T00:00:00Z"},
		} {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func init() {
	etl.RegisterSource(fakeSource{})
}

type memoryDest struct {
	mu      sync.Mutex
	records map[string][]etl.Record
	closed  bool
}

func (d *memoryDest) Prepare(context.Context, *etl.Stream, *etl.Schema, etl.SyncMode) error {
	return nil
}

func (d *memoryDest) Write(_ context.Context, st *etl.Stream, recs []etl.Record) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.records == nil {
		d.records = make(map[string][]etl.Record)
	}
	d.records[st.Name] = append(d.records[st.Name], recs...)
	return len(recs), nil
}

func (d *memoryDest) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type fixture struct {
	svc     *service.ETLService
	dest    *memoryDest
	emitter *service.MockEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "crmsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{dest: &memoryDest{}, emitter: &service.MockEmitter{}}
	f.svc = service.NewETLService(
		storage.NewETLStore(db),
		storage.NewStateStore(db),
		func(context.Context, *etl.SyncJob) (etl.Destination, error) { return f.dest, nil },
		f.emitter,
	)
	t.Cleanup(f.svc.Stop)
	return f
}

func (f *fixture) createJob(t *testing.T, in service.CreateETLJobInput) *etl.SyncJob {
	t.Helper()
	if in.Name == "" {
		in.Name = "contacts sync"
	}
	if in.SourceType == "" {
		in.SourceType = fakeSourceType
	}
	job, err := f.svc.CreateJob(context.Background(), in)
	require.NoError(t, err)
	return job
}

// ─────────────────────────────────────────────────────────────
// Job CRUD
// ─────────────────────────────────────────────────────────────

func TestETLService_CreateJob_Defaults(t *testing.T) {
	f := newFixture(t)
	job := f.createJob(t, service.CreateETLJobInput{})

	assert.Equal(t, etl.SyncAppend, job.SyncMode)
	assert.Equal(t, service.TriggerManual, job.TriggerType)

	jobs, err := f.svc.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
}

func TestETLService_CreateJob_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateJob(ctx, service.CreateETLJobInput{Name: "x", SourceType: "nope"})
	assert.True(t, errors.Is(err, etl.ErrUnknownSource))

	_, err = f.svc.CreateJob(ctx, service.CreateETLJobInput{
		Name: "x", SourceType: fakeSourceType,
		TriggerType: service.TriggerSchedule, TriggerConfig: "every now and then",
	})
	assert.Error(t, err)

	_, err = f.svc.CreateJob(ctx, service.CreateETLJobInput{
		Name: "x", SourceType: fakeSourceType, SyncMode: "upsert",
	})
	assert.Error(t, err)

	_, err = f.svc.CreateJob(ctx, service.CreateETLJobInput{
		Name: "x", SourceType: fakeSourceType,
		Transforms: []etl.TransformConfig{{Type: "does_not_exist"}},
	})
	assert.Error(t, err)
}

func TestETLService_UpdateAndDeleteJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, service.CreateETLJobInput{})

	require.NoError(t, f.svc.UpdateJob(ctx, job.ID, service.CreateETLJobInput{
		Name: "renamed", SourceType: fakeSourceType, SyncMode: "replace",
		TriggerType: service.TriggerSchedule, TriggerConfig: "*/5 * * * *", Enabled: true,
	}))
	got, err := f.svc.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, etl.SyncReplace, got.SyncMode)
	assert.True(t, got.Enabled)

	require.NoError(t, f.svc.DeleteJob(ctx, job.ID))
	_, err = f.svc.GetJob(job.ID)
	assert.True(t, errors.Is(err, storage.ErrJobNotFound))
}

func TestETLService_EnsureScheduledJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	schedules := []config.ScheduleConfig{
		{Name: "hourly", Cron: "0 * * * *", Streams: []string{"contacts"}},
		{Name: "on-drop", Watch: filepath.Join(t.TempDir(), "trigger.txt")},
	}

	require.NoError(t, f.svc.EnsureScheduledJobs(ctx, fakeSourceType, map[string]any{"a": 1}, schedules))
	schedules[0].Cron = "30 * * * *"
	require.NoError(t, f.svc.EnsureScheduledJobs(ctx, fakeSourceType, map[string]any{"a": 1}, schedules))

	jobs, err := f.svc.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	byName := make(map[string]etl.SyncJob, len(jobs))
	for _, j := range jobs {
		byName[j.Name] = j
	}
	assert.Equal(t, service.TriggerSchedule, byName["hourly"].TriggerType)
	assert.Equal(t, "30 * * * *", byName["hourly"].TriggerConfig)
	assert.Equal(t, []string{"contacts"}, byName["hourly"].Streams)
	assert.Equal(t, service.TriggerFileWatch, byName["on-drop"].TriggerType)

	err = f.svc.EnsureScheduledJobs(ctx, fakeSourceType, nil, []config.ScheduleConfig{{Name: "bad", Cron: "nope"}})
	assert.Error(t, err)
}

// ─────────────────────────────────────────────────────────────
// Runs
// ─────────────────────────────────────────────────────────────

func TestETLService_RunJob_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.createJob(t, service.CreateETLJobInput{})

	result, err := f.svc.RunJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, 2, result.RowsWritten)
	assert.Len(t, f.dest.records["contacts"], 2)
	assert.True(t, f.dest.closed)

	got, err := f.svc.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastStatus)

	logs, err := f.svc.ListRunLogs(job.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 2, logs[0].RowsRead)

	states, err := f.svc.GetStreamStates(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-02T00:00:00Z", states["contacts"]["updatedAt"])

	assert.Equal(t, []string{service.EventJobStarted, service.EventJobCompleted}, f.emitter.Names())
}

func TestETLService_RunJob_DestinationError(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "crmsync.db"))
	require.NoError(t, err)
	defer db.Close()

	emitter := &service.MockEmitter{}
	svc := service.NewETLService(storage.NewETLStore(db), nil,
		func(context.Context, *etl.SyncJob) (etl.Destination, error) {
			return nil, errors.New("warehouse offline")
		}, emitter)

	job, err := svc.CreateJob(context.Background(), service.CreateETLJobInput{Name: "x", SourceType: fakeSourceType})
	require.NoError(t, err)

	result, err := svc.RunJob(context.Background(), job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warehouse offline")
	assert.Equal(t, "error", result.Status)

	got, err := svc.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastStatus)
	assert.Contains(t, got.LastError, "warehouse offline")
	assert.Equal(t, []string{service.EventJobStarted, service.EventJobFailed}, emitter.Names())
}

func TestETLService_RunJob_RejectsConcurrentRun(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "crmsync.db"))
	require.NoError(t, err)
	defer db.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	svc := service.NewETLService(storage.NewETLStore(db), nil,
		func(context.Context, *etl.SyncJob) (etl.Destination, error) {
			close(entered)
			<-release
			return &memoryDest{}, nil
		}, &service.MockEmitter{})

	job, err := svc.CreateJob(context.Background(), service.CreateETLJobInput{Name: "x", SourceType: fakeSourceType})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunJob(context.Background(), job.ID)
		done <- err
	}()
	<-entered

	_, err = svc.RunJob(context.Background(), job.ID)
	assert.True(t, errors.Is(err, service.ErrJobRunning))

	close(release)
	require.NoError(t, <-done)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.WaitRunning(ctx)
	assert.NoError(t, ctx.Err())
}

func TestETLService_DiscoverCatalog(t *testing.T) {
	f := newFixture(t)
	catalog, err := f.svc.DiscoverCatalog(context.Background(), fakeSourceType, nil)
	require.NoError(t, err)
	require.Len(t, catalog.Streams, 1)
	assert.Equal(t, []string{"updatedAt"}, catalog.Streams[0].DefaultCursorField)

	preview, err := f.svc.PreviewStream(context.Background(), fakeSourceType, nil, "contacts", 1)
	require.NoError(t, err)
	assert.Len(t, preview.Records, 1)
}

// ─────────────────────────────────────────────────────────────
// Lifecycle
// ─────────────────────────────────────────────────────────────

func TestETLService_WaitRunning_Immediate(t *testing.T) {
	svc := service.NewETLService(nil, nil, nil, &service.MockEmitter{})

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		svc.WaitRunning(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("WaitRunning hung with no running jobs")
	}
}

func TestETLService_Stop_Idempotent(t *testing.T) {
	svc := service.NewETLService(nil, nil, nil, nil)
	svc.Stop()
	svc.Stop()
}
