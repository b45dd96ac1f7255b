package storage_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/etl"
	"crmsync/internal/storage"
)

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "nested", "crmsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNew_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crmsync.db")
	db, err := storage.New(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = storage.New(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestETLStore_JobLifecycle(t *testing.T) {
	store := storage.NewETLStore(openDB(t))

	job := &etl.SyncJob{
		Name:        "nightly contacts",
		Description: "contacts and deals",
		SourceType:  "hubspot",
		SourceCfg:   etl.SourceConfig{"start_date": "2024-01-01T00:00:00Z"},
		Streams:     []string{"contacts", "deals"},
		Transforms:  []etl.TransformConfig{{Type: "flatten_properties"}},
		SyncMode:    etl.SyncAppend,
		TriggerType: "schedule", TriggerConfig: "0 2 * * *",
		Enabled: true,
	}
	require.NoError(t, store.CreateJob(job))
	require.NotEmpty(t, job.ID)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, job.Description, got.Description)
	assert.Equal(t, []string{"contacts", "deals"}, got.Streams)
	assert.Equal(t, "2024-01-01T00:00:00Z", got.SourceCfg["start_date"])
	assert.Equal(t, "flatten_properties", got.Transforms[0].Type)
	assert.Equal(t, etl.SyncAppend, got.SyncMode)
	assert.True(t, got.LastRunAt.IsZero())

	got.Enabled = false
	require.NoError(t, store.UpdateJob(got))
	scheduled, err := store.ListEnabledScheduledJobs()
	require.NoError(t, err)
	assert.Empty(t, scheduled)

	require.NoError(t, store.UpdateJobStatus(job.ID, "error", "boom"))
	got, err = store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastStatus)
	assert.Equal(t, "boom", got.LastError)
	assert.False(t, got.LastRunAt.IsZero())

	jobs, err := store.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, store.DeleteJob(job.ID))
	_, err = store.GetJob(job.ID)
	assert.True(t, errors.Is(err, storage.ErrJobNotFound))
}

func TestETLStore_RunLogs(t *testing.T) {
	store := storage.NewETLStore(openDB(t))
	job := &etl.SyncJob{Name: "j", SourceType: "hubspot", TriggerType: "manual"}
	require.NoError(t, store.CreateJob(job))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		require.NoError(t, store.CreateRunLog(&etl.SyncRunLog{
			JobID:      job.ID,
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			Status:     "success",
			RowsRead:   i,
		}))
	}

	logs, err := store.ListRunLogs(job.ID, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 2, logs[0].RowsRead)
	assert.Equal(t, 1, logs[1].RowsRead)
}

func TestStateStore(t *testing.T) {
	ctx := context.Background()
	states := storage.NewStateStore(openDB(t))

	empty, err := states.GetState(ctx, "job", "contacts")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, states.PutState(ctx, "job", "contacts", etl.StreamState{"updatedAt": "2024-01-01T00:00:00Z"}))
	require.NoError(t, states.PutState(ctx, "job", "engagements", etl.StreamState{"lastUpdated": int64(1700000000000)}))
	require.NoError(t, states.PutState(ctx, "job", "contacts", etl.StreamState{"updatedAt": "2024-02-01T00:00:00Z"}))

	got, err := states.GetState(ctx, "job", "contacts")
	require.NoError(t, err)
	assert.Equal(t, etl.StreamState{"updatedAt": "2024-02-01T00:00:00Z"}, got)

	eng, err := states.GetState(ctx, "job", "engagements")
	require.NoError(t, err)
	assert.Equal(t, json.Number("1700000000000"), eng["lastUpdated"])

	all, err := states.ListStates(ctx, "job")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	other, err := states.GetState(ctx, "other-job", "contacts")
	require.NoError(t, err)
	assert.Empty(t, other)
}
