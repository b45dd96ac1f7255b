package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"crmsync/internal/etl"
)

// ErrJobNotFound is returned when a sync job id does not exist.
var ErrJobNotFound = errors.New("sync job not found")

// ETLStore implements persistence for sync jobs and run logs.
type ETLStore struct {
	db *DB
}

// NewETLStore creates a new ETLStore.
func NewETLStore(db *DB) *ETLStore {
	return &ETLStore{db: db}
}

const jobColumns = `id, name, description, source_type, source_config, streams, transforms,
	sync_mode, trigger_type, trigger_config, enabled,
	last_run_at, last_status, last_error, created_at, updated_at`

// ── SyncJob CRUD ───────────────────────────────────────────

func (s *ETLStore) CreateJob(job *etl.SyncJob) error {
	now := time.Now()
	job.ID = uuid.New().String()
	job.CreatedAt = now
	job.UpdatedAt = now

	srcCfg, streams, transforms, err := encodeJob(job)
	if err != nil {
		return err
	}

	_, err = s.db.conn.Exec(
		`INSERT INTO sync_jobs (id, name, description, source_type, source_config, streams, transforms,
		 sync_mode, trigger_type, trigger_config, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.Description, job.SourceType, srcCfg, streams, transforms,
		string(job.SyncMode), job.TriggerType, job.TriggerConfig, job.Enabled,
		job.CreatedAt, job.UpdatedAt,
	)
	return errors.Wrap(err, "insert sync job")
}

func (s *ETLStore) GetJob(id string) (*etl.SyncJob, error) {
	row := s.db.conn.QueryRow(`SELECT `+jobColumns+` FROM sync_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrJobNotFound, "%s", id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *ETLStore) UpdateJob(job *etl.SyncJob) error {
	job.UpdatedAt = time.Now()
	srcCfg, streams, transforms, err := encodeJob(job)
	if err != nil {
		return err
	}

	_, err = s.db.conn.Exec(
		`UPDATE sync_jobs SET name=?, description=?, source_type=?, source_config=?, streams=?, transforms=?,
		 sync_mode=?, trigger_type=?, trigger_config=?, enabled=?, updated_at=? WHERE id=?`,
		job.Name, job.Description, job.SourceType, srcCfg, streams, transforms,
		string(job.SyncMode), job.TriggerType, job.TriggerConfig, job.Enabled,
		job.UpdatedAt, job.ID,
	)
	return errors.Wrap(err, "update sync job")
}

func (s *ETLStore) UpdateJobStatus(id, status, errMsg string) error {
	now := time.Now()
	_, err := s.db.conn.Exec(
		`UPDATE sync_jobs SET last_run_at=?, last_status=?, last_error=?, updated_at=? WHERE id=?`,
		now, status, errMsg, now, id,
	)
	return errors.Wrap(err, "update sync job status")
}

func (s *ETLStore) DeleteJob(id string) error {
	// Delete run logs and state first.
	if _, err := s.db.conn.Exec(`DELETE FROM sync_run_logs WHERE job_id = ?`, id); err != nil {
		return errors.Wrap(err, "delete run logs")
	}
	if _, err := s.db.conn.Exec(`DELETE FROM stream_state WHERE job_id = ?`, id); err != nil {
		return errors.Wrap(err, "delete stream state")
	}
	_, err := s.db.conn.Exec(`DELETE FROM sync_jobs WHERE id = ?`, id)
	return errors.Wrap(err, "delete sync job")
}

func (s *ETLStore) ListJobs() ([]etl.SyncJob, error) {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM sync_jobs ORDER BY created_at ASC`)
}

// ListEnabledScheduledJobs returns jobs that are enabled with a schedule or
// file_watch trigger.
func (s *ETLStore) ListEnabledScheduledJobs() ([]etl.SyncJob, error) {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM sync_jobs
		WHERE enabled = 1 AND trigger_type IN ('schedule', 'file_watch')
		ORDER BY created_at ASC`)
}

func (s *ETLStore) queryJobs(query string) ([]etl.SyncJob, error) {
	rows, err := s.db.conn.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "query sync jobs")
	}
	defer rows.Close()

	var jobs []etl.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*etl.SyncJob, error) {
	job := &etl.SyncJob{}
	var srcCfg, streams, transforms, mode string
	var lastRun sql.NullTime
	if err := row.Scan(
		&job.ID, &job.Name, &job.Description, &job.SourceType, &srcCfg, &streams, &transforms,
		&mode, &job.TriggerType, &job.TriggerConfig, &job.Enabled,
		&lastRun, &job.LastStatus, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.SyncMode = etl.SyncMode(mode)
	if lastRun.Valid {
		job.LastRunAt = lastRun.Time
	}
	if err := json.Unmarshal([]byte(srcCfg), &job.SourceCfg); err != nil {
		return nil, errors.Wrapf(err, "job %s: source config", job.ID)
	}
	if err := json.Unmarshal([]byte(streams), &job.Streams); err != nil {
		return nil, errors.Wrapf(err, "job %s: streams", job.ID)
	}
	if err := json.Unmarshal([]byte(transforms), &job.Transforms); err != nil {
		return nil, errors.Wrapf(err, "job %s: transforms", job.ID)
	}
	return job, nil
}

func encodeJob(job *etl.SyncJob) (srcCfg, streams, transforms string, err error) {
	parts := []any{job.SourceCfg, job.Streams, job.Transforms}
	out := make([]string, len(parts))
	for i, p := range parts {
		raw, err := json.Marshal(p)
		if err != nil {
			return "", "", "", errors.Wrap(err, "encode sync job")
		}
		out[i] = string(raw)
	}
	return out[0], out[1], out[2], nil
}

// ── Run Logs ───────────────────────────────────────────────

func (s *ETLStore) CreateRunLog(log *etl.SyncRunLog) error {
	log.ID = uuid.New().String()
	_, err := s.db.conn.Exec(
		`INSERT INTO sync_run_logs (id, job_id, started_at, finished_at, status, rows_read, rows_written, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.JobID, log.StartedAt, log.FinishedAt, log.Status, log.RowsRead, log.RowsWritten, log.Error,
	)
	return errors.Wrap(err, "insert run log")
}

func (s *ETLStore) ListRunLogs(jobID string, limit int) ([]etl.SyncRunLog, error) {
	rows, err := s.db.conn.Query(
		`SELECT id, job_id, started_at, finished_at, status, rows_read, rows_written, error
		 FROM sync_run_logs WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query run logs")
	}
	defer rows.Close()

	var logs []etl.SyncRunLog
	for rows.Next() {
		var l etl.SyncRunLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.StartedAt, &l.FinishedAt, &l.Status, &l.RowsRead, &l.RowsWritten, &l.Error); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
