package destination

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"crmsync/internal/etl"
	"crmsync/internal/logger"
)

// sqlWriter is the shared implementation for MySQL, Postgres, and SQLite.
// Every stream lands in a raw table holding one JSON document per record.
type sqlWriter struct {
	driverName string
	db         *sql.DB
	now        func() time.Time

	mu       sync.Mutex
	prepared map[string]bool
}

func newSQLWriter(driverName, dsn string) (*sqlWriter, error) {
	if dsn == "" {
		return nil, errors.Newf("%s destination requires a dsn", driverName)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driverName)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)
	if driverName == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	return &sqlWriter{
		driverName: driverName,
		db:         db,
		now:        time.Now,
		prepared:   make(map[string]bool),
	}, nil
}

// sqliteDSN opens external SQLite files in WAL mode with a busy timeout.
func sqliteDSN(path string) string {
	if path == "" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func (w *sqlWriter) quote(ident string) string {
	if w.driverName == DriverMySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func (w *sqlWriter) placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		if w.driverName == DriverPostgres {
			ps[i] = fmt.Sprintf("$%d", i+1)
		} else {
			ps[i] = "?"
		}
	}
	return strings.Join(ps, ", ")
}

func (w *sqlWriter) createTableSQL(table string) string {
	idType, dataType := "TEXT", "TEXT"
	switch w.driverName {
	case DriverPostgres:
		dataType = "JSONB"
	case DriverMySQL:
		idType, dataType = "VARCHAR(255)", "JSON"
	}
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (record_id %s NOT NULL, emitted_at BIGINT NOT NULL, data %s NOT NULL)`,
		w.quote(table), idType, dataType,
	)
}

func (w *sqlWriter) Prepare(ctx context.Context, stream *etl.Stream, _ *etl.Schema, mode etl.SyncMode) error {
	table := RawTableName(stream.Name)
	if _, err := w.db.ExecContext(ctx, w.createTableSQL(table)); err != nil {
		return errors.Wrapf(err, "create table %s", table)
	}
	if mode == etl.SyncReplace {
		if _, err := w.db.ExecContext(ctx, "DELETE FROM "+w.quote(table)); err != nil {
			return errors.Wrapf(err, "clear table %s", table)
		}
	}

	w.mu.Lock()
	w.prepared[stream.Name] = true
	w.mu.Unlock()
	logger.Named("destination").Debugw("prepared table", "driver", w.driverName, "table", table, "mode", mode)
	return nil
}

func (w *sqlWriter) Write(ctx context.Context, stream *etl.Stream, records []etl.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	ready := w.prepared[stream.Name]
	w.mu.Unlock()
	if !ready {
		return 0, errors.Newf("stream %s written before prepare", stream.Name)
	}

	table := RawTableName(stream.Name)
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (record_id, emitted_at, data) VALUES (%s)", w.quote(table), w.placeholders(3),
	))
	if err != nil {
		return 0, errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	emittedAt := w.now().UnixMilli()
	for i, rec := range records {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return 0, errors.Wrapf(err, "encode record %d", i)
		}
		if _, err := stmt.ExecContext(ctx, RecordID(rec, stream.PrimaryKey), emittedAt, string(data)); err != nil {
			return 0, errors.Wrapf(err, "insert record %d", i)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit")
	}
	return len(records), nil
}

func (w *sqlWriter) Close() error {
	return w.db.Close()
}
