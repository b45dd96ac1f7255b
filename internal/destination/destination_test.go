package destination_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/config"
	"crmsync/internal/destination"
	"crmsync/internal/etl"
)

func TestRawTableName(t *testing.T) {
	assert.Equal(t, "_raw_contacts", destination.RawTableName("contacts"))
	assert.Equal(t, "_raw_p_123_car", destination.RawTableName("p-123.car"))
}

func TestRecordID(t *testing.T) {
	rec := etl.Record{"id": json.Number("42"), "portal": "7"}
	assert.Equal(t, "42", destination.RecordID(rec, []string{"id"}))
	assert.Equal(t, "42|7", destination.RecordID(rec, []string{"id", "portal"}))

	generated := destination.RecordID(etl.Record{"name": "x"}, []string{"id"})
	assert.Len(t, generated, 36)
	assert.Len(t, destination.RecordID(rec, nil), 36)
}

func TestNew_UnsupportedDriver(t *testing.T) {
	_, err := destination.New(context.Background(), config.DestinationConfig{Driver: "oracle"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, destination.ErrUnsupportedDriver))
}

func TestNew_SQLRequiresDSN(t *testing.T) {
	_, err := destination.New(context.Background(), config.DestinationConfig{Driver: destination.DriverPostgres}, nil)
	require.Error(t, err)
}

// ── stdout ─────────────────────────────────────────────────

func TestStdoutDestination(t *testing.T) {
	var buf bytes.Buffer
	dest, err := destination.New(context.Background(), config.DestinationConfig{}, &buf)
	require.NoError(t, err)

	stream := &etl.Stream{Name: "contacts"}
	require.NoError(t, dest.Prepare(context.Background(), stream, nil, etl.SyncAppend))
	n, err := dest.Write(context.Background(), stream, []etl.Record{{"id": "1"}, {"id": "2"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sw, ok := dest.(etl.StateWriter)
	require.True(t, ok)
	require.NoError(t, sw.WriteState(context.Background(), "contacts", etl.StreamState{"updatedAt": "2024-01-01"}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)

	var msg etl.Message
	require.NoError(t, json.Unmarshal(lines[0], &msg))
	assert.Equal(t, etl.MessageRecord, msg.Type)
	assert.Equal(t, "contacts", msg.Record.Stream)

	require.NoError(t, json.Unmarshal(lines[2], &msg))
	assert.Equal(t, etl.MessageState, msg.Type)
	assert.Equal(t, "contacts", msg.State.Stream.StreamDescriptor.Name)
}

// ── sqlite ─────────────────────────────────────────────────

type rawRow struct {
	recordID string
	data     map[string]any
}

func readRaw(t *testing.T, path, stream string) []rawRow {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.Query(`SELECT record_id, data FROM "` + destination.RawTableName(stream) + `" ORDER BY rowid`)
	require.NoError(t, err)
	defer rows.Close()

	var out []rawRow
	for rows.Next() {
		var r rawRow
		var data string
		require.NoError(t, rows.Scan(&r.recordID, &data))
		require.NoError(t, json.Unmarshal([]byte(data), &r.data))
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestSQLiteDestination_AppendAndReplace(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "warehouse.db")
	cfg := config.DestinationConfig{Driver: destination.DriverSQLite, DSN: path}
	stream := &etl.Stream{Name: "contacts", PrimaryKey: []string{"id"}}

	dest, err := destination.New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, dest.Prepare(ctx, stream, nil, etl.SyncAppend))
	n, err := dest.Write(ctx, stream, []etl.Record{
		{"id": json.Number("1"), "email": "a@example.com"},
		{"id": json.Number("2"), "email": "b@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, dest.Close())

	rows := readRaw(t, path, "contacts")
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0].recordID)
	assert.Equal(t, "b@example.com", rows[1].data["email"])
	assert.Equal(t, float64(2), rows[1].data["id"])

	// Append keeps earlier rows.
	dest, err = destination.New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, dest.Prepare(ctx, stream, nil, etl.SyncAppend))
	_, err = dest.Write(ctx, stream, []etl.Record{{"id": json.Number("3")}})
	require.NoError(t, err)
	require.NoError(t, dest.Close())
	assert.Len(t, readRaw(t, path, "contacts"), 3)

	// Replace clears the table before writing.
	dest, err = destination.New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, dest.Prepare(ctx, stream, nil, etl.SyncReplace))
	_, err = dest.Write(ctx, stream, []etl.Record{{"id": json.Number("9")}})
	require.NoError(t, err)
	require.NoError(t, dest.Close())

	rows = readRaw(t, path, "contacts")
	require.Len(t, rows, 1)
	assert.Equal(t, "9", rows[0].recordID)
}

func TestSQLiteDestination_WriteBeforePrepare(t *testing.T) {
	ctx := context.Background()
	dest, err := destination.New(ctx, config.DestinationConfig{
		Driver: destination.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "warehouse.db"),
	}, nil)
	require.NoError(t, err)
	defer dest.Close()

	_, err = dest.Write(ctx, &etl.Stream{Name: "deals"}, []etl.Record{{"id": "1"}})
	require.Error(t, err)

	n, err := dest.Write(ctx, &etl.Stream{Name: "deals"}, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
