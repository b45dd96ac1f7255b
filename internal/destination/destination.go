package destination

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"crmsync/internal/config"
	"crmsync/internal/etl"
)

// Supported destination drivers.
const (
	DriverStdout   = "stdout"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMongoDB  = "mongodb"
)

// ErrUnsupportedDriver is returned by New for an unknown driver name.
var ErrUnsupportedDriver = errors.New("unsupported destination driver")

// New creates the destination described by cfg. The stdout destination writes
// protocol messages to out.
func New(ctx context.Context, cfg config.DestinationConfig, out io.Writer) (etl.Destination, error) {
	switch cfg.Driver {
	case "", DriverStdout:
		return &etl.StdoutDestination{Writer: etl.NewMessageWriter(out)}, nil
	case DriverSQLite:
		return newSQLWriter(DriverSQLite, sqliteDSN(cfg.DSN))
	case DriverPostgres:
		return newSQLWriter(DriverPostgres, cfg.DSN)
	case DriverMySQL:
		return newSQLWriter(DriverMySQL, cfg.DSN)
	case DriverMongoDB:
		return newMongoWriter(ctx, cfg.DSN, cfg.Database)
	default:
		return nil, errors.Wrapf(ErrUnsupportedDriver, "%q", cfg.Driver)
	}
}

var unsafeIdent = regexp.MustCompile(`[^A-Za-z0-9_]`)

// RawTableName is the table (or collection) a stream's records land in.
func RawTableName(stream string) string {
	return "_raw_" + unsafeIdent.ReplaceAllString(stream, "_")
}

// RecordID joins the primary-key values of rec. Records without a complete
// primary key get a random id.
func RecordID(rec etl.Record, primaryKey []string) string {
	if len(primaryKey) == 0 {
		return uuid.New().String()
	}
	parts := make([]string, 0, len(primaryKey))
	for _, k := range primaryKey {
		v, ok := rec[k]
		if !ok || v == nil {
			return uuid.New().String()
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, "|")
}

func hasPrimaryKey(rec etl.Record, primaryKey []string) bool {
	if len(primaryKey) == 0 {
		return false
	}
	for _, k := range primaryKey {
		if v, ok := rec[k]; !ok || v == nil {
			return false
		}
	}
	return true
}
