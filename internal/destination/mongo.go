package destination

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"crmsync/internal/etl"
	"crmsync/internal/logger"
)

const defaultMongoDatabase = "crmsync"

// mongoWriter stores one collection per stream. Records with a primary key are
// upserted by it; the rest are inserted.
type mongoWriter struct {
	client *mongo.Client
	db     *mongo.Database
}

func newMongoWriter(ctx context.Context, uri, dbName string) (*mongoWriter, error) {
	if uri == "" {
		return nil, errors.New("mongodb destination requires a dsn")
	}
	if dbName == "" {
		dbName = databaseFromURI(uri)
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "ping mongo")
	}

	logger.Named("destination").Infow("connected to mongodb", "database", dbName)
	return &mongoWriter{client: client, db: client.Database(dbName)}, nil
}

// databaseFromURI extracts the database path segment of a mongodb:// or
// mongodb+srv:// URI, falling back to the default name.
func databaseFromURI(uri string) string {
	rest := uri
	for _, prefix := range []string{"mongodb+srv://", "mongodb://"} {
		if strings.HasPrefix(rest, prefix) {
			rest = rest[len(prefix):]
			break
		}
	}
	if at := strings.LastIndex(rest, "@"); at != -1 {
		rest = rest[at+1:]
	}
	slash := strings.Index(rest, "/")
	if slash == -1 {
		return defaultMongoDatabase
	}
	path := rest[slash+1:]
	if q := strings.Index(path, "?"); q != -1 {
		path = path[:q]
	}
	if path == "" {
		return defaultMongoDatabase
	}
	return path
}

func (m *mongoWriter) Prepare(ctx context.Context, stream *etl.Stream, _ *etl.Schema, mode etl.SyncMode) error {
	if mode != etl.SyncReplace {
		return nil
	}
	coll := m.db.Collection(RawTableName(stream.Name))
	if _, err := coll.DeleteMany(ctx, bson.D{}); err != nil {
		return errors.Wrapf(err, "clear collection %s", coll.Name())
	}
	return nil
}

func (m *mongoWriter) Write(ctx context.Context, stream *etl.Stream, records []etl.Record) (int, error) {
	coll := m.db.Collection(RawTableName(stream.Name))
	written := 0
	var inserts []any
	for i, rec := range records {
		doc, err := toBSON(rec)
		if err != nil {
			return written, errors.Wrapf(err, "encode record %d", i)
		}
		if !hasPrimaryKey(rec, stream.PrimaryKey) {
			inserts = append(inserts, doc)
			continue
		}

		id := RecordID(rec, stream.PrimaryKey)
		doc = append(bson.D{{Key: "_id", Value: id}}, doc...)
		_, err = coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, doc, options.Replace().SetUpsert(true))
		if err != nil {
			return written, errors.Wrapf(err, "upsert record %s", id)
		}
		written++
	}

	if len(inserts) > 0 {
		res, err := coll.InsertMany(ctx, inserts)
		if res != nil {
			written += len(res.InsertedIDs)
		}
		if err != nil {
			return written, errors.Wrap(err, "insert records")
		}
	}
	return written, nil
}

// toBSON re-encodes a record through relaxed Extended JSON so numbers keep
// their integer or double representation.
func toBSON(rec etl.Record) (bson.D, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, err
	}
	for i, elem := range doc {
		if elem.Key == "_id" {
			doc = append(doc[:i], doc[i+1:]...)
			break
		}
	}
	return doc, nil
}

func (m *mongoWriter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
