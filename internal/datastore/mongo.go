package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const defaultMongoWriteAttempts = 8

var (
	errMissingMongoDatabase = errors.New("datastore: mongo database is required")
	// ErrWriteConflict reports a record that kept changing underneath an optimistic write.
	ErrWriteConflict = errors.New("datastore: concurrent write conflict")
)

type mongoRecord struct {
	ID              string `bson:"_id"`
	Value           bson.M `bson:"value"`
	Revision        int64  `bson:"rev"`
	UpdatedAtMillis int64  `bson:"updated_at_ms"`
}

// MongoBackend stores each top-level collection in a MongoDB collection of the same name. Documents carry a
// revision counter so that read-modify-write cycles stay atomic per record without transactions.
type MongoBackend struct {
	database      *mongo.Database
	clock         func() time.Time
	writeAttempts int
}

// NewMongoBackend wraps a connected database handle.
func NewMongoBackend(database *mongo.Database, clock func() time.Time) (*MongoBackend, error) {
	if database == nil {
		return nil, errMissingMongoDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &MongoBackend{database: database, clock: clock, writeAttempts: defaultMongoWriteAttempts}, nil
}

func (b *MongoBackend) Load(ctx context.Context, collection, recordID string) (map[string]any, error) {
	record, err := b.find(ctx, collection, recordID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	return recordDocument(record), nil
}

func (b *MongoBackend) Mutate(ctx context.Context, collection, recordID string, fn MutateFunc) (map[string]any, map[string]any, error) {
	coll := b.database.Collection(collection)
	for attempt := 0; attempt < b.writeAttempts; attempt++ {
		existing, err := b.find(ctx, collection, recordID)
		if err != nil {
			return nil, nil, err
		}
		previous := recordDocument(existing)
		next, err := fn(cloneDocument(previous))
		if err != nil {
			return nil, nil, err
		}
		if documentsEqual(previous, next) {
			return previous, cloneDocument(next), nil
		}

		now := b.clock().UTC().UnixMilli()
		switch {
		case existing == nil:
			_, err = coll.InsertOne(ctx, mongoRecord{ID: recordID, Value: bson.M(next), Revision: 1, UpdatedAtMillis: now})
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
		case next == nil:
			result, err := coll.DeleteOne(ctx, revisionFilter(recordID, existing.Revision))
			if err != nil {
				return nil, nil, err
			}
			if result.DeletedCount == 0 {
				continue
			}
		default:
			replacement := mongoRecord{ID: recordID, Value: bson.M(next), Revision: existing.Revision + 1, UpdatedAtMillis: now}
			result, err := coll.ReplaceOne(ctx, revisionFilter(recordID, existing.Revision), replacement)
			if err != nil {
				return nil, nil, err
			}
			if result.MatchedCount == 0 {
				continue
			}
		}
		return previous, cloneDocument(next), nil
	}
	return nil, nil, fmt.Errorf("%w: %s/%s", ErrWriteConflict, collection, recordID)
}

func (b *MongoBackend) List(ctx context.Context, collection string) ([]Record, error) {
	return b.findMany(ctx, collection, bson.D{})
}

func (b *MongoBackend) QueryEqual(ctx context.Context, collection, field string, value any) ([]Record, error) {
	return b.findMany(ctx, collection, bson.D{{Key: "value." + field, Value: value}})
}

func (b *MongoBackend) find(ctx context.Context, collection, recordID string) (*mongoRecord, error) {
	var record mongoRecord
	err := b.database.Collection(collection).
		FindOne(ctx, bson.D{{Key: "_id", Value: recordID}}).
		Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (b *MongoBackend) findMany(ctx context.Context, collection string, filter bson.D) ([]Record, error) {
	cursor, err := b.database.Collection(collection).
		Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var rows []mongoRecord
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for index := range rows {
		doc := recordDocument(&rows[index])
		if doc == nil {
			continue
		}
		records = append(records, Record{ID: rows[index].ID, Document: doc})
	}
	return records, nil
}

func revisionFilter(recordID string, revision int64) bson.D {
	return bson.D{{Key: "_id", Value: recordID}, {Key: "rev", Value: revision}}
}

func recordDocument(record *mongoRecord) map[string]any {
	if record == nil || len(record.Value) == 0 {
		return nil
	}
	doc, _ := fromBSON(record.Value).(map[string]any)
	return doc
}

// fromBSON maps decoded BSON values onto the JSON data model used by the tree.
func fromBSON(value any) any {
	switch typed := value.(type) {
	case bson.M:
		return fromBSONMap(map[string]any(typed))
	case map[string]any:
		return fromBSONMap(typed)
	case bson.D:
		converted := make(map[string]any, len(typed))
		for _, element := range typed {
			converted[element.Key] = fromBSON(element.Value)
		}
		return converted
	case bson.A:
		return fromBSONSlice([]any(typed))
	case []any:
		return fromBSONSlice(typed)
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case int:
		return float64(typed)
	default:
		return value
	}
}

func fromBSONMap(source map[string]any) map[string]any {
	converted := make(map[string]any, len(source))
	for key, child := range source {
		converted[key] = fromBSON(child)
	}
	return converted
}

func fromBSONSlice(source []any) []any {
	converted := make([]any, len(source))
	for index, child := range source {
		converted[index] = fromBSON(child)
	}
	return converted
}
