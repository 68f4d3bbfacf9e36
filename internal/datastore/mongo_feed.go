package datastore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

const (
	mongoCursorCollection     = "change_feed_cursors"
	mongoNamespaceNotFoundErr = 26
)

// mongoChangeEvent is the subset of a change stream event the feed reads.
type mongoChangeEvent struct {
	OperationType string `bson:"operationType"`
	Namespace     struct {
		Collection string `bson:"coll"`
	} `bson:"ns"`
	DocumentKey struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument             *mongoRecord `bson:"fullDocument"`
	FullDocumentBeforeChange *mongoRecord `bson:"fullDocumentBeforeChange"`
}

type mongoFeedCursor struct {
	Consumer        string   `bson:"_id"`
	Token           bson.Raw `bson:"token"`
	UpdatedAtMillis int64    `bson:"updated_at_ms"`
}

// Follow opens a database change stream. Pre-images are enabled on the followed collections so that updates and
// deletes carry the previous document; events that still arrive without one are logged and dropped. Without a
// saved resume token the stream starts at the current time.
func (b *MongoBackend) Follow(ctx context.Context, cfg FollowConfig, handle CommitHook) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	for _, collection := range cfg.Collections {
		if err := b.enablePreImages(ctx, collection); err != nil {
			return err
		}
	}

	streamOptions := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)
	token, err := b.loadResumeToken(ctx, cfg.Consumer)
	if err != nil {
		return err
	}
	if token != nil {
		streamOptions.SetStartAfter(token)
	}

	stream, err := b.database.Watch(ctx, changeStreamPipeline(cfg.Collections), streamOptions)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open change stream: %w", err)
	}
	defer func() { _ = stream.Close(context.Background()) }()
	cfg.Logger.Info("following mongo change stream",
		zap.String("consumer", cfg.Consumer),
		zap.Bool("resumed", token != nil))

	for stream.Next(ctx) {
		var event mongoChangeEvent
		if err := stream.Decode(&event); err != nil {
			cfg.Logger.Error("change event decode failed", zap.Error(err))
		} else if change, ok := changeFromMongoEvent(event); ok {
			change.CommittedAt = b.clock().UTC()
			handle(ctx, change)
		} else if event.OperationType == "update" || event.OperationType == "replace" || event.OperationType == "delete" {
			cfg.Logger.Warn("change event without pre-image dropped",
				zap.String("operation", event.OperationType),
				zap.String("collection", event.Namespace.Collection),
				zap.String("record_id", event.DocumentKey.ID))
		}
		if err := b.saveResumeToken(ctx, cfg.Consumer, stream.ResumeToken()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("change stream: %w", err)
	}
	return nil
}

// changeFromMongoEvent maps a change event onto a RecordChange. It reports false for events that carry no
// usable before and after documents.
func changeFromMongoEvent(event mongoChangeEvent) (RecordChange, bool) {
	change := RecordChange{Collection: event.Namespace.Collection, RecordID: event.DocumentKey.ID}
	switch event.OperationType {
	case "insert":
		change.Current = recordDocument(event.FullDocument)
		if change.Current == nil {
			return RecordChange{}, false
		}
	case "update", "replace":
		change.Previous = recordDocument(event.FullDocumentBeforeChange)
		change.Current = recordDocument(event.FullDocument)
		if event.FullDocumentBeforeChange == nil || change.Current == nil {
			return RecordChange{}, false
		}
	case "delete":
		change.Previous = recordDocument(event.FullDocumentBeforeChange)
		if change.Previous == nil {
			return RecordChange{}, false
		}
	default:
		return RecordChange{}, false
	}
	if change.Collection == "" || change.RecordID == "" || documentsEqual(change.Previous, change.Current) {
		return RecordChange{}, false
	}
	return change, true
}

func changeStreamPipeline(collections []string) mongo.Pipeline {
	match := bson.D{{Key: "ns.coll", Value: bson.D{{Key: "$ne", Value: mongoCursorCollection}}}}
	if len(collections) > 0 {
		match = bson.D{{Key: "ns.coll", Value: bson.D{{Key: "$in", Value: collections}}}}
	}
	return mongo.Pipeline{{{Key: "$match", Value: match}}}
}

func (b *MongoBackend) enablePreImages(ctx context.Context, collection string) error {
	command := bson.D{
		{Key: "collMod", Value: collection},
		{Key: "changeStreamPreAndPostImages", Value: bson.D{{Key: "enabled", Value: true}}},
	}
	err := b.database.RunCommand(ctx, command).Err()
	var commandErr mongo.CommandError
	if errors.As(err, &commandErr) && commandErr.Code == mongoNamespaceNotFoundErr {
		if err := b.database.CreateCollection(ctx, collection); err != nil {
			return fmt.Errorf("create collection %s: %w", collection, err)
		}
		err = b.database.RunCommand(ctx, command).Err()
	}
	if err != nil {
		return fmt.Errorf("enable pre-images on %s: %w", collection, err)
	}
	return nil
}

func (b *MongoBackend) loadResumeToken(ctx context.Context, consumer string) (bson.Raw, error) {
	var cursor mongoFeedCursor
	err := b.database.Collection(mongoCursorCollection).
		FindOne(ctx, bson.D{{Key: "_id", Value: consumer}}).
		Decode(&cursor)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load change feed cursor: %w", err)
	}
	return cursor.Token, nil
}

func (b *MongoBackend) saveResumeToken(ctx context.Context, consumer string, token bson.Raw) error {
	if token == nil {
		return nil
	}
	cursor := mongoFeedCursor{Consumer: consumer, Token: token, UpdatedAtMillis: b.clock().UTC().UnixMilli()}
	_, err := b.database.Collection(mongoCursorCollection).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: consumer}}, cursor, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save change feed cursor: %w", err)
	}
	return nil
}
