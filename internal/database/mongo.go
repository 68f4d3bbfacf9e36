package database

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"
)

// OpenMongo connects to MongoDB, verifies the connection and ensures the indexes the record store relies on.
// The caller disconnects the returned client.
func OpenMongo(ctx context.Context, uri, databaseName string, logger *zap.Logger) (*mongo.Client, *mongo.Database, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, nil, fmt.Errorf("mongo uri is required")
	}
	if strings.TrimSpace(databaseName) == "" {
		return nil, nil, fmt.Errorf("mongo database name is required")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}

	database := client.Database(databaseName)
	if err := ensureMongoIndexes(ctx, database); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}

	if logger != nil {
		logger.Info("mongo initialized", zap.String("database", databaseName))
	}
	return client, database, nil
}

func ensureMongoIndexes(ctx context.Context, database *mongo.Database) error {
	_, err := database.Collection("comments").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "value.parent", Value: 1}},
		Options: options.Index().SetName("comment_parent"),
	})
	if err != nil {
		return fmt.Errorf("create comment parent index: %w", err)
	}
	return nil
}
