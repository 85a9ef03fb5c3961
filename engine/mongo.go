package engine

import (
	"context"
	"fmt"
	"time"

	version "github.com/hashicorp/go-version"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// DefaultLedgerCollection is the default mongo collection for the ledger.
const DefaultLedgerCollection = "applied_versions"

type mongoLedgerEntry struct {
	Version   string    `bson:"_id"`
	AppliedAt time.Time `bson:"applied_at"`
}

// MongoEngine keeps the version ledger in a MongoDB collection, one document
// per applied version with the version string as _id. For hosts whose
// application data lives in mongo; there is no transactional step scope and
// usually no schema migrator in this configuration.
type MongoEngine struct {
	Base

	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMongoEngine creates a mongo ledger engine on the given collection.
func NewMongoEngine(coll *mongo.Collection, logger *zap.Logger) *MongoEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoEngine{
		coll:   coll,
		logger: logger.With(zap.String("component", "mongo_engine")),
	}
}

// AppliedVersions reads the ledger collection, degrading to empty when the
// store is unreachable on a fresh install.
func (e *MongoEngine) AppliedVersions(ctx context.Context) ([]*version.Version, error) {
	cursor, err := e.coll.Find(ctx, bson.D{})
	if err != nil {
		e.logger.Warn("version ledger unavailable, assuming fresh install", zap.Error(err))
		return nil, nil
	}
	defer cursor.Close(ctx)

	var entries []mongoLedgerEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("decode ledger entries: %w", err)
	}

	versions := make([]*version.Version, 0, len(entries))
	for _, entry := range entries {
		v, err := version.NewVersion(entry.Version)
		if err != nil {
			e.logger.Warn("skipping unparsable ledger entry",
				zap.String("version", entry.Version),
				zap.Error(err),
			)
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// RegisterVersion upserts the version document. $setOnInsert keeps the first
// applied_at on repeated registration, making the operation idempotent.
func (e *MongoEngine) RegisterVersion(ctx context.Context, v *version.Version) error {
	_, err := e.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: v.Original()}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "applied_at", Value: time.Now().UTC()}}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("register version %s: %w", v.Original(), err)
	}
	return nil
}
