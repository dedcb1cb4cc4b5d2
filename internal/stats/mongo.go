package stats

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoCollection = "relay_stats"

// MongoRecorder appends snapshots to the relay_stats collection. Documents
// expire through a TTL index on timestamp.
type MongoRecorder struct {
	collection *mongo.Collection
}

func NewMongoRecorder(ctx context.Context, db *mongo.Database, ttl time.Duration) (*MongoRecorder, error) {
	collection := db.Collection(mongoCollection)
	index := mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(ttl.Seconds())).SetName("timestamp_ttl"),
	}
	if _, err := collection.Indexes().CreateOne(ctx, index); err != nil {
		return nil, fmt.Errorf("create %s ttl index: %w", mongoCollection, err)
	}
	return &MongoRecorder{collection: collection}, nil
}

func (m *MongoRecorder) Record(ctx context.Context, snap Snapshot) error {
	if _, err := m.collection.InsertOne(ctx, snap); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Close leaves the client open; the database package owns it
func (m *MongoRecorder) Close(context.Context) error { return nil }

// Recent returns the latest snapshots, newest first
func (m *MongoRecorder) Recent(ctx context.Context, limit int64) ([]Snapshot, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(limit)
	cursor, err := m.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find snapshots: %w", err)
	}
	var out []Snapshot
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode snapshots: %w", err)
	}
	return out, nil
}
