// ==============================================
// pkg/database/mongodb.go
// ==============================================
package database

import (
	"context"
	"fmt"
	"time"

	"duet/internal/config"
	"duet/pkg/logger"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Mongo holds a connected client and the relay database
type Mongo struct {
	client   *mongo.Client
	database *mongo.Database
}

// ConnectMongoDB establishes a connection and verifies it with a ping
func ConnectMongoDB(ctx context.Context, cfg config.MongoConfig) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Minute).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(5 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Infof("Connected to MongoDB database: %s", cfg.Database)
	return &Mongo{client: client, database: client.Database(cfg.Database)}, nil
}

// Database returns the relay database
func (m *Mongo) Database() *mongo.Database {
	return m.database
}

// HealthCheck pings the primary
func (m *Mongo) HealthCheck(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Disconnect closes the client
func (m *Mongo) Disconnect(ctx context.Context) error {
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect MongoDB: %w", err)
	}
	return nil
}
