// Package mongo implements the store contract on MongoDB.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/store"
)

const (
	eventsCollection    = "events"
	incidentsCollection = "incidents"
	statsCollection     = "service_stats"
)

// statsTTL keeps rolling counters for twice the default one-hour history.
const statsTTL = 2 * time.Hour

// Client wraps the MongoDB connection and exposes the three repositories.
type Client struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
	logger  *slog.Logger
}

// Connect dials MongoDB, pings it, and ensures indexes.
func Connect(ctx context.Context, cfg config.MongoConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(cfg.URI).SetTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	c := &Client{
		client:  client,
		db:      client.Database(cfg.Database),
		timeout: timeout,
		logger:  logger,
	}
	if err := c.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return c, nil
}

// Store returns the repository bundle backed by this connection.
func (c *Client) Store() store.Store {
	return store.Store{
		Events:    &EventRepo{c: c},
		Incidents: &IncidentRepo{c: c},
		Stats:     &StatsRepo{c: c},
	}
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

func (c *Client) ensureIndexes(ctx context.Context) error {
	idxCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	events := c.db.Collection(eventsCollection)
	_, err := events.Indexes().CreateMany(idxCtx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "eventId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "timestamp", Value: -1}, {Key: "service", Value: 1}}},
		{Keys: bson.D{{Key: "service", Value: 1}, {Key: "severity", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "incidentId", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("ensure event indexes: %w", err)
	}

	incidents := c.db.Collection(incidentsCollection)
	_, err = incidents.Indexes().CreateMany(idxCtx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "incidentId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "severityScore", Value: -1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "affectedServices", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("ensure incident indexes: %w", err)
	}

	stats := c.db.Collection(statsCollection)
	_, err = stats.Indexes().CreateMany(idxCtx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "service", Value: 1}, {Key: "windowKey", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(statsTTL.Seconds())),
		},
	})
	if err != nil {
		return fmt.Errorf("ensure stats indexes: %w", err)
	}

	return nil
}

// opCtx derives a store-call context with the configured timeout.
func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}
