package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/miradorstack/mirador-pulse/internal/models"
)

// StatsRepo implements the rolling-counter store on the service_stats
// collection. Rows expire through the TTL index on timestamp.
type StatsRepo struct {
	c *Client
}

func (r *StatsRepo) collection() *mongo.Collection {
	return r.c.db.Collection(statsCollection)
}

// UpsertCount increments the (service, windowKey) counter, creating the
// row when absent.
func (r *StatsRepo) UpsertCount(ctx context.Context, service, windowKey string, delta int, ts time.Time) error {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	_, err := r.collection().UpdateOne(opCtx,
		bson.M{"service": service, "windowKey": windowKey},
		bson.M{
			"$inc": bson.M{"count": delta},
			"$set": bson.M{"timestamp": ts},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert stats %s/%s: %w", service, windowKey, err)
	}
	return nil
}

// FindRecent returns the service's newest rows, most recent window first.
func (r *StatsRepo) FindRecent(ctx context.Context, service string, limit int) ([]models.ServiceStats, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "windowKey", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := r.collection().Find(opCtx, bson.M{"service": service}, opts)
	if err != nil {
		return nil, fmt.Errorf("find stats for %s: %w", service, err)
	}
	var rows []models.ServiceStats
	if err := cursor.All(opCtx, &rows); err != nil {
		return nil, fmt.Errorf("decode stats for %s: %w", service, err)
	}
	return rows, nil
}

// DeleteOlderThan removes rows past the retention horizon. The TTL index
// usually gets there first; this is the explicit cleanup the spike
// detector schedules.
func (r *StatsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	res, err := r.collection().DeleteMany(opCtx, bson.M{"timestamp": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("delete stats before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return res.DeletedCount, nil
}
