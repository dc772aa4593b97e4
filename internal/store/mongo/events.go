package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/store"
)

// EventRepo implements store.EventStore on the events collection.
type EventRepo struct {
	c *Client
}

func (r *EventRepo) collection() *mongo.Collection {
	return r.c.db.Collection(eventsCollection)
}

// InsertEvents bulk-inserts unordered so one bad row (typically a duplicate
// eventId) does not sink its batch.
func (r *EventRepo) InsertEvents(ctx context.Context, events []models.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	docs := make([]interface{}, len(events))
	for i, event := range events {
		docs[i] = event
	}

	res, err := r.collection().InsertMany(opCtx, docs, options.InsertMany().SetOrdered(false))
	inserted := 0
	if res != nil {
		inserted = len(res.InsertedIDs)
	}
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) {
			// Pure duplicate-key failures are expected under replayed
			// ingestion; the unique index is doing its job.
			if allDuplicates(bulkErr) {
				return inserted, fmt.Errorf("insert events: %d duplicates: %w", len(bulkErr.WriteErrors), store.ErrDuplicate)
			}
		}
		return inserted, fmt.Errorf("insert events: %w", err)
	}
	return inserted, nil
}

func allDuplicates(bulkErr mongo.BulkWriteException) bool {
	if len(bulkErr.WriteErrors) == 0 {
		return false
	}
	for _, we := range bulkErr.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}

// FindRecentUnassigned returns recent events with no incident back-link,
// newest first.
func (r *EventRepo) FindRecentUnassigned(ctx context.Context, since time.Time) ([]models.Event, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	filter := bson.M{
		"timestamp": bson.M{"$gte": since},
		"$or": bson.A{
			bson.M{"incidentId": bson.M{"$exists": false}},
			bson.M{"incidentId": ""},
		},
	}
	cursor, err := r.collection().Find(opCtx, filter,
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("find unassigned events: %w", err)
	}
	var events []models.Event
	if err := cursor.All(opCtx, &events); err != nil {
		return nil, fmt.Errorf("decode unassigned events: %w", err)
	}
	return events, nil
}

// FindByIDs returns the referenced events, most recent first, capped at
// limit when positive.
func (r *EventRepo) FindByIDs(ctx context.Context, ids []string, limit int) ([]models.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := r.collection().Find(opCtx, bson.M{"eventId": bson.M{"$in": ids}}, opts)
	if err != nil {
		return nil, fmt.Errorf("find events by ids: %w", err)
	}
	var events []models.Event
	if err := cursor.All(opCtx, &events); err != nil {
		return nil, fmt.Errorf("decode events by ids: %w", err)
	}
	return events, nil
}

// FindByEventID returns one event or store.ErrNotFound.
func (r *EventRepo) FindByEventID(ctx context.Context, eventID string) (*models.Event, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	var event models.Event
	err := r.collection().FindOne(opCtx, bson.M{"eventId": eventID}).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find event %s: %w", eventID, err)
	}
	return &event, nil
}

// AssignIncident back-links events in one bulk update. The filter skips
// rows that already carry an incident id, which keeps assignment
// write-once even if two runs race.
func (r *EventRepo) AssignIncident(ctx context.Context, eventIDs []string, incidentID string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	filter := bson.M{
		"eventId": bson.M{"$in": eventIDs},
		"$or": bson.A{
			bson.M{"incidentId": bson.M{"$exists": false}},
			bson.M{"incidentId": ""},
		},
	}
	_, err := r.collection().UpdateMany(opCtx, filter, bson.M{"$set": bson.M{"incidentId": incidentID}})
	if err != nil {
		return fmt.Errorf("assign incident %s: %w", incidentID, err)
	}
	return nil
}

// List applies the event filter set with pagination.
func (r *EventRepo) List(ctx context.Context, req models.ListEventsRequest) (models.ListEventsResponse, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	filter := bson.M{}
	if req.Service != "" {
		filter["service"] = req.Service
	}
	if req.IncidentID != "" {
		filter["incidentId"] = req.IncidentID
	}
	if req.Severity > 0 {
		filter["severity"] = req.Severity
	} else {
		sevRange := bson.M{}
		if req.MinSeverity > 0 {
			sevRange["$gte"] = req.MinSeverity
		}
		if req.MaxSeverity > 0 {
			sevRange["$lte"] = req.MaxSeverity
		}
		if len(sevRange) > 0 {
			filter["severity"] = sevRange
		}
	}
	tsRange := bson.M{}
	if !req.Start.IsZero() {
		tsRange["$gte"] = req.Start
	}
	if !req.End.IsZero() {
		tsRange["$lte"] = req.End
	}
	if len(tsRange) > 0 {
		filter["timestamp"] = tsRange
	}
	if len(req.Tags) > 0 {
		filter["tags"] = bson.M{"$all": req.Tags}
	}

	page, limit := normalizePage(req.Page, req.Limit)

	total, err := r.collection().CountDocuments(opCtx, filter)
	if err != nil {
		return models.ListEventsResponse{}, fmt.Errorf("count events: %w", err)
	}

	cursor, err := r.collection().Find(opCtx, filter, options.Find().
		SetSort(sortSpec(req.Sort, bson.D{{Key: "timestamp", Value: -1}})).
		SetSkip(int64((page-1)*limit)).
		SetLimit(int64(limit)))
	if err != nil {
		return models.ListEventsResponse{}, fmt.Errorf("list events: %w", err)
	}
	var events []models.Event
	if err := cursor.All(opCtx, &events); err != nil {
		return models.ListEventsResponse{}, fmt.Errorf("decode events: %w", err)
	}

	return models.ListEventsResponse{
		Events:     events,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages(total, limit),
	}, nil
}

// Stats aggregates severity and service distributions over a range.
func (r *EventRepo) Stats(ctx context.Context, start, end time.Time) (models.EventStats, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	match := bson.M{}
	tsRange := bson.M{}
	if !start.IsZero() {
		tsRange["$gte"] = start
	}
	if !end.IsZero() {
		tsRange["$lte"] = end
	}
	if len(tsRange) > 0 {
		match["timestamp"] = tsRange
	}

	stats := models.EventStats{
		BySeverity: make(map[string]int64),
		ByService:  make(map[string]int64),
		Start:      start,
		End:        end,
	}

	total, err := r.collection().CountDocuments(opCtx, match)
	if err != nil {
		return stats, fmt.Errorf("count events: %w", err)
	}
	stats.Total = total

	type bucket struct {
		ID    any   `bson:"_id"`
		Count int64 `bson:"count"`
	}

	group := func(field string) ([]bucket, error) {
		cursor, err := r.collection().Aggregate(opCtx, mongo.Pipeline{
			{{Key: "$match", Value: match}},
			{{Key: "$group", Value: bson.M{"_id": "$" + field, "count": bson.M{"$sum": 1}}}},
		})
		if err != nil {
			return nil, err
		}
		var buckets []bucket
		if err := cursor.All(opCtx, &buckets); err != nil {
			return nil, err
		}
		return buckets, nil
	}

	sevBuckets, err := group("severity")
	if err != nil {
		return stats, fmt.Errorf("aggregate severity: %w", err)
	}
	for _, b := range sevBuckets {
		stats.BySeverity[fmt.Sprintf("%v", b.ID)] = b.Count
	}

	svcBuckets, err := group("service")
	if err != nil {
		return stats, fmt.Errorf("aggregate service: %w", err)
	}
	for _, b := range svcBuckets {
		if name, ok := b.ID.(string); ok {
			stats.ByService[name] = b.Count
		}
	}

	return stats, nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return page, limit
}

func totalPages(total int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	pages := int(total) / limit
	if int(total)%limit != 0 {
		pages++
	}
	return pages
}

// sortSpec parses "field" or "-field" into a Mongo sort document, falling
// back to the provided default.
func sortSpec(sort string, fallback bson.D) bson.D {
	sort = strings.TrimSpace(sort)
	if sort == "" {
		return fallback
	}
	order := 1
	if strings.HasPrefix(sort, "-") {
		order = -1
		sort = sort[1:]
	}
	switch sort {
	case "timestamp", "severity", "service", "createdAt", "updatedAt", "severityScore", "status":
		return bson.D{{Key: sort, Value: order}}
	default:
		return fallback
	}
}
