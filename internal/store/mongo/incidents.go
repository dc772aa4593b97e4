package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/store"
)

// IncidentRepo implements store.IncidentStore on the incidents collection.
// Every mutation is field-scoped so the aggregation and summarization
// workers can write concurrently without clobbering each other.
type IncidentRepo struct {
	c *Client
}

func (r *IncidentRepo) collection() *mongo.Collection {
	return r.c.db.Collection(incidentsCollection)
}

var openStatuses = bson.A{models.IncidentActive, models.IncidentInvestigating}

// Insert writes a new incident document.
func (r *IncidentRepo) Insert(ctx context.Context, incident models.Incident) error {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	_, err := r.collection().InsertOne(opCtx, incident)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("insert incident %s: %w", incident.IncidentID, store.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert incident %s: %w", incident.IncidentID, err)
	}
	return nil
}

// FindByID returns one incident or store.ErrNotFound.
func (r *IncidentRepo) FindByID(ctx context.Context, incidentID string) (*models.Incident, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	var incident models.Incident
	err := r.collection().FindOne(opCtx, bson.M{"incidentId": incidentID}).Decode(&incident)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find incident %s: %w", incidentID, err)
	}
	return &incident, nil
}

// FindExtensionCandidate returns the newest open incident affecting the
// service and created within the lookback window.
func (r *IncidentRepo) FindExtensionCandidate(ctx context.Context, service string, since time.Time) (*models.Incident, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	filter := bson.M{
		"affectedServices": service,
		"status":           bson.M{"$in": openStatuses},
		"createdAt":        bson.M{"$gte": since},
	}
	var incident models.Incident
	err := r.collection().FindOne(opCtx, filter,
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}})).Decode(&incident)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find extension candidate for %s: %w", service, err)
	}
	return &incident, nil
}

// FindSummaryNeeded returns open incidents lacking an AI summary, highest
// severity first.
func (r *IncidentRepo) FindSummaryNeeded(ctx context.Context, since time.Time, limit int) ([]models.Incident, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	filter := bson.M{
		"status":    bson.M{"$in": openStatuses},
		"createdAt": bson.M{"$gte": since},
		"$or": bson.A{
			bson.M{"aiGeneratedSummary": bson.M{"$exists": false}},
			bson.M{"aiGeneratedSummary": ""},
		},
	}
	opts := options.Find().SetSort(bson.D{
		{Key: "severityScore", Value: -1},
		{Key: "createdAt", Value: -1},
	})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := r.collection().Find(opCtx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find incidents needing summary: %w", err)
	}
	var incidents []models.Incident
	if err := cursor.All(opCtx, &incidents); err != nil {
		return nil, fmt.Errorf("decode incidents needing summary: %w", err)
	}
	return incidents, nil
}

// FindActive returns open incidents sorted by severity then recency.
func (r *IncidentRepo) FindActive(ctx context.Context) ([]models.Incident, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	cursor, err := r.collection().Find(opCtx,
		bson.M{"status": bson.M{"$in": openStatuses}},
		options.Find().SetSort(bson.D{
			{Key: "severityScore", Value: -1},
			{Key: "createdAt", Value: -1},
		}))
	if err != nil {
		return nil, fmt.Errorf("find active incidents: %w", err)
	}
	var incidents []models.Incident
	if err := cursor.All(opCtx, &incidents); err != nil {
		return nil, fmt.Errorf("decode active incidents: %w", err)
	}
	return incidents, nil
}

// List applies the incident filter set with pagination.
func (r *IncidentRepo) List(ctx context.Context, req models.ListIncidentsRequest) (models.ListIncidentsResponse, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	filter := bson.M{}
	if req.Status != "" {
		filter["status"] = req.Status
	}
	if req.Service != "" {
		filter["affectedServices"] = req.Service
	}
	if req.MinSeverity > 0 {
		filter["severityScore"] = bson.M{"$gte": req.MinSeverity}
	}
	tsRange := bson.M{}
	if !req.Start.IsZero() {
		tsRange["$gte"] = req.Start
	}
	if !req.End.IsZero() {
		tsRange["$lte"] = req.End
	}
	if len(tsRange) > 0 {
		filter["createdAt"] = tsRange
	}

	page, limit := normalizePage(req.Page, req.Limit)

	total, err := r.collection().CountDocuments(opCtx, filter)
	if err != nil {
		return models.ListIncidentsResponse{}, fmt.Errorf("count incidents: %w", err)
	}

	cursor, err := r.collection().Find(opCtx, filter, options.Find().
		SetSort(sortSpec(req.Sort, bson.D{{Key: "createdAt", Value: -1}})).
		SetSkip(int64((page-1)*limit)).
		SetLimit(int64(limit)))
	if err != nil {
		return models.ListIncidentsResponse{}, fmt.Errorf("list incidents: %w", err)
	}
	var incidents []models.Incident
	if err := cursor.All(opCtx, &incidents); err != nil {
		return models.ListIncidentsResponse{}, fmt.Errorf("decode incidents: %w", err)
	}

	return models.ListIncidentsResponse{
		Incidents:  incidents,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages(total, limit),
	}, nil
}

// Extend grows an open incident: new event references are appended without
// duplicates, the severity score only ever rises, and affected services
// are merged as a set.
func (r *IncidentRepo) Extend(ctx context.Context, incidentID string, eventIDs []string, severityScore int, services []string, summary string) (*models.Incident, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	update := bson.M{
		"$addToSet": bson.M{
			"eventIds":         bson.M{"$each": eventIDs},
			"affectedServices": bson.M{"$each": services},
		},
		"$max": bson.M{"severityScore": severityScore},
		"$set": bson.M{
			"summary":   summary,
			"updatedAt": time.Now().UTC(),
		},
	}
	filter := bson.M{
		"incidentId": incidentID,
		"status":     bson.M{"$in": openStatuses},
	}

	var incident models.Incident
	err := r.collection().FindOneAndUpdate(opCtx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&incident)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("extend incident %s: %w", incidentID, err)
	}
	return &incident, nil
}

// ApplySummary writes the summarization worker's fields. It never touches
// the aggregation-owned columns.
func (r *IncidentRepo) ApplySummary(ctx context.Context, incidentID string, update models.SummaryUpdate) (*models.Incident, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	set := bson.M{
		"aiGeneratedSummary": update.Summary,
		"summarySource":      update.Source,
		"updatedAt":          time.Now().UTC(),
	}
	if update.RootCause != "" {
		set["rootCause"] = update.RootCause
	}
	if update.Impact != "" {
		set["impact"] = update.Impact
	}
	if len(update.SuggestedActions) > 0 {
		set["suggestedActions"] = update.SuggestedActions
	}

	var incident models.Incident
	err := r.collection().FindOneAndUpdate(opCtx,
		bson.M{"incidentId": incidentID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&incident)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("apply summary to %s: %w", incidentID, err)
	}
	return &incident, nil
}

// Patch applies operator mutations and their timestamp side effects.
func (r *IncidentRepo) Patch(ctx context.Context, incidentID string, patch models.IncidentPatch) (*models.Incident, error) {
	opCtx, cancel := r.c.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	set := bson.M{"updatedAt": now}
	if patch.Status != nil {
		set["status"] = *patch.Status
		if *patch.Status == models.IncidentResolved {
			set["resolvedAt"] = now
		}
	}
	if patch.AssignedTo != nil {
		set["assignedTo"] = *patch.AssignedTo
		if *patch.AssignedTo != "" {
			set["acknowledgedAt"] = now
		}
	}
	if patch.Resolution != nil {
		set["resolution"] = *patch.Resolution
	}
	if patch.RootCause != nil {
		set["rootCause"] = *patch.RootCause
	}

	var incident models.Incident
	err := r.collection().FindOneAndUpdate(opCtx,
		bson.M{"incidentId": incidentID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&incident)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("patch incident %s: %w", incidentID, err)
	}
	return &incident, nil
}
