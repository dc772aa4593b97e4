// Package store defines the persistence contract for events, incidents and
// rolling service stats. Any backend satisfying these interfaces works; the
// mongo subpackage is the shipped implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/models"
)

// ErrNotFound signals an unknown id lookup.
var ErrNotFound = errors.New("not found")

// ErrDuplicate signals a unique-key collision.
var ErrDuplicate = errors.New("duplicate key")

// EventStore persists immutable events.
type EventStore interface {
	// InsertEvents bulk-inserts unordered. On partial failure it returns
	// the number of rows written alongside the error; there is no rollback.
	InsertEvents(ctx context.Context, events []models.Event) (int, error)
	// FindRecentUnassigned returns events newer than since with no
	// incident back-link, newest first.
	FindRecentUnassigned(ctx context.Context, since time.Time) ([]models.Event, error)
	// FindByIDs returns up to limit of the referenced events, most recent
	// first. A zero limit means no cap.
	FindByIDs(ctx context.Context, ids []string, limit int) ([]models.Event, error)
	// FindByEventID returns one event or ErrNotFound.
	FindByEventID(ctx context.Context, eventID string) (*models.Event, error)
	// AssignIncident back-links a set of events in one bulk update. Events
	// that already carry an incident id are left untouched.
	AssignIncident(ctx context.Context, eventIDs []string, incidentID string) error
	// List applies the filter set with pagination.
	List(ctx context.Context, req models.ListEventsRequest) (models.ListEventsResponse, error)
	// Stats aggregates severity and service distributions over a range.
	Stats(ctx context.Context, start, end time.Time) (models.EventStats, error)
}

// IncidentStore persists mutable incident aggregates. All updates are
// field-scoped; implementations must never replace whole documents.
type IncidentStore interface {
	Insert(ctx context.Context, incident models.Incident) error
	FindByID(ctx context.Context, incidentID string) (*models.Incident, error)
	// FindExtensionCandidate returns the newest open incident affecting
	// service and created at or after since, or ErrNotFound.
	FindExtensionCandidate(ctx context.Context, service string, since time.Time) (*models.Incident, error)
	// FindSummaryNeeded returns open incidents without an AI summary
	// created at or after since, ordered severity desc then createdAt
	// desc, capped at limit.
	FindSummaryNeeded(ctx context.Context, since time.Time, limit int) ([]models.Incident, error)
	// FindActive returns open incidents sorted severity desc, createdAt desc.
	FindActive(ctx context.Context) ([]models.Incident, error)
	List(ctx context.Context, req models.ListIncidentsRequest) (models.ListIncidentsResponse, error)
	// Extend appends event references (deduplicated), raises the severity
	// score monotonically, merges affected services and refreshes the
	// deterministic summary.
	Extend(ctx context.Context, incidentID string, eventIDs []string, severityScore int, services []string, summary string) (*models.Incident, error)
	// ApplySummary writes the summarization worker's field set.
	ApplySummary(ctx context.Context, incidentID string, update models.SummaryUpdate) (*models.Incident, error)
	// Patch applies operator mutations with their side effects
	// (resolvedAt on resolve, acknowledgedAt on assignment).
	Patch(ctx context.Context, incidentID string, patch models.IncidentPatch) (*models.Incident, error)
}

// StatsStore persists rolling window counters.
type StatsStore interface {
	UpsertCount(ctx context.Context, service, windowKey string, delta int, ts time.Time) error
	FindRecent(ctx context.Context, service string, limit int) ([]models.ServiceStats, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store bundles the three repositories behind one handle.
type Store struct {
	Events    EventStore
	Incidents IncidentStore
	Stats     StatsStore
}
