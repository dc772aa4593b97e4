package workers

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/store"
)

type fakeEventStore struct {
	mu     sync.Mutex
	events map[string]*models.Event
	order  []string
	fail   bool
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: make(map[string]*models.Event)}
}

func (f *fakeEventStore) add(events ...models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, event := range events {
		copied := event
		f.events[event.EventID] = &copied
		f.order = append(f.order, event.EventID)
	}
}

func (f *fakeEventStore) InsertEvents(ctx context.Context, events []models.Event) (int, error) {
	if f.fail {
		return 0, errors.New("store down")
	}
	f.add(events...)
	return len(events), nil
}

func (f *fakeEventStore) FindRecentUnassigned(ctx context.Context, since time.Time) ([]models.Event, error) {
	if f.fail {
		return nil, errors.New("store down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, id := range f.order {
		event := f.events[id]
		if event.IncidentID == "" && !event.Timestamp.Before(since) {
			out = append(out, *event)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (f *fakeEventStore) FindByIDs(ctx context.Context, ids []string, limit int) ([]models.Event, error) {
	if f.fail {
		return nil, errors.New("store down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, id := range ids {
		if event, ok := f.events[id]; ok {
			out = append(out, *event)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeEventStore) FindByEventID(ctx context.Context, eventID string) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if event, ok := f.events[eventID]; ok {
		copied := *event
		return &copied, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeEventStore) AssignIncident(ctx context.Context, eventIDs []string, incidentID string) error {
	if f.fail {
		return errors.New("store down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range eventIDs {
		if event, ok := f.events[id]; ok && event.IncidentID == "" {
			event.IncidentID = incidentID
		}
	}
	return nil
}

func (f *fakeEventStore) List(ctx context.Context, req models.ListEventsRequest) (models.ListEventsResponse, error) {
	return models.ListEventsResponse{}, nil
}

func (f *fakeEventStore) Stats(ctx context.Context, start, end time.Time) (models.EventStats, error) {
	return models.EventStats{}, nil
}

func (f *fakeEventStore) get(id string) models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.events[id]
}

type fakeIncidentStore struct {
	mu        sync.Mutex
	incidents map[string]*models.Incident
	order     []string
}

func newFakeIncidentStore() *fakeIncidentStore {
	return &fakeIncidentStore{incidents: make(map[string]*models.Incident)}
}

func (f *fakeIncidentStore) Insert(ctx context.Context, incident models.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.incidents[incident.IncidentID]; ok {
		return store.ErrDuplicate
	}
	copied := incident
	f.incidents[incident.IncidentID] = &copied
	f.order = append(f.order, incident.IncidentID)
	return nil
}

func (f *fakeIncidentStore) FindByID(ctx context.Context, incidentID string) (*models.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if incident, ok := f.incidents[incidentID]; ok {
		copied := *incident
		return &copied, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeIncidentStore) FindExtensionCandidate(ctx context.Context, service string, since time.Time) (*models.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *models.Incident
	for _, incident := range f.incidents {
		if !incident.Open() || incident.CreatedAt.Before(since) {
			continue
		}
		affected := false
		for _, svc := range incident.AffectedServices {
			if svc == service {
				affected = true
				break
			}
		}
		if !affected {
			continue
		}
		if best == nil || incident.CreatedAt.After(best.CreatedAt) {
			best = incident
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	copied := *best
	return &copied, nil
}

func (f *fakeIncidentStore) FindSummaryNeeded(ctx context.Context, since time.Time, limit int) ([]models.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Incident
	for _, id := range f.order {
		incident := f.incidents[id]
		if incident.Open() && incident.AIGeneratedSummary == "" && !incident.CreatedAt.Before(since) {
			out = append(out, *incident)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SeverityScore != out[j].SeverityScore {
			return out[i].SeverityScore > out[j].SeverityScore
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeIncidentStore) FindActive(ctx context.Context) ([]models.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Incident
	for _, id := range f.order {
		if incident := f.incidents[id]; incident.Open() {
			out = append(out, *incident)
		}
	}
	return out, nil
}

func (f *fakeIncidentStore) List(ctx context.Context, req models.ListIncidentsRequest) (models.ListIncidentsResponse, error) {
	return models.ListIncidentsResponse{}, nil
}

func (f *fakeIncidentStore) Extend(ctx context.Context, incidentID string, eventIDs []string, severityScore int, services []string, summary string) (*models.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	incident, ok := f.incidents[incidentID]
	if !ok || !incident.Open() {
		return nil, store.ErrNotFound
	}

	known := make(map[string]struct{}, len(incident.EventIDs))
	for _, id := range incident.EventIDs {
		known[id] = struct{}{}
	}
	for _, id := range eventIDs {
		if _, dup := known[id]; !dup {
			incident.EventIDs = append(incident.EventIDs, id)
			known[id] = struct{}{}
		}
	}

	if severityScore > incident.SeverityScore {
		incident.SeverityScore = severityScore
	}

	knownSvc := make(map[string]struct{}, len(incident.AffectedServices))
	for _, svc := range incident.AffectedServices {
		knownSvc[svc] = struct{}{}
	}
	for _, svc := range services {
		if _, dup := knownSvc[svc]; !dup {
			incident.AffectedServices = append(incident.AffectedServices, svc)
		}
	}

	incident.Summary = summary
	incident.UpdatedAt = time.Now().UTC()
	copied := *incident
	return &copied, nil
}

func (f *fakeIncidentStore) ApplySummary(ctx context.Context, incidentID string, update models.SummaryUpdate) (*models.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	incident, ok := f.incidents[incidentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	incident.AIGeneratedSummary = update.Summary
	incident.SummarySource = update.Source
	if update.RootCause != "" {
		incident.RootCause = update.RootCause
	}
	if update.Impact != "" {
		incident.Impact = update.Impact
	}
	if len(update.SuggestedActions) > 0 {
		incident.SuggestedActions = update.SuggestedActions
	}
	incident.UpdatedAt = time.Now().UTC()
	copied := *incident
	return &copied, nil
}

func (f *fakeIncidentStore) Patch(ctx context.Context, incidentID string, patch models.IncidentPatch) (*models.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	incident, ok := f.incidents[incidentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := time.Now().UTC()
	if patch.Status != nil {
		incident.Status = *patch.Status
		if *patch.Status == models.IncidentResolved {
			incident.ResolvedAt = &now
		}
	}
	if patch.AssignedTo != nil {
		incident.AssignedTo = *patch.AssignedTo
		if *patch.AssignedTo != "" {
			incident.AcknowledgedAt = &now
		}
	}
	copied := *incident
	return &copied, nil
}

func (f *fakeIncidentStore) all() []models.Incident {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Incident, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.incidents[id])
	}
	return out
}

type fakeStatsStore struct {
	mu   sync.Mutex
	rows map[string][]models.ServiceStats
}

func newFakeStatsStore() *fakeStatsStore {
	return &fakeStatsStore{rows: make(map[string][]models.ServiceStats)}
}

func (f *fakeStatsStore) seed(service string, counts ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for i, count := range counts {
		f.rows[service] = append(f.rows[service], models.ServiceStats{
			Service:   service,
			WindowKey: models.WindowKey(now.Add(-time.Duration(i+1)*5*time.Minute), 5*time.Minute),
			Count:     count,
			Timestamp: now.Add(-time.Duration(i+1) * 5 * time.Minute),
		})
	}
}

func (f *fakeStatsStore) UpsertCount(ctx context.Context, service, windowKey string, delta int, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows[service] {
		if f.rows[service][i].WindowKey == windowKey {
			f.rows[service][i].Count += delta
			f.rows[service][i].Timestamp = ts
			return nil
		}
	}
	f.rows[service] = append(f.rows[service], models.ServiceStats{
		Service: service, WindowKey: windowKey, Count: delta, Timestamp: ts,
	})
	return nil
}

func (f *fakeStatsStore) FindRecent(ctx context.Context, service string, limit int) ([]models.ServiceStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := append([]models.ServiceStats(nil), f.rows[service]...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].WindowKey > rows[j].WindowKey })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeStatsStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	actions []string
	byID    map[string][]string
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{byID: make(map[string][]string)}
}

func (f *fakeBroadcaster) PublishIncident(incident models.Incident, action string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	f.byID[incident.IncidentID] = append(f.byID[incident.IncidentID], action)
}

func (f *fakeBroadcaster) actionsFor(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.byID[id]...)
}
