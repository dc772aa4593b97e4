package workers

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/scoring"
	"github.com/miradorstack/mirador-pulse/internal/spike"
	"github.com/miradorstack/mirador-pulse/internal/store"
)

func newAggregationFixture() (*AggregationWorker, *fakeEventStore, *fakeIncidentStore, *fakeStatsStore, *fakeBroadcaster) {
	events := newFakeEventStore()
	incidents := newFakeIncidentStore()
	stats := newFakeStatsStore()
	hub := newFakeBroadcaster()

	detector := spike.New(config.SpikeConfig{}, stats, nil)
	scorer := scoring.New(nil)

	worker := NewAggregationWorker(
		config.AggregationConfig{Interval: 30 * time.Second, Window: 5 * time.Minute},
		store.Store{Events: events, Incidents: incidents, Stats: stats},
		detector,
		scorer,
		hub,
		nil,
	)
	return worker, events, incidents, stats, hub
}

func deadlockEvent(id string, at time.Time) models.Event {
	return models.Event{
		EventID:   id,
		Service:   "order-service",
		Severity:  3,
		Timestamp: at,
		Metadata:  map[string]any{"errorType": "DeadlockDetected"},
	}
}

func TestAggregationCreatesIncident(t *testing.T) {
	worker, events, incidents, _, hub := newAggregationFixture()
	now := time.Now().UTC()

	events.add(
		deadlockEvent("evt_1", now.Add(-50*time.Second)),
		deadlockEvent("evt_2", now.Add(-40*time.Second)),
	)

	if err := worker.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	all := incidents.all()
	if len(all) != 1 {
		t.Fatalf("incidents = %d, want 1", len(all))
	}
	incident := all[0]
	if incident.Status != models.IncidentActive {
		t.Errorf("status = %s", incident.Status)
	}
	if len(incident.EventIDs) != 2 {
		t.Errorf("eventIds = %v", incident.EventIDs)
	}
	if len(incident.AffectedServices) != 1 || incident.AffectedServices[0] != "order-service" {
		t.Errorf("affectedServices = %v", incident.AffectedServices)
	}
	if !strings.HasPrefix(incident.Summary, "2 DeadlockDetected events from order-service. Severity:") {
		t.Errorf("summary = %q", incident.Summary)
	}

	for _, id := range []string{"evt_1", "evt_2"} {
		if got := events.get(id).IncidentID; got != incident.IncidentID {
			t.Errorf("event %s incidentId = %q, want %q", id, got, incident.IncidentID)
		}
	}

	if got := hub.actionsFor(incident.IncidentID); len(got) != 1 || got[0] != models.ActionCreated {
		t.Errorf("broadcast actions = %v", got)
	}
}

func TestAggregationExtendsIncident(t *testing.T) {
	worker, events, incidents, _, hub := newAggregationFixture()
	now := time.Now().UTC()

	// Run 1: two deadlock events create incident I.
	events.add(
		deadlockEvent("evt_1", now.Add(-50*time.Second)),
		deadlockEvent("evt_2", now.Add(-40*time.Second)),
	)
	if err := worker.runOnce(context.Background()); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	first := incidents.all()[0]

	// Run 2: two more similar events inside 2x the aggregation window.
	events.add(
		deadlockEvent("evt_3", now.Add(-20*time.Second)),
		deadlockEvent("evt_4", now.Add(-10*time.Second)),
	)
	if err := worker.runOnce(context.Background()); err != nil {
		t.Fatalf("run 2: %v", err)
	}

	all := incidents.all()
	if len(all) != 1 {
		t.Fatalf("incidents after extension = %d, want 1", len(all))
	}
	extended := all[0]
	if extended.IncidentID != first.IncidentID {
		t.Fatalf("new incident created instead of extension")
	}
	if len(extended.EventIDs) != 4 {
		t.Errorf("eventIds = %v, want 4 entries", extended.EventIDs)
	}
	if extended.SeverityScore < first.SeverityScore {
		t.Errorf("severity decreased: %d -> %d", first.SeverityScore, extended.SeverityScore)
	}
	if len(extended.AffectedServices) != 1 {
		t.Errorf("affectedServices = %v", extended.AffectedServices)
	}

	if got := hub.actionsFor(first.IncidentID); len(got) != 2 || got[1] != models.ActionUpdated {
		t.Errorf("broadcast actions = %v", got)
	}

	// Assignments never change once set.
	if got := events.get("evt_1").IncidentID; got != first.IncidentID {
		t.Errorf("evt_1 reassigned to %q", got)
	}
}

func TestAggregationAssignmentIsWriteOnce(t *testing.T) {
	worker, events, incidents, _, _ := newAggregationFixture()
	now := time.Now().UTC()

	events.add(deadlockEvent("evt_1", now.Add(-30*time.Second)))
	if err := worker.runOnce(context.Background()); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	assigned := events.get("evt_1").IncidentID

	// Later runs must not touch the event even if it is somehow re-queried.
	if err := worker.runOnce(context.Background()); err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if got := events.get("evt_1").IncidentID; got != assigned {
		t.Fatalf("incidentId changed %q -> %q", assigned, got)
	}
	if len(incidents.all()) != 1 {
		t.Fatalf("assigned event re-clustered")
	}
}

func TestAggregationClustersByServiceAndErrorType(t *testing.T) {
	worker, events, incidents, _, _ := newAggregationFixture()
	now := time.Now().UTC()

	events.add(
		models.Event{EventID: "evt_1", Service: "svc-a", Severity: 2, Timestamp: now,
			Metadata: map[string]any{"errorType": "Timeout"}},
		models.Event{EventID: "evt_2", Service: "svc-a", Severity: 2, Timestamp: now,
			Metadata: map[string]any{"error_type": "Timeout"}},
		models.Event{EventID: "evt_3", Service: "svc-b", Severity: 2, Timestamp: now,
			Metadata: map[string]any{"errorType": "Timeout"}},
		models.Event{EventID: "evt_4", Service: "svc-a", Severity: 4, Timestamp: now},
	)

	if err := worker.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	// svc-a/Timeout, svc-b/Timeout, svc-a/severity_4: three clusters, but
	// svc-a's second cluster extends the incident created by its first.
	all := incidents.all()
	if len(all) != 2 {
		for _, inc := range all {
			t.Logf("incident: %s services=%v events=%v", inc.IncidentID, inc.AffectedServices, inc.EventIDs)
		}
		t.Fatalf("incidents = %d, want 2", len(all))
	}
}

func TestErrorTypeExtraction(t *testing.T) {
	cases := []struct {
		metadata map[string]any
		severity int
		want     string
	}{
		{map[string]any{"errorType": "Deadlock"}, 3, "Deadlock"},
		{map[string]any{"error_type": "Timeout"}, 3, "Timeout"},
		{map[string]any{"type": "OOM"}, 3, "OOM"},
		{map[string]any{"category": "net"}, 3, "net"},
		{map[string]any{"errorCode": "E42"}, 3, "E42"},
		{map[string]any{"error_code": "E43"}, 3, "E43"},
		{map[string]any{"errorType": ""}, 4, "severity_4"},
		{map[string]any{"errorType": 17}, 2, "severity_2"},
		{nil, 5, "severity_5"},
	}

	for i, tc := range cases {
		event := models.Event{EventID: fmt.Sprintf("evt_%d", i), Severity: tc.severity, Metadata: tc.metadata}
		if got := event.ErrorType(); got != tc.want {
			t.Errorf("case %d: errorType = %q, want %q", i, got, tc.want)
		}
	}
}

func TestDeterministicSummaryFormat(t *testing.T) {
	key := models.ClusterKey{Service: "order-service", ErrorType: "DeadlockDetected"}

	plain := deterministicSummary(3, key, "medium", models.SpikeResult{}, 0)
	if plain != "3 DeadlockDetected events from order-service. Severity: MEDIUM" {
		t.Errorf("plain summary = %q", plain)
	}

	spiked := deterministicSummary(12, key, "critical",
		models.SpikeResult{IsSpike: true, Deviations: 3.5}, 7)
	want := "12 DeadlockDetected events from order-service. Severity: CRITICAL. Spike detected: 3.5σ above normal. Duration: 7 minutes"
	if spiked != want {
		t.Errorf("spiked summary = %q, want %q", spiked, want)
	}
}

func TestAggregationRecordsCounts(t *testing.T) {
	worker, events, _, stats, _ := newAggregationFixture()
	now := time.Now().UTC()

	events.add(
		deadlockEvent("evt_1", now.Add(-10*time.Second)),
		deadlockEvent("evt_2", now.Add(-5*time.Second)),
	)

	if err := worker.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	rows, _ := stats.FindRecent(context.Background(), "order-service", 0)
	total := 0
	for _, row := range rows {
		total += row.Count
	}
	if total != 2 {
		t.Errorf("recorded count = %d, want 2", total)
	}
}
