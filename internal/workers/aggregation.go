package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/metrics"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/scoring"
	"github.com/miradorstack/mirador-pulse/internal/spike"
	"github.com/miradorstack/mirador-pulse/internal/store"
	"github.com/miradorstack/mirador-pulse/internal/utils"
)

// Broadcaster publishes incident mutations to live subscribers.
type Broadcaster interface {
	PublishIncident(incident models.Incident, action string)
}

// cleanupEvery schedules spike-history cleanup once per this many runs.
const cleanupEvery = 10

// AggregationWorker periodically clusters unassigned events into incidents.
// It is a singleton: a run in progress inhibits the next tick.
type AggregationWorker struct {
	cfg       config.AggregationConfig
	events    store.EventStore
	incidents store.IncidentStore
	detector  *spike.Detector
	scorer    *scoring.Scorer
	hub       Broadcaster
	logger    *slog.Logger
	now       func() time.Time

	runMu    sync.Mutex
	runCount int
}

// NewAggregationWorker constructs the worker.
func NewAggregationWorker(
	cfg config.AggregationConfig,
	st store.Store,
	detector *spike.Detector,
	scorer *scoring.Scorer,
	hub Broadcaster,
	logger *slog.Logger,
) *AggregationWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AggregationWorker{
		cfg:       cfg,
		events:    st.Events,
		incidents: st.Incidents,
		detector:  detector,
		scorer:    scorer,
		hub:       hub,
		logger:    logger,
		now:       time.Now,
	}
}

// Run drives the worker until ctx is cancelled.
func (w *AggregationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.runMu.TryLock() {
				w.logger.Warn("aggregation run still in progress, skipping tick")
				continue
			}
			start := time.Now()
			err := w.runOnce(ctx)
			w.runMu.Unlock()
			if err != nil {
				metrics.ObserveAggregationRun(time.Since(start), metrics.OutcomeError)
				w.logger.Error("aggregation run failed", slog.Any("error", err))
				continue
			}
			metrics.ObserveAggregationRun(time.Since(start), metrics.OutcomeSuccess)
		}
	}
}

// runOnce executes one aggregation pass.
func (w *AggregationWorker) runOnce(ctx context.Context) error {
	w.runCount++
	now := w.now().UTC()
	since := now.Add(-w.cfg.Window)

	events, err := w.events.FindRecentUnassigned(ctx, since)
	if err != nil {
		return utils.NewAppError("aggregation.query", utils.KindStoreUnavailable, "fetch unassigned events", err)
	}

	if w.runCount%cleanupEvery == 0 {
		w.detector.Cleanup(ctx)
	}

	if len(events) == 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, event := range events {
		counts[event.Service]++
	}
	for service, n := range counts {
		w.detector.RecordCount(ctx, service, n)
	}
	spikeData := w.detector.CheckSpikes(ctx, counts)

	clusters := clusterEvents(events)
	w.logger.Debug("aggregation pass",
		slog.Int("events", len(events)),
		slog.Int("clusters", len(clusters)))

	for _, cluster := range clusters {
		if err := w.processCluster(ctx, cluster, spikeData, now); err != nil {
			w.logger.Error("cluster processing failed",
				slog.String("service", cluster.Key.Service),
				slog.String("error_type", cluster.Key.ErrorType),
				slog.Int("events", len(cluster.Events)),
				slog.Any("error", err))
		}
	}

	return nil
}

// processCluster extends a matching open incident or materializes a new one,
// then back-links the cluster's events.
func (w *AggregationWorker) processCluster(ctx context.Context, cluster models.Cluster, spikeData map[string]models.SpikeResult, now time.Time) error {
	score := w.scorer.ScoreIncident(cluster.Events, spikeData)

	eventIDs := make([]string, len(cluster.Events))
	for i, event := range cluster.Events {
		eventIDs[i] = event.EventID
	}

	candidate, err := w.incidents.FindExtensionCandidate(ctx, cluster.Key.Service, now.Add(-2*w.cfg.Window))
	switch {
	case err == nil:
		return w.extendIncident(ctx, candidate, cluster, score, spikeData, eventIDs, now)
	case errors.Is(err, store.ErrNotFound):
		return w.createIncident(ctx, cluster, score, spikeData, eventIDs, now)
	default:
		return fmt.Errorf("extension lookup: %w", err)
	}
}

func (w *AggregationWorker) createIncident(ctx context.Context, cluster models.Cluster, score scoring.IncidentScore, spikeData map[string]models.SpikeResult, eventIDs []string, now time.Time) error {
	summary := deterministicSummary(len(eventIDs), cluster.Key, score.Classification,
		spikeData[cluster.Key.Service], eventSpanMinutes(cluster.Events))

	incident := models.Incident{
		IncidentID:       "inc_" + uuid.NewString(),
		EventIDs:         eventIDs,
		Status:           models.IncidentActive,
		SeverityScore:    score.Level,
		AffectedServices: []string{cluster.Key.Service},
		ErrorType:        cluster.Key.ErrorType,
		Summary:          summary,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := w.incidents.Insert(ctx, incident); err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	if err := w.events.AssignIncident(ctx, eventIDs, incident.IncidentID); err != nil {
		return fmt.Errorf("assign events: %w", err)
	}

	w.hub.PublishIncident(incident, models.ActionCreated)
	w.logger.Info("incident created",
		slog.String("incident_id", incident.IncidentID),
		slog.String("service", cluster.Key.Service),
		slog.String("error_type", cluster.Key.ErrorType),
		slog.Int("events", len(eventIDs)),
		slog.Int("severity", score.Level))
	return nil
}

func (w *AggregationWorker) extendIncident(ctx context.Context, candidate *models.Incident, cluster models.Cluster, score scoring.IncidentScore, spikeData map[string]models.SpikeResult, eventIDs []string, now time.Time) error {
	known := make(map[string]struct{}, len(candidate.EventIDs))
	for _, id := range candidate.EventIDs {
		known[id] = struct{}{}
	}
	fresh := make([]string, 0, len(eventIDs))
	for _, id := range eventIDs {
		if _, ok := known[id]; !ok {
			fresh = append(fresh, id)
		}
	}

	severity := score.Level
	if candidate.SeverityScore > severity {
		severity = candidate.SeverityScore
	}

	totalEvents := len(candidate.EventIDs) + len(fresh)
	durationMinutes := int(utils.DurationMinutes(candidate.CreatedAt, now))
	summary := deterministicSummary(totalEvents,
		models.ClusterKey{Service: cluster.Key.Service, ErrorType: candidate.ErrorType},
		score.Classification, spikeData[cluster.Key.Service], durationMinutes)

	updated, err := w.incidents.Extend(ctx, candidate.IncidentID, fresh, severity, []string{cluster.Key.Service}, summary)
	if err != nil {
		return fmt.Errorf("extend incident: %w", err)
	}
	if err := w.events.AssignIncident(ctx, eventIDs, candidate.IncidentID); err != nil {
		return fmt.Errorf("assign events: %w", err)
	}

	w.hub.PublishIncident(*updated, models.ActionUpdated)
	w.logger.Info("incident extended",
		slog.String("incident_id", candidate.IncidentID),
		slog.String("service", cluster.Key.Service),
		slog.Int("new_events", len(fresh)),
		slog.Int("severity", updated.SeverityScore))
	return nil
}

// clusterEvents buckets events by (service, errorType) preserving the
// newest-first order within each bucket. Bucket order is stable across runs.
func clusterEvents(events []models.Event) []models.Cluster {
	byKey := make(map[models.ClusterKey]*models.Cluster)
	order := make([]models.ClusterKey, 0)
	for _, event := range events {
		key := models.ClusterKey{Service: event.Service, ErrorType: event.ErrorType()}
		cluster, ok := byKey[key]
		if !ok {
			cluster = &models.Cluster{Key: key}
			byKey[key] = cluster
			order = append(order, key)
		}
		cluster.Events = append(cluster.Events, event)
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].Service != order[j].Service {
			return order[i].Service < order[j].Service
		}
		return order[i].ErrorType < order[j].ErrorType
	})

	out := make([]models.Cluster, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

// deterministicSummary renders the incident's textual summary. The same
// inputs always produce the same string.
func deterministicSummary(eventCount int, key models.ClusterKey, classification string, spikeResult models.SpikeResult, durationMinutes int) string {
	summary := fmt.Sprintf("%d %s events from %s. Severity: %s",
		eventCount, key.ErrorType, key.Service, strings.ToUpper(classification))
	if spikeResult.IsSpike {
		summary += fmt.Sprintf(". Spike detected: %.1fσ above normal", spikeResult.Deviations)
	}
	if durationMinutes > 0 {
		summary += fmt.Sprintf(". Duration: %d minutes", durationMinutes)
	}
	return summary
}

// eventSpanMinutes measures the whole-minute span covered by a cluster.
func eventSpanMinutes(events []models.Event) int {
	if len(events) < 2 {
		return 0
	}
	oldest, newest := events[0].Timestamp, events[0].Timestamp
	for _, event := range events[1:] {
		if event.Timestamp.Before(oldest) {
			oldest = event.Timestamp
		}
		if event.Timestamp.After(newest) {
			newest = event.Timestamp
		}
	}
	return int(utils.DurationMinutes(oldest, newest))
}
