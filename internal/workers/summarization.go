package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/ai"
	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/models"
	"github.com/miradorstack/mirador-pulse/internal/redact"
	"github.com/miradorstack/mirador-pulse/internal/store"
	"github.com/miradorstack/mirador-pulse/internal/utils"
)

// summaryWindow bounds how far back the worker looks for incidents still
// awaiting a summary.
const summaryWindow = 24 * time.Hour

// eventsPerIncident caps how many events feed one incident's prompt.
const eventsPerIncident = 50

// LoadReporter lets the worker skip AI calls while ingestion is under
// pressure.
type LoadReporter interface {
	UnderPressure() bool
}

// SummaryClient is the slice of the AI client the worker needs.
type SummaryClient interface {
	Available() bool
	Complete(ctx context.Context, system, user string) (string, ai.Usage, error)
}

// SummarizationWorker batches AI-authored incident summaries. Metadata is
// redacted before leaving the process; provider failures degrade to
// deterministic fallbacks so the UI never waits on a placeholder.
type SummarizationWorker struct {
	cfg       config.SummarizationConfig
	incidents store.IncidentStore
	events    store.EventStore
	client    SummaryClient
	redactor  *redact.Redactor
	hub       Broadcaster
	load      LoadReporter
	logger    *slog.Logger
	now       func() time.Time

	runMu sync.Mutex
}

// NewSummarizationWorker constructs the worker. load may be nil.
func NewSummarizationWorker(
	cfg config.SummarizationConfig,
	st store.Store,
	client SummaryClient,
	redactor *redact.Redactor,
	hub Broadcaster,
	load LoadReporter,
	logger *slog.Logger,
) *SummarizationWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	if redactor == nil {
		redactor = redact.New()
	}
	return &SummarizationWorker{
		cfg:       cfg,
		incidents: st.Incidents,
		events:    st.Events,
		client:    client,
		redactor:  redactor,
		hub:       hub,
		load:      load,
		logger:    logger,
		now:       time.Now,
	}
}

// Run drives the worker until ctx is cancelled.
func (w *SummarizationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.runMu.TryLock() {
				continue
			}
			if err := w.runOnce(ctx); err != nil {
				w.logger.Error("summarization run failed", slog.Any("error", err))
			}
			w.runMu.Unlock()
		}
	}
}

// runOnce executes one summarization pass.
func (w *SummarizationWorker) runOnce(ctx context.Context) error {
	if w.load != nil && w.load.UnderPressure() {
		w.logger.Debug("skipping summarization tick, ingest under pressure")
		return nil
	}
	if !w.client.Available() {
		w.logger.Debug("skipping summarization tick, AI unavailable")
		return nil
	}

	since := w.now().UTC().Add(-summaryWindow)
	// Over-fetch so a failed batch does not starve the tick.
	candidates, err := w.incidents.FindSummaryNeeded(ctx, since, 3*w.cfg.BatchSize)
	if err != nil {
		return utils.NewAppError("summarization.query", utils.KindStoreUnavailable, "fetch summary candidates", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	for start := 0; start < len(candidates); start += w.cfg.BatchSize {
		end := start + w.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		w.summarizeBatch(ctx, candidates[start:end])
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// summarizeBatch runs one prompt covering the given incidents and applies
// the results. Any failure falls back per incident.
func (w *SummarizationWorker) summarizeBatch(ctx context.Context, batch []models.Incident) {
	if !w.client.Available() {
		// Breaker opened mid-run: emit fallbacks so the incidents stop
		// reappearing every tick; the breaker schedules the real retry.
		for i := range batch {
			w.applyFallback(ctx, &batch[i])
		}
		return
	}

	contexts := make([]ai.IncidentContext, 0, len(batch))
	for i := range batch {
		contexts = append(contexts, w.buildContext(ctx, &batch[i]))
	}

	system, user := ai.BuildBatchPrompt(contexts)
	text, _, err := w.client.Complete(ctx, system, user)
	if err != nil {
		w.logger.Warn("batch summarization failed, using fallbacks",
			slog.Int("batch", len(batch)),
			slog.Any("error", err))
		for i := range batch {
			w.applyFallback(ctx, &batch[i])
		}
		return
	}

	parsed, err := ai.ParseBatchResponse(text)
	if err != nil {
		w.logger.Warn("unparseable summarization response, using fallbacks",
			slog.Any("error", err))
		for i := range batch {
			w.applyFallback(ctx, &batch[i])
		}
		return
	}

	for i := range batch {
		incident := &batch[i]
		summary, ok := parsed[incident.IncidentID]
		if !ok {
			w.applyFallback(ctx, incident)
			continue
		}
		w.applySummary(ctx, incident, models.SummaryUpdate{
			Summary:          summary.Summary,
			RootCause:        summary.RootCause,
			Impact:           summary.Impact,
			SuggestedActions: summary.SuggestedActions,
			Source:           models.SummarySourceAI,
		})
	}
}

// SummarizeOne bypasses the schedule for a single incident. It still
// honors the breaker: an unavailable client fails instead of falling back,
// so the caller can surface a retryable error.
func (w *SummarizationWorker) SummarizeOne(ctx context.Context, incidentID string) (*models.Incident, error) {
	incident, err := w.incidents.FindByID(ctx, incidentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, utils.NewAppError("summarization.manual", utils.KindNotFound, "incident not found", err)
		}
		return nil, utils.NewAppError("summarization.manual", utils.KindStoreUnavailable, "fetch incident", err)
	}

	if !w.client.Available() {
		return nil, utils.NewAppError("summarization.manual", utils.KindExternalUnavailable, "AI unavailable", ai.ErrUnavailable)
	}

	system, user := ai.BuildSinglePrompt(w.buildContext(ctx, incident))
	text, _, err := w.client.Complete(ctx, system, user)
	if err != nil {
		return nil, utils.NewAppError("summarization.manual", utils.KindExternalUnavailable, "AI completion failed", err)
	}

	summary, err := ai.ParseSingleResponse(text)
	if err != nil {
		updated := w.applyFallback(ctx, incident)
		if updated == nil {
			return nil, utils.NewAppError("summarization.manual", utils.KindInternal, "fallback write failed", err)
		}
		return updated, nil
	}

	updated, err := w.incidents.ApplySummary(ctx, incident.IncidentID, models.SummaryUpdate{
		Summary:          summary.Summary,
		RootCause:        summary.RootCause,
		Impact:           summary.Impact,
		SuggestedActions: summary.SuggestedActions,
		Source:           models.SummarySourceAI,
	})
	if err != nil {
		return nil, utils.NewAppError("summarization.manual", utils.KindStoreUnavailable, "apply summary", err)
	}
	w.hub.PublishIncident(*updated, models.ActionSummaryUpdated)
	return updated, nil
}

// buildContext assembles one incident's redacted prompt slice.
func (w *SummarizationWorker) buildContext(ctx context.Context, incident *models.Incident) ai.IncidentContext {
	events, err := w.events.FindByIDs(ctx, incident.EventIDs, eventsPerIncident)
	if err != nil {
		w.logger.Warn("event fetch for prompt failed",
			slog.String("incident_id", incident.IncidentID),
			slog.Any("error", err))
	}

	redacted, stats := w.redactor.RedactEvents(events)
	if stats.FieldsRedacted > 0 {
		w.logger.Debug("redacted event metadata for prompt",
			slog.String("incident_id", incident.IncidentID),
			slog.Int("fields", stats.FieldsRedacted),
			slog.Any("patterns", stats.Patterns))
	}

	maxSeverity := 0
	start, end := incident.CreatedAt, incident.UpdatedAt
	for _, event := range redacted {
		if event.Severity > maxSeverity {
			maxSeverity = event.Severity
		}
		if !event.Timestamp.IsZero() {
			if start.IsZero() || event.Timestamp.Before(start) {
				start = event.Timestamp
			}
			if event.Timestamp.After(end) {
				end = event.Timestamp
			}
		}
	}

	return ai.IncidentContext{
		IncidentID:  incident.IncidentID,
		Services:    incident.AffectedServices,
		Start:       start,
		End:         end,
		EventCount:  len(incident.EventIDs),
		MaxSeverity: maxSeverity,
		Events:      redacted,
	}
}

// applySummary persists a summary update and broadcasts it.
func (w *SummarizationWorker) applySummary(ctx context.Context, incident *models.Incident, update models.SummaryUpdate) *models.Incident {
	updated, err := w.incidents.ApplySummary(ctx, incident.IncidentID, update)
	if err != nil {
		w.logger.Error("summary write failed",
			slog.String("incident_id", incident.IncidentID),
			slog.Any("error", err))
		return nil
	}
	w.hub.PublishIncident(*updated, models.ActionSummaryUpdated)
	return updated
}

// applyFallback writes the deterministic unavailable-summary.
func (w *SummarizationWorker) applyFallback(ctx context.Context, incident *models.Incident) *models.Incident {
	return w.applySummary(ctx, incident, FallbackSummary(incident))
}

// FallbackSummary renders the locally-generated stand-in used whenever the
// AI path is unavailable or unparseable.
func FallbackSummary(incident *models.Incident) models.SummaryUpdate {
	services := strings.Join(incident.AffectedServices, ", ")
	if services == "" {
		services = "unknown services"
	}
	return models.SummaryUpdate{
		Summary:   fmt.Sprintf("%d events detected across %s. AI summary unavailable.", len(incident.EventIDs), services),
		RootCause: "Not yet determined.",
		Impact:    "Impact assessment pending.",
		SuggestedActions: []string{
			"Review the incident's recent events",
			"Check the affected services' dashboards and logs",
			"Escalate if error rates keep climbing",
		},
		Source: models.SummarySourceFallback,
	}
}
