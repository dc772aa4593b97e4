package spike

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/models"
)

// ReasonInsufficientData explains a negative result produced before the
// detector has enough history to judge.
const ReasonInsufficientData = "insufficient_data"

// StatsStore abstracts persistence of rolling window counts.
type StatsStore interface {
	UpsertCount(ctx context.Context, service, windowKey string, delta int, ts time.Time) error
	FindRecent(ctx context.Context, service string, limit int) ([]models.ServiceStats, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Detector evaluates per-service event rates against their rolling history
// using a z-score test. State lives in the store, so the detector survives
// restarts with its baseline intact.
type Detector struct {
	cfg    config.SpikeConfig
	store  StatsStore
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Detector. Zero config fields fall back to the
// 5m/12/2.0/3 defaults.
func New(cfg config.SpikeConfig, store StatsStore, logger *slog.Logger) *Detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 5 * time.Minute
	}
	if cfg.HistoryWindows <= 0 {
		cfg.HistoryWindows = 12
	}
	if cfg.StdDevThreshold <= 0 {
		cfg.StdDevThreshold = 2.0
	}
	if cfg.MinDataPoints <= 0 {
		cfg.MinDataPoints = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cfg: cfg, store: store, logger: logger, now: time.Now}
}

// RecordCount adds n observed events to the service's current window.
// Store failures are logged, not returned; a missed increment only softens
// the baseline.
func (d *Detector) RecordCount(ctx context.Context, service string, n int) {
	if service == "" || n <= 0 {
		return
	}
	now := d.now().UTC()
	key := models.WindowKey(now, d.cfg.WindowSize)
	if err := d.store.UpsertCount(ctx, service, key, n, now); err != nil {
		d.logger.Warn("spike count upsert failed",
			slog.String("service", service),
			slog.String("window_key", key),
			slog.Any("error", err))
	}
}

// IsSpike evaluates currentCount against the service's retained windows.
// It never fails: store errors degrade to an insufficient-data verdict.
func (d *Detector) IsSpike(ctx context.Context, service string, currentCount int) models.SpikeResult {
	result := models.SpikeResult{
		Service:      service,
		CurrentCount: currentCount,
		Level:        models.SpikeNormal,
	}

	rows, err := d.store.FindRecent(ctx, service, d.cfg.HistoryWindows)
	if err != nil {
		d.logger.Warn("spike history read failed",
			slog.String("service", service),
			slog.Any("error", err))
		result.Reason = ReasonInsufficientData
		return result
	}

	if len(rows) < d.cfg.MinDataPoints {
		result.Reason = ReasonInsufficientData
		return result
	}
	result.HasEnoughData = true

	mean := 0.0
	for _, row := range rows {
		mean += float64(row.Count)
	}
	mean /= float64(len(rows))

	variance := 0.0
	for _, row := range rows {
		variance += math.Pow(float64(row.Count)-mean, 2)
	}
	variance /= float64(len(rows))
	stdDev := math.Sqrt(variance)

	result.Mean = mean
	result.StdDev = stdDev
	result.Threshold = mean + stdDev*d.cfg.StdDevThreshold

	if stdDev > 0 {
		result.Deviations = (float64(currentCount) - mean) / stdDev
		result.IsSpike = float64(currentCount) > result.Threshold
	}
	result.Level = levelFor(result.Deviations)

	return result
}

// CheckSpikes evaluates a batch of per-service counts in one pass.
func (d *Detector) CheckSpikes(ctx context.Context, counts map[string]int) map[string]models.SpikeResult {
	results := make(map[string]models.SpikeResult, len(counts))
	for service, count := range counts {
		results[service] = d.IsSpike(ctx, service, count)
	}
	return results
}

// Cleanup removes rows beyond twice the retained history span.
func (d *Detector) Cleanup(ctx context.Context) {
	cutoff := d.now().UTC().Add(-2 * d.cfg.WindowSize * time.Duration(d.cfg.HistoryWindows))
	deleted, err := d.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		d.logger.Warn("spike history cleanup failed", slog.Any("error", err))
		return
	}
	if deleted > 0 {
		d.logger.Debug("spike history cleaned",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff))
	}
}

func levelFor(deviations float64) string {
	switch {
	case deviations >= 4:
		return models.SpikeCritical
	case deviations >= 3:
		return models.SpikeHigh
	case deviations >= 2:
		return models.SpikeElevated
	default:
		return models.SpikeNormal
	}
}
