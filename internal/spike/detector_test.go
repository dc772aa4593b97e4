package spike

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/models"
)

type fakeStatsStore struct {
	rows     map[string][]models.ServiceStats
	upserts  map[string]int
	failGet  bool
	deleted  int64
	cutoff   time.Time
	failDel  bool
	upsertFn func(service, windowKey string, delta int) error
}

func newFakeStatsStore() *fakeStatsStore {
	return &fakeStatsStore{
		rows:    make(map[string][]models.ServiceStats),
		upserts: make(map[string]int),
	}
}

func (f *fakeStatsStore) UpsertCount(ctx context.Context, service, windowKey string, delta int, ts time.Time) error {
	if f.upsertFn != nil {
		return f.upsertFn(service, windowKey, delta)
	}
	f.upserts[service+"/"+windowKey] += delta
	return nil
}

func (f *fakeStatsStore) FindRecent(ctx context.Context, service string, limit int) ([]models.ServiceStats, error) {
	if f.failGet {
		return nil, errors.New("store down")
	}
	rows := f.rows[service]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeStatsStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if f.failDel {
		return 0, errors.New("store down")
	}
	f.cutoff = cutoff
	return f.deleted, nil
}

func withCounts(store *fakeStatsStore, service string, counts ...int) {
	now := time.Now().UTC()
	for i, count := range counts {
		store.rows[service] = append(store.rows[service], models.ServiceStats{
			Service:   service,
			WindowKey: models.WindowKey(now.Add(-time.Duration(i)*5*time.Minute), 5*time.Minute),
			Count:     count,
			Timestamp: now.Add(-time.Duration(i) * 5 * time.Minute),
		})
	}
}

func TestIsSpikeThreshold(t *testing.T) {
	store := newFakeStatsStore()
	withCounts(store, "checkout", 10, 12, 8, 14, 11)
	d := New(config.SpikeConfig{}, store, nil)

	atThreshold := d.IsSpike(context.Background(), "checkout", 15)
	if atThreshold.IsSpike {
		t.Errorf("count equal to threshold flagged as spike: %+v", atThreshold)
	}
	if atThreshold.Mean != 11 || atThreshold.StdDev != 2 || atThreshold.Threshold != 15 {
		t.Errorf("stats = mean %v stddev %v threshold %v, want 11/2/15",
			atThreshold.Mean, atThreshold.StdDev, atThreshold.Threshold)
	}

	above := d.IsSpike(context.Background(), "checkout", 16)
	if !above.IsSpike {
		t.Fatalf("count above threshold not flagged: %+v", above)
	}
	if above.Deviations != 2.5 {
		t.Errorf("deviations = %v, want 2.5", above.Deviations)
	}
	if above.Level != models.SpikeElevated {
		t.Errorf("level = %s, want elevated", above.Level)
	}
}

func TestIsSpikeLevels(t *testing.T) {
	cases := []struct {
		deviations float64
		want       string
	}{
		{4.5, models.SpikeCritical},
		{3.2, models.SpikeHigh},
		{2.1, models.SpikeElevated},
		{1.0, models.SpikeNormal},
		{-1.0, models.SpikeNormal},
	}
	for _, tc := range cases {
		if got := levelFor(tc.deviations); got != tc.want {
			t.Errorf("levelFor(%v) = %s, want %s", tc.deviations, got, tc.want)
		}
	}
}

func TestIsSpikeInsufficientData(t *testing.T) {
	store := newFakeStatsStore()
	withCounts(store, "checkout", 10, 12)
	d := New(config.SpikeConfig{}, store, nil)

	got := d.IsSpike(context.Background(), "checkout", 100)
	if got.IsSpike || got.HasEnoughData {
		t.Errorf("two data points should not spike: %+v", got)
	}
	if got.Reason != ReasonInsufficientData {
		t.Errorf("reason = %q, want %q", got.Reason, ReasonInsufficientData)
	}
}

func TestIsSpikeZeroVariance(t *testing.T) {
	store := newFakeStatsStore()
	withCounts(store, "checkout", 10, 10, 10, 10)
	d := New(config.SpikeConfig{}, store, nil)

	got := d.IsSpike(context.Background(), "checkout", 50)
	if got.IsSpike {
		t.Errorf("zero stddev must never spike: %+v", got)
	}
}

func TestIsSpikeStoreFailure(t *testing.T) {
	store := newFakeStatsStore()
	store.failGet = true
	d := New(config.SpikeConfig{}, store, nil)

	got := d.IsSpike(context.Background(), "checkout", 100)
	if got.IsSpike {
		t.Errorf("store failure produced a spike verdict: %+v", got)
	}
	if got.Reason != ReasonInsufficientData {
		t.Errorf("reason = %q, want %q", got.Reason, ReasonInsufficientData)
	}
}

func TestIsSpikeDeterministic(t *testing.T) {
	store := newFakeStatsStore()
	withCounts(store, "checkout", 7, 9, 11, 8, 10, 12)
	d := New(config.SpikeConfig{}, store, nil)

	first := d.IsSpike(context.Background(), "checkout", 25)
	for i := 0; i < 5; i++ {
		if got := d.IsSpike(context.Background(), "checkout", 25); got != first {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestRecordCountWindowKey(t *testing.T) {
	store := newFakeStatsStore()
	d := New(config.SpikeConfig{}, store, nil)
	fixed := time.Date(2025, 6, 1, 12, 3, 17, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	d.RecordCount(context.Background(), "checkout", 4)
	d.RecordCount(context.Background(), "checkout", 3)

	wantKey := models.WindowKey(fixed, 5*time.Minute)
	if got := store.upserts["checkout/"+wantKey]; got != 7 {
		t.Errorf("window %s total = %d, want 7", wantKey, got)
	}

	// A zero delta and an empty service name are ignored.
	d.RecordCount(context.Background(), "checkout", 0)
	d.RecordCount(context.Background(), "", 5)
	if len(store.upserts) != 1 {
		t.Errorf("unexpected upserts: %v", store.upserts)
	}
}

func TestCheckSpikes(t *testing.T) {
	store := newFakeStatsStore()
	withCounts(store, "a", 10, 10, 10, 10)
	withCounts(store, "b", 1, 2, 3, 2)
	d := New(config.SpikeConfig{}, store, nil)

	results := d.CheckSpikes(context.Background(), map[string]int{"a": 10, "b": 30})
	if len(results) != 2 {
		t.Fatalf("results = %v", results)
	}
	if results["a"].IsSpike {
		t.Errorf("flat service flagged: %+v", results["a"])
	}
	if !results["b"].IsSpike {
		t.Errorf("bursting service missed: %+v", results["b"])
	}
}

func TestCleanupCutoff(t *testing.T) {
	store := newFakeStatsStore()
	store.deleted = 3
	d := New(config.SpikeConfig{WindowSize: 5 * time.Minute, HistoryWindows: 12}, store, nil)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	d.Cleanup(context.Background())

	want := fixed.Add(-2 * time.Hour)
	if !store.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.cutoff, want)
	}

	store.failDel = true
	d.Cleanup(context.Background()) // must not panic or propagate
}
