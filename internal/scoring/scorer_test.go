package scoring

import (
	"math"
	"testing"

	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/models"
)

func testScorer() *Scorer {
	return New(map[string]config.CriticalService{
		"payment-service": {Multiplier: 2.0, AlertThreshold: 3},
		"auth-service":    {Multiplier: 1.5, AlertThreshold: 5},
	})
}

func TestScoreEventCriticalServiceUnderSpike(t *testing.T) {
	s := testScorer()

	event := models.Event{Service: "payment-service", Severity: 4}
	got := s.ScoreEvent(event, &SpikeContext{CurrentCount: 50, Mean: 10})

	if got.Base != 75 {
		t.Errorf("base = %v, want 75", got.Base)
	}
	if got.ServiceMultiplier != 2.0 {
		t.Errorf("serviceMultiplier = %v, want 2.0", got.ServiceMultiplier)
	}
	if got.FrequencyMultiplier != 2.0 || got.FrequencyLevel != FreqCritical {
		t.Errorf("frequency = %v/%s, want 2.0/critical", got.FrequencyMultiplier, got.FrequencyLevel)
	}
	if got.Score != 100 {
		t.Errorf("score = %d, want 100 (capped)", got.Score)
	}
}

func TestScoreEventCaseInsensitiveService(t *testing.T) {
	s := testScorer()

	got := s.ScoreEvent(models.Event{Service: "Payment-Service", Severity: 2}, nil)
	if got.ServiceMultiplier != 2.0 {
		t.Errorf("serviceMultiplier = %v, want case-insensitive lookup hit", got.ServiceMultiplier)
	}
	if got.Score != 50 {
		t.Errorf("score = %d, want 50", got.Score)
	}
}

func TestScoreEventFrequencyTiers(t *testing.T) {
	cases := []struct {
		current int
		mean    float64
		mul     float64
		level   string
	}{
		{40, 10, 2.0, FreqCritical},
		{25, 10, 1.6, FreqHigh},
		{15, 10, 1.3, FreqElevated},
		{12, 10, 1.0, FreqNormal},
		{5, 0, 1.3, FreqElevated}, // traffic with no baseline
		{0, 0, 1.0, FreqNormal},
	}

	for _, tc := range cases {
		mul, level := frequencyMultiplier(&SpikeContext{CurrentCount: tc.current, Mean: tc.mean})
		if mul != tc.mul || level != tc.level {
			t.Errorf("frequencyMultiplier(%d, %v) = %v/%s, want %v/%s",
				tc.current, tc.mean, mul, level, tc.mul, tc.level)
		}
	}
}

func TestScoreEventSeverityClamp(t *testing.T) {
	s := New(nil)

	if got := s.ScoreEvent(models.Event{Service: "x", Severity: 9}, nil); got.Base != 100 {
		t.Errorf("severity 9 base = %v, want clamp to 100", got.Base)
	}
	if got := s.ScoreEvent(models.Event{Service: "x", Severity: 0}, nil); got.Base != 10 {
		t.Errorf("severity 0 base = %v, want clamp to 10", got.Base)
	}
}

func TestScoreIncidentComposite(t *testing.T) {
	s := New(nil)

	events := []models.Event{
		{Service: "orders", Severity: 5},
		{Service: "orders", Severity: 3},
		{Service: "orders", Severity: 3},
	}

	got := s.ScoreIncident(events, nil)

	// maxScore 100, avg (100+50+50)/3, count factor 1 + 0.2*log10(3).
	wantAvg := 200.0 / 3.0
	wantFactor := 1 + 0.2*math.Log10(3)
	wantComposite := math.Round((0.6*100 + 0.4*wantAvg) * wantFactor)

	if got.MaxScore != 100 {
		t.Errorf("maxScore = %d, want 100", got.MaxScore)
	}
	if math.Abs(got.AvgScore-wantAvg) > 1e-9 {
		t.Errorf("avgScore = %v, want %v", got.AvgScore, wantAvg)
	}
	if math.Abs(got.CountFactor-wantFactor) > 1e-9 {
		t.Errorf("countFactor = %v, want %v", got.CountFactor, wantFactor)
	}
	if got.Composite != int(wantComposite) {
		t.Errorf("composite = %d, want %v", got.Composite, wantComposite)
	}
	if got.Composite < 0 || got.Composite > 100 {
		t.Errorf("composite %d out of bounds", got.Composite)
	}
}

func TestScoreIncidentLevels(t *testing.T) {
	cases := []struct {
		composite      float64
		level          int
		classification string
	}{
		{95, 5, "critical"},
		{80, 4, "high"},
		{60, 3, "medium"},
		{30, 2, "low"},
		{10, 1, "low"},
	}

	for _, tc := range cases {
		if got := levelFor(tc.composite); got != tc.level {
			t.Errorf("levelFor(%v) = %d, want %d", tc.composite, got, tc.level)
		}
		if got := classificationFor(tc.composite); got != tc.classification {
			t.Errorf("classificationFor(%v) = %s, want %s", tc.composite, got, tc.classification)
		}
	}
}

func TestScoreIncidentEmpty(t *testing.T) {
	s := New(nil)

	got := s.ScoreIncident(nil, nil)
	if got.Composite != 0 || got.Level != 1 || got.Classification != "low" {
		t.Errorf("empty incident score = %+v", got)
	}
}

func TestScoreIncidentDeterministic(t *testing.T) {
	s := testScorer()

	events := []models.Event{
		{Service: "payment-service", Severity: 4},
		{Service: "auth-service", Severity: 2},
	}
	spikes := map[string]models.SpikeResult{
		"payment-service": {CurrentCount: 30, Mean: 10},
	}

	first := s.ScoreIncident(events, spikes)
	for i := 0; i < 5; i++ {
		if got := s.ScoreIncident(events, spikes); got != first {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}
