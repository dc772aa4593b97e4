package scoring

import (
	"math"
	"strings"

	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/models"
)

// baseScores maps the 1..5 severity scale onto the 0..100 scoring range.
var baseScores = map[int]float64{1: 10, 2: 25, 3: 50, 4: 75, 5: 100}

// Frequency escalation labels.
const (
	FreqNormal   = "normal"
	FreqElevated = "elevated"
	FreqHigh     = "high"
	FreqCritical = "critical"
)

const meanEpsilon = 1e-9

// SpikeContext carries the per-service rate context used for frequency
// escalation. Zero value means no context.
type SpikeContext struct {
	CurrentCount int
	Mean         float64
}

// EventScore is the scored breakdown for a single event.
type EventScore struct {
	Score               int     `json:"score"`
	Base                float64 `json:"base"`
	ServiceMultiplier   float64 `json:"serviceMultiplier"`
	FrequencyMultiplier float64 `json:"frequencyMultiplier"`
	FrequencyLevel      string  `json:"frequencyLevel"`
}

// IncidentScore is the composite severity for a set of events.
type IncidentScore struct {
	Composite      int     `json:"composite"`
	Level          int     `json:"level"`
	Classification string  `json:"classification"`
	MaxScore       int     `json:"maxScore"`
	AvgScore       float64 `json:"avgScore"`
	CountFactor    float64 `json:"countFactor"`
}

// Scorer computes severity scores. It is a pure function of its inputs and
// the critical-service table; no I/O.
type Scorer struct {
	critical map[string]config.CriticalService
}

// New constructs a Scorer. Critical-service names are matched
// case-insensitively.
func New(critical map[string]config.CriticalService) *Scorer {
	normalized := make(map[string]config.CriticalService, len(critical))
	for name, cs := range critical {
		normalized[strings.ToLower(name)] = cs
	}
	return &Scorer{critical: normalized}
}

// ScoreEvent computes one event's final score from its severity, the
// service multiplier, and the frequency escalation context.
func (s *Scorer) ScoreEvent(event models.Event, spike *SpikeContext) EventScore {
	base := baseScores[models.ClampSeverity(event.Severity)]

	serviceMul := 1.0
	if cs, ok := s.critical[strings.ToLower(event.Service)]; ok && cs.Multiplier > 0 {
		serviceMul = cs.Multiplier
	}

	freqMul, freqLevel := frequencyMultiplier(spike)

	score := math.Round(base * serviceMul * freqMul)
	if score > 100 {
		score = 100
	}

	return EventScore{
		Score:               int(score),
		Base:                base,
		ServiceMultiplier:   serviceMul,
		FrequencyMultiplier: freqMul,
		FrequencyLevel:      freqLevel,
	}
}

// ScoreIncident computes the composite score for a cluster of events.
// spikes maps service name to that service's current spike evaluation.
func (s *Scorer) ScoreIncident(events []models.Event, spikes map[string]models.SpikeResult) IncidentScore {
	if len(events) == 0 {
		return IncidentScore{Composite: 0, Level: 1, Classification: "low"}
	}

	maxScore := 0
	sum := 0.0
	for _, event := range events {
		var ctx *SpikeContext
		if spike, ok := spikes[event.Service]; ok {
			ctx = &SpikeContext{CurrentCount: spike.CurrentCount, Mean: spike.Mean}
		}
		es := s.ScoreEvent(event, ctx)
		if es.Score > maxScore {
			maxScore = es.Score
		}
		sum += float64(es.Score)
	}
	avg := sum / float64(len(events))

	countFactor := 1 + 0.2*math.Log10(float64(len(events)))
	if countFactor > 1.5 {
		countFactor = 1.5
	}

	composite := math.Round((0.6*float64(maxScore) + 0.4*avg) * countFactor)
	if composite > 100 {
		composite = 100
	}

	return IncidentScore{
		Composite:      int(composite),
		Level:          levelFor(composite),
		Classification: classificationFor(composite),
		MaxScore:       maxScore,
		AvgScore:       avg,
		CountFactor:    countFactor,
	}
}

func frequencyMultiplier(spike *SpikeContext) (float64, string) {
	if spike == nil || spike.CurrentCount <= 0 {
		return 1.0, FreqNormal
	}
	if spike.Mean <= 0 {
		// No baseline yet but traffic present: treat as elevated.
		return 1.3, FreqElevated
	}

	ratio := float64(spike.CurrentCount) / math.Max(spike.Mean, meanEpsilon)
	switch {
	case ratio >= 4:
		return 2.0, FreqCritical
	case ratio >= 2.5:
		return 1.6, FreqHigh
	case ratio >= 1.5:
		return 1.3, FreqElevated
	default:
		return 1.0, FreqNormal
	}
}

func levelFor(composite float64) int {
	switch {
	case composite >= 90:
		return 5
	case composite >= 75:
		return 4
	case composite >= 50:
		return 3
	case composite >= 25:
		return 2
	default:
		return 1
	}
}

func classificationFor(composite float64) string {
	switch {
	case composite >= 90:
		return "critical"
	case composite >= 75:
		return "high"
	case composite >= 50:
		return "medium"
	default:
		return "low"
	}
}
