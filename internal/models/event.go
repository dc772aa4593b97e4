package models

import (
	"fmt"
	"strings"
	"time"
)

// Event is a single observation emitted by an upstream service. Events are
// immutable after insertion except for the one-time incident back-link.
type Event struct {
	EventID    string         `json:"eventId" bson:"eventId"`
	Service    string         `json:"service" bson:"service"`
	Severity   int            `json:"severity" bson:"severity"`
	Timestamp  time.Time      `json:"timestamp" bson:"timestamp"`
	Metadata   map[string]any `json:"metadata" bson:"metadata"`
	Tags       []string       `json:"tags,omitempty" bson:"tags,omitempty"`
	RawPayload string         `json:"rawPayload,omitempty" bson:"rawPayload,omitempty"`
	IncidentID string         `json:"incidentId,omitempty" bson:"incidentId,omitempty"`
}

// ClampSeverity bounds a severity value to the 1..5 scale.
func ClampSeverity(severity int) int {
	if severity < 1 {
		return 1
	}
	if severity > 5 {
		return 5
	}
	return severity
}

// errorTypeKeys is the ordered metadata lookup used to classify an event.
// Aggregation clustering and prompt construction both rely on this list, so
// it lives next to the model rather than in either worker.
var errorTypeKeys = []string{"errorType", "error_type", "type", "category", "errorCode", "error_code"}

// ErrorType returns the event's error classification: the first non-empty
// string among the known metadata keys, else a synthetic severity bucket.
func (e Event) ErrorType() string {
	for _, key := range errorTypeKeys {
		if raw, ok := e.Metadata[key]; ok {
			if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return fmt.Sprintf("severity_%d", ClampSeverity(e.Severity))
}

// ClusterKey identifies the (service, errorType) bucket an event falls into
// during aggregation.
type ClusterKey struct {
	Service   string
	ErrorType string
}

// Cluster groups events sharing a ClusterKey within one aggregation run.
type Cluster struct {
	Key    ClusterKey
	Events []Event
}
