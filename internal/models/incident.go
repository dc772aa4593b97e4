package models

import "time"

// Incident status values.
const (
	IncidentActive        = "active"
	IncidentInvestigating = "investigating"
	IncidentResolved      = "resolved"
)

// Incident action labels used on broadcast frames.
const (
	ActionCreated        = "created"
	ActionUpdated        = "updated"
	ActionSummaryUpdated = "summary_updated"
	ActionResolved       = "resolved"
)

// Summary provenance markers.
const (
	SummarySourceAI       = "ai"
	SummarySourceFallback = "fallback"
)

// Incident is a coalesced group of related events sharing service and
// error-type affinity within a short time window.
type Incident struct {
	IncidentID         string     `json:"incidentId" bson:"incidentId"`
	EventIDs           []string   `json:"eventIds" bson:"eventIds"`
	Status             string     `json:"status" bson:"status"`
	SeverityScore      int        `json:"severityScore" bson:"severityScore"`
	AffectedServices   []string   `json:"affectedServices" bson:"affectedServices"`
	ErrorType          string     `json:"errorType" bson:"errorType"`
	Summary            string     `json:"summary" bson:"summary"`
	AIGeneratedSummary string     `json:"aiGeneratedSummary,omitempty" bson:"aiGeneratedSummary,omitempty"`
	SummarySource      string     `json:"summarySource,omitempty" bson:"summarySource,omitempty"`
	RootCause          string     `json:"rootCause,omitempty" bson:"rootCause,omitempty"`
	Impact             string     `json:"impact,omitempty" bson:"impact,omitempty"`
	Resolution         string     `json:"resolution,omitempty" bson:"resolution,omitempty"`
	SuggestedActions   []string   `json:"suggestedActions,omitempty" bson:"suggestedActions,omitempty"`
	AssignedTo         string     `json:"assignedTo,omitempty" bson:"assignedTo,omitempty"`
	CreatedAt          time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt" bson:"updatedAt"`
	AcknowledgedAt     *time.Time `json:"acknowledgedAt,omitempty" bson:"acknowledgedAt,omitempty"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty" bson:"resolvedAt,omitempty"`

	// Events is populated on single-incident reads; never persisted.
	Events []Event `json:"events,omitempty" bson:"-"`
}

// Open reports whether the incident still accepts new events.
func (i Incident) Open() bool {
	return i.Status == IncidentActive || i.Status == IncidentInvestigating
}

// ValidStatus reports whether s is a recognised incident status.
func ValidStatus(s string) bool {
	return s == IncidentActive || s == IncidentInvestigating || s == IncidentResolved
}

// IncidentPatch carries operator-initiated incident mutations. Nil fields
// are left untouched.
type IncidentPatch struct {
	Status     *string `json:"status,omitempty"`
	AssignedTo *string `json:"assignedTo,omitempty"`
	Resolution *string `json:"resolution,omitempty"`
	RootCause  *string `json:"rootCause,omitempty"`
}

// SummaryUpdate is the field set the summarization worker owns. It never
// overlaps with the aggregation worker's writes.
type SummaryUpdate struct {
	Summary          string
	RootCause        string
	Impact           string
	SuggestedActions []string
	Source           string
}
