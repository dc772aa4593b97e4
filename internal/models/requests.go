package models

import "time"

// IngestRequest is the POST /events payload.
type IngestRequest struct {
	Service    string         `json:"service" binding:"required,max=128"`
	Severity   int            `json:"severity" binding:"required,min=1,max=5"`
	Metadata   map[string]any `json:"metadata"`
	Tags       []string       `json:"tags"`
	RawPayload string         `json:"rawPayload"`
	Timestamp  *time.Time     `json:"timestamp"`
}

// ListEventsRequest captures the event query filter set.
type ListEventsRequest struct {
	Service     string
	Severity    int
	MinSeverity int
	MaxSeverity int
	Start       time.Time
	End         time.Time
	Tags        []string
	IncidentID  string
	Page        int
	Limit       int
	Sort        string
}

// ListEventsResponse contains one page of events and pagination state.
type ListEventsResponse struct {
	Events     []Event `json:"events"`
	Total      int64   `json:"total"`
	Page       int     `json:"page"`
	Limit      int     `json:"limit"`
	TotalPages int     `json:"totalPages"`
}

// ListIncidentsRequest captures the incident query filter set.
type ListIncidentsRequest struct {
	Status      string
	Service     string
	MinSeverity int
	Start       time.Time
	End         time.Time
	Page        int
	Limit       int
	Sort        string
}

// ListIncidentsResponse contains one page of incidents and pagination state.
type ListIncidentsResponse struct {
	Incidents  []Incident `json:"incidents"`
	Total      int64      `json:"total"`
	Page       int        `json:"page"`
	Limit      int        `json:"limit"`
	TotalPages int        `json:"totalPages"`
}

// EventStats summarises event volume over a time range.
type EventStats struct {
	Total      int64            `json:"total"`
	BySeverity map[string]int64 `json:"bySeverity"`
	ByService  map[string]int64 `json:"byService"`
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
}
