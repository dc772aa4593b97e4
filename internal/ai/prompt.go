package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/models"
)

// systemPrompt frames every summary request.
const systemPrompt = `You are a senior SRE analyst. You receive clusters of operational events grouped into incidents and produce concise, actionable incident analyses. Base every statement strictly on the provided events. Respond with valid JSON only, no markdown and no commentary.`

// IncidentContext is one incident's slice of the batch prompt. Events must
// already be redacted.
type IncidentContext struct {
	IncidentID  string
	Services    []string
	Start       time.Time
	End         time.Time
	EventCount  int
	MaxSeverity int
	Events      []models.Event
}

// IncidentSummary is one incident's parsed analysis.
type IncidentSummary struct {
	IncidentID       string   `json:"incidentId"`
	Summary          string   `json:"summary"`
	RootCause        string   `json:"rootCause"`
	Impact           string   `json:"impact"`
	SuggestedActions []string `json:"suggestedActions"`
}

// BuildBatchPrompt renders the system and user messages for a batch of
// incidents.
func BuildBatchPrompt(batch []IncidentContext) (string, string) {
	var b strings.Builder
	b.WriteString("Analyze the following incidents and summarize each one.\n\n")

	for i, inc := range batch {
		fmt.Fprintf(&b, "Incident %d:\n", i+1)
		fmt.Fprintf(&b, "- id: %s\n", inc.IncidentID)
		fmt.Fprintf(&b, "- services: %s\n", strings.Join(inc.Services, ", "))
		fmt.Fprintf(&b, "- time range: %s to %s\n",
			inc.Start.UTC().Format(time.RFC3339), inc.End.UTC().Format(time.RFC3339))
		fmt.Fprintf(&b, "- event count: %d\n", inc.EventCount)
		fmt.Fprintf(&b, "- max severity: %d\n", inc.MaxSeverity)
		b.WriteString("- events:\n")
		writeEventsJSON(&b, inc.Events)
		b.WriteString("\n")
	}

	b.WriteString(`Respond with a single JSON object of the form {"incidents": [{"incidentId": "...", "summary": "...", "rootCause": "...", "impact": "...", "suggestedActions": ["..."]}]}. Include every incident listed above, keyed by its id.`)
	return systemPrompt, b.String()
}

// BuildSinglePrompt renders the single-incident variant.
func BuildSinglePrompt(inc IncidentContext) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze this incident.\n- id: %s\n- services: %s\n- time range: %s to %s\n- event count: %d\n- max severity: %d\n- events:\n",
		inc.IncidentID,
		strings.Join(inc.Services, ", "),
		inc.Start.UTC().Format(time.RFC3339),
		inc.End.UTC().Format(time.RFC3339),
		inc.EventCount,
		inc.MaxSeverity)
	writeEventsJSON(&b, inc.Events)
	b.WriteString("\nRespond with a single JSON object of the form {\"summary\": \"...\", \"rootCause\": \"...\", \"impact\": \"...\", \"suggestedActions\": [\"...\"]}.")
	return systemPrompt, b.String()
}

func writeEventsJSON(b *strings.Builder, events []models.Event) {
	type promptEvent struct {
		Service   string         `json:"service"`
		Severity  int            `json:"severity"`
		Timestamp time.Time      `json:"timestamp"`
		ErrorType string         `json:"errorType"`
		Metadata  map[string]any `json:"metadata,omitempty"`
		Tags      []string       `json:"tags,omitempty"`
	}
	rendered := make([]promptEvent, len(events))
	for i, e := range events {
		rendered[i] = promptEvent{
			Service:   e.Service,
			Severity:  e.Severity,
			Timestamp: e.Timestamp.UTC(),
			ErrorType: e.ErrorType(),
			Metadata:  e.Metadata,
			Tags:      e.Tags,
		}
	}
	data, err := json.Marshal(rendered)
	if err != nil {
		b.WriteString("[]")
		return
	}
	b.Write(data)
}

// ParseBatchResponse decodes the batch analysis into a map keyed by
// incident id. Responses wrapped in markdown fences are tolerated.
func ParseBatchResponse(text string) (map[string]IncidentSummary, error) {
	var decoded struct {
		Incidents []IncidentSummary `json:"incidents"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &decoded); err != nil {
		return nil, fmt.Errorf("parse batch response: %w", err)
	}

	out := make(map[string]IncidentSummary, len(decoded.Incidents))
	for _, inc := range decoded.Incidents {
		if inc.IncidentID == "" {
			continue
		}
		out[inc.IncidentID] = inc
	}
	return out, nil
}

// ParseSingleResponse decodes the single-incident variant.
func ParseSingleResponse(text string) (IncidentSummary, error) {
	var decoded IncidentSummary
	if err := json.Unmarshal([]byte(stripFences(text)), &decoded); err != nil {
		return IncidentSummary{}, fmt.Errorf("parse single response: %w", err)
	}
	return decoded, nil
}

// stripFences removes a surrounding markdown code fence when present.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
