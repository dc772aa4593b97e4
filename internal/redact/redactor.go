package redact

import (
	"regexp"

	"github.com/miradorstack/mirador-pulse/internal/models"
)

// pattern pairs a named PII matcher with its replacement token. Replacement
// tokens never re-match any pattern, which keeps redaction idempotent.
type pattern struct {
	name    string
	re      *regexp.Regexp
	replace string
}

// Redactor masks sensitive substrings in text and metadata trees before any
// external transmission. It is pure and never fails; unrecognised structures
// pass through verbatim.
type Redactor struct {
	patterns []pattern
}

// Stats aggregates replacement counts across a tree walk.
type Stats struct {
	// Patterns maps pattern name to number of replacements.
	Patterns map[string]int `json:"patterns"`
	// FieldsRedacted counts string fields that changed.
	FieldsRedacted int `json:"fieldsRedacted"`
}

// New constructs a Redactor with the standard pattern set. Patterns apply
// in declaration order.
func New() *Redactor {
	return &Redactor{
		patterns: []pattern{
			{
				name:    "email",
				re:      regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
				replace: "[REDACTED_EMAIL]",
			},
			{
				name:    "ipv4",
				re:      regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
				replace: "[REDACTED_IP]",
			},
			{
				name:    "ipv6",
				re:      regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){3,7}[0-9a-fA-F]{1,4}\b`),
				replace: "[REDACTED_IPV6]",
			},
			{
				name:    "phone",
				re:      regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]?\d{4}\b`),
				replace: "[REDACTED_PHONE]",
			},
			{
				name:    "ssn",
				re:      regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
				replace: "[REDACTED_SSN]",
			},
			{
				name:    "credit_card",
				re:      regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),
				replace: "[REDACTED_CC]",
			},
			{
				name:    "aws_key",
				re:      regexp.MustCompile(`\b(?:AKIA|ASIA|AGPA|AROA)[0-9A-Z]{16}\b`),
				replace: "[REDACTED_AWS_KEY]",
			},
			{
				name:    "bearer_token",
				re:      regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`),
				replace: "[REDACTED_TOKEN]",
			},
			{
				name:    "jwt",
				re:      regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`),
				replace: "[REDACTED_JWT]",
			},
			{
				name:    "name",
				re:      regexp.MustCompile(`\b(name|user|username|author|owner|assigned)(\s*[=:]\s*)[A-Z][a-z]+(?:\s[A-Z][a-z]+)*`),
				replace: "${1}${2}[REDACTED_NAME]",
			},
		},
	}
}

// Redact substitutes every pattern match in text and returns the masked
// text plus per-pattern replacement counts.
func (r *Redactor) Redact(text string) (string, map[string]int) {
	counts := make(map[string]int)
	for _, p := range r.patterns {
		matches := p.re.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		counts[p.name] += len(matches)
		text = p.re.ReplaceAllString(text, p.replace)
	}
	return text, counts
}

// RedactTree walks maps, slices and scalars, redacting every string leaf.
// The returned tree is structurally identical to the input; non-string
// scalars pass through untouched.
func (r *Redactor) RedactTree(node any) (any, Stats) {
	stats := Stats{Patterns: make(map[string]int)}
	out := r.walk(node, &stats)
	return out, stats
}

func (r *Redactor) walk(node any, stats *Stats) any {
	switch v := node.(type) {
	case string:
		masked, counts := r.Redact(v)
		if masked != v {
			stats.FieldsRedacted++
		}
		for name, n := range counts {
			stats.Patterns[name] += n
		}
		return masked
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = r.walk(child, stats)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = r.walk(child, stats)
		}
		return out
	default:
		return v
	}
}

// RedactEvents copies each event, masking only its metadata. Core fields
// stay intact so clustering and scoring see the original values.
func (r *Redactor) RedactEvents(events []models.Event) ([]models.Event, Stats) {
	stats := Stats{Patterns: make(map[string]int)}
	out := make([]models.Event, len(events))
	for i, event := range events {
		copied := event
		if event.Metadata != nil {
			masked := r.walk(map[string]any(event.Metadata), &stats)
			copied.Metadata = masked.(map[string]any)
		}
		out[i] = copied
	}
	return out, stats
}
