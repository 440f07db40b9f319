// Package redact masks personal data in captured event payloads before they
// are buffered.
package redact

import (
	"encoding/json"
	"regexp"

	"github.com/triage-ai/palisade/services/session_tracker/internal/session"
)

// Ordered so that the broad phone pattern runs after card and SSN numbers
// have already been masked.
var piiPatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`), "ssn"},
	{regexp.MustCompile(`\b4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "card"},
	{regexp.MustCompile(`\b5[1-5]\d{2}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "card"},
	{regexp.MustCompile(`\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`), "card"},
	{regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`), "email"},
	{regexp.MustCompile(`\b\d{3}[-\s.]?\d{3}[-\s.]?\d{4}\b`), "phone"},
}

// PIIRedactor replaces SSNs, card numbers, email addresses and phone numbers
// found in string values with a "[REDACTED:<kind>]" marker. It implements
// session.Redactor.
type PIIRedactor struct{}

// NewPIIRedactor creates a PIIRedactor.
func NewPIIRedactor() *PIIRedactor {
	return &PIIRedactor{}
}

// Redact returns a copy of e with payloads and metadata masked. The input
// event is not modified.
func (r *PIIRedactor) Redact(e session.Event) session.Event {
	e.InputData = r.value(e.InputData)
	e.OutputData = r.value(e.OutputData)
	e.ErrorData = r.value(e.ErrorData)
	if e.Metadata != nil {
		e.Metadata = r.mapValue(e.Metadata)
	}
	return e
}

// String masks every match in s.
func (r *PIIRedactor) String(s string) string {
	for _, p := range piiPatterns {
		s = p.re.ReplaceAllString(s, "[REDACTED:"+p.kind+"]")
	}
	return s
}

func (r *PIIRedactor) value(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return r.String(val)
	case map[string]any:
		return r.mapValue(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.value(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = r.String(item)
		}
		return out
	case session.ErrorDetail:
		val.Message = r.String(val.Message)
		val.Traceback = r.String(val.Traceback)
		return val
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		return val
	default:
		// Structs and other shapes are normalised through JSON so their
		// string fields can be masked too.
		data, err := json.Marshal(val)
		if err != nil {
			return val
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return val
		}
		return r.value(generic)
	}
}

func (r *PIIRedactor) mapValue(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.value(v)
	}
	return out
}
