package servicenow

import (
	"fmt"
	"strings"
	"time"
)

// Record is one row from an upstream table. Fields arrive either as
// plain strings or as {value, display_value} containers depending on
// the sysparm_display_value request parameter.
type Record map[string]interface{}

// SysID returns the record's unique 32-character identifier.
func (r Record) SysID() string { return r.FieldValue("sys_id") }

// Number returns the human-readable record number (e.g. INC0012345).
func (r Record) Number() string { return r.FieldValue("number") }

// FieldValue extracts a field as a plain string, unwrapping the
// {value, display_value} container form and trimming whitespace.
func (r Record) FieldValue(name string) string {
	return normalizeField(r[name])
}

// FieldDisplay extracts the display form of a field, falling back to
// the raw value when no display form is present.
func (r Record) FieldDisplay(name string) string {
	if m, ok := r[name].(map[string]interface{}); ok {
		if dv, ok := m["display_value"]; ok {
			return strings.TrimSpace(fmt.Sprintf("%v", dv))
		}
	}
	return r.FieldValue(name)
}

// UpdatedOn parses the sys_updated_on timestamp. Upstream emits UTC
// in "2006-01-02 15:04:05" format. The zero time is returned when the
// field is absent or malformed.
func (r Record) UpdatedOn() time.Time {
	raw := r.FieldValue("sys_updated_on")
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(TimeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// TimeLayout is the timestamp format used by the upstream REST API.
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders t in the upstream query timestamp format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// normalizeField flattens a field to a comparable string: containers
// are unwrapped to their value member, everything is stringified and
// trimmed.
func normalizeField(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case map[string]interface{}:
		if inner, ok := val["value"]; ok {
			return normalizeField(inner)
		}
		if inner, ok := val["display_value"]; ok {
			return normalizeField(inner)
		}
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}

// NormalizeField is the exported form used by conflict detection.
func NormalizeField(v interface{}) string { return normalizeField(v) }

// RequestError is returned for non-2xx upstream responses. It carries
// the HTTP status so callers can classify retryability.
type RequestError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("servicenow: %s %s returned %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// HTTPStatus exposes the upstream status code for error classification.
func (e *RequestError) HTTPStatus() int { return e.StatusCode }
