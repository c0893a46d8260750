// Package agave decodes the JSON documents returned by an Agave tenant.
package agave

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fruitsalade/agavesync/internal/reply"
)

// ErrMissingData is wrapped by every decoder failure.
var ErrMissingData = errors.New("expected data missing or malformed")

// Document is a parsed reply body.
type Document struct {
	fields map[string]json.RawMessage
}

// Parse parses body as a JSON object.
func Parse(body []byte) (*Document, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("parse reply: %w", err)
	}
	if fields == nil {
		return nil, errors.New("parse reply: not a JSON object")
	}
	return &Document{fields: fields}, nil
}

// Has reports whether key is present at the top level.
func (d *Document) Has(key string) bool {
	_, ok := d.fields[key]
	return ok
}

// Raw returns the raw value at key.
func (d *Document) Raw(key string) (json.RawMessage, bool) {
	v, ok := d.fields[key]
	return v, ok
}

// String returns the string value at key, or "" if absent or not a string.
func (d *Document) String(key string) string {
	raw, ok := d.fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Result returns the raw "result" member.
func (d *Document) Result() (json.RawMessage, bool) {
	return d.Raw("result")
}

// Message returns the remote's human-readable message, if any.
func (d *Document) Message() string {
	if m := d.String("message"); m != "" {
		return m
	}
	if m := d.String("error_description"); m != "" {
		return m
	}
	return d.String("error")
}

// CheckStatus applies the envelope check. Token-format replies fail when
// an "error" key is present; everything else must carry status "success".
func CheckStatus(d *Document, tokenFormat bool) (reply.State, string) {
	if tokenFormat {
		if d.Has("error") {
			return reply.ExplicitError, d.Message()
		}
		return reply.Good, ""
	}

	switch d.String("status") {
	case "success":
		return reply.Good, ""
	case "error":
		return reply.ExplicitError, d.Message()
	}
	return reply.MissingReplyStatus, ""
}

func missing(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMissingData, fmt.Sprintf(format, args...))
}

// stringify renders a JSON scalar or list as text.
func stringify(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return valueString(v)
}

func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, valueString(e))
		}
		return strings.Join(parts, ",")
	}
	data, _ := json.Marshal(v)
	return string(data)
}
