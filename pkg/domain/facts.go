package domain

import (
	"net/textproto"
	"sort"
	"strings"
	"time"
)

// RequestFacts is the immutable view of one form submission handed to the engine.
type RequestFacts struct {
	ClientIP   string              `json:"client_ip"`
	Method     string              `json:"method"`
	Host       string              `json:"host"`
	Path       string              `json:"path"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Fields     map[string][]string `json:"fields,omitempty"`
	ReceivedAt time.Time           `json:"received_at"`
	Extras     map[string]any      `json:"extras,omitempty"`
}

// Header returns the first value of a header, matched case-insensitively.
func (f *RequestFacts) Header(name string) string {
	if f == nil {
		return ""
	}
	if values, ok := f.Headers[name]; ok && len(values) > 0 {
		return values[0]
	}
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	if values, ok := f.Headers[canonical]; ok && len(values) > 0 {
		return values[0]
	}
	for key, values := range f.Headers {
		if strings.EqualFold(key, name) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// Field returns the first value of a form field.
func (f *RequestFacts) Field(name string) string {
	if f == nil {
		return ""
	}
	if values := f.Fields[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// FieldNames returns the submitted field names in lexical order.
func (f *RequestFacts) FieldNames() []string {
	if f == nil {
		return nil
	}
	names := make([]string, 0, len(f.Fields))
	for name := range f.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Content concatenates every field value in field-name order.
func (f *RequestFacts) Content() string {
	var b strings.Builder
	for _, name := range f.FieldNames() {
		for _, v := range f.Fields[name] {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(v)
		}
	}
	return b.String()
}

// Extra returns an extras value.
func (f *RequestFacts) Extra(key string) (any, bool) {
	if f == nil || f.Extras == nil {
		return nil, false
	}
	v, ok := f.Extras[key]
	return v, ok
}
