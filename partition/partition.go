// Package partition derives the storage partition of a record.
//
// A Key is an ordered list of name=value segments. Keys are compared by
// their rendered path: equal paths share a batch, different paths never do.
package partition

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/baldanca/betlake/record"
)

const (
	dayLayout  = "2006-01-02"
	hourLayout = "15"

	// Unknown is the value rendered for a missing dimension.
	Unknown = "unknown"

	// DefaultDateName names the day segment when a deriver leaves it empty.
	DefaultDateName = "dt"
)

// Segment is one name=value component of a partition path.
type Segment struct {
	Name  string
	Value string
}

// Key identifies a partition.
type Key struct {
	Segments []Segment
}

// Path renders the key as "name=value" segments joined by "/".
// The empty key renders as "".
func (k Key) Path() string {
	var b strings.Builder
	for i, s := range k.Segments {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(s.Name)
		b.WriteByte('=')
		b.WriteString(s.Value)
	}
	return b.String()
}

func (k Key) String() string { return k.Path() }

// Deriver maps a record to its partition key.
//
// Derive must be pure, total and deterministic: it never fails and depends
// only on the record.
type Deriver interface {
	Derive(rec record.Record) Key
}

// DeriverFunc adapts a function to a Deriver.
type DeriverFunc func(rec record.Record) Key

func (f DeriverFunc) Derive(rec record.Record) Key { return f(rec) }

// ArrivalTime partitions by the record's arrival time in UTC.
type ArrivalTime struct {
	Hourly bool
	// DateName overrides DefaultDateName, e.g. "event_date".
	DateName string
}

func (a ArrivalTime) Derive(rec record.Record) Key {
	return timeKey(rec.ArrivalTime, a.DateName, a.Hourly)
}

func timeKey(t time.Time, dateName string, hourly bool) Key {
	if dateName == "" {
		dateName = DefaultDateName
	}
	t = t.UTC()
	segs := make([]Segment, 0, 2)
	segs = append(segs, Segment{Name: dateName, Value: t.Format(dayLayout)})
	if hourly {
		segs = append(segs, Segment{Name: "hour", Value: t.Format(hourLayout)})
	}
	return Key{Segments: segs}
}

// DefaultEventLayouts are tried in order when parsing an event timestamp.
var DefaultEventLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	dayLayout,
}

// EventTime partitions by a business timestamp carried in a JSON payload,
// followed by optional dimension fields.
//
// When the timestamp is missing or unparseable the key falls back to the
// arrival day only. Missing dimension values render as Unknown.
type EventTime struct {
	Field      string
	Layouts    []string
	Hourly     bool
	DateName   string
	Dimensions []string
}

// NewEventTime returns an EventTime deriver reading bet_time.
func NewEventTime(hourly bool, dimensions ...string) EventTime {
	return EventTime{Field: "bet_time", Hourly: hourly, Dimensions: dimensions}
}

func (e EventTime) Derive(rec record.Record) Key {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec.Payload, &fields); err != nil {
		return e.fallbackKey(rec)
	}

	ts, ok := e.parseTime(fields[e.field()])
	if !ok {
		return e.fallbackKey(rec)
	}

	k := timeKey(ts, e.DateName, e.Hourly)
	for _, dim := range e.Dimensions {
		k.Segments = append(k.Segments, Segment{Name: Sanitize(dim), Value: dimensionValue(fields[dim])})
	}
	return k
}

func (e EventTime) field() string {
	if e.Field == "" {
		return "bet_time"
	}
	return e.Field
}

func (e EventTime) parseTime(raw json.RawMessage) (time.Time, bool) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil || s == "" {
		return time.Time{}, false
	}
	layouts := e.Layouts
	if len(layouts) == 0 {
		layouts = DefaultEventLayouts
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (e EventTime) fallbackKey(rec record.Record) Key {
	return timeKey(rec.ArrivalTime, e.DateName, false)
}

func dimensionValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return Unknown
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return Unknown
	}
	var s string
	switch x := v.(type) {
	case string:
		s = x
	default:
		s = strings.TrimSpace(string(raw))
	}
	s = Sanitize(s)
	if s == "" {
		return Unknown
	}
	return s
}

// Sanitize makes s safe as a single path segment value: separators,
// "=" and control characters become "_", and "." or ".." are rejected.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == '=':
			return '_'
		case r < 0x20 || r == 0x7f:
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
	if s == "." || s == ".." {
		return "_"
	}
	return s
}
