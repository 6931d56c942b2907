package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TimeLocalLayout is the nginx $time_local format
const TimeLocalLayout = "02/Jan/2006:15:04:05 -0700"

// datetimeLayouts are accepted for the parsed datetime field, most specific first
var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	TimeLocalLayout,
}

// LogEntry represents a single parsed access-log line as stored in the document store
type LogEntry struct {
	ID            string    `json:"id,omitempty" bson:"-"`
	RemoteAddr    string    `json:"remote_addr" bson:"remote_addr"`
	RemoteUser    string    `json:"remote_user" bson:"remote_user"`
	TimeLocal     string    `json:"time_local" bson:"time_local"`
	Request       string    `json:"request" bson:"request"`
	Status        int       `json:"status" bson:"status"`
	BodyBytesSent int64     `json:"body_bytes_sent" bson:"body_bytes_sent"`
	HTTPReferer   string    `json:"http_referer" bson:"http_referer"`
	HTTPUserAgent string    `json:"http_user_agent" bson:"http_user_agent"`
	Datetime      time.Time `json:"datetime" bson:"-"`
	Method        string    `json:"method" bson:"method"`
	Path          string    `json:"path" bson:"path"`
	Protocol      string    `json:"protocol" bson:"protocol"`
}

// UnmarshalJSON decodes an entry, tolerating zone-less and nginx-style timestamps.
// An unparseable datetime is left zero so the entry is later counted as a parse failure.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	type alias LogEntry
	aux := struct {
		*alias
		Datetime string `json:"datetime"`
	}{alias: (*alias)(e)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	e.Datetime = ParseDatetime(aux.Datetime)
	return nil
}

// ParseDatetime parses a timestamp in any of the accepted layouts, returning the zero time on failure.
// Zone-less values are taken as UTC.
func ParseDatetime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// ParseFailure describes why an entry cannot take part in aggregation
type ParseFailure string

const (
	ParseOK               ParseFailure = ""
	ParseBadTimestamp     ParseFailure = "unparseable timestamp"
	ParseStatusOutOfRange ParseFailure = "status outside 100-599"
)

// Normalize fills derived fields in place and reports whether the entry is usable.
// Missing method, path and protocol are taken from the raw request line, the
// method is upper-cased, and the raw time_local is parsed when datetime is absent.
func Normalize(entry *LogEntry) ParseFailure {
	if entry.Method == "" || entry.Path == "" || entry.Protocol == "" {
		method, path, protocol := splitRequestLine(entry.Request)
		if entry.Method == "" {
			entry.Method = method
		}
		if entry.Path == "" {
			entry.Path = path
		}
		if entry.Protocol == "" {
			entry.Protocol = protocol
		}
	}
	entry.Method = strings.ToUpper(strings.TrimSpace(entry.Method))

	if entry.Datetime.IsZero() && entry.TimeLocal != "" {
		if t, err := time.Parse(TimeLocalLayout, strings.TrimSpace(entry.TimeLocal)); err == nil {
			entry.Datetime = t.UTC()
		}
	}
	entry.Datetime = entry.Datetime.UTC()

	if entry.Datetime.IsZero() {
		return ParseBadTimestamp
	}
	if entry.Status < 100 || entry.Status > 599 {
		return ParseStatusOutOfRange
	}
	return ParseOK
}

// splitRequestLine splits "GET /path HTTP/1.1" into its parts; any part may be empty
func splitRequestLine(request string) (method, path, protocol string) {
	fields := strings.Fields(request)
	switch len(fields) {
	case 0:
		return "", "", ""
	case 1:
		return fields[0], "", ""
	case 2:
		return fields[0], fields[1], ""
	default:
		return fields[0], fields[1], fields[len(fields)-1]
	}
}
