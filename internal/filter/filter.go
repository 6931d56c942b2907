// Package filter validates query predicates into a canonical, whitelisted AST.
//
// A Filter is a conjunction of clauses. Each clause type is a closed variant;
// store backends translate the variants into their native query form and
// never interpolate raw caller input.
package filter

import (
	"encoding/json"
	"net/netip"
	"strings"
	"time"

	"github.com/oicur0t/loglens/pkg/models"
)

// Whitelisted field names
const (
	FieldDatetime   = "datetime"
	FieldStatus     = "status"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldRemoteAddr = "remote_addr"
	FieldUserAgent  = "http_user_agent"
)

// Clause is one conjunct of a Filter. The set of implementations is closed.
type Clause interface {
	Matches(entry *models.LogEntry) bool
	canonical() map[string]any
}

// DatetimeRange selects entries with From <= datetime <= To. Either bound may be nil.
type DatetimeRange struct {
	From *time.Time
	To   *time.Time
}

// StatusRange selects entries with From <= status <= To. Either bound may be nil.
type StatusRange struct {
	From *int
	To   *int
}

// StatusTerm selects one exact status
type StatusTerm struct {
	Status int
}

// MethodTerm selects one upper-case method
type MethodTerm struct {
	Method string
}

// PathTerm selects one exact recorded path
type PathTerm struct {
	Path string
}

// AddrTerm selects one remote address
type AddrTerm struct {
	Addr netip.Addr
}

// AddrPrefix selects remote addresses inside a CIDR block
type AddrPrefix struct {
	Prefix netip.Prefix
}

// AgentMatch selects user agents containing Text, case-insensitively
type AgentMatch struct {
	Text string
}

// Filter is a validated conjunction of clauses. An empty filter matches every entry.
type Filter struct {
	Clauses []Clause
}

// MatchAll returns a filter without clauses
func MatchAll() *Filter {
	return &Filter{}
}

// Matches reports whether entry satisfies every clause
func (f *Filter) Matches(entry *models.LogEntry) bool {
	for _, c := range f.Clauses {
		if !c.Matches(entry) {
			return false
		}
	}
	return true
}

// MarshalJSON emits the canonical {"must": [...]} form
func (f *Filter) MarshalJSON() ([]byte, error) {
	must := make([]map[string]any, 0, len(f.Clauses))
	for _, c := range f.Clauses {
		must = append(must, c.canonical())
	}
	return json.Marshal(map[string]any{"must": must})
}

func (c DatetimeRange) Matches(entry *models.LogEntry) bool {
	if entry.Datetime.IsZero() {
		return false
	}
	if c.From != nil && entry.Datetime.Before(*c.From) {
		return false
	}
	if c.To != nil && entry.Datetime.After(*c.To) {
		return false
	}
	return true
}

func (c DatetimeRange) canonical() map[string]any {
	bounds := map[string]any{}
	if c.From != nil {
		bounds["gte"] = c.From.UTC().Format(time.RFC3339Nano)
	}
	if c.To != nil {
		bounds["lte"] = c.To.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{"range": map[string]any{FieldDatetime: bounds}}
}

func (c StatusRange) Matches(entry *models.LogEntry) bool {
	if c.From != nil && entry.Status < *c.From {
		return false
	}
	if c.To != nil && entry.Status > *c.To {
		return false
	}
	return true
}

func (c StatusRange) canonical() map[string]any {
	bounds := map[string]any{}
	if c.From != nil {
		bounds["gte"] = *c.From
	}
	if c.To != nil {
		bounds["lte"] = *c.To
	}
	return map[string]any{"range": map[string]any{FieldStatus: bounds}}
}

func (c StatusTerm) Matches(entry *models.LogEntry) bool {
	return entry.Status == c.Status
}

func (c StatusTerm) canonical() map[string]any {
	return map[string]any{"term": map[string]any{FieldStatus: c.Status}}
}

func (c MethodTerm) Matches(entry *models.LogEntry) bool {
	return strings.EqualFold(entry.Method, c.Method)
}

func (c MethodTerm) canonical() map[string]any {
	return map[string]any{"term": map[string]any{FieldMethod: c.Method}}
}

func (c PathTerm) Matches(entry *models.LogEntry) bool {
	return entry.Path == c.Path
}

func (c PathTerm) canonical() map[string]any {
	return map[string]any{"term": map[string]any{FieldPath: c.Path}}
}

func (c AddrTerm) Matches(entry *models.LogEntry) bool {
	addr, err := netip.ParseAddr(entry.RemoteAddr)
	if err != nil {
		return false
	}
	return addr.Unmap() == c.Addr
}

func (c AddrTerm) canonical() map[string]any {
	return map[string]any{"term": map[string]any{FieldRemoteAddr: c.Addr.String()}}
}

func (c AddrPrefix) Matches(entry *models.LogEntry) bool {
	addr, err := netip.ParseAddr(entry.RemoteAddr)
	if err != nil {
		return false
	}
	return c.Prefix.Contains(addr.Unmap())
}

func (c AddrPrefix) canonical() map[string]any {
	return map[string]any{"term": map[string]any{FieldRemoteAddr: c.Prefix.String()}}
}

func (c AgentMatch) Matches(entry *models.LogEntry) bool {
	return strings.Contains(strings.ToLower(entry.HTTPUserAgent), strings.ToLower(c.Text))
}

func (c AgentMatch) canonical() map[string]any {
	return map[string]any{"match": map[string]any{FieldUserAgent: c.Text}}
}
