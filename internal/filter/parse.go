package filter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	// maxClauses bounds the size of an accepted predicate
	maxClauses    = 32
	maxPathLength = 2048
	maxTextLength = 512
)

var methodToken = regexp.MustCompile(`^[A-Za-z]{1,16}$`)

// dateLayouts are tried in order; a date-only upper bound covers the whole day
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

const dateOnlyLayout = "2006-01-02"

// Parse decodes and validates a predicate.
//
// Accepted envelopes are {"must": [...]} and {"bool": {"must": [...]}}.
// Every clause is {"range"|"term"|"match": {field: value}} with the field
// restricted per operator; anything else fails with a *ValidationError.
func Parse(raw []byte) (*Filter, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, invalid("", "not valid JSON: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, invalid("", "trailing data after predicate")
	}

	must, err := unwrapEnvelope(doc)
	if err != nil {
		return nil, err
	}

	if len(must) > maxClauses {
		return nil, invalid("must", "too many clauses (%d > %d)", len(must), maxClauses)
	}

	f := &Filter{Clauses: make([]Clause, 0, len(must))}
	for i, item := range must {
		clause, err := parseClause(fmt.Sprintf("must[%d]", i), item)
		if err != nil {
			return nil, err
		}
		f.Clauses = append(f.Clauses, clause)
	}
	return f, nil
}

func unwrapEnvelope(doc any) ([]any, error) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, invalid("", "predicate must be a JSON object")
	}
	if len(obj) != 1 {
		return nil, invalid("", "predicate must contain exactly one of \"must\" or \"bool\"")
	}

	if inner, ok := obj["bool"]; ok {
		boolObj, ok := inner.(map[string]any)
		if !ok || len(boolObj) != 1 {
			return nil, invalid("bool", "must contain exactly one key \"must\"")
		}
		obj = boolObj
	}

	rawMust, ok := obj["must"]
	if !ok {
		for key := range obj {
			return nil, invalid("", "unknown key %q", key)
		}
	}
	must, ok := rawMust.([]any)
	if !ok {
		return nil, invalid("must", "must be an array")
	}
	return must, nil
}

func parseClause(path string, item any) (Clause, error) {
	op, body, err := singleEntry(path, item)
	if err != nil {
		return nil, err
	}
	path = path + "." + op

	field, value, err := singleEntry(path, body)
	if err != nil {
		return nil, err
	}
	path = path + "." + field

	switch op {
	case "range":
		switch field {
		case FieldDatetime:
			return parseDatetimeRange(path, value)
		case FieldStatus:
			return parseStatusRange(path, value)
		}
	case "term":
		switch field {
		case FieldStatus:
			status, err := parseStatus(path, value)
			if err != nil {
				return nil, err
			}
			return StatusTerm{Status: status}, nil
		case FieldMethod:
			s, ok := value.(string)
			if !ok || !methodToken.MatchString(s) {
				return nil, invalid(path, "method must be an alphabetic token")
			}
			return MethodTerm{Method: strings.ToUpper(s)}, nil
		case FieldPath:
			s, err := parseText(path, value, maxPathLength)
			if err != nil {
				return nil, err
			}
			return PathTerm{Path: s}, nil
		case FieldRemoteAddr:
			return parseAddr(path, value)
		}
	case "match":
		if field == FieldUserAgent {
			s, err := parseText(path, value, maxTextLength)
			if err != nil {
				return nil, err
			}
			return AgentMatch{Text: s}, nil
		}
	default:
		return nil, invalid(path, "operator %q is not allowed", op)
	}

	return nil, invalid(path, "field %q is not allowed with %q", field, op)
}

// singleEntry requires item to be an object with exactly one key
func singleEntry(path string, item any) (string, any, error) {
	obj, ok := item.(map[string]any)
	if !ok || len(obj) != 1 {
		return "", nil, invalid(path, "must be an object with exactly one key")
	}
	for k, v := range obj {
		return k, v, nil
	}
	return "", nil, nil
}

// rangeBounds extracts gte/lte, rejecting any other key
func rangeBounds(path string, value any) (lower, upper any, err error) {
	obj, ok := value.(map[string]any)
	if !ok || len(obj) == 0 {
		return nil, nil, invalid(path, "range must be an object with gte and/or lte")
	}
	for k, v := range obj {
		switch k {
		case "gte":
			lower = v
		case "lte":
			upper = v
		default:
			return nil, nil, invalid(path, "range operator %q is not allowed", k)
		}
	}
	return lower, upper, nil
}

func parseDatetimeRange(path string, value any) (Clause, error) {
	lower, upper, err := rangeBounds(path, value)
	if err != nil {
		return nil, err
	}

	var r DatetimeRange
	if lower != nil {
		t, err := parseDate(path+".gte", lower, false)
		if err != nil {
			return nil, err
		}
		r.From = &t
	}
	if upper != nil {
		t, err := parseDate(path+".lte", upper, true)
		if err != nil {
			return nil, err
		}
		r.To = &t
	}
	if r.From != nil && r.To != nil && r.To.Before(*r.From) {
		return nil, invalid(path, "lte is before gte")
	}
	return r, nil
}

func parseDate(path string, value any, upper bool) (time.Time, error) {
	s, ok := value.(string)
	if !ok {
		return time.Time{}, invalid(path, "date must be a string")
	}
	s = strings.TrimSpace(s)

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if t, err := time.Parse(dateOnlyLayout, s); err == nil {
		if upper {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return t.UTC(), nil
	}
	return time.Time{}, invalid(path, "malformed date %q", s)
}

func parseStatusRange(path string, value any) (Clause, error) {
	lower, upper, err := rangeBounds(path, value)
	if err != nil {
		return nil, err
	}

	var r StatusRange
	if lower != nil {
		v, err := parseStatus(path+".gte", lower)
		if err != nil {
			return nil, err
		}
		r.From = &v
	}
	if upper != nil {
		v, err := parseStatus(path+".lte", upper)
		if err != nil {
			return nil, err
		}
		r.To = &v
	}
	if r.From != nil && r.To != nil && *r.To < *r.From {
		return nil, invalid(path, "lte is below gte")
	}
	return r, nil
}

func parseStatus(path string, value any) (int, error) {
	var n int64
	var err error
	switch v := value.(type) {
	case json.Number:
		n, err = v.Int64()
	case string:
		n, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	default:
		return 0, invalid(path, "status must be an integer")
	}
	if err != nil {
		return 0, invalid(path, "status must be an integer")
	}
	if n < 100 || n > 599 {
		return 0, invalid(path, "status %d outside 100-599", n)
	}
	return int(n), nil
}

func parseText(path string, value any, maxLen int) (string, error) {
	s, ok := value.(string)
	if !ok || s == "" {
		return "", invalid(path, "must be a non-empty string")
	}
	if len(s) > maxLen {
		return "", invalid(path, "longer than %d bytes", maxLen)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return "", invalid(path, "contains control characters")
		}
	}
	return s, nil
}

func parseAddr(path string, value any) (Clause, error) {
	s, ok := value.(string)
	if !ok {
		return nil, invalid(path, "address must be a string")
	}
	s = strings.TrimSpace(s)

	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, invalid(path, "malformed CIDR %q", s)
		}
		return AddrPrefix{Prefix: prefix.Masked()}, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil, invalid(path, "malformed address %q", s)
	}
	return AddrTerm{Addr: addr.Unmap()}, nil
}
