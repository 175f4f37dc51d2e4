package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Filter keeps documents whose top-level field, rendered as text, is one of In.
type Filter struct {
	Field string
	In    []string
}

func Eq(field string, value string) Filter {
	return Filter{Field: field, In: []string{value}}
}

type Query struct {
	Collection Collection
	Filters    []Filter
	// OrderBy names a numeric top-level field. Empty keeps document id order.
	OrderBy    string
	Descending bool
	Limit      int
}

// Apply evaluates the query over already loaded documents. Stores without a
// native JSON query language use it directly.
func (q Query) Apply(docs []Document) ([]Document, error) {
	type row struct {
		doc Document
		key float64
	}
	rows := make([]row, 0, len(docs))
	for _, doc := range docs {
		fields := map[string]json.RawMessage{}
		if err := json.Unmarshal(doc.Data, &fields); err != nil {
			return nil, fmt.Errorf("decode %s: %w", Path(q.Collection, doc.ID), err)
		}
		if !q.matches(fields) {
			continue
		}
		r := row{doc: doc}
		if q.OrderBy != "" {
			r.key, _ = strconv.ParseFloat(FieldText(fields[q.OrderBy]), 64)
		}
		rows = append(rows, r)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].key != rows[j].key {
			if q.Descending {
				return rows[i].key > rows[j].key
			}
			return rows[i].key < rows[j].key
		}
		if q.Descending {
			return rows[i].doc.ID > rows[j].doc.ID
		}
		return rows[i].doc.ID < rows[j].doc.ID
	})

	out := make([]Document, 0, len(rows))
	for _, r := range rows {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		out = append(out, r.doc)
	}
	return out, nil
}

func (q Query) matches(fields map[string]json.RawMessage) bool {
	for _, f := range q.Filters {
		text := FieldText(fields[f.Field])
		found := false
		for _, want := range f.In {
			if text == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FieldText renders a raw JSON value the way postgres' ->> operator does:
// strings unquoted, null and missing as empty, everything else verbatim.
func FieldText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return trimmed
}
