/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

// Package query turns a declarative request into SQL for a registered
// table, executes it and maps the result back to ordered rows.
package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"strings"

	"pgedge-dynamic-api/internal/qerr"
)

// Operation is the statement kind of a request
type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpUpsert Operation = "upsert"
	OpDelete Operation = "delete"
)

// UnmarshalText accepts operation names in any case
func (o *Operation) UnmarshalText(text []byte) error {
	op := Operation(strings.ToLower(strings.TrimSpace(string(text))))
	switch op {
	case OpSelect, OpInsert, OpUpdate, OpUpsert, OpDelete:
		*o = op
		return nil
	case "":
		*o = OpSelect
		return nil
	}
	return qerr.Invalid("unknown operation %q", string(text))
}

// CountMode selects whether a total row count is returned
type CountMode string

const (
	CountNone  CountMode = ""
	CountExact CountMode = "exact"
)

// UnmarshalText accepts "exact" and "none"; planned and estimated counts
// are not supported
func (c *CountMode) UnmarshalText(text []byte) error {
	switch mode := strings.ToLower(strings.TrimSpace(string(text))); mode {
	case "", "none":
		*c = CountNone
	case "exact":
		*c = CountExact
	case "planned", "estimated":
		return qerr.Unsupported("count mode %q is not supported", mode)
	default:
		return qerr.Invalid("unknown count mode %q", mode)
	}
	return nil
}

// Projection is the list of requested columns. It decodes from either a
// JSON array or a comma-separated string.
type Projection []string

// UnmarshalJSON implements json.Unmarshaler
func (p *Projection) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*p = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return qerr.Invalid("select must be an array of column names or a comma-separated string")
	}
	*p = nil
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*p = append(*p, part)
		}
	}
	return nil
}

// IsAll reports whether the projection selects every column
func (p Projection) IsAll() bool {
	return len(p) == 0 || (len(p) == 1 && strings.TrimSpace(p[0]) == "*")
}

// OrderTerm is one ORDER BY entry
type OrderTerm struct {
	Column     string
	Ascending  bool
	NullsFirst *bool
}

// OrderList keeps the terms in the order they appear in the request
// object, so {"a": ..., "b": ...} sorts by a then b.
type OrderList []OrderTerm

type orderOptions struct {
	Ascending  *bool `json:"ascending"`
	NullsFirst *bool `json:"nullsFirst"`
}

// UnmarshalJSON reads the order object token by token to keep its key
// order. Each value is either an options object or a direction string
// ("asc" or "desc").
func (o *OrderList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return qerr.Invalid("invalid order: %v", err)
	}
	if tok == nil {
		*o = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return qerr.Invalid("order must be an object keyed by column name")
	}

	var terms OrderList
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return qerr.Invalid("invalid order: %v", err)
		}
		column := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return qerr.Invalid("invalid order for %s: %v", column, err)
		}

		term := OrderTerm{Column: column, Ascending: true}
		var direction string
		if err := json.Unmarshal(raw, &direction); err == nil {
			switch strings.ToLower(direction) {
			case "asc", "ascending":
			case "desc", "descending":
				term.Ascending = false
			default:
				return qerr.Invalid("invalid order direction %q for %s", direction, column)
			}
		} else {
			var opts orderOptions
			if err := json.Unmarshal(raw, &opts); err != nil {
				return qerr.Invalid("invalid order for %s: expected an object", column)
			}
			if opts.Ascending != nil {
				term.Ascending = *opts.Ascending
			}
			term.NullsFirst = opts.NullsFirst
		}
		terms = append(terms, term)
	}

	*o = terms
	return nil
}

// Request is a declarative query against one registered table
type Request struct {
	Operation  Operation  `json:"operation"`
	From       string     `json:"from"`
	Select     Projection `json:"select,omitempty"`
	Where      any        `json:"where,omitempty"`
	Order      OrderList  `json:"order,omitempty"`
	Limit      *int       `json:"limit,omitempty"`
	Range      []int      `json:"range,omitempty"`
	Data       any        `json:"data,omitempty"`
	OnConflict string     `json:"onConflict,omitempty"`
	Count      CountMode  `json:"count,omitempty"`
	Head       bool       `json:"head,omitempty"`
}

// DecodeRequest reads a request from JSON. Numbers inside where and data
// are kept as json.Number so large integers and decimals survive intact.
func DecodeRequest(r io.Reader) (*Request, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var req Request
	if err := dec.Decode(&req); err != nil {
		var qe *qerr.Error
		if errors.As(err, &qe) {
			return nil, qe
		}
		return nil, qerr.Invalid("invalid request body: %v", err)
	}
	if req.Operation == "" {
		req.Operation = OpSelect
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks the request shape without consulting any table
func (r *Request) Validate() error {
	if strings.TrimSpace(r.From) == "" {
		return qerr.Invalid("from is required")
	}
	if r.Limit != nil && *r.Limit < 0 {
		return qerr.Invalid("limit must not be negative")
	}
	if r.Range != nil {
		if len(r.Range) != 2 {
			return qerr.Invalid("range must be [from, to]")
		}
		if r.Range[0] < 0 || r.Range[1] < 0 {
			return qerr.Invalid("range bounds must not be negative")
		}
		if r.Range[1] < r.Range[0] {
			return qerr.Invalid("range end %d is before its start %d", r.Range[1], r.Range[0])
		}
		if r.Range[1]-r.Range[0] == math.MaxInt {
			return qerr.Invalid("range [%d, %d] is too wide", r.Range[0], r.Range[1])
		}
	}

	switch r.Operation {
	case OpInsert, OpUpsert, OpUpdate:
		if r.Data == nil {
			return qerr.Invalid("%s requires data", r.Operation)
		}
	}
	if r.Operation == OpUpsert && strings.TrimSpace(r.OnConflict) == "" {
		return qerr.Invalid("upsert requires onConflict")
	}
	if r.Head && r.Operation != OpSelect {
		return qerr.Invalid("head is only valid for select")
	}
	return nil
}

// Pagination returns the LIMIT and OFFSET implied by range or limit.
// Range wins when both are given.
func (r *Request) Pagination() (limit, offset *int) {
	if len(r.Range) == 2 {
		l := r.Range[1] - r.Range[0] + 1
		o := r.Range[0]
		return &l, &o
	}
	return r.Limit, nil
}

// HasFilter reports whether the request carries a non-empty where-tree
func (r *Request) HasFilter() bool {
	switch w := r.Where.(type) {
	case nil:
		return false
	case []any:
		return len(w) > 0
	}
	return true
}

// rows returns the data payload as a list of objects
func (r *Request) rows() ([]map[string]any, error) {
	switch d := r.Data.(type) {
	case map[string]any:
		return []map[string]any{d}, nil
	case []any:
		if len(d) == 0 {
			return nil, qerr.Invalid("%s data is empty", r.Operation)
		}
		rows := make([]map[string]any, len(d))
		for i, item := range d {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, qerr.Invalid("data[%d] must be an object, got %T", i, item)
			}
			rows[i] = row
		}
		return rows, nil
	}
	return nil, qerr.Invalid("data must be an object or an array of objects, got %T", r.Data)
}
