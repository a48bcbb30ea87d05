/*-------------------------------------------------------------------------
 *
 * pgEdge Dynamic Query API
 *
 * Copyright (c) 2025, pgEdge, Inc.
 * This software is released under The PostgreSQL License
 *
 *-------------------------------------------------------------------------
 */

package registry

import (
	"sort"

	"pgedge-dynamic-api/internal/schema"
)

// ExcludedSet is a set of column names hidden from callers. Entries are
// normalised so that apiKey, API_KEY and api_key are the same entry.
type ExcludedSet map[string]struct{}

func excludedKey(name string) string {
	return schema.FoldName(schema.SnakeCase(name))
}

// NewExcludedSet builds a set from column names, ignoring blanks
func NewExcludedSet(columns []string) ExcludedSet {
	set := make(ExcludedSet, len(columns))
	for _, c := range columns {
		if key := excludedKey(c); key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}

// Contains reports whether a column name is excluded
func (s ExcludedSet) Contains(column string) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[excludedKey(column)]
	return ok
}

// Names returns the entries in sorted order
func (s ExcludedSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// union returns a new set holding the entries of both sets
func (s ExcludedSet) union(other ExcludedSet) ExcludedSet {
	out := make(ExcludedSet, len(s)+len(other))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

// exclusions is replaced wholesale on every update
type exclusions struct {
	global   ExcludedSet
	perTable map[string]ExcludedSet
}

func (r *Registry) updateExclusions(fn func(next *exclusions)) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := r.excluded.Load()
	next := &exclusions{
		global:   current.global,
		perTable: make(map[string]ExcludedSet, len(current.perTable)+1),
	}
	for k, v := range current.perTable {
		next.perTable[k] = v
	}
	fn(next)
	r.excluded.Store(next)
}

// SetExcludedColumns replaces the table-specific exclusions of name. An
// empty list clears them.
func (r *Registry) SetExcludedColumns(name string, columns []string) {
	name = schema.FoldName(name)
	set := NewExcludedSet(columns)
	r.updateExclusions(func(next *exclusions) {
		if len(set) == 0 {
			delete(next.perTable, name)
			return
		}
		next.perTable[name] = set
	})
}

// ExcludedColumns returns the table-specific exclusions of name
func (r *Registry) ExcludedColumns(name string) []string {
	return r.excluded.Load().perTable[schema.FoldName(name)].Names()
}

// SetGlobalExcludedColumns replaces the exclusions applied to every table
func (r *Registry) SetGlobalExcludedColumns(columns []string) {
	set := NewExcludedSet(columns)
	r.updateExclusions(func(next *exclusions) {
		next.global = set
	})
}

// GlobalExcludedColumns returns the exclusions applied to every table
func (r *Registry) GlobalExcludedColumns() []string {
	return r.excluded.Load().global.Names()
}

// EffectiveExcluded returns the global exclusions joined with those of
// table name
func (r *Registry) EffectiveExcluded(name string) ExcludedSet {
	current := r.excluded.Load()
	return current.global.union(current.perTable[schema.FoldName(name)])
}

// TableExclusions returns every table-specific exclusion list keyed by
// table name
func (r *Registry) TableExclusions() map[string][]string {
	current := r.excluded.Load()
	out := make(map[string][]string, len(current.perTable))
	for name, set := range current.perTable {
		out[name] = set.Names()
	}
	return out
}
