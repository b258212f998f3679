// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package converge

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Context is the append-only fact store shared by all agents of a run.
//
// Description:
//
//	Facts are grouped by ContextKey and kept in insertion order. AddFact is
//	the only way to write; nothing is ever removed or replaced. The version
//	increases by exactly one for every accepted new fact, so two contexts
//	built from the same sequence of facts have the same version.
//
// Thread Safety: Not safe for concurrent mutation. Readers of a snapshot
// obtained from Clone may run concurrently with each other.
type Context struct {
	facts   map[ContextKey][]Fact
	index   map[factIdentity]int
	produce map[provenance]int
	total   int
	version uint64
}

type factIdentity struct {
	key ContextKey
	id  string
}

type provenance struct {
	key   ContextKey
	agent string
}

// NewContext creates an empty context at version 0.
func NewContext() *Context {
	return &Context{
		facts:   make(map[ContextKey][]Fact),
		index:   make(map[factIdentity]int),
		produce: make(map[provenance]int),
	}
}

// NewContextFromFacts creates a context holding facts, added in order.
//
// Outputs:
//   - *Context: The populated context.
//   - error: The first error returned by AddFact.
func NewContextFromFacts(facts ...Fact) (*Context, error) {
	c := NewContext()
	for _, f := range facts {
		if _, err := c.AddFact(f); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddFact inserts a fact.
//
// Description:
//
//	A fact with a new identity is appended and the version incremented.
//	Re-adding an identical fact is a no-op that leaves the version
//	unchanged. A fact whose identity exists with different content is
//	rejected with *ConflictError and the context is left untouched.
//
// Inputs:
//   - fact: The fact to add. Must pass Validate.
//
// Outputs:
//   - bool: True if the fact was new.
//   - error: Wraps ErrInvalidFact, or a *ConflictError.
func (c *Context) AddFact(fact Fact) (bool, error) {
	if err := fact.Validate(); err != nil {
		return false, err
	}

	id := factIdentity{key: fact.Key, id: fact.ID}
	if pos, ok := c.index[id]; ok {
		existing := c.facts[fact.Key][pos]
		if existing.SameContent(fact) {
			return false, nil
		}
		return false, &ConflictError{Existing: existing, Proposed: fact}
	}

	c.index[id] = len(c.facts[fact.Key])
	c.facts[fact.Key] = append(c.facts[fact.Key], fact)
	if fact.ProducedBy != "" {
		c.produce[provenance{key: fact.Key, agent: fact.ProducedBy}]++
	}
	c.total++
	c.version++
	return true, nil
}

// Get returns the facts under key in insertion order. The returned slice is
// a copy; nil when the key is empty.
func (c *Context) Get(key ContextKey) []Fact {
	facts := c.facts[key]
	if len(facts) == 0 {
		return nil
	}
	return slices.Clone(facts)
}

// Find returns the fact with the given identity.
func (c *Context) Find(key ContextKey, id string) (Fact, bool) {
	pos, ok := c.index[factIdentity{key: key, id: id}]
	if !ok {
		return Fact{}, false
	}
	return c.facts[key][pos], true
}

// Has reports whether key holds at least one fact.
func (c *Context) Has(key ContextKey) bool {
	return len(c.facts[key]) > 0
}

// HasProducedBy reports whether agent has produced at least one fact under key.
func (c *Context) HasProducedBy(key ContextKey, agent string) bool {
	return c.produce[provenance{key: key, agent: agent}] > 0
}

// Version returns the number of facts accepted so far.
func (c *Context) Version() uint64 {
	return c.version
}

// Len returns the total number of facts.
func (c *Context) Len() int {
	return c.total
}

// Count returns the number of facts under key.
func (c *Context) Count(key ContextKey) int {
	return len(c.facts[key])
}

// Keys returns the populated keys in conventional order.
func (c *Context) Keys() []ContextKey {
	keys := make([]ContextKey, 0, len(c.facts))
	for _, k := range AllContextKeys() {
		if c.Has(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// All returns every fact, grouped by key in conventional order and in
// insertion order within a key.
func (c *Context) All() []Fact {
	all := make([]Fact, 0, c.total)
	for _, k := range AllContextKeys() {
		all = append(all, c.facts[k]...)
	}
	return all
}

// Summary returns the fact count of every populated key.
func (c *Context) Summary() map[ContextKey]int {
	summary := make(map[ContextKey]int, len(c.facts))
	for k, facts := range c.facts {
		if len(facts) > 0 {
			summary[k] = len(facts)
		}
	}
	return summary
}

// Clone returns an independent copy of the context.
//
// Description:
//
//	Cloned slices are capped so that appends to either copy never write
//	into storage shared with the other. Payloads are shared; they are
//	immutable once stored.
func (c *Context) Clone() *Context {
	clone := &Context{
		facts:   make(map[ContextKey][]Fact, len(c.facts)),
		index:   make(map[factIdentity]int, len(c.index)),
		produce: make(map[provenance]int, len(c.produce)),
		total:   c.total,
		version: c.version,
	}
	for k, facts := range c.facts {
		clone.facts[k] = facts[:len(facts):len(facts)]
	}
	for id, pos := range c.index {
		clone.index[id] = pos
	}
	for p, n := range c.produce {
		clone.produce[p] = n
	}
	return clone
}

// Equal reports whether both contexts hold the same facts in the same order
// with equal content and provenance, at the same version.
func (c *Context) Equal(other *Context) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.version != other.version || c.total != other.total {
		return false
	}
	for _, k := range AllContextKeys() {
		a, b := c.facts[k], other.facts[k]
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i].ID != b[i].ID || a[i].ProducedBy != b[i].ProducedBy || !a[i].SameContent(b[i]) {
				return false
			}
		}
	}
	return true
}

type contextJSON struct {
	Version uint64 `json:"version"`
	Facts   []Fact `json:"facts"`
}

// MarshalJSON encodes the context as its version and ordered facts.
func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(contextJSON{Version: c.version, Facts: c.All()})
}

// UnmarshalJSON rebuilds the context by re-adding the encoded facts. The
// encoded version must match the number of facts.
func (c *Context) UnmarshalJSON(data []byte) error {
	var raw contextJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rebuilt, err := NewContextFromFacts(raw.Facts...)
	if err != nil {
		return fmt.Errorf("rebuilding context: %w", err)
	}
	if rebuilt.version != raw.Version {
		return fmt.Errorf("context version %d does not match %d facts", raw.Version, rebuilt.version)
	}
	*c = *rebuilt
	return nil
}
