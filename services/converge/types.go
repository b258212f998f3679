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
	"strings"
)

// -----------------------------------------------------------------------------
// Context Keys
// -----------------------------------------------------------------------------

// ContextKey identifies a category of facts in the Context.
//
// Description:
//
//	The set of keys is closed. Their order is conventional and is used
//	wherever the Context is walked as a whole (All, Keys, Summary) so that
//	output is deterministic.
type ContextKey int

const (
	// Seeds are the initial facts supplied by the caller.
	Seeds ContextKey = iota

	// Signals are observations derived from seeds.
	Signals

	// Constraints restrict what later agents may propose.
	Constraints

	// Competitors describe competing entities.
	Competitors

	// Strategies are candidate plans of action.
	Strategies

	// Proposals are concrete recommendations.
	Proposals

	// Evaluations are scored judgements produced by evals.
	Evaluations

	numContextKeys
)

var contextKeyNames = [numContextKeys]string{
	Seeds:       "seeds",
	Signals:     "signals",
	Constraints: "constraints",
	Competitors: "competitors",
	Strategies:  "strategies",
	Proposals:   "proposals",
	Evaluations: "evaluations",
}

// AllContextKeys returns every key in conventional order.
func AllContextKeys() []ContextKey {
	keys := make([]ContextKey, 0, numContextKeys)
	for k := ContextKey(0); k < numContextKeys; k++ {
		keys = append(keys, k)
	}
	return keys
}

// Valid reports whether k is one of the known keys.
func (k ContextKey) Valid() bool {
	return k >= 0 && k < numContextKeys
}

// String returns the lower-case name of the key.
func (k ContextKey) String() string {
	if !k.Valid() {
		return fmt.Sprintf("ContextKey(%d)", int(k))
	}
	return contextKeyNames[k]
}

// ParseContextKey parses the text form of a key. Matching is case-insensitive.
//
// Outputs:
//   - ContextKey: The parsed key.
//   - error: Non-nil if name does not match a known key.
func ParseContextKey(name string) (ContextKey, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for k, s := range contextKeyNames {
		if s == n {
			return ContextKey(k), nil
		}
	}
	return 0, fmt.Errorf("unknown context key %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (k ContextKey) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown context key %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ContextKey) UnmarshalText(text []byte) error {
	parsed, err := ParseContextKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// -----------------------------------------------------------------------------
// Facts
// -----------------------------------------------------------------------------

// Fact is a single piece of knowledge in the Context.
//
// Description:
//
//	(Key, ID) identifies a fact. Two facts with the same identity must
//	carry equal Content, otherwise they conflict. ProducedBy records the
//	agent that emitted the fact and takes no part in equality. The engine
//	fills it in when an agent leaves it empty.
type Fact struct {
	Key        ContextKey
	ID         string
	Content    Payload
	ProducedBy string
}

// NewFact creates a fact with a text payload.
func NewFact(key ContextKey, id, content string) Fact {
	return Fact{Key: key, ID: id, Content: Text(content)}
}

// NewRecordFact creates a fact with a record payload.
func NewRecordFact(key ContextKey, id string, fields map[string]string) Fact {
	return Fact{Key: key, ID: id, Content: NewRecord(fields)}
}

// Validate checks that the fact can be stored.
//
// Outputs:
//   - error: Wraps ErrInvalidFact when the key is unknown, the ID is empty or
//     the content is nil.
func (f Fact) Validate() error {
	if !f.Key.Valid() {
		return fmt.Errorf("%w: unknown key %d", ErrInvalidFact, int(f.Key))
	}
	if f.ID == "" {
		return fmt.Errorf("%w: empty id in %s", ErrInvalidFact, f.Key)
	}
	if f.Content == nil {
		return fmt.Errorf("%w: nil content for %s/%s", ErrInvalidFact, f.Key, f.ID)
	}
	return nil
}

// SameContent reports whether f and other carry equal content.
func (f Fact) SameContent(other Fact) bool {
	if f.Content == nil || other.Content == nil {
		return f.Content == nil && other.Content == nil
	}
	return f.Content.Equal(other.Content)
}

// String renders the fact as "key/id=content".
func (f Fact) String() string {
	content := "<nil>"
	if f.Content != nil {
		content = f.Content.String()
	}
	return fmt.Sprintf("%s/%s=%s", f.Key, f.ID, content)
}

type factJSON struct {
	Key        ContextKey      `json:"key"`
	ID         string          `json:"id"`
	Kind       PayloadKind     `json:"kind"`
	Content    json.RawMessage `json:"content"`
	ProducedBy string          `json:"produced_by,omitempty"`
}

// MarshalJSON encodes the fact with a kind tag so the payload type survives
// a round trip.
func (f Fact) MarshalJSON() ([]byte, error) {
	if f.Content == nil {
		return nil, fmt.Errorf("%w: nil content for %s/%s", ErrInvalidFact, f.Key, f.ID)
	}
	content, err := json.Marshal(f.Content)
	if err != nil {
		return nil, fmt.Errorf("encoding content of %s/%s: %w", f.Key, f.ID, err)
	}
	return json.Marshal(factJSON{
		Key:        f.Key,
		ID:         f.ID,
		Kind:       f.Content.Kind(),
		Content:    content,
		ProducedBy: f.ProducedBy,
	})
}

// UnmarshalJSON decodes a fact written by MarshalJSON. A missing kind
// defaults to text.
func (f *Fact) UnmarshalJSON(data []byte) error {
	var raw factJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	content, err := decodePayload(raw.Kind, raw.Content)
	if err != nil {
		return fmt.Errorf("decoding content of %s/%s: %w", raw.Key, raw.ID, err)
	}
	*f = Fact{Key: raw.Key, ID: raw.ID, Content: content, ProducedBy: raw.ProducedBy}
	return nil
}
