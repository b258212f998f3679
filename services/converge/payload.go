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
	"maps"
	"slices"
	"strings"
)

// PayloadKind names the concrete type of a Payload.
type PayloadKind string

const (
	// KindText is a plain string payload.
	KindText PayloadKind = "text"

	// KindRecord is a flat string-to-string payload.
	KindRecord PayloadKind = "record"
)

// Payload is the content of a fact. The engine never interprets it; it only
// compares payloads for equality when detecting conflicts.
//
// The set of payloads is closed: Text and Record are the only
// implementations, so every fact survives a JSON round trip through jobs
// and journals.
type Payload interface {
	// Kind returns the payload type tag used in serialized facts.
	Kind() PayloadKind

	// Equal reports whether other carries the same content.
	Equal(other Payload) bool

	// String renders the payload deterministically.
	String() string

	sealed()
}

// Text is a plain string payload.
type Text string

// Kind implements Payload.
func (t Text) Kind() PayloadKind { return KindText }

// Equal implements Payload.
func (t Text) Equal(other Payload) bool {
	o, ok := other.(Text)
	return ok && o == t
}

func (t Text) String() string { return string(t) }

func (Text) sealed() {}

// Record is a structured payload of named string fields.
//
// A Record is immutable: its fields are copied in by NewRecord and copied
// out by Fields, so a fact read from a Context cannot be changed in place.
// The zero Record has no fields.
type Record struct {
	fields map[string]string
}

// NewRecord copies fields into a new Record.
func NewRecord(fields map[string]string) Record {
	r := Record{fields: make(map[string]string, len(fields))}
	maps.Copy(r.fields, fields)
	return r
}

// Kind implements Payload.
func (r Record) Kind() PayloadKind { return KindRecord }

// Equal implements Payload.
func (r Record) Equal(other Payload) bool {
	o, ok := other.(Record)
	return ok && maps.Equal(r.fields, o.fields)
}

func (Record) sealed() {}

// Get returns the named field and whether it was present.
func (r Record) Get(field string) (string, bool) {
	v, ok := r.fields[field]
	return v, ok
}

// Value returns the named field, or "" when absent.
func (r Record) Value(field string) string {
	return r.fields[field]
}

// Len returns the number of fields.
func (r Record) Len() int { return len(r.fields) }

// Fields returns a copy of the record's fields.
func (r Record) Fields() map[string]string {
	return maps.Clone(r.fields)
}

// String renders fields as sorted "k=v" pairs.
func (r Record) String() string {
	keys := slices.Sorted(maps.Keys(r.fields))
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(r.fields[k])
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON encodes the record as a JSON object.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.fields)
}

func decodePayload(kind PayloadKind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindText, "":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return Text(s), nil
	case KindRecord:
		var m map[string]string
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return NewRecord(m), nil
	default:
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
}
