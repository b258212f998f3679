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
	"fmt"
	"strings"
)

// InvariantClass determines when an invariant is checked.
type InvariantClass int

const (
	// Structural invariants run after every merge. Failure aborts the run.
	Structural InvariantClass = iota

	// Semantic invariants run at the end of every cycle. Failure blocks
	// convergence until a later cycle repairs the state.
	Semantic

	// Acceptance invariants run once at the fixed point.
	Acceptance
)

func (c InvariantClass) String() string {
	switch c {
	case Structural:
		return "structural"
	case Semantic:
		return "semantic"
	case Acceptance:
		return "acceptance"
	default:
		return fmt.Sprintf("InvariantClass(%d)", int(c))
	}
}

// ParseInvariantClass parses "structural", "semantic" or "acceptance".
func ParseInvariantClass(name string) (InvariantClass, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "structural":
		return Structural, nil
	case "semantic":
		return Semantic, nil
	case "acceptance":
		return Acceptance, nil
	default:
		return 0, fmt.Errorf("unknown invariant class %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c InvariantClass) MarshalText() ([]byte, error) {
	if c < Structural || c > Acceptance {
		return nil, fmt.Errorf("unknown invariant class %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *InvariantClass) UnmarshalText(text []byte) error {
	parsed, err := ParseInvariantClass(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// InvariantResult is the outcome of a single check.
type InvariantResult struct {
	OK      bool
	Message string
}

// Pass returns a passing result.
func Pass() InvariantResult {
	return InvariantResult{OK: true}
}

// Fail returns a failing result with a human-readable reason.
func Fail(format string, args ...any) InvariantResult {
	return InvariantResult{Message: fmt.Sprintf(format, args...)}
}

// Invariant is a predicate over a Context.
//
// Check must be pure. The engine decides from Class when to call it.
type Invariant interface {
	Name() string
	Class() InvariantClass
	Check(c *Context) InvariantResult
}

// InvariantID is the registration index of an invariant within an engine.
type InvariantID int

// CheckFunc is the predicate of a SimpleInvariant.
type CheckFunc func(c *Context) InvariantResult

// SimpleInvariant is an Invariant backed by a function.
type SimpleInvariant struct {
	name  string
	class InvariantClass
	check CheckFunc
}

// NewInvariant creates an invariant from a predicate.
func NewInvariant(name string, class InvariantClass, check CheckFunc) *SimpleInvariant {
	return &SimpleInvariant{name: name, class: class, check: check}
}

// Name implements Invariant.
func (i *SimpleInvariant) Name() string { return i.name }

// Class implements Invariant.
func (i *SimpleInvariant) Class() InvariantClass { return i.class }

// Check implements Invariant. A nil predicate always passes.
func (i *SimpleInvariant) Check(c *Context) InvariantResult {
	if i.check == nil {
		return Pass()
	}
	return i.check(c)
}
