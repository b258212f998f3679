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
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

var (
	// ErrBudgetExhausted is returned when a run exceeds its cycle or fact budget.
	ErrBudgetExhausted = errors.New("budget exhausted")

	// ErrInvariantViolation is returned when an invariant rejects the context.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrAgentFailed is returned when an agent's Execute returns an error.
	ErrAgentFailed = errors.New("agent failed")

	// ErrConflict is returned when a fact's identity exists with different content.
	ErrConflict = errors.New("conflicting fact")

	// ErrInvalidFact is returned when a fact has an unknown key, empty id or nil content.
	ErrInvalidFact = errors.New("invalid fact")

	// ErrNilContext is returned when Run is called with a nil seed context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidBudget is returned when a budget has a negative limit.
	ErrInvalidBudget = errors.New("invalid budget")
)

// -----------------------------------------------------------------------------
// Error Kinds
// -----------------------------------------------------------------------------

// ErrorKind classifies the errors that abort a run.
type ErrorKind string

const (
	KindBudgetExhausted    ErrorKind = "budget_exhausted"
	KindInvariantViolation ErrorKind = "invariant_violation"
	KindAgentFailed        ErrorKind = "agent_failed"
	KindConflict           ErrorKind = "conflict"
)

// ConvergeError is implemented by every error that aborts a run.
type ConvergeError interface {
	error
	Kind() ErrorKind
}

// KindOf returns the kind of the first ConvergeError in err's chain.
//
// Outputs:
//   - ErrorKind: The kind, or "" when err is not a ConvergeError.
//   - bool: True if a ConvergeError was found.
func KindOf(err error) (ErrorKind, bool) {
	var ce ConvergeError
	if errors.As(err, &ce) {
		return ce.Kind(), true
	}
	return "", false
}

// -----------------------------------------------------------------------------
// Typed Errors
// -----------------------------------------------------------------------------

// BudgetResource names the budget limit that was exceeded.
type BudgetResource string

const (
	ResourceCycles BudgetResource = "cycles"
	ResourceFacts  BudgetResource = "facts"
)

// BudgetExhaustedError reports which limit was exceeded and by how much.
type BudgetExhaustedError struct {
	Resource BudgetResource
	Limit    int
	Observed int
	Cycle    uint32
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted: %s %d exceeds limit %d (cycle %d)",
		e.Resource, e.Observed, e.Limit, e.Cycle)
}

// Kind implements ConvergeError.
func (e *BudgetExhaustedError) Kind() ErrorKind { return KindBudgetExhausted }

func (e *BudgetExhaustedError) Unwrap() error { return ErrBudgetExhausted }

// InvariantViolationError reports the invariant that rejected the context.
//
// Cause is set when a Semantic invariant was still failing as the cycle
// budget ran out; it holds the *BudgetExhaustedError.
type InvariantViolationError struct {
	Invariant string
	Class     InvariantClass
	Message   string
	Cycle     uint32
	Cause     error
}

func (e *InvariantViolationError) Error() string {
	msg := fmt.Sprintf("invariant violation: %s invariant %q: %s (cycle %d)",
		e.Class, e.Invariant, e.Message, e.Cycle)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Kind implements ConvergeError.
func (e *InvariantViolationError) Kind() ErrorKind { return KindInvariantViolation }

func (e *InvariantViolationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrInvariantViolation, e.Cause}
	}
	return []error{ErrInvariantViolation}
}

// AgentFailedError wraps an error returned by an agent's Execute.
type AgentFailedError struct {
	Agent  string
	Reason string
	Cycle  uint32
	Err    error
}

func (e *AgentFailedError) Error() string {
	return fmt.Sprintf("agent %q failed: %s (cycle %d)", e.Agent, e.Reason, e.Cycle)
}

// Kind implements ConvergeError.
func (e *AgentFailedError) Kind() ErrorKind { return KindAgentFailed }

func (e *AgentFailedError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrAgentFailed, e.Err}
	}
	return []error{ErrAgentFailed}
}

// ConflictError reports two facts with the same identity and different content.
type ConflictError struct {
	Existing Fact
	Proposed Fact
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting fact %s/%s: existing %q (by %q), proposed %q (by %q)",
		e.Existing.Key, e.Existing.ID,
		payloadString(e.Existing.Content), e.Existing.ProducedBy,
		payloadString(e.Proposed.Content), e.Proposed.ProducedBy)
}

// Kind implements ConvergeError.
func (e *ConflictError) Kind() ErrorKind { return KindConflict }

func (e *ConflictError) Unwrap() error { return ErrConflict }

func payloadString(p Payload) string {
	if p == nil {
		return "<nil>"
	}
	return p.String()
}
