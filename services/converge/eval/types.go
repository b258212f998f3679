// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eval scores a converge.Context and records the scores as facts.
//
// An Eval inspects the context and returns a Result. Evals are kept in a
// Registry and run, inside a convergence loop, by an ExecutionAgent that
// turns each Result into a fact under converge.Evaluations.
package eval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/AleutianAI/converge/services/converge"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotFound is returned when an eval is not in the registry.
	ErrNotFound = errors.New("eval not found")

	// ErrAlreadyRegistered is returned when registering a duplicate name.
	ErrAlreadyRegistered = errors.New("eval already registered")

	// ErrNilEval is returned when registering nil.
	ErrNilEval = errors.New("eval must not be nil")

	// ErrInvalidResult is returned when a Result fails validation.
	ErrInvalidResult = errors.New("invalid eval result")
)

// -----------------------------------------------------------------------------
// Outcome
// -----------------------------------------------------------------------------

// Outcome is the verdict of an evaluation.
type Outcome int

const (
	Pass Outcome = iota
	Fail
	Indeterminate
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case Indeterminate:
		return "indeterminate"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// ParseOutcome parses the text form of an outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(s) {
	case "pass":
		return Pass, nil
	case "fail":
		return Fail, nil
	case "indeterminate":
		return Indeterminate, nil
	default:
		return 0, fmt.Errorf("unknown outcome %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	if o < Pass || o > Indeterminate {
		return nil, fmt.Errorf("unknown outcome %d", int(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	parsed, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// -----------------------------------------------------------------------------
// Result
// -----------------------------------------------------------------------------

// Result is the output of one evaluation.
type Result struct {
	// Name is the name of the eval that produced the result.
	Name string `json:"name"`

	// Outcome is the verdict.
	Outcome Outcome `json:"outcome"`

	// Score is in [0, 1].
	Score float64 `json:"score"`

	// Message explains the verdict.
	Message string `json:"message,omitempty"`

	// SupportingFactIDs lists the facts the verdict is based on.
	SupportingFactIDs []string `json:"supporting_fact_ids,omitempty"`
}

// Validate checks the result's name, score range and outcome.
func (r Result) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidResult)
	}
	if math.IsNaN(r.Score) || r.Score < 0 || r.Score > 1 {
		return fmt.Errorf("%w: score %v for %s is outside [0,1]", ErrInvalidResult, r.Score, r.Name)
	}
	if r.Outcome < Pass || r.Outcome > Indeterminate {
		return fmt.Errorf("%w: unknown outcome %d for %s", ErrInvalidResult, int(r.Outcome), r.Name)
	}
	return nil
}

// FactID returns the id of the fact recording this result for agent.
func (r Result) FactID(agent string) string {
	return r.Name + ":" + agent
}

// ToFact converts the result into an Evaluations fact produced by agent.
//
// Description:
//
//	The fact is a converge.Record with fields name, outcome, score,
//	message and supporting (comma separated ids). The score is formatted
//	with strconv 'g' so equal results always yield equal content.
func (r Result) ToFact(agent string) converge.Fact {
	fields := map[string]string{
		"name":    r.Name,
		"outcome": r.Outcome.String(),
		"score":   strconv.FormatFloat(r.Score, 'g', -1, 64),
	}
	if r.Message != "" {
		fields["message"] = r.Message
	}
	if len(r.SupportingFactIDs) > 0 {
		fields["supporting"] = strings.Join(r.SupportingFactIDs, ",")
	}
	return converge.Fact{
		Key:        converge.Evaluations,
		ID:         r.FactID(agent),
		Content:    converge.NewRecord(fields),
		ProducedBy: agent,
	}
}

// FromFact decodes a fact written by ToFact.
func FromFact(f converge.Fact) (Result, error) {
	rec, ok := f.Content.(converge.Record)
	if !ok {
		return Result{}, fmt.Errorf("%w: fact %s has %T content", ErrInvalidResult, f.ID, f.Content)
	}
	outcome, err := ParseOutcome(rec.Value("outcome"))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	score, err := strconv.ParseFloat(rec.Value("score"), 64)
	if err != nil {
		return Result{}, fmt.Errorf("%w: score: %v", ErrInvalidResult, err)
	}
	r := Result{
		Name:    rec.Value("name"),
		Outcome: outcome,
		Score:   score,
		Message: rec.Value("message"),
	}
	if s := rec.Value("supporting"); s != "" {
		r.SupportingFactIDs = strings.Split(s, ",")
	}
	return r, r.Validate()
}

// -----------------------------------------------------------------------------
// Eval
// -----------------------------------------------------------------------------

// Eval scores a context.
//
// Evaluate must be deterministic for a given context. It reports problems
// through the Result rather than an error; an eval that cannot decide
// returns Indeterminate.
type Eval interface {
	Name() string
	Description() string

	// Dependencies lists the keys the eval reads. An eval with no
	// dependencies runs whenever its ExecutionAgent runs.
	Dependencies() []converge.ContextKey

	Evaluate(ctx context.Context, c *converge.Context) Result
}

// EvaluateFunc is the body of a SimpleEval.
type EvaluateFunc func(ctx context.Context, c *converge.Context) Result

// SimpleEval is an Eval backed by a function.
type SimpleEval struct {
	name        string
	description string
	deps        []converge.ContextKey
	fn          EvaluateFunc
}

// NewSimpleEval creates an eval from a function.
func NewSimpleEval(name, description string, deps []converge.ContextKey, fn EvaluateFunc) *SimpleEval {
	return &SimpleEval{name: name, description: description, deps: deps, fn: fn}
}

// Name implements Eval.
func (e *SimpleEval) Name() string { return e.name }

// Description implements Eval.
func (e *SimpleEval) Description() string { return e.description }

// Dependencies implements Eval.
func (e *SimpleEval) Dependencies() []converge.ContextKey { return e.deps }

// Evaluate implements Eval. The result's Name is forced to the eval's name.
func (e *SimpleEval) Evaluate(ctx context.Context, c *converge.Context) Result {
	if e.fn == nil {
		return Result{Name: e.name, Outcome: Indeterminate, Message: "no evaluation function"}
	}
	r := e.fn(ctx, c)
	r.Name = e.name
	return r
}
