// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import (
	"context"
	"strings"

	"github.com/AleutianAI/converge/services/converge"
)

// ExecutionAgent runs a Registry inside a convergence loop.
//
// Description:
//
//	The agent becomes eligible once any of the registry's dependency keys is
//	populated and stays eligible until it has recorded an evaluation. It
//	runs the evals affected by the populated keys and emits one
//	Evaluations fact per result, with id "<eval>:<agent>".
//
// Thread Safety: Safe for concurrent use if the registry's evals are.
type ExecutionAgent struct {
	name     string
	registry *Registry
}

// NewExecutionAgent creates an agent named name over registry.
func NewExecutionAgent(name string, registry *Registry) *ExecutionAgent {
	return &ExecutionAgent{name: name, registry: registry}
}

// Name implements converge.Agent.
func (a *ExecutionAgent) Name() string { return a.name }

// Dependencies implements converge.Agent.
func (a *ExecutionAgent) Dependencies() []converge.ContextKey {
	return a.registry.Dependencies()
}

// Accepts implements converge.Agent.
func (a *ExecutionAgent) Accepts(c *converge.Context) bool {
	if a.evaluated(c) {
		return false
	}
	for _, k := range a.registry.Dependencies() {
		if c.Has(k) {
			return true
		}
	}
	return false
}

// evaluated reports whether this agent already contributed an evaluation.
// Facts restored without provenance are recognised by their id suffix.
func (a *ExecutionAgent) evaluated(c *converge.Context) bool {
	if c.HasProducedBy(converge.Evaluations, a.name) {
		return true
	}
	suffix := ":" + a.name
	for _, f := range c.Get(converge.Evaluations) {
		if strings.HasSuffix(f.ID, suffix) {
			return true
		}
	}
	return false
}

// Execute implements converge.Agent.
func (a *ExecutionAgent) Execute(ctx context.Context, c *converge.Context) (converge.AgentEffect, error) {
	results := a.registry.EvaluateDependent(ctx, c, c.Keys())

	facts := make([]converge.Fact, 0, len(results))
	for _, r := range results {
		facts = append(facts, r.ToFact(a.name))
	}
	return converge.Effect(facts...), nil
}
