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
	"context"
)

// Agent is an independent decision unit that contributes facts.
//
// Description:
//
//	Agents never write to the Context directly. The engine shows them a
//	start-of-cycle snapshot and merges the effects they return.
//
// Contract:
//   - Accepts must be pure and must return false once the agent's
//     contribution is present, or the run will not converge.
//   - Execute must be deterministic for a given snapshot.
//   - An error from Execute aborts the run with *AgentFailedError. It is
//     never retried.
type Agent interface {
	// Name identifies the agent. Unique within an engine.
	Name() string

	// Dependencies lists the keys the agent reads. Informational.
	Dependencies() []ContextKey

	// Accepts reports whether the agent should run against c.
	Accepts(c *Context) bool

	// Execute proposes facts based on c. c must not be retained.
	Execute(ctx context.Context, c *Context) (AgentEffect, error)
}

// AgentEffect holds the facts an agent proposes in one cycle.
type AgentEffect struct {
	Facts []Fact
}

// Effect builds an AgentEffect from facts.
func Effect(facts ...Fact) AgentEffect {
	return AgentEffect{Facts: facts}
}

// Empty reports whether the effect proposes nothing.
func (e AgentEffect) Empty() bool {
	return len(e.Facts) == 0
}

// AgentID is the registration index of an agent within an engine.
type AgentID int

// -----------------------------------------------------------------------------
// SimpleAgent
// -----------------------------------------------------------------------------

// AcceptFunc decides eligibility for a SimpleAgent.
type AcceptFunc func(c *Context) bool

// ExecuteFunc produces the effect of a SimpleAgent.
type ExecuteFunc func(ctx context.Context, c *Context) (AgentEffect, error)

// SimpleAgent is an Agent assembled from functions.
//
// Example:
//
//	agent := converge.NewSimpleAgent("signals").
//	    DependsOn(converge.Seeds).
//	    AcceptWhen(func(c *converge.Context) bool {
//	        return c.Has(converge.Seeds) && !c.Has(converge.Signals)
//	    }).
//	    ExecuteWith(func(ctx context.Context, c *converge.Context) (converge.AgentEffect, error) {
//	        return converge.Effect(converge.NewFact(converge.Signals, "s1", "demand")), nil
//	    })
type SimpleAgent struct {
	name    string
	deps    []ContextKey
	accepts AcceptFunc
	execute ExecuteFunc
}

// NewSimpleAgent creates an agent that never accepts until AcceptWhen is set.
func NewSimpleAgent(name string) *SimpleAgent {
	return &SimpleAgent{name: name}
}

// DependsOn sets the agent's dependencies.
func (a *SimpleAgent) DependsOn(keys ...ContextKey) *SimpleAgent {
	a.deps = keys
	return a
}

// AcceptWhen sets the eligibility function.
func (a *SimpleAgent) AcceptWhen(fn AcceptFunc) *SimpleAgent {
	a.accepts = fn
	return a
}

// ExecuteWith sets the execution function.
func (a *SimpleAgent) ExecuteWith(fn ExecuteFunc) *SimpleAgent {
	a.execute = fn
	return a
}

// Name implements Agent.
func (a *SimpleAgent) Name() string { return a.name }

// Dependencies implements Agent.
func (a *SimpleAgent) Dependencies() []ContextKey { return a.deps }

// Accepts implements Agent.
func (a *SimpleAgent) Accepts(c *Context) bool {
	if a.accepts == nil {
		return false
	}
	return a.accepts(c)
}

// Execute implements Agent.
func (a *SimpleAgent) Execute(ctx context.Context, c *Context) (AgentEffect, error) {
	if a.execute == nil {
		return AgentEffect{}, nil
	}
	return a.execute(ctx, c)
}
