// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package program

import (
	"fmt"
	"log/slog"

	"github.com/AleutianAI/converge/services/converge"
	"github.com/AleutianAI/converge/services/converge/eval"
)

// Compiled is a validated program ready to run. It is immutable and safe
// to share across goroutines; each Engine call returns a fresh engine.
type Compiled struct {
	program    *Program
	seeds      []converge.Fact
	agents     []converge.Agent
	invariants []converge.Invariant
	registry   *eval.Registry
	evalAgent  string
}

// Build validates the program and compiles its agents, invariants and
// evals.
func (p *Program) Build() (*Compiled, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	c := &Compiled{program: p}

	for _, s := range p.Seeds {
		f, err := s.Fact()
		if err != nil {
			return nil, fmt.Errorf("%w: seed %s: %v", ErrInvalidProgram, s.ID, err)
		}
		c.seeds = append(c.seeds, f)
	}
	// Conflicting seeds are a program error, not a run error.
	if _, err := converge.NewContextFromFacts(c.seeds...); err != nil {
		return nil, fmt.Errorf("%w: seeds: %v", ErrInvalidProgram, err)
	}

	for _, spec := range p.Agents {
		a, err := newTemplateAgent(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: agent %s: %v", ErrInvalidProgram, spec.Name, err)
		}
		c.agents = append(c.agents, a)
	}

	for _, spec := range p.Invariants {
		inv, err := newCountInvariant(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: invariant %s: %v", ErrInvalidProgram, spec.Name, err)
		}
		c.invariants = append(c.invariants, inv)
	}

	if len(p.Evals) > 0 {
		c.registry = eval.NewRegistry()
		for _, spec := range p.Evals {
			ev, err := newCoverageEval(spec)
			if err != nil {
				return nil, fmt.Errorf("%w: eval %s: %v", ErrInvalidProgram, spec.Name, err)
			}
			if err := c.registry.Register(ev); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
			}
		}
		c.evalAgent = p.evalAgentName()
	}

	return c, nil
}

// Name returns the program name.
func (c *Compiled) Name() string { return c.program.Name }

// Program returns the source program.
func (c *Compiled) Program() *Program { return c.program }

// Budget returns the program budget applied over base.
func (c *Compiled) Budget(base converge.Budget) converge.Budget {
	return c.program.Budget.Apply(base)
}

// Registry returns the eval registry, or nil when the program has no evals.
func (c *Compiled) Registry() *eval.Registry { return c.registry }

// Engine builds an engine with every agent and invariant registered.
//
// Description:
//
//	Agents register in declaration order, followed by the eval agent when
//	the program has evals. budget replaces the program budget when non-nil.
func (c *Compiled) Engine(budget *converge.Budget, logger *slog.Logger) *converge.Engine {
	b := c.Budget(converge.DefaultBudget())
	if budget != nil {
		b = *budget
	}

	e := converge.NewWithBudget(b)
	if logger != nil {
		e.WithLogger(logger)
	}
	for _, a := range c.agents {
		e.Register(a)
	}
	if c.registry != nil {
		e.Register(eval.NewExecutionAgent(c.evalAgent, c.registry))
	}
	for _, inv := range c.invariants {
		e.RegisterInvariant(inv)
	}
	return e
}

// Seed returns a fresh context holding the program seeds followed by extra.
func (c *Compiled) Seed(extra ...converge.Fact) (*converge.Context, error) {
	facts := make([]converge.Fact, 0, len(c.seeds)+len(extra))
	facts = append(facts, c.seeds...)
	facts = append(facts, extra...)
	return converge.NewContextFromFacts(facts...)
}
