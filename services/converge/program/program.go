// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package program compiles declarative convergence programs.
//
// A program is a YAML (or JSON) document declaring seed facts, template
// agents, count-based invariants and evals. Build turns it into agents the
// engine can run, so the CLI and HTTP API need no compiled-in domain code.
//
//	name: market-scan
//	seeds:
//	  - {key: seeds, id: a, content: "Nordic B2B market"}
//	agents:
//	  - name: signal-extractor
//	    requires: [seeds]
//	    absent: [signals]
//	    for_each: seeds
//	    emit:
//	      - {key: signals, id: "demand:{{.ID}}", content: "demand in {{.Content}}"}
//	invariants:
//	  - {name: bounded-signals, class: structural, check: max_count, key: signals, value: 10}
//	evals:
//	  - {name: signal-coverage, key: signals, min: 2}
//
// # Templates
//
// Emit ids, contents and record fields are text/template strings executed
// against the current input fact:
//
//	.ID       input fact id
//	.Key      input fact category
//	.Content  input content as text
//	.Fields   input record fields (empty for text)
//	.Counts   facts per category in the agent's snapshot
//
// Referencing a missing map key is an error.
package program

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AleutianAI/converge/services/converge"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultEvalAgent names the eval agent when a program has evals but no
// eval_agent.
const DefaultEvalAgent = "evaluator"

var (
	// ErrInvalidProgram is wrapped by every parse and validation failure.
	ErrInvalidProgram = errors.New("invalid program")

	programValidate = validator.New()
)

// Check is an invariant predicate over one category's fact count.
type Check string

const (
	// CheckMaxCount fails when the category holds more than Value facts.
	CheckMaxCount Check = "max_count"

	// CheckMinCount fails when the category holds fewer than Value facts.
	CheckMinCount Check = "min_count"

	// CheckRequires fails when the category is empty.
	CheckRequires Check = "requires"

	// CheckForbids fails when the category is populated.
	CheckForbids Check = "forbids"
)

// Program is the declarative form of an engine setup.
type Program struct {
	Name        string           `yaml:"name" json:"name" validate:"required"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Budget      *BudgetSpec      `yaml:"budget,omitempty" json:"budget,omitempty"`
	Seeds       []FactSpec       `yaml:"seeds,omitempty" json:"seeds,omitempty" validate:"dive"`
	Agents      []AgentSpec      `yaml:"agents,omitempty" json:"agents,omitempty" validate:"dive"`
	Invariants  []InvariantSpec  `yaml:"invariants,omitempty" json:"invariants,omitempty" validate:"dive"`
	Evals       []EvalSpec       `yaml:"evals,omitempty" json:"evals,omitempty" validate:"dive"`
	EvalAgent   string           `yaml:"eval_agent,omitempty" json:"eval_agent,omitempty"`
}

// BudgetSpec overrides parts of the default budget. Unset fields keep the
// base value.
type BudgetSpec struct {
	MaxCycles *uint32 `yaml:"max_cycles,omitempty" json:"max_cycles,omitempty"`
	MaxFacts  *int    `yaml:"max_facts,omitempty" json:"max_facts,omitempty" validate:"omitempty,gte=0"`
}

// Apply returns base with the set fields replaced.
func (b *BudgetSpec) Apply(base converge.Budget) converge.Budget {
	if b == nil {
		return base
	}
	if b.MaxCycles != nil {
		base.MaxCycles = *b.MaxCycles
	}
	if b.MaxFacts != nil {
		base.MaxFacts = *b.MaxFacts
	}
	return base
}

// FactSpec declares a fact. Fields, when set, makes it a record.
type FactSpec struct {
	Key     string            `yaml:"key" json:"key" validate:"required"`
	ID      string            `yaml:"id" json:"id" validate:"required"`
	Content string            `yaml:"content,omitempty" json:"content,omitempty"`
	Fields  map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// Fact converts the spec to a fact. The key must already be valid.
func (s FactSpec) Fact() (converge.Fact, error) {
	key, err := converge.ParseContextKey(s.Key)
	if err != nil {
		return converge.Fact{}, err
	}
	if s.Fields != nil {
		return converge.NewRecordFact(key, s.ID, s.Fields), nil
	}
	return converge.NewFact(key, s.ID, s.Content), nil
}

// AgentSpec declares a template agent.
//
// The agent accepts when every Requires category is populated, every
// Absent category is empty, ForEach (if set) is populated, and it has not
// yet produced a fact in any of its Emit categories.
type AgentSpec struct {
	Name     string     `yaml:"name" json:"name" validate:"required"`
	Requires []string   `yaml:"requires,omitempty" json:"requires,omitempty"`
	Absent   []string   `yaml:"absent,omitempty" json:"absent,omitempty"`
	ForEach  string     `yaml:"for_each,omitempty" json:"for_each,omitempty"`
	Emit     []FactSpec `yaml:"emit" json:"emit" validate:"required,min=1,dive"`
}

// InvariantSpec declares a count-based invariant.
type InvariantSpec struct {
	Name  string `yaml:"name" json:"name" validate:"required"`
	Class string `yaml:"class" json:"class" validate:"required,oneof=structural semantic acceptance"`
	Check Check  `yaml:"check" json:"check" validate:"required,oneof=max_count min_count requires forbids"`
	Key   string `yaml:"key" json:"key" validate:"required"`
	Value int    `yaml:"value,omitempty" json:"value,omitempty" validate:"gte=0"`
}

// EvalSpec declares a coverage eval: Pass once Key holds at least Min facts.
type EvalSpec struct {
	Name         string   `yaml:"name" json:"name" validate:"required"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Key          string   `yaml:"key" json:"key" validate:"required"`
	Min          int      `yaml:"min" json:"min" validate:"gte=1"`
}

// Load reads and parses a program file.
func Load(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a YAML or JSON program and validates it.
//
// Unknown fields are rejected so typos surface instead of silently
// disabling a rule.
func Parse(data []byte) (*Program, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Program
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidProgram)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks struct constraints and cross references.
//
// Outputs:
//   - error: Wraps ErrInvalidProgram and lists every problem found.
func (p *Program) Validate() error {
	var problems []string

	if err := programValidate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, describeFieldError(fe))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	checkKey := func(where, key string) {
		if key == "" {
			return
		}
		if _, err := converge.ParseContextKey(key); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", where, err))
		}
	}

	for i, s := range p.Seeds {
		where := fmt.Sprintf("seeds[%d]", i)
		checkKey(where, s.Key)
		if s.Content != "" && s.Fields != nil {
			problems = append(problems, where+": content and fields are exclusive")
		}
	}

	agents := make(map[string]bool)
	for i, a := range p.Agents {
		where := fmt.Sprintf("agents[%d] %q", i, a.Name)
		if a.Name != "" && agents[a.Name] {
			problems = append(problems, where+": duplicate agent name")
		}
		agents[a.Name] = true
		if strings.Contains(a.Name, ":") {
			problems = append(problems, where+": name must not contain ':'")
		}
		for _, k := range a.Requires {
			checkKey(where+" requires", k)
		}
		for _, k := range a.Absent {
			checkKey(where+" absent", k)
		}
		checkKey(where+" for_each", a.ForEach)
		for j, e := range a.Emit {
			ewhere := fmt.Sprintf("%s emit[%d]", where, j)
			checkKey(ewhere, e.Key)
			if e.Content != "" && e.Fields != nil {
				problems = append(problems, ewhere+": content and fields are exclusive")
			}
			if _, err := compileEmit(e); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", ewhere, err))
			}
		}
	}

	invariants := make(map[string]bool)
	for i, inv := range p.Invariants {
		where := fmt.Sprintf("invariants[%d] %q", i, inv.Name)
		if inv.Name != "" && invariants[inv.Name] {
			problems = append(problems, where+": duplicate invariant name")
		}
		invariants[inv.Name] = true
		checkKey(where, inv.Key)
	}

	evals := make(map[string]bool)
	for i, ev := range p.Evals {
		where := fmt.Sprintf("evals[%d] %q", i, ev.Name)
		if ev.Name != "" && evals[ev.Name] {
			problems = append(problems, where+": duplicate eval name")
		}
		evals[ev.Name] = true
		checkKey(where, ev.Key)
		for _, k := range ev.Dependencies {
			checkKey(where+" dependencies", k)
		}
	}

	if p.EvalAgent != "" && len(p.Evals) == 0 {
		problems = append(problems, "eval_agent set without evals")
	}
	if len(p.Evals) > 0 && agents[p.evalAgentName()] {
		problems = append(problems, fmt.Sprintf("eval agent %q collides with an agent name", p.evalAgentName()))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidProgram, strings.Join(problems, "; "))
	}
	return nil
}

func (p *Program) evalAgentName() string {
	if p.EvalAgent != "" {
		return p.EvalAgent
	}
	return DefaultEvalAgent
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Program.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: failed %s", field, fe.Tag())
}
