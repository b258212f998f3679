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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/converge/services/converge/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Result is the outcome of a run.
type Result struct {
	// Converged is true when the run reached a fixed point.
	Converged bool

	// Cycles is the index of the final cycle. For a converged run this is
	// the number of cycles that added facts or failed a Semantic check.
	Cycles uint32

	// Context is the final context.
	Context *Context
}

// Summary returns the per-key fact counts of the final context.
func (r *Result) Summary() map[ContextKey]int {
	if r == nil || r.Context == nil {
		return map[ContextKey]int{}
	}
	return r.Context.Summary()
}

// Engine drives registered agents to a fixed point.
//
// Description:
//
//	Agents and invariants are kept in registration order, which is the
//	order of execution and merge. An Engine may be run many times; each
//	run clones its seed and holds no state between runs.
//
// Thread Safety: Register methods must not be called concurrently with Run.
// Run itself is single threaded.
type Engine struct {
	budget     Budget
	agents     []Agent
	agentNames map[string]AgentID
	invariants []Invariant
	invNames   map[string]InvariantID
	observers  []Observer
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New creates an engine with DefaultBudget.
func New() *Engine {
	return NewWithBudget(DefaultBudget())
}

// NewWithBudget creates an engine with the given budget.
func NewWithBudget(budget Budget) *Engine {
	return &Engine{
		budget:     budget,
		agentNames: make(map[string]AgentID),
		invNames:   make(map[string]InvariantID),
		logger:     slog.Default().With(slog.String("component", "converge")),
		tracer:     otel.Tracer("converge"),
	}
}

// WithLogger replaces the engine's logger. A nil logger is ignored.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	if logger != nil {
		e.logger = logger.With(slog.String("component", "converge"))
	}
	return e
}

// WithObserver adds an observer notified on every run.
func (e *Engine) WithObserver(o Observer) *Engine {
	if o != nil {
		e.observers = append(e.observers, o)
	}
	return e
}

// Budget returns the engine's budget.
func (e *Engine) Budget() Budget {
	return e.budget
}

// Register adds an agent and returns its registration index.
//
// Registration order is execution order. Register panics if agent is nil
// or its name is already registered.
func (e *Engine) Register(agent Agent) AgentID {
	if agent == nil {
		panic("converge: Register called with nil agent")
	}
	name := agent.Name()
	if _, exists := e.agentNames[name]; exists {
		panic(fmt.Sprintf("converge: agent %q already registered", name))
	}
	id := AgentID(len(e.agents))
	e.agents = append(e.agents, agent)
	e.agentNames[name] = id
	return id
}

// RegisterInvariant adds an invariant and returns its registration index.
// It panics if inv is nil or its name is already registered.
func (e *Engine) RegisterInvariant(inv Invariant) InvariantID {
	if inv == nil {
		panic("converge: RegisterInvariant called with nil invariant")
	}
	name := inv.Name()
	if _, exists := e.invNames[name]; exists {
		panic(fmt.Sprintf("converge: invariant %q already registered", name))
	}
	id := InvariantID(len(e.invariants))
	e.invariants = append(e.invariants, inv)
	e.invNames[name] = id
	return id
}

// Agents returns the registered agent names in registration order.
func (e *Engine) Agents() []string {
	names := make([]string, len(e.agents))
	for i, a := range e.agents {
		names[i] = a.Name()
	}
	return names
}

// Agent returns the agent with the given registration index.
func (e *Engine) Agent(id AgentID) (Agent, bool) {
	if id < 0 || int(id) >= len(e.agents) {
		return nil, false
	}
	return e.agents[id], true
}

// Eligible returns the agents whose Accepts is true for c, in registration
// order. An empty result for a converged context means the run is idempotent.
func (e *Engine) Eligible(c *Context) []AgentID {
	var ids []AgentID
	for i, a := range e.agents {
		if a.Accepts(c) {
			ids = append(ids, AgentID(i))
		}
	}
	return ids
}

// Run drives the agents from seed to a fixed point.
//
// Description:
//
//	Each cycle scans eligibility against a start-of-cycle snapshot, runs the
//	eligible agents in registration order against that snapshot, merges
//	their effects in the same order, then checks the fact budget, the
//	Structural invariants and the Semantic invariants. A cycle that adds no
//	fact while every Semantic invariant passes is the fixed point; the
//	Acceptance invariants are checked there and the run ends.
//
// Inputs:
//   - ctx: Cancellation is checked between cycles and passed to agents.
//   - seed: The initial facts. It is cloned and never modified.
//
// Outputs:
//   - *Result: The final state. On a ConvergeError it holds the context as
//     of the failure with Converged false. Nil only when seed is nil or
//     the budget is invalid.
//   - error: One of *BudgetExhaustedError, *InvariantViolationError,
//     *AgentFailedError, *ConflictError, or the context's error wrapped
//     when ctx is canceled.
func (e *Engine) Run(ctx context.Context, seed *Context) (*Result, error) {
	if seed == nil {
		return nil, ErrNilContext
	}
	if err := e.budget.Validate(); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "converge.Run",
		trace.WithAttributes(
			attribute.Int("converge.agents", len(e.agents)),
			attribute.Int("converge.invariants", len(e.invariants)),
			attribute.Int("converge.max_cycles", int(e.budget.MaxCycles)),
			attribute.Int("converge.max_facts", e.budget.MaxFacts),
			attribute.Int("converge.seed_facts", seed.Len()),
		),
	)
	defer span.End()

	start := time.Now()
	live := seed.Clone()
	for _, o := range e.observers {
		o.OnStart(ctx, live.Clone())
	}

	result, err := e.loop(ctx, live)

	outcome := "converged"
	if err != nil {
		if kind, ok := KindOf(err); ok {
			outcome = string(kind)
		} else {
			outcome = "canceled"
		}
		telemetry.RecordError(span, err, attribute.String("converge.outcome", outcome))
		e.logger.Warn("run failed",
			slog.String("outcome", outcome),
			slog.Int("cycle", int(result.Cycles)),
			slog.String("error", err.Error()),
		)
	} else {
		e.logger.Info("run converged",
			slog.Int("cycles", int(result.Cycles)),
			slog.Int("facts", result.Context.Len()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
	span.SetAttributes(
		attribute.String("converge.outcome", outcome),
		attribute.Int("converge.cycles", int(result.Cycles)),
		attribute.Int("converge.facts", result.Context.Len()),
	)
	recordRun(ctx, outcome, result.Cycles, time.Since(start))

	for _, o := range e.observers {
		o.OnFinish(ctx, result, err)
	}
	return result, err
}

func (e *Engine) loop(ctx context.Context, live *Context) (*Result, error) {
	var cycle uint32
	for {
		if err := ctx.Err(); err != nil {
			return &Result{Cycles: cycle, Context: live}, fmt.Errorf("run canceled at cycle %d: %w", cycle, err)
		}

		added, semantic, err := e.runCycle(ctx, cycle, live)
		if err != nil {
			return &Result{Cycles: cycle, Context: live}, err
		}

		if added == 0 && semantic == nil {
			if err := e.checkClass(Acceptance, cycle, live); err != nil {
				return &Result{Cycles: cycle, Context: live}, err
			}
			return &Result{Converged: true, Cycles: cycle, Context: live}, nil
		}

		cycle++
		if exhausted := e.budget.cyclesExceeded(cycle); exhausted != nil {
			if semantic != nil {
				semantic.Cause = exhausted
				return &Result{Cycles: cycle, Context: live}, semantic
			}
			return &Result{Cycles: cycle, Context: live}, exhausted
		}
	}
}

// runCycle executes one cycle and returns the number of facts added and the
// first failing Semantic invariant, if any.
//
// Observers see every cycle that ran, including one that aborts the run.
// An aborting cycle reports the facts merged before the failure so the
// observed facts always add up to the returned context.
func (e *Engine) runCycle(ctx context.Context, cycle uint32, live *Context) (int, *InvariantViolationError, error) {
	ctx, span := e.tracer.Start(ctx, "converge.cycle",
		trace.WithAttributes(attribute.Int("converge.cycle", int(cycle))),
	)
	defer span.End()

	snapshot := live.Clone()
	eligible := e.Eligible(snapshot)
	names := make([]string, len(eligible))
	for i, id := range eligible {
		names[i] = e.agents[id].Name()
	}

	event := CycleEvent{Cycle: cycle, Eligible: names}
	abort := func(err error) (int, *InvariantViolationError, error) {
		telemetry.RecordError(span, err, attribute.Int("converge.added", len(event.Added)))
		recordCycle(ctx, len(event.Added))
		event.Version = live.Version()
		event.FactCount = live.Len()
		event.Err = err
		e.notifyCycle(ctx, event)
		return 0, nil, err
	}

	effects := make([]AgentEffect, len(eligible))
	for i, id := range eligible {
		// Agents never observe each other's writes within a cycle.
		effect, err := e.agents[id].Execute(ctx, snapshot.Clone())
		recordAgentExecution(err == nil)
		if err != nil {
			return abort(&AgentFailedError{
				Agent:  names[i],
				Reason: err.Error(),
				Cycle:  cycle,
				Err:    err,
			})
		}
		effects[i] = effect
	}

	for i, effect := range effects {
		for _, fact := range effect.Facts {
			if fact.ProducedBy == "" {
				fact.ProducedBy = names[i]
			}
			isNew, err := live.AddFact(fact)
			if err != nil {
				var conflict *ConflictError
				if errors.As(err, &conflict) {
					return abort(err)
				}
				return abort(&AgentFailedError{
					Agent:  names[i],
					Reason: err.Error(),
					Cycle:  cycle,
					Err:    err,
				})
			}
			if isNew {
				event.Added = append(event.Added, fact)
				recordFactAdded(fact.Key)
			}
		}
	}

	if exhausted := e.budget.factsExceeded(live.Len(), cycle); exhausted != nil {
		return abort(exhausted)
	}

	if violation := e.checkClass(Structural, cycle, live); violation != nil {
		return abort(violation)
	}

	var firstSemantic *InvariantViolationError
	for _, inv := range e.invariants {
		if inv.Class() != Semantic {
			continue
		}
		res := inv.Check(live)
		if res.OK {
			continue
		}
		recordInvariantFailure(Semantic)
		event.SemanticFailures = append(event.SemanticFailures, inv.Name())
		if firstSemantic == nil {
			firstSemantic = &InvariantViolationError{
				Invariant: inv.Name(),
				Class:     Semantic,
				Message:   res.Message,
				Cycle:     cycle,
			}
		}
	}

	event.Version = live.Version()
	event.FactCount = live.Len()
	recordCycle(ctx, len(event.Added))

	e.logger.Debug("cycle complete",
		slog.Int("cycle", int(cycle)),
		slog.Any("eligible", names),
		slog.Int("added", len(event.Added)),
		slog.Uint64("version", event.Version),
		slog.Any("semantic_failures", event.SemanticFailures),
	)
	span.SetAttributes(
		attribute.Int("converge.eligible", len(eligible)),
		attribute.Int("converge.added", len(event.Added)),
		attribute.Int64("converge.version", int64(event.Version)),
	)

	e.notifyCycle(ctx, event)
	return len(event.Added), firstSemantic, nil
}

func (e *Engine) notifyCycle(ctx context.Context, event CycleEvent) {
	for _, o := range e.observers {
		o.OnCycle(ctx, event)
	}
}

// checkClass runs every invariant of class and returns the first failure.
func (e *Engine) checkClass(class InvariantClass, cycle uint32, c *Context) *InvariantViolationError {
	for _, inv := range e.invariants {
		if inv.Class() != class {
			continue
		}
		res := inv.Check(c)
		if res.OK {
			continue
		}
		recordInvariantFailure(class)
		return &InvariantViolationError{
			Invariant: inv.Name(),
			Class:     class,
			Message:   res.Message,
			Cycle:     cycle,
		}
	}
	return nil
}
