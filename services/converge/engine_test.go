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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Test Agents
// -----------------------------------------------------------------------------

// signalAgent turns every seed into two signals, once.
func signalAgent() *SimpleAgent {
	return NewSimpleAgent("signals").
		DependsOn(Seeds).
		AcceptWhen(func(c *Context) bool {
			return c.Has(Seeds) && !c.Has(Signals)
		}).
		ExecuteWith(func(_ context.Context, c *Context) (AgentEffect, error) {
			var facts []Fact
			for _, seed := range c.Get(Seeds) {
				facts = append(facts,
					NewFact(Signals, "demand:"+seed.ID, "demand in "+seed.Content.String()),
					NewFact(Signals, "pricing:"+seed.ID, "pricing in "+seed.Content.String()),
				)
			}
			return Effect(facts...), nil
		})
}

// strategyAgent proposes a strategy once signals are present.
func strategyAgent() *SimpleAgent {
	return NewSimpleAgent("strategist").
		DependsOn(Signals).
		AcceptWhen(func(c *Context) bool {
			return c.Has(Signals) && !c.Has(Strategies)
		}).
		ExecuteWith(func(_ context.Context, c *Context) (AgentEffect, error) {
			return Effect(NewFact(Strategies, "enter", fmt.Sprintf("enter on %d signals", c.Count(Signals)))), nil
		})
}

// runawayAgent always accepts and always emits a new fact.
func runawayAgent(calls *int) *SimpleAgent {
	return NewSimpleAgent("runaway").
		AcceptWhen(func(*Context) bool { return true }).
		ExecuteWith(func(_ context.Context, c *Context) (AgentEffect, error) {
			*calls++
			return Effect(NewFact(Proposals, fmt.Sprintf("p%d", c.Version()), "more")), nil
		})
}

func seedContext(t *testing.T) *Context {
	t.Helper()
	c, err := NewContextFromFacts(NewFact(Seeds, "a", "Nordic B2B"))
	require.NoError(t, err)
	return c
}

// -----------------------------------------------------------------------------
// Convergence
// -----------------------------------------------------------------------------

func TestEngine_Converges(t *testing.T) {
	e := New()
	e.Register(signalAgent())
	e.Register(strategyAgent())

	result, err := e.Run(context.Background(), seedContext(t))
	require.NoError(t, err)
	assert.True(t, result.Converged)
	assert.Equal(t, uint32(2), result.Cycles)
	assert.Equal(t, map[ContextKey]int{Seeds: 1, Signals: 2, Strategies: 1}, result.Summary())

	strategy, ok := result.Context.Find(Strategies, "enter")
	require.True(t, ok)
	assert.Equal(t, "strategist", strategy.ProducedBy)
	assert.Equal(t, Text("enter on 2 signals"), strategy.Content)
}

func TestEngine_EmptyEngineConvergesImmediately(t *testing.T) {
	result, err := New().Run(context.Background(), seedContext(t))
	require.NoError(t, err)
	assert.True(t, result.Converged)
	assert.Equal(t, uint32(0), result.Cycles)
	assert.Equal(t, uint64(1), result.Context.Version())
}

func TestEngine_Deterministic(t *testing.T) {
	run := func() *Context {
		e := New()
		e.Register(signalAgent())
		e.Register(strategyAgent())
		result, err := e.Run(context.Background(), seedContext(t))
		require.NoError(t, err)
		return result.Context
	}

	first := run()
	for i := 0; i < 10; i++ {
		assert.True(t, first.Equal(run()), "run %d differs", i)
	}
}

func TestEngine_SeedNotMutated(t *testing.T) {
	seed := seedContext(t)
	e := New()
	e.Register(signalAgent())

	_, err := e.Run(context.Background(), seed)
	require.NoError(t, err)
	assert.Equal(t, 1, seed.Len())
	assert.Equal(t, uint64(1), seed.Version())
}

func TestEngine_Monotonic(t *testing.T) {
	var versions []uint64
	var counts []int
	e := New().WithObserver(ObserverFuncs{
		Cycle: func(_ context.Context, ev CycleEvent) {
			versions = append(versions, ev.Version)
			counts = append(counts, ev.FactCount)
		},
	})
	e.Register(signalAgent())
	e.Register(strategyAgent())

	_, err := e.Run(context.Background(), seedContext(t))
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for i := 1; i < len(versions); i++ {
		assert.GreaterOrEqual(t, versions[i], versions[i-1])
		assert.GreaterOrEqual(t, counts[i], counts[i-1])
	}
	assert.Equal(t, []uint64{3, 4, 4}, versions)
}

func TestEngine_IdempotentAfterConvergence(t *testing.T) {
	e := New()
	e.Register(signalAgent())
	e.Register(strategyAgent())

	result, err := e.Run(context.Background(), seedContext(t))
	require.NoError(t, err)
	assert.Empty(t, e.Eligible(result.Context))

	again, err := e.Run(context.Background(), result.Context)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), again.Cycles)
	assert.True(t, result.Context.Equal(again.Context))
}

func TestEngine_AgentsShareCycleSnapshot(t *testing.T) {
	// Both agents accept on the start-of-cycle state. The second must not
	// see the first agent's output within the same cycle.
	var sawSignals bool
	e := New()
	e.Register(signalAgent())
	e.Register(NewSimpleAgent("observer").
		AcceptWhen(func(c *Context) bool { return !c.Has(Proposals) }).
		ExecuteWith(func(_ context.Context, c *Context) (AgentEffect, error) {
			sawSignals = c.Has(Signals)
			return Effect(NewFact(Proposals, "p", "x")), nil
		}))

	_, err := e.Run(context.Background(), seedContext(t))
	require.NoError(t, err)
	assert.False(t, sawSignals)
}

func TestEngine_AgentWritesToSnapshotDoNotLeak(t *testing.T) {
	e := New()
	e.Register(NewSimpleAgent("sneaky").
		AcceptWhen(func(c *Context) bool { return !c.Has(Proposals) }).
		ExecuteWith(func(_ context.Context, c *Context) (AgentEffect, error) {
			_, _ = c.AddFact(NewFact(Competitors, "hidden", "x"))
			return Effect(NewFact(Proposals, "p", "x")), nil
		}))

	result, err := e.Run(context.Background(), seedContext(t))
	require.NoError(t, err)
	assert.False(t, result.Context.Has(Competitors))
}

func TestEngine_AgentRecordWritesDoNotLeak(t *testing.T) {
	seed, err := NewContextFromFacts(NewRecordFact(Seeds, "a", map[string]string{"v": "orig"}))
	require.NoError(t, err)

	e := New()
	e.Register(NewSimpleAgent("rewriter").
		AcceptWhen(func(c *Context) bool { return !c.Has(Proposals) }).
		ExecuteWith(func(_ context.Context, c *Context) (AgentEffect, error) {
			rec := c.Get(Seeds)[0].Content.(Record)
			rec.Fields()["v"] = "mutated"
			return Effect(NewFact(Proposals, "p", rec.Value("v"))), nil
		}))

	result, err := e.Run(context.Background(), seed)
	require.NoError(t, err)

	stored, ok := result.Context.Find(Seeds, "a")
	require.True(t, ok)
	assert.Equal(t, "orig", stored.Content.(Record).Value("v"))
	original, ok := seed.Find(Seeds, "a")
	require.True(t, ok)
	assert.Equal(t, "orig", original.Content.(Record).Value("v"))

	proposal, ok := result.Context.Find(Proposals, "p")
	require.True(t, ok)
	assert.Equal(t, "orig", proposal.Content.String())
}

// -----------------------------------------------------------------------------
// Budget
// -----------------------------------------------------------------------------

func TestEngine_CycleBudget(t *testing.T) {
	var calls int
	e := NewWithBudget(Budget{MaxCycles: 3, MaxFacts: 1000})
	e.Register(runawayAgent(&calls))

	result, err := e.Run(context.Background(), NewContext())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, 4, calls)

	var exhausted *BudgetExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, ResourceCycles, exhausted.Resource)
	assert.Equal(t, 3, exhausted.Limit)

	require.NotNil(t, result)
	assert.False(t, result.Converged)
	assert.Equal(t, 4, result.Context.Len())
}

func TestEngine_ZeroCycleBudgetStillAttemptsOnce(t *testing.T) {
	var calls int
	e := NewWithBudget(Budget{MaxCycles: 0, MaxFacts: 1000})
	e.Register(runawayAgent(&calls))

	_, err := e.Run(context.Background(), NewContext())
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, 1, calls)
}

func TestEngine_FactBudget(t *testing.T) {
	e := NewWithBudget(Budget{MaxCycles: 100, MaxFacts: 2})
	e.Register(signalAgent())

	_, err := e.Run(context.Background(), seedContext(t))
	require.Error(t, err)

	var exhausted *BudgetExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, ResourceFacts, exhausted.Resource)
	assert.Equal(t, 3, exhausted.Observed)
	assert.Equal(t, uint32(0), exhausted.Cycle)
}

func TestEngine_AbortedCycleIsObserved(t *testing.T) {
	var events []CycleEvent
	e := NewWithBudget(Budget{MaxCycles: 100, MaxFacts: 2}).WithObserver(ObserverFuncs{
		Cycle: func(_ context.Context, ev CycleEvent) { events = append(events, ev) },
	})
	e.Register(signalAgent())

	result, err := e.Run(context.Background(), seedContext(t))
	require.ErrorIs(t, err, ErrBudgetExhausted)

	require.Len(t, events, 1)
	ev := events[0]
	assert.ErrorIs(t, ev.Err, ErrBudgetExhausted)
	assert.Equal(t, []string{"signals"}, ev.Eligible)
	assert.Len(t, ev.Added, 2)
	assert.Equal(t, result.Context.Version(), ev.Version)
	assert.Equal(t, 3, ev.FactCount)
}

func TestEngine_InvalidBudget(t *testing.T) {
	_, err := NewWithBudget(Budget{MaxFacts: -1}).Run(context.Background(), NewContext())
	assert.ErrorIs(t, err, ErrInvalidBudget)

	_, err = NewWithBudget(Budget{MaxCycles: math.MaxUint32}).Run(context.Background(), NewContext())
	assert.ErrorIs(t, err, ErrInvalidBudget)
}

func TestBudget_Validate(t *testing.T) {
	assert.NoError(t, DefaultBudget().Validate())
	assert.NoError(t, Budget{MaxCycles: MaxCycleLimit}.Validate())
	assert.ErrorIs(t, Budget{MaxCycles: MaxCycleLimit + 1}.Validate(), ErrInvalidBudget)
	assert.ErrorIs(t, Budget{MaxFacts: -1}.Validate(), ErrInvalidBudget)
}

// -----------------------------------------------------------------------------
// Invariants
// -----------------------------------------------------------------------------

func TestEngine_StructuralAbortsSameCycle(t *testing.T) {
	e := New()
	e.Register(signalAgent())
	e.Register(strategyAgent())
	e.RegisterInvariant(NewInvariant("single-signal", Structural, func(c *Context) InvariantResult {
		if c.Count(Signals) > 1 {
			return Fail("%d signals", c.Count(Signals))
		}
		return Pass()
	}))

	result, err := e.Run(context.Background(), seedContext(t))
	require.Error(t, err)

	var violation *InvariantViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "single-signal", violation.Invariant)
	assert.Equal(t, Structural, violation.Class)
	assert.Equal(t, uint32(0), violation.Cycle)
	assert.Equal(t, "2 signals", violation.Message)
	assert.False(t, result.Context.Has(Strategies))
}

func TestEngine_SemanticResolvedNextCycle(t *testing.T) {
	var semanticChecks int
	e := New()
	e.Register(NewSimpleAgent("strategist").
		AcceptWhen(func(c *Context) bool { return !c.Has(Strategies) }).
		ExecuteWith(func(context.Context, *Context) (AgentEffect, error) {
			return Effect(NewFact(Strategies, "s", "expand")), nil
		}))
	e.Register(NewSimpleAgent("constrainer").
		AcceptWhen(func(c *Context) bool { return c.Has(Strategies) && !c.Has(Constraints) }).
		ExecuteWith(func(context.Context, *Context) (AgentEffect, error) {
			return Effect(NewFact(Constraints, "c", "budget cap")), nil
		}))
	e.RegisterInvariant(NewInvariant("strategies-constrained", Semantic, func(c *Context) InvariantResult {
		semanticChecks++
		if c.Has(Strategies) && !c.Has(Constraints) {
			return Fail("strategy without constraint")
		}
		return Pass()
	}))

	var failures [][]string
	e.WithObserver(ObserverFuncs{Cycle: func(_ context.Context, ev CycleEvent) {
		failures = append(failures, ev.SemanticFailures)
	}})

	result, err := e.Run(context.Background(), NewContext())
	require.NoError(t, err)
	assert.True(t, result.Converged)
	assert.Equal(t, uint32(2), result.Cycles)
	assert.Equal(t, 3, semanticChecks)
	require.Len(t, failures, 3)
	assert.Equal(t, []string{"strategies-constrained"}, failures[0])
	assert.Empty(t, failures[1])
}

func TestEngine_SemanticFailingAtExhaustion(t *testing.T) {
	e := NewWithBudget(Budget{MaxCycles: 2, MaxFacts: 100})
	e.RegisterInvariant(NewInvariant("never-satisfied", Semantic, func(*Context) InvariantResult {
		return Fail("unsatisfiable")
	}))

	_, err := e.Run(context.Background(), NewContext())
	require.Error(t, err)

	var violation *InvariantViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, Semantic, violation.Class)
	assert.ErrorIs(t, err, ErrBudgetExhausted)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInvariantViolation, kind)
}

func TestEngine_AcceptanceOnlyAtFixedPoint(t *testing.T) {
	var acceptanceChecks int
	e := New()
	e.Register(signalAgent())
	e.Register(strategyAgent())
	e.RegisterInvariant(NewInvariant("has-strategy", Acceptance, func(c *Context) InvariantResult {
		acceptanceChecks++
		if !c.Has(Strategies) {
			return Fail("no strategy")
		}
		return Pass()
	}))

	result, err := e.Run(context.Background(), seedContext(t))
	require.NoError(t, err)
	assert.True(t, result.Converged)
	assert.Equal(t, 1, acceptanceChecks)
}

func TestEngine_AcceptanceFailure(t *testing.T) {
	e := New()
	e.Register(signalAgent())
	e.RegisterInvariant(NewInvariant("has-strategy", Acceptance, func(c *Context) InvariantResult {
		if !c.Has(Strategies) {
			return Fail("no strategy")
		}
		return Pass()
	}))

	result, err := e.Run(context.Background(), seedContext(t))
	require.Error(t, err)

	var violation *InvariantViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, Acceptance, violation.Class)
	assert.Equal(t, uint32(1), violation.Cycle)
	assert.False(t, result.Converged)
}

// -----------------------------------------------------------------------------
// Conflicts and Failures
// -----------------------------------------------------------------------------

func TestEngine_ConflictBetweenAgents(t *testing.T) {
	emit := func(name, content string) *SimpleAgent {
		return NewSimpleAgent(name).
			AcceptWhen(func(c *Context) bool { return !c.Has(Signals) }).
			ExecuteWith(func(context.Context, *Context) (AgentEffect, error) {
				return Effect(NewFact(Signals, "x", content)), nil
			})
	}

	e := New()
	e.Register(emit("a", "A"))
	e.Register(emit("b", "B"))

	_, err := e.Run(context.Background(), NewContext())
	require.Error(t, err)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "a", conflict.Existing.ProducedBy)
	assert.Equal(t, "b", conflict.Proposed.ProducedBy)
}

func TestEngine_IdenticalEmissionsMergeOnce(t *testing.T) {
	emit := func(name string) *SimpleAgent {
		return NewSimpleAgent(name).
			AcceptWhen(func(c *Context) bool { return !c.Has(Signals) }).
			ExecuteWith(func(context.Context, *Context) (AgentEffect, error) {
				return Effect(NewFact(Signals, "x", "A")), nil
			})
	}

	e := New()
	e.Register(emit("a"))
	e.Register(emit("b"))

	result, err := e.Run(context.Background(), NewContext())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Context.Version())
	assert.Equal(t, 1, result.Context.Count(Signals))
}

func TestEngine_AgentFailure(t *testing.T) {
	boom := errors.New("upstream unavailable")
	var laterRan bool
	e := New()
	e.Register(NewSimpleAgent("broken").
		AcceptWhen(func(*Context) bool { return true }).
		ExecuteWith(func(context.Context, *Context) (AgentEffect, error) {
			return AgentEffect{}, boom
		}))
	e.Register(NewSimpleAgent("later").
		AcceptWhen(func(*Context) bool { return true }).
		ExecuteWith(func(context.Context, *Context) (AgentEffect, error) {
			laterRan = true
			return AgentEffect{}, nil
		}))

	_, err := e.Run(context.Background(), NewContext())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgentFailed)
	assert.ErrorIs(t, err, boom)
	assert.False(t, laterRan)

	var failed *AgentFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "broken", failed.Agent)
	assert.Equal(t, "upstream unavailable", failed.Reason)
}

func TestEngine_InvalidFactIsAgentFailure(t *testing.T) {
	e := New()
	e.Register(NewSimpleAgent("sloppy").
		AcceptWhen(func(*Context) bool { return true }).
		ExecuteWith(func(context.Context, *Context) (AgentEffect, error) {
			return Effect(Fact{Key: Signals, Content: Text("no id")}), nil
		}))

	_, err := e.Run(context.Background(), NewContext())
	assert.ErrorIs(t, err, ErrAgentFailed)
	assert.ErrorIs(t, err, ErrInvalidFact)
}

func TestEngine_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	e := New()
	e.Register(NewSimpleAgent("canceler").
		AcceptWhen(func(*Context) bool { return true }).
		ExecuteWith(func(_ context.Context, c *Context) (AgentEffect, error) {
			calls++
			cancel()
			return Effect(NewFact(Proposals, fmt.Sprintf("p%d", c.Version()), "x")), nil
		}))

	result, err := e.Run(ctx, NewContext())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	_, isConverge := KindOf(err)
	assert.False(t, isConverge)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, result.Context.Len())
}

func TestEngine_NilSeed(t *testing.T) {
	_, err := New().Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilContext)
}

// -----------------------------------------------------------------------------
// Registration
// -----------------------------------------------------------------------------

func TestEngine_Register(t *testing.T) {
	e := New()
	assert.Equal(t, AgentID(0), e.Register(signalAgent()))
	assert.Equal(t, AgentID(1), e.Register(strategyAgent()))
	assert.Equal(t, []string{"signals", "strategist"}, e.Agents())

	agent, ok := e.Agent(1)
	require.True(t, ok)
	assert.Equal(t, "strategist", agent.Name())
	_, ok = e.Agent(5)
	assert.False(t, ok)

	assert.Panics(t, func() { e.Register(signalAgent()) })
	assert.Panics(t, func() { e.Register(nil) })

	inv := NewInvariant("x", Structural, nil)
	assert.Equal(t, InvariantID(0), e.RegisterInvariant(inv))
	assert.Panics(t, func() { e.RegisterInvariant(inv) })
	assert.Panics(t, func() { e.RegisterInvariant(nil) })
}

func TestEngine_ObserverLifecycle(t *testing.T) {
	var started, finished bool
	var cycles int
	e := New().WithObserver(ObserverFuncs{
		Start: func(_ context.Context, seed *Context) {
			started = true
			assert.Equal(t, 1, seed.Len())
		},
		Cycle: func(context.Context, CycleEvent) { cycles++ },
		Finish: func(_ context.Context, result *Result, err error) {
			finished = true
			assert.NoError(t, err)
			assert.True(t, result.Converged)
		},
	})
	e.Register(signalAgent())

	_, err := e.Run(context.Background(), seedContext(t))
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, finished)
	assert.Equal(t, 2, cycles)
}
