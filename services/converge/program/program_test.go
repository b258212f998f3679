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
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/converge/services/converge"
	"github.com/AleutianAI/converge/services/converge/eval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, src string) *Compiled {
	t.Helper()
	p, err := Parse([]byte(src))
	require.NoError(t, err)
	c, err := p.Build()
	require.NoError(t, err)
	return c
}

func run(t *testing.T, c *Compiled) (*converge.Result, error) {
	t.Helper()
	seed, err := c.Seed()
	require.NoError(t, err)
	return c.Engine(nil, nil).Run(context.Background(), seed)
}

func TestLoad_MarketScan(t *testing.T) {
	p, err := Load("testdata/market-scan.yaml")
	require.NoError(t, err)
	assert.Equal(t, "market-scan", p.Name)

	c, err := p.Build()
	require.NoError(t, err)
	assert.Equal(t, converge.Budget{MaxCycles: 20, MaxFacts: 200}, c.Budget(converge.DefaultBudget()))
	assert.Equal(t, []string{"signal-coverage"}, c.Registry().List())

	result, err := run(t, c)
	require.NoError(t, err)
	assert.True(t, result.Converged)
	assert.Equal(t, uint32(2), result.Cycles)
	assert.Equal(t, map[converge.ContextKey]int{
		converge.Seeds:       1,
		converge.Signals:     2,
		converge.Evaluations: 1,
	}, result.Summary())

	demand, ok := result.Context.Find(converge.Signals, "demand:a")
	require.True(t, ok)
	assert.Equal(t, "demand in Nordic B2B market", demand.Content.String())
	assert.Equal(t, "signal-extractor", demand.ProducedBy)

	evals := result.Context.Get(converge.Evaluations)
	require.Len(t, evals, 1)
	r, err := eval.FromFact(evals[0])
	require.NoError(t, err)
	assert.Equal(t, eval.Pass, r.Outcome)
	assert.Equal(t, 1.0, r.Score)
	assert.Equal(t, []string{"demand:a", "pricing:a"}, r.SupportingFactIDs)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("testdata/absent.yaml")
	assert.Error(t, err)
}

func TestParse_JSON(t *testing.T) {
	c := build(t, `{"name":"j","seeds":[{"key":"seeds","id":"s","content":"x"}],
		"agents":[{"name":"echo","requires":["seeds"],"emit":[{"key":"signals","id":"e:{{.ID}}","content":"{{.Content}}!"}]}]}`)
	result, err := run(t, c)
	require.NoError(t, err)
	f, ok := result.Context.Find(converge.Signals, "e:s")
	require.True(t, ok)
	assert.Equal(t, "x!", f.Content.String())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"malformed", "name: [x"},
		{"unknown field", "name: x\nagentz: []"},
		{"missing name", "seeds: [{key: seeds, id: a}]"},
		{"unknown seed key", "name: x\nseeds: [{key: rumours, id: a}]"},
		{"seed content and fields", "name: x\nseeds: [{key: seeds, id: a, content: c, fields: {k: v}}]"},
		{"agent without emit", "name: x\nagents: [{name: a}]"},
		{"duplicate agent", `name: x
agents:
  - {name: a, emit: [{key: signals, id: s}]}
  - {name: a, emit: [{key: signals, id: t}]}`},
		{"colon in agent name", "name: x\nagents: [{name: 'a:b', emit: [{key: signals, id: s}]}]"},
		{"bad requires key", "name: x\nagents: [{name: a, requires: [nope], emit: [{key: signals, id: s}]}]"},
		{"bad template", "name: x\nagents: [{name: a, emit: [{key: signals, id: '{{.ID'}]}]"},
		{"bad class", "name: x\ninvariants: [{name: i, class: advisory, check: requires, key: seeds}]"},
		{"bad check", "name: x\ninvariants: [{name: i, class: semantic, check: unique, key: seeds}]"},
		{"duplicate invariant", `name: x
invariants:
  - {name: i, class: semantic, check: requires, key: seeds}
  - {name: i, class: semantic, check: forbids, key: seeds}`},
		{"eval min zero", "name: x\nevals: [{name: e, key: signals, min: 0}]"},
		{"duplicate eval", "name: x\nevals: [{name: e, key: signals, min: 1}, {name: e, key: seeds, min: 1}]"},
		{"eval agent without evals", "name: x\neval_agent: judge"},
		{"eval agent collides", `name: x
agents: [{name: evaluator, emit: [{key: signals, id: s}]}]
evals: [{name: e, key: signals, min: 1}]`},
		{"negative facts", "name: x\nbudget: {max_facts: -1}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidProgram), "got %v", err)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	p := &Program{
		Name:  "x",
		Seeds: []FactSpec{{Key: "nope", ID: "a"}},
		Agents: []AgentSpec{
			{Name: "a", Absent: []string{"bogus"}, Emit: []FactSpec{{Key: "signals", ID: "s"}}},
		},
	}
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seeds[0]")
	assert.Contains(t, err.Error(), "absent")
}

func TestBuild_ConflictingSeeds(t *testing.T) {
	p, err := Parse([]byte(`name: x
seeds:
  - {key: seeds, id: a, content: one}
  - {key: seeds, id: a, content: two}`))
	require.NoError(t, err)
	_, err = p.Build()
	assert.ErrorIs(t, err, ErrInvalidProgram)
}

func TestBudgetSpec_Apply(t *testing.T) {
	cycles := uint32(5)
	base := converge.DefaultBudget()

	var nilSpec *BudgetSpec
	assert.Equal(t, base, nilSpec.Apply(base))
	assert.Equal(t, converge.Budget{MaxCycles: 5, MaxFacts: base.MaxFacts}, (&BudgetSpec{MaxCycles: &cycles}).Apply(base))

	c := build(t, "name: x\nbudget: {max_facts: 3}")
	assert.Equal(t, converge.Budget{MaxCycles: converge.DefaultMaxCycles, MaxFacts: 3}, c.Budget(base))
}

func TestCompiled_EngineBudgetOverride(t *testing.T) {
	c := build(t, `name: x
budget: {max_facts: 100}
seeds: [{key: seeds, id: a, content: x}]
agents:
  - name: fan-out
    requires: [seeds]
    emit:
      - {key: signals, id: s1}
      - {key: signals, id: s2}`)

	seed, err := c.Seed()
	require.NoError(t, err)
	_, err = c.Engine(&converge.Budget{MaxCycles: 10, MaxFacts: 2}, nil).Run(context.Background(), seed)

	var budgetErr *converge.BudgetExhaustedError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, converge.ResourceFacts, budgetErr.Resource)
}

func TestStructuralInvariantAborts(t *testing.T) {
	c := build(t, `name: x
seeds: [{key: seeds, id: a, content: x}]
agents:
  - name: fan-out
    requires: [seeds]
    emit: [{key: signals, id: s1}, {key: signals, id: s2}]
invariants:
  - {name: one-signal, class: structural, check: max_count, key: signals, value: 1}`)

	_, err := run(t, c)
	var inv *converge.InvariantViolationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "one-signal", inv.Invariant)
	assert.Equal(t, converge.Structural, inv.Class)
	assert.Contains(t, inv.Message, "limit 1")
}

func TestSemanticInvariantResolvedByLaterAgent(t *testing.T) {
	c := build(t, `name: x
seeds: [{key: seeds, id: a, content: x}]
agents:
  - name: signals
    requires: [seeds]
    emit: [{key: signals, id: s}]
  - name: strategist
    requires: [signals]
    emit: [{key: strategies, id: "from:{{.ID}}", content: "{{index .Counts \"signals\"}} signals"}]
invariants:
  - {name: has-strategy, class: semantic, check: min_count, key: strategies, value: 1}`)

	result, err := run(t, c)
	require.NoError(t, err)
	assert.True(t, result.Converged)
	assert.Equal(t, uint32(2), result.Cycles)

	f, ok := result.Context.Find(converge.Strategies, "from:s")
	require.True(t, ok)
	assert.Equal(t, "1 signals", f.Content.String())
}

func TestAcceptanceInvariantRejects(t *testing.T) {
	c := build(t, `name: x
invariants:
  - {name: needs-proposal, class: acceptance, check: requires, key: proposals}`)

	_, err := run(t, c)
	var inv *converge.InvariantViolationError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, converge.Acceptance, inv.Class)
}

func TestTemplateAgent_ForEachRecords(t *testing.T) {
	c := build(t, `name: x
seeds:
  - {key: competitors, id: acme, fields: {region: nordics, tier: "1"}}
  - {key: competitors, id: globex, fields: {region: dach, tier: "2"}}
agents:
  - name: profiler
    for_each: competitors
    emit:
      - key: strategies
        id: "counter:{{.ID}}"
        fields: {region: "{{.Fields.region}}", source: "{{.Key}}"}`)

	result, err := run(t, c)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), result.Cycles)

	f, ok := result.Context.Find(converge.Strategies, "counter:globex")
	require.True(t, ok)
	assert.True(t, f.Content.Equal(converge.NewRecord(map[string]string{"region": "dach", "source": "competitors"})))
	assert.Equal(t, 2, result.Context.Count(converge.Strategies))
}

func TestTemplateAgent_MissingKeyFailsAgent(t *testing.T) {
	c := build(t, `name: x
seeds: [{key: seeds, id: a, content: plain}]
agents:
  - name: broken
    for_each: seeds
    emit: [{key: signals, id: "{{.Fields.region}}"}]`)

	_, err := run(t, c)
	var agentErr *converge.AgentFailedError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, "broken", agentErr.Agent)
}

func TestTemplateAgent_RunsOnce(t *testing.T) {
	a, err := newTemplateAgent(AgentSpec{
		Name:     "once",
		Requires: []string{"seeds"},
		Emit:     []FactSpec{{Key: "signals", ID: "s"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []converge.ContextKey{converge.Seeds}, a.Dependencies())

	c := converge.NewContext()
	assert.False(t, a.Accepts(c), "requires unmet")

	_, err = c.AddFact(converge.NewFact(converge.Seeds, "a", "x"))
	require.NoError(t, err)
	assert.True(t, a.Accepts(c))

	effect, err := a.Execute(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, effect.Facts, 1)
	_, err = c.AddFact(effect.Facts[0])
	require.NoError(t, err)
	assert.False(t, a.Accepts(c), "already produced")
}

func TestCompiled_SeedExtra(t *testing.T) {
	c := build(t, "name: x\nseeds: [{key: seeds, id: a, content: one}]")

	seed, err := c.Seed(converge.NewFact(converge.Signals, "b", "two"))
	require.NoError(t, err)
	assert.Equal(t, 2, seed.Len())

	_, err = c.Seed(converge.NewFact(converge.Seeds, "a", "other"))
	assert.ErrorIs(t, err, converge.ErrConflict)

	// Seeds are copied per call.
	again, err := c.Seed()
	require.NoError(t, err)
	assert.Equal(t, 1, again.Len())
}

func TestCoverageEval_Outcomes(t *testing.T) {
	ev, err := newCoverageEval(EvalSpec{Name: "cov", Key: "signals", Min: 2})
	require.NoError(t, err)
	assert.Equal(t, []converge.ContextKey{converge.Signals}, ev.Dependencies())

	c := converge.NewContext()
	r := ev.Evaluate(context.Background(), c)
	assert.Equal(t, eval.Indeterminate, r.Outcome)

	_, err = c.AddFact(converge.NewFact(converge.Signals, "s1", "x"))
	require.NoError(t, err)
	r = ev.Evaluate(context.Background(), c)
	assert.Equal(t, eval.Fail, r.Outcome)
	assert.Equal(t, 0.5, r.Score)
	assert.NoError(t, r.Validate())
}
