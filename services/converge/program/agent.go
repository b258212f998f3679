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
	"fmt"
	"slices"
	"sort"
	"strings"
	"text/template"

	"github.com/AleutianAI/converge/services/converge"
)

// templateInput is the data an emit template executes against.
type templateInput struct {
	ID      string
	Key     string
	Content string
	Fields  map[string]string
	Counts  map[string]int
}

type compiledEmit struct {
	key     converge.ContextKey
	id      *template.Template
	content *template.Template

	// fields is nil for text emits.
	fields     map[string]*template.Template
	fieldNames []string
}

func compileEmit(spec FactSpec) (*compiledEmit, error) {
	key, err := converge.ParseContextKey(spec.Key)
	if err != nil {
		return nil, err
	}
	e := &compiledEmit{key: key}
	if e.id, err = parseTemplate("id", spec.ID); err != nil {
		return nil, err
	}
	if spec.Fields == nil {
		if e.content, err = parseTemplate("content", spec.Content); err != nil {
			return nil, err
		}
		return e, nil
	}
	e.fields = make(map[string]*template.Template, len(spec.Fields))
	for name, text := range spec.Fields {
		t, err := parseTemplate("fields."+name, text)
		if err != nil {
			return nil, err
		}
		e.fields[name] = t
		e.fieldNames = append(e.fieldNames, name)
	}
	sort.Strings(e.fieldNames)
	return e, nil
}

func parseTemplate(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return t, nil
}

func render(t *template.Template, in templateInput) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, in); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (e *compiledEmit) fact(agent string, in templateInput) (converge.Fact, error) {
	id, err := render(e.id, in)
	if err != nil {
		return converge.Fact{}, err
	}
	f := converge.Fact{Key: e.key, ID: id, ProducedBy: agent}
	if e.fields == nil {
		content, err := render(e.content, in)
		if err != nil {
			return converge.Fact{}, err
		}
		f.Content = converge.Text(content)
		return f, nil
	}
	record := make(converge.Record, len(e.fields))
	for _, name := range e.fieldNames {
		v, err := render(e.fields[name], in)
		if err != nil {
			return converge.Fact{}, err
		}
		record[name] = v
	}
	f.Content = record
	return f, nil
}

// templateAgent emits facts rendered from templates, once.
type templateAgent struct {
	name     string
	requires []converge.ContextKey
	absent   []converge.ContextKey
	forEach  converge.ContextKey
	hasEach  bool
	emits    []*compiledEmit
	outputs  []converge.ContextKey
	deps     []converge.ContextKey
}

func newTemplateAgent(spec AgentSpec) (*templateAgent, error) {
	a := &templateAgent{name: spec.Name}

	var err error
	if a.requires, err = parseKeys(spec.Requires); err != nil {
		return nil, err
	}
	if a.absent, err = parseKeys(spec.Absent); err != nil {
		return nil, err
	}
	if spec.ForEach != "" {
		if a.forEach, err = converge.ParseContextKey(spec.ForEach); err != nil {
			return nil, err
		}
		a.hasEach = true
	}
	for _, es := range spec.Emit {
		e, err := compileEmit(es)
		if err != nil {
			return nil, err
		}
		a.emits = append(a.emits, e)
		if !slices.Contains(a.outputs, e.key) {
			a.outputs = append(a.outputs, e.key)
		}
	}

	a.deps = slices.Clone(a.requires)
	if a.hasEach && !slices.Contains(a.deps, a.forEach) {
		a.deps = append(a.deps, a.forEach)
	}
	return a, nil
}

func parseKeys(names []string) ([]converge.ContextKey, error) {
	keys := make([]converge.ContextKey, 0, len(names))
	for _, n := range names {
		k, err := converge.ParseContextKey(n)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (a *templateAgent) Name() string { return a.name }

func (a *templateAgent) Dependencies() []converge.ContextKey { return a.deps }

func (a *templateAgent) Accepts(c *converge.Context) bool {
	for _, k := range a.requires {
		if !c.Has(k) {
			return false
		}
	}
	for _, k := range a.absent {
		if c.Has(k) {
			return false
		}
	}
	if a.hasEach && !c.Has(a.forEach) {
		return false
	}
	for _, k := range a.outputs {
		if c.HasProducedBy(k, a.name) {
			return false
		}
	}
	return true
}

func (a *templateAgent) Execute(ctx context.Context, c *converge.Context) (converge.AgentEffect, error) {
	counts := make(map[string]int)
	for k, n := range c.Summary() {
		counts[k.String()] = n
	}

	var inputs []templateInput
	switch {
	case a.hasEach:
		for _, f := range c.Get(a.forEach) {
			inputs = append(inputs, inputOf(f, counts))
		}
	case len(a.requires) > 0:
		if first := c.Get(a.requires[0]); len(first) > 0 {
			inputs = append(inputs, inputOf(first[0], counts))
		}
	default:
		inputs = append(inputs, templateInput{Fields: map[string]string{}, Counts: counts})
	}

	var facts []converge.Fact
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return converge.AgentEffect{}, err
		}
		for _, e := range a.emits {
			f, err := e.fact(a.name, in)
			if err != nil {
				return converge.AgentEffect{}, fmt.Errorf("render %s fact for input %q: %w", e.key, in.ID, err)
			}
			facts = append(facts, f)
		}
	}
	return converge.Effect(facts...), nil
}

func inputOf(f converge.Fact, counts map[string]int) templateInput {
	in := templateInput{
		ID:      f.ID,
		Key:     f.Key.String(),
		Content: f.Content.String(),
		Fields:  map[string]string{},
		Counts:  counts,
	}
	if r, ok := f.Content.(converge.Record); ok {
		in.Fields = r.Fields()
	}
	return in
}
