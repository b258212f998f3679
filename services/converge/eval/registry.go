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
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/AleutianAI/converge/services/converge"
)

// Registry holds named evals.
//
// Description:
//
//	Batch operations visit evals in name order so their output is
//	deterministic regardless of registration order.
//
// Thread Safety: Safe for concurrent use via read-write mutex.
type Registry struct {
	mu    sync.RWMutex
	evals map[string]Eval
}

// NewRegistry creates an empty registry.
//
// Example:
//
//	registry := eval.NewRegistry()
//	registry.MustRegister(coverageEval)
func NewRegistry() *Registry {
	return &Registry{
		evals: make(map[string]Eval),
	}
}

// Register adds an eval under its Name().
//
// Outputs:
//   - error: ErrNilEval if e is nil, ErrAlreadyRegistered if the name is taken.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) Register(e Eval) error {
	if e == nil {
		return ErrNilEval
	}

	name := e.Name()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.evals[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.evals[name] = e
	return nil
}

// MustRegister registers an eval and panics on error. Intended for startup.
func (r *Registry) MustRegister(e Eval) {
	if err := r.Register(e); err != nil {
		panic(fmt.Sprintf("eval: failed to register: %v", err))
	}
}

// Unregister removes the named eval.
//
// Outputs:
//   - error: ErrNotFound if the name is not registered.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.evals[name]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.evals, name)
	return nil
}

// Get returns the named eval.
func (r *Registry) Get(name string) (Eval, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.evals[name]
	return e, ok
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.evals))
	for name := range r.evals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered evals.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.evals)
}

// Dependencies returns the union of all evals' dependencies in
// conventional key order.
func (r *Registry) Dependencies() []converge.ContextKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[converge.ContextKey]bool)
	for _, e := range r.evals {
		for _, k := range e.Dependencies() {
			seen[k] = true
		}
	}
	var deps []converge.ContextKey
	for _, k := range converge.AllContextKeys() {
		if seen[k] {
			deps = append(deps, k)
		}
	}
	return deps
}

// sorted returns a snapshot of the evals in name order.
func (r *Registry) sorted() []Eval {
	r.mu.RLock()
	defer r.mu.RUnlock()

	evals := make([]Eval, 0, len(r.evals))
	for _, e := range r.evals {
		evals = append(evals, e)
	}
	sort.Slice(evals, func(i, j int) bool { return evals[i].Name() < evals[j].Name() })
	return evals
}

// EvaluateAll runs every eval against c.
//
// Outputs:
//   - []Result: One result per eval, in name order. A result that fails
//     Validate is replaced by an Indeterminate result whose message holds
//     the validation error.
//
// Thread Safety: Safe for concurrent use. Evals run sequentially.
func (r *Registry) EvaluateAll(ctx context.Context, c *converge.Context) []Result {
	evals := r.sorted()
	results := make([]Result, 0, len(evals))
	for _, e := range evals {
		results = append(results, evaluate(ctx, e, c))
	}
	return results
}

// EvaluateDependent runs only the evals affected by dirty.
//
// Description:
//
//	An eval runs when one of its dependencies is in dirty, or when it
//	declares no dependencies at all.
//
// Inputs:
//   - ctx: Passed to each eval.
//   - c: The context to evaluate.
//   - dirty: The keys that changed.
//
// Outputs:
//   - []Result: Results in name order.
func (r *Registry) EvaluateDependent(ctx context.Context, c *converge.Context, dirty []converge.ContextKey) []Result {
	var results []Result
	for _, e := range r.sorted() {
		deps := e.Dependencies()
		if len(deps) > 0 && !slices.ContainsFunc(deps, func(k converge.ContextKey) bool {
			return slices.Contains(dirty, k)
		}) {
			continue
		}
		results = append(results, evaluate(ctx, e, c))
	}
	return results
}

func evaluate(ctx context.Context, e Eval, c *converge.Context) Result {
	res := e.Evaluate(ctx, c)
	if err := res.Validate(); err != nil {
		return Result{
			Name:    e.Name(),
			Outcome: Indeterminate,
			Message: err.Error(),
		}
	}
	return res
}
