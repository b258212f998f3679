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

	"github.com/AleutianAI/converge/services/converge"
	"github.com/AleutianAI/converge/services/converge/eval"
)

func newCountInvariant(spec InvariantSpec) (converge.Invariant, error) {
	class, err := converge.ParseInvariantClass(spec.Class)
	if err != nil {
		return nil, err
	}
	key, err := converge.ParseContextKey(spec.Key)
	if err != nil {
		return nil, err
	}
	limit := spec.Value

	var check converge.CheckFunc
	switch spec.Check {
	case CheckMaxCount:
		check = func(c *converge.Context) converge.InvariantResult {
			if n := c.Count(key); n > limit {
				return converge.Fail("%s holds %d facts, limit %d", key, n, limit)
			}
			return converge.Pass()
		}
	case CheckMinCount:
		check = func(c *converge.Context) converge.InvariantResult {
			if n := c.Count(key); n < limit {
				return converge.Fail("%s holds %d facts, need %d", key, n, limit)
			}
			return converge.Pass()
		}
	case CheckRequires:
		check = func(c *converge.Context) converge.InvariantResult {
			if !c.Has(key) {
				return converge.Fail("%s is empty", key)
			}
			return converge.Pass()
		}
	case CheckForbids:
		check = func(c *converge.Context) converge.InvariantResult {
			if c.Has(key) {
				return converge.Fail("%s must be empty, holds %d facts", key, c.Count(key))
			}
			return converge.Pass()
		}
	default:
		return nil, fmt.Errorf("unknown check %q", spec.Check)
	}
	return converge.NewInvariant(spec.Name, class, check), nil
}

// newCoverageEval scores min(1, count/min) over the eval key. An empty key
// is Indeterminate.
func newCoverageEval(spec EvalSpec) (eval.Eval, error) {
	key, err := converge.ParseContextKey(spec.Key)
	if err != nil {
		return nil, err
	}
	deps, err := parseKeys(spec.Dependencies)
	if err != nil {
		return nil, err
	}
	if len(deps) == 0 {
		deps = []converge.ContextKey{key}
	}
	required := spec.Min

	fn := func(_ context.Context, c *converge.Context) eval.Result {
		facts := c.Get(key)
		if len(facts) == 0 {
			return eval.Result{
				Outcome: eval.Indeterminate,
				Message: fmt.Sprintf("no %s facts", key),
			}
		}
		ids := make([]string, len(facts))
		for i, f := range facts {
			ids[i] = f.ID
		}
		score := float64(len(facts)) / float64(required)
		if score > 1 {
			score = 1
		}
		r := eval.Result{Score: score, SupportingFactIDs: ids}
		if len(facts) >= required {
			r.Outcome = eval.Pass
			r.Message = fmt.Sprintf("%d %s facts, need %d", len(facts), key, required)
		} else {
			r.Outcome = eval.Fail
			r.Message = fmt.Sprintf("only %d %s facts, need %d", len(facts), key, required)
		}
		return r
	}
	return eval.NewSimpleEval(spec.Name, spec.Description, deps, fn), nil
}
