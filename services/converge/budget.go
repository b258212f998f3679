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
	"fmt"
	"math"
)

const (
	// MaxCycleLimit is the largest accepted MaxCycles. The cycle counter
	// must be able to step past the limit.
	MaxCycleLimit uint32 = math.MaxUint32 - 1

	// DefaultMaxCycles is the cycle limit of DefaultBudget.
	DefaultMaxCycles uint32 = 100

	// DefaultMaxFacts is the fact limit of DefaultBudget.
	DefaultMaxFacts = 1000
)

// Budget bounds a run.
//
// Description:
//
//	MaxCycles is the number of non-converging cycles tolerated. A run that
//	never converges therefore attempts MaxCycles+1 cycles before failing.
//	MaxFacts is the total number of facts the context may hold; it is
//	checked after each merge.
type Budget struct {
	MaxCycles uint32 `json:"max_cycles" yaml:"max_cycles"`
	MaxFacts  int    `json:"max_facts" yaml:"max_facts"`
}

// DefaultBudget returns 100 cycles and 1000 facts.
func DefaultBudget() Budget {
	return Budget{MaxCycles: DefaultMaxCycles, MaxFacts: DefaultMaxFacts}
}

// Validate rejects a negative fact limit and a cycle limit above
// MaxCycleLimit.
func (b Budget) Validate() error {
	if b.MaxFacts < 0 {
		return fmt.Errorf("%w: max_facts %d is negative", ErrInvalidBudget, b.MaxFacts)
	}
	if b.MaxCycles > MaxCycleLimit {
		return fmt.Errorf("%w: max_cycles %d exceeds %d", ErrInvalidBudget, b.MaxCycles, MaxCycleLimit)
	}
	return nil
}

func (b Budget) cyclesExceeded(cycle uint32) *BudgetExhaustedError {
	if cycle <= b.MaxCycles {
		return nil
	}
	return &BudgetExhaustedError{
		Resource: ResourceCycles,
		Limit:    int(b.MaxCycles),
		Observed: int(cycle),
		Cycle:    cycle,
	}
}

func (b Budget) factsExceeded(total int, cycle uint32) *BudgetExhaustedError {
	if total <= b.MaxFacts {
		return nil
	}
	return &BudgetExhaustedError{
		Resource: ResourceFacts,
		Limit:    b.MaxFacts,
		Observed: total,
		Cycle:    cycle,
	}
}
