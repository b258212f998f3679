// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package converge implements a deterministic fixed-point engine for
// multi-agent fact derivation.
//
// # Overview
//
// Agents observe a shared, append-only fact store (the Context) and propose
// new facts. The Engine runs them in cycles until a cycle produces no new
// facts. That state is the fixed point, and reaching it is convergence.
//
// Each cycle has four phases:
//
//	1. Eligibility   every registered agent is asked Accepts(snapshot)
//	2. Execution     eligible agents run in registration order against the
//	                 same start-of-cycle snapshot
//	3. Merge         effects are added to the live Context in registration
//	                 order; conflicting content aborts the run
//	4. Checks        budget, Structural and Semantic invariants; Acceptance
//	                 invariants run only at the fixed point
//
// # Determinism
//
// Given the same seed, agent set, registration order and budget, Run yields a
// bit-identical final Context. Agents must therefore be deterministic and
// their Accepts method must become false once their contribution exists.
//
// # Invariant Classes
//
//	Structural  checked after every merge; a failure aborts the run
//	Semantic    checked at the end of every cycle; a failure blocks convergence
//	Acceptance  checked once, when the fixed point is reached
//
// # Thread Safety
//
// A Context is not safe for concurrent mutation. The Engine is single
// threaded within a run. Separate runs must use separate Engine and Context
// values.
package converge
