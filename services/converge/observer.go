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

import "context"

// CycleEvent describes one cycle.
//
// Added holds the facts accepted during the cycle in merge order, with
// ProducedBy stamped. Replaying the seed followed by every event's Added
// facts rebuilds the context exactly, including a run that failed.
//
// Err is set when the cycle aborted the run. Added then holds the facts
// merged before the failure and SemanticFailures is empty.
type CycleEvent struct {
	Cycle            uint32
	Eligible         []string
	Added            []Fact
	Version          uint64
	FactCount        int
	SemanticFailures []string
	Err              error
}

// Observer receives progress notifications from a run.
//
// Observers are called synchronously on the engine goroutine and must not
// modify the contexts they are given.
type Observer interface {
	// OnStart is called once with the cloned seed before the first cycle.
	OnStart(ctx context.Context, seed *Context)

	// OnCycle is called once per cycle, including a cycle that aborts.
	OnCycle(ctx context.Context, event CycleEvent)

	// OnFinish is called once when the run ends. result may be nil.
	OnFinish(ctx context.Context, result *Result, err error)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Start  func(ctx context.Context, seed *Context)
	Cycle  func(ctx context.Context, event CycleEvent)
	Finish func(ctx context.Context, result *Result, err error)
}

// OnStart implements Observer.
func (o ObserverFuncs) OnStart(ctx context.Context, seed *Context) {
	if o.Start != nil {
		o.Start(ctx, seed)
	}
}

// OnCycle implements Observer.
func (o ObserverFuncs) OnCycle(ctx context.Context, event CycleEvent) {
	if o.Cycle != nil {
		o.Cycle(ctx, event)
	}
}

// OnFinish implements Observer.
func (o ObserverFuncs) OnFinish(ctx context.Context, result *Result, err error) {
	if o.Finish != nil {
		o.Finish(ctx, result, err)
	}
}
