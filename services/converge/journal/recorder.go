// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"context"
	"sync"

	"github.com/AleutianAI/converge/services/converge"
)

// Appender is the write side of a journal.
type Appender interface {
	Append(ctx context.Context, e Entry) (uint64, error)
}

// Recorder journals a run by observing the engine.
//
// Description:
//
//	Observer callbacks cannot fail the run, so the first append error is
//	kept and later callbacks are dropped. Check Err after Run returns.
//
// Thread Safety: Safe for concurrent use.
type Recorder struct {
	journal Appender

	mu  sync.Mutex
	err error
}

// NewRecorder creates a recorder writing to journal.
func NewRecorder(journal Appender) *Recorder {
	return &Recorder{journal: journal}
}

var _ converge.Observer = (*Recorder)(nil)

// OnStart implements converge.Observer.
func (r *Recorder) OnStart(ctx context.Context, seed *converge.Context) {
	r.append(ctx, Entry{
		Type:    EntryStart,
		Facts:   seed.All(),
		Version: seed.Version(),
	})
}

// OnCycle implements converge.Observer.
func (r *Recorder) OnCycle(ctx context.Context, ev converge.CycleEvent) {
	e := Entry{
		Type:     EntryCycle,
		Cycle:    ev.Cycle,
		Facts:    ev.Added,
		Eligible: ev.Eligible,
		Version:  ev.Version,
		Semantic: ev.SemanticFailures,
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
		if kind, ok := converge.KindOf(ev.Err); ok {
			e.ErrorKind = string(kind)
		}
	}
	r.append(ctx, e)
}

// OnFinish implements converge.Observer.
func (r *Recorder) OnFinish(ctx context.Context, result *converge.Result, runErr error) {
	e := Entry{Type: EntryFinish}
	if result != nil {
		e.Cycle = result.Cycles
		e.Converged = result.Converged
		if result.Context != nil {
			e.Version = result.Context.Version()
		}
	}
	if runErr != nil {
		e.Error = runErr.Error()
		if kind, ok := converge.KindOf(runErr); ok {
			e.ErrorKind = string(kind)
		}
	}
	// The run context may already be canceled; the finish record is still wanted.
	r.append(context.WithoutCancel(ctx), e)
}

func (r *Recorder) append(ctx context.Context, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}
	if _, err := r.journal.Append(ctx, e); err != nil {
		r.err = err
	}
}

// Err returns the first append error, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
