// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/converge/services/converge"
	"github.com/AleutianAI/converge/services/converge/journal"
	"github.com/AleutianAI/converge/services/converge/program"
	"github.com/AleutianAI/converge/services/converge/storage/badger"
	"github.com/AleutianAI/converge/services/converge/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/AleutianAI/converge/services/converge/jobs"

// Service submits programs to fresh engines and records the outcome.
//
// Thread Safety: Safe for concurrent use. Each Submit builds its own engine.
type Service struct {
	store     Store
	journalDB *badger.DB
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithJournal records every run's cycles in db under the job id.
func WithJournal(db *badger.DB) Option {
	return func(s *Service) { s.journalDB = db }
}

// NewService creates a service persisting to store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default().With(slog.String("component", "jobs")),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit runs compiled to completion.
//
// Description:
//
//	The job is stored as running before the engine starts and stored
//	again once it finishes. Run errors are returned unchanged, alongside
//	the stored job, so callers can map ConvergeError kinds.
//
// Inputs:
//   - ctx: Cancels the run between cycles.
//   - compiled: The program to run.
//   - seeds: Added after the program seeds.
//   - budget: Replaces the program budget when non-nil.
//
// Outputs:
//   - *Job: The terminal job record. Nil only when the seeds are invalid
//     or the initial record cannot be stored.
//   - error: ErrInvalidSeeds, a store error, or the engine error.
func (s *Service) Submit(ctx context.Context, compiled *program.Compiled, seeds []converge.Fact, budget *converge.Budget) (*Job, error) {
	seed, err := compiled.Seed(seeds...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSeeds, err)
	}

	job := &Job{
		ID:        s.newID(),
		Program:   compiled.Name(),
		Status:    StatusRunning,
		Seeds:     seed.All(),
		CreatedAt: s.now().UTC(),
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "jobs.Submit",
		trace.WithAttributes(
			telemetry.AttrJobID.String(job.ID),
			telemetry.AttrProgram.String(job.Program),
		),
	)
	defer span.End()
	job.TraceID = telemetry.TraceID(ctx)

	logger := telemetry.LoggerWithTrace(ctx, s.logger).With(slog.String("job_id", job.ID), slog.String("program", job.Program))
	engine := compiled.Engine(budget, logger)
	job.Budget = engine.Budget()

	if err := s.store.Put(ctx, job); err != nil {
		return nil, err
	}

	var recorder *journal.Recorder
	if s.journalDB != nil {
		j, err := journal.NewBadgerJournal(journal.JournalConfig{RunID: job.ID, DB: s.journalDB})
		if err != nil {
			return s.fail(ctx, job, err)
		}
		defer j.Close()
		recorder = journal.NewRecorder(j)
		engine.WithObserver(recorder)
	}

	result, runErr := engine.Run(ctx, seed)
	if result != nil {
		job.Context = result.Context
		job.Cycles = result.Cycles
		job.Converged = result.Converged
	}
	if recorder != nil && recorder.Err() != nil {
		logger.Warn("journal write failed", slog.String("error", recorder.Err().Error()))
	}
	if runErr != nil {
		return s.fail(ctx, job, runErr)
	}

	span.SetAttributes(attribute.Int("converge.cycles", int(job.Cycles)))
	job.Status = StatusConverged
	s.complete(job)
	if err := s.store.Put(context.WithoutCancel(ctx), job); err != nil {
		return job, err
	}
	logger.Info("job converged", slog.Uint64("cycles", uint64(job.Cycles)))
	return job, nil
}

func (s *Service) fail(ctx context.Context, job *Job, runErr error) (*Job, error) {
	job.Status = StatusFailed
	job.Error = runErr.Error()
	if kind, ok := converge.KindOf(runErr); ok {
		job.ErrorKind = string(kind)
	}
	s.complete(job)
	telemetry.RecordError(trace.SpanFromContext(ctx), runErr, attribute.String("converge.error_kind", job.ErrorKind))
	if err := s.store.Put(context.WithoutCancel(ctx), job); err != nil {
		s.logger.Error("store failed job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
	s.logger.Warn("job failed",
		slog.String("job_id", job.ID),
		slog.String("error_kind", job.ErrorKind),
		slog.String("error", job.Error),
	)
	return job, runErr
}

func (s *Service) complete(job *Job) {
	t := s.now().UTC()
	job.CompletedAt = &t
}

// Get returns a stored job.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// List returns the stored job ids.
func (s *Service) List(ctx context.Context) ([]string, error) {
	return s.store.List(ctx)
}
