// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobs runs compiled programs and keeps a record of each run.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/converge/services/converge"
	"github.com/AleutianAI/converge/services/converge/storage/badger"
)

const keyPrefix = "job:"

var (
	// ErrJobNotFound is returned when no job has the requested id.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidSeeds is returned when request seeds conflict with the
	// program seeds or with each other.
	ErrInvalidSeeds = errors.New("invalid seeds")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusConverged Status = "converged"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the job has finished.
func (s Status) Terminal() bool {
	return s == StatusConverged || s == StatusFailed
}

// Job is the persisted record of one engine run.
type Job struct {
	ID          string            `json:"id"`
	Program     string            `json:"program"`
	Status      Status            `json:"status"`
	Seeds       []converge.Fact   `json:"seeds,omitempty"`
	Budget      converge.Budget   `json:"budget"`
	Context     *converge.Context `json:"context,omitempty"`
	Cycles      uint32            `json:"cycles"`
	Converged   bool              `json:"converged"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Error       string            `json:"error,omitempty"`
	TraceID     string            `json:"trace_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Summary returns per-category fact counts keyed by category name.
func (j *Job) Summary() map[string]int {
	out := make(map[string]int)
	if j.Context == nil {
		return out
	}
	for k, n := range j.Context.Summary() {
		out[k.String()] = n
	}
	return out
}

// Store persists jobs.
type Store interface {
	Put(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context) ([]string, error)
}

// BadgerStore keeps jobs as JSON under "job:<id>".
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a store on db. The caller owns db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

var _ Store = (*BadgerStore)(nil)

// Put implements Store.
func (s *BadgerStore) Put(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job must have an id")
	}
	if err := s.db.PutJSON(ctx, keyPrefix+job.ID, job); err != nil {
		return fmt.Errorf("put job %s: %w", job.ID, err)
	}
	return nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := s.db.GetJSON(ctx, keyPrefix+id, &job); err != nil {
		if errors.Is(err, badger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

// List implements Store. Ids are returned in key order.
func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.ScanPrefix(ctx, keyPrefix, func(key string, _ []byte) error {
		ids = append(ids, strings.TrimPrefix(key, keyPrefix))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return ids, nil
}
