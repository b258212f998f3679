// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/converge/services/converge"
	"github.com/AleutianAI/converge/services/converge/jobs"
	"github.com/AleutianAI/converge/services/converge/program"
	"github.com/AleutianAI/converge/services/converge/telemetry"
	"github.com/gin-gonic/gin"
)

// SubmitRequest is the body of POST /v1/converge/jobs.
type SubmitRequest struct {
	Program *program.Program    `json:"program" binding:"required"`
	Seeds   []program.FactSpec  `json:"seeds,omitempty"`
	Budget  *program.BudgetSpec `json:"budget,omitempty"`
}

// SubmitResponse is returned when a run converges.
type SubmitResponse struct {
	JobID     string         `json:"job_id"`
	Converged bool           `json:"converged"`
	Cycles    uint32         `json:"cycles"`
	Summary   map[string]int `json:"summary"`
}

// ErrorResponse is returned for every failure.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	JobID   string `json:"job_id,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ListResponse is returned by GET /v1/converge/jobs.
type ListResponse struct {
	Jobs []string `json:"jobs"`
}

// StatusFor maps an error to an HTTP status and a stable error code.
//
//	BudgetExhausted    413 budget_exhausted
//	InvariantViolation 422 invariant_violation
//	AgentFailed        500 agent_failed
//	Conflict           409 conflict
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, program.ErrInvalidProgram):
		return http.StatusBadRequest, "invalid_program"
	case errors.Is(err, jobs.ErrInvalidSeeds):
		return http.StatusBadRequest, "invalid_seeds"
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	}
	if kind, ok := converge.KindOf(err); ok {
		switch kind {
		case converge.KindBudgetExhausted:
			return http.StatusRequestEntityTooLarge, string(kind)
		case converge.KindInvariantViolation:
			return http.StatusUnprocessableEntity, string(kind)
		case converge.KindConflict:
			return http.StatusConflict, string(kind)
		case converge.KindAgentFailed:
			return http.StatusInternalServerError, string(kind)
		}
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(c *gin.Context, err error, jobID string) {
	status, code := StatusFor(err)
	s.respondError(c, status, ErrorResponse{Error: err.Error(), Code: code, JobID: jobID})
}

// respondError writes resp with the request's trace id attached.
func (s *Server) respondError(c *gin.Context, status int, resp ErrorResponse) {
	resp.TraceID = telemetry.TraceID(c.Request.Context())
	c.AbortWithStatusJSON(status, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: s.cfg.Version})
}

// handleSubmit compiles the posted program and runs it to completion.
func (s *Server) handleSubmit(c *gin.Context) {
	ctx := c.Request.Context()
	logger := telemetry.LoggerWithTrace(ctx, s.logger)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid request body: %v", err),
			Code:  "bad_request",
		})
		return
	}

	compiled, err := req.Program.Build()
	if err != nil {
		s.writeError(c, err, "")
		return
	}

	seeds := make([]converge.Fact, 0, len(req.Seeds))
	for i, spec := range req.Seeds {
		f, err := spec.Fact()
		if err != nil {
			s.respondError(c, http.StatusBadRequest, ErrorResponse{
				Error: fmt.Sprintf("seeds[%d]: %v", i, err),
				Code:  "invalid_seeds",
			})
			return
		}
		seeds = append(seeds, f)
	}

	var budget *converge.Budget
	if req.Budget != nil {
		b := req.Budget.Apply(compiled.Budget(converge.DefaultBudget()))
		if err := b.Validate(); err != nil {
			s.respondError(c, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_budget"})
			return
		}
		budget = &b
	}

	job, err := s.jobs.Submit(ctx, compiled, seeds, budget)
	if err != nil {
		jobID := ""
		if job != nil {
			jobID = job.ID
		}
		logger.Warn("job failed",
			slog.String("program", compiled.Name()),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		s.writeError(c, err, jobID)
		return
	}

	c.JSON(http.StatusOK, SubmitResponse{
		JobID:     job.ID,
		Converged: job.Converged,
		Cycles:    job.Cycles,
		Summary:   job.Summary(),
	})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleListJobs(c *gin.Context) {
	ids, err := s.jobs.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err, "")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, ListResponse{Jobs: ids})
}
