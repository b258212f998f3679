// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the job service over HTTP.
//
// Routes:
//
//	POST /v1/converge/jobs      run a program, synchronously
//	GET  /v1/converge/jobs      list job ids
//	GET  /v1/converge/jobs/:id  fetch a stored job
//	GET  /v1/converge/health    liveness and version
//	GET  /metrics               Prometheus exposition
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/AleutianAI/converge/services/converge/jobs"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DefaultMaxBodyBytes caps a submit request body.
const DefaultMaxBodyBytes = 1 << 20

// Config configures a Server.
type Config struct {
	// ServiceName labels otelgin spans.
	ServiceName string

	// Version is reported by the health endpoint.
	Version string

	// RateLimit is requests per second across all clients. Zero disables
	// limiting.
	RateLimit float64

	// Burst is the limiter bucket size. Defaults to 1 when limiting.
	Burst int

	// MaxBodyBytes caps submit bodies. Zero uses DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// Logger for request-level logs. Nil uses slog.Default().
	Logger *slog.Logger

	// TracerProvider traces requests. Nil uses the global provider.
	TracerProvider trace.TracerProvider
}

// Server holds the HTTP handlers.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	jobs     *jobs.Service
	cfg      Config
	logger   *slog.Logger
	limiter  *rate.Limiter
	requests metric.Int64Counter
}

// NewServer creates a server over svc.
func NewServer(svc *jobs.Service, cfg Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("api: nil job service")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "converge"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	requests, err := otel.Meter("converge.api").Int64Counter(
		"converge.api.requests",
		metric.WithDescription("HTTP requests handled, by route and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}

	s := &Server{
		jobs:     svc,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "api")),
		requests: requests,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s, nil
}

// Router returns a gin engine with middleware and every route installed.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	var traceOpts []otelgin.Option
	if s.cfg.TracerProvider != nil {
		traceOpts = append(traceOpts, otelgin.WithTracerProvider(s.cfg.TracerProvider))
	}
	router.Use(otelgin.Middleware(s.cfg.ServiceName, traceOpts...))
	router.Use(s.countRequests())
	router.Use(s.rateLimit())
	s.SetupRoutes(router)
	return router
}

// SetupRoutes registers the routes on router.
func (s *Server) SetupRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1/converge")
	{
		v1.GET("/health", s.handleHealth)
		v1.POST("/jobs", s.handleSubmit)
		v1.GET("/jobs", s.handleListJobs)
		v1.GET("/jobs/:id", s.handleGetJob)
	}
}

// countRequests records every request on the OTel request counter.
func (s *Server) countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.requests.Add(c.Request.Context(), 1, metric.WithAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.String("http.status_code", strconv.Itoa(c.Writer.Status())),
		))
	}
}

// rateLimit rejects requests beyond the token bucket with 429.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow() {
			c.Header("Retry-After", "1")
			s.respondError(c, http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded",
				Code:  "rate_limited",
			})
			return
		}
		c.Next()
	}
}
