// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry initializes OpenTelemetry for converge binaries.
//
// The engine, journal and job service resolve tracers and meters through
// the otel globals. Init installs the providers those calls reach, so the
// backend is chosen by configuration only. StartSpan, RecordError and
// TraceID are the span helpers the rest of the module uses.
//
// # Trace Backend (default: none)
//
// "otlp" exports spans over gRPC to OTLPEndpoint. "stdout" writes them to
// the WithWriter target; `converge run --telemetry stdout` sends them to
// stderr, tagged with the program and run id resource attributes.
//
// # Metrics Backend (default: prometheus)
//
// "prometheus" registers an OTel reader with the default Prometheus
// registry, next to the engine's promauto collectors, and the API serves
// both at /metrics. "stdout" uses a periodic reader whose final collection
// happens in Provider.Shutdown, which suits a short CLI run.
//
// # Environment Variables
//
//   - CONVERGE_ENV: environment name (default: development)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//
// # Thread Safety
//
// Init must be called once at startup. Everything else is safe for
// concurrent use.
package telemetry
