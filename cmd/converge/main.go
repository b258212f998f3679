// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command converge runs convergence programs.
//
// Usage:
//
//	converge run -f program.yaml
//	converge run -f program.yaml --max-cycles 10 --journal ./journal --json
//	converge replay --journal ./journal --run <run-id>
//	converge serve --config converge.yaml
//	converge version
//
// Example requests against `converge serve`:
//
//	# Health check
//	curl http://localhost:8085/v1/converge/health
//
//	# Run a program
//	curl -X POST http://localhost:8085/v1/converge/jobs \
//	  -H "Content-Type: application/json" \
//	  -d '{"program": {"name": "scan", "seeds": [{"key": "seeds", "id": "a", "content": "Nordic B2B"}]}}'
package main

import (
	"fmt"
	"os"

	"github.com/AleutianAI/converge/services/converge"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps run failures to distinct exit statuses.
func exitCode(err error) int {
	kind, ok := converge.KindOf(err)
	if !ok {
		return 1
	}
	switch kind {
	case converge.KindBudgetExhausted:
		return 3
	case converge.KindInvariantViolation:
		return 4
	case converge.KindAgentFailed:
		return 5
	case converge.KindConflict:
		return 6
	default:
		return 1
	}
}
