// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/converge/services/converge"
	"github.com/AleutianAI/converge/services/converge/journal"
	"github.com/AleutianAI/converge/services/converge/program"
	"github.com/AleutianAI/converge/services/converge/storage/badger"
	"github.com/AleutianAI/converge/services/converge/telemetry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type runOptions struct {
	file       string
	maxCycles  uint32
	maxFacts   int
	journalDir string
	runID      string
	asJSON     bool
	telemetry  string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run -f program.yaml",
		Short: "Run a program until it converges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runProgram(ctx, cmd, root, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "program file (YAML or JSON)")
	cmd.Flags().Uint32Var(&opts.maxCycles, "max-cycles", 0, "override the program's cycle budget")
	cmd.Flags().IntVar(&opts.maxFacts, "max-facts", 0, "override the program's fact budget")
	cmd.Flags().StringVar(&opts.journalDir, "journal", "", "record each cycle in a journal at this directory")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "journal run id (default: random)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the final context as JSON")
	cmd.Flags().StringVar(&opts.telemetry, "telemetry", telemetry.ExporterNone, "export spans and metrics: none, stdout (to stderr), or otlp")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// runOutput is the --json form of a run.
type runOutput struct {
	Program   string            `json:"program"`
	RunID     string            `json:"run_id,omitempty"`
	Converged bool              `json:"converged"`
	Cycles    uint32            `json:"cycles"`
	Error     string            `json:"error,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Summary   map[string]int    `json:"summary"`
	Context   *converge.Context `json:"context,omitempty"`
}

func runProgram(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	logger, err := root.logger()
	if err != nil {
		return err
	}
	defer logger.Close()

	p, err := program.Load(opts.file)
	if err != nil {
		return err
	}
	compiled, err := p.Build()
	if err != nil {
		return err
	}

	budget := compiled.Budget(converge.DefaultBudget())
	if cmd.Flags().Changed("max-cycles") {
		budget.MaxCycles = opts.maxCycles
	}
	if cmd.Flags().Changed("max-facts") {
		budget.MaxFacts = opts.maxFacts
	}

	engine := compiled.Engine(&budget, logger.Slog().With("program", compiled.Name()))

	if opts.runID == "" && (opts.journalDir != "" || opts.telemetry != telemetry.ExporterNone) {
		opts.runID = uuid.NewString()
	}

	telCfg := telemetry.RunConfig(opts.telemetry)
	telCfg.ServiceVersion = version
	tel, err := telemetry.Init(ctx, telCfg,
		telemetry.WithWriter(cmd.ErrOrStderr()),
		telemetry.WithAttributes(
			telemetry.AttrProgram.String(compiled.Name()),
			telemetry.AttrRunID.String(opts.runID),
		),
	)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	var recorder *journal.Recorder
	if opts.journalDir != "" {
		cfg := badger.DefaultConfig()
		cfg.Path = opts.journalDir
		cfg.GCInterval = 0
		db, err := badger.Open(cfg)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer db.Close()

		j, err := journal.NewBadgerJournal(journal.JournalConfig{RunID: opts.runID, DB: db, Logger: logger.Slog()})
		if err != nil {
			return err
		}
		defer j.Close()
		recorder = journal.NewRecorder(j)
		engine.WithObserver(recorder)
	}

	seed, err := compiled.Seed()
	if err != nil {
		return err
	}

	result, runErr := engine.Run(ctx, seed)
	if recorder != nil && recorder.Err() != nil {
		logger.Warn("journal write failed", "error", recorder.Err())
	}

	out := runOutput{Program: compiled.Name(), RunID: opts.runID, Summary: map[string]int{}}
	if result != nil {
		out.Converged = result.Converged
		out.Cycles = result.Cycles
		out.Context = result.Context
		for k, n := range result.Summary() {
			out.Summary[k.String()] = n
		}
	}
	if runErr != nil {
		out.Error = runErr.Error()
		if kind, ok := converge.KindOf(runErr); ok {
			out.ErrorKind = string(kind)
		}
	}

	w := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		printRun(w, out, result)
	}
	return runErr
}

func printRun(w io.Writer, out runOutput, result *converge.Result) {
	if out.RunID != "" {
		fmt.Fprintf(w, "run:       %s\n", out.RunID)
	}
	fmt.Fprintf(w, "program:   %s\n", out.Program)
	if out.Converged {
		fmt.Fprintf(w, "converged: yes, after %d cycles\n", out.Cycles)
	} else {
		fmt.Fprintf(w, "converged: no (%s) at cycle %d\n", out.ErrorKind, out.Cycles)
	}
	if result != nil && result.Context != nil {
		printSummary(w, result.Context)
	}
}

func printSummary(w io.Writer, c *converge.Context) {
	fmt.Fprintf(w, "facts:     %d (version %d)\n", c.Len(), c.Version())
	for _, k := range converge.AllContextKeys() {
		if n := c.Count(k); n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", k.String(), n)
		}
	}
}

// errNoRun is returned by replay when the journal has no matching run.
var errNoRun = errors.New("no such run in journal")
