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
	"fmt"
	"slices"

	"github.com/AleutianAI/converge/services/converge/journal"
	"github.com/AleutianAI/converge/services/converge/storage/badger"
	"github.com/spf13/cobra"
)

type replayOptions struct {
	journalDir    string
	runID         string
	skipCorrupted bool
}

func newReplayCmd(root *rootOptions) *cobra.Command {
	opts := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay --journal DIR [--run ID]",
		Short: "Rebuild a recorded run from its journal, or list recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return replayRun(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.journalDir, "journal", "", "journal directory")
	cmd.Flags().StringVar(&opts.runID, "run", "", "run id to rebuild (omit to list runs)")
	cmd.Flags().BoolVar(&opts.skipCorrupted, "skip-corrupted", false, "skip entries that fail their checksum")
	_ = cmd.MarkFlagRequired("journal")
	return cmd
}

func replayRun(cmd *cobra.Command, root *rootOptions, opts *replayOptions) error {
	logger, err := root.logger()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	cfg := badger.DefaultConfig()
	cfg.Path = opts.journalDir
	cfg.GCInterval = 0
	db, err := badger.Open(cfg)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer db.Close()

	runs, err := journal.ListRuns(ctx, db)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if opts.runID == "" {
		for _, r := range runs {
			fmt.Fprintln(w, r)
		}
		return nil
	}
	if !slices.Contains(runs, opts.runID) {
		return fmt.Errorf("%w: %s", errNoRun, opts.runID)
	}

	j, err := journal.NewBadgerJournal(journal.JournalConfig{
		RunID:         opts.runID,
		DB:            db,
		SkipCorrupted: opts.skipCorrupted,
		Logger:        logger.Slog(),
	})
	if err != nil {
		return err
	}
	defer j.Close()

	rebuilt, finish, err := j.Rebuild(ctx)
	if err != nil {
		return err
	}

	stats := j.Stats()
	fmt.Fprintf(w, "run:       %s\n", opts.runID)
	fmt.Fprintf(w, "entries:   %d\n", stats.LastSeq)
	switch {
	case finish == nil:
		fmt.Fprintln(w, "status:    incomplete")
	case finish.Converged:
		fmt.Fprintf(w, "status:    converged after %d cycles\n", finish.Cycle)
	default:
		fmt.Fprintf(w, "status:    failed (%s) at cycle %d\n", finish.ErrorKind, finish.Cycle)
	}
	printSummary(w, rebuilt)
	return nil
}
