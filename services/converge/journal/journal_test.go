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
	"errors"
	"fmt"
	"testing"

	"github.com/AleutianAI/converge/services/converge"
	"github.com/AleutianAI/converge/services/converge/storage/badger"
	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openJournal(t *testing.T, db *badger.DB, runID string) *BadgerJournal {
	t.Helper()
	j, err := NewBadgerJournal(JournalConfig{RunID: runID, DB: db})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func sharedDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testEngine() *converge.Engine {
	e := converge.New()
	e.Register(converge.NewSimpleAgent("signals").
		AcceptWhen(func(c *converge.Context) bool {
			return c.Has(converge.Seeds) && !c.Has(converge.Signals)
		}).
		ExecuteWith(func(_ context.Context, c *converge.Context) (converge.AgentEffect, error) {
			return converge.Effect(
				converge.NewFact(converge.Signals, "demand", "up"),
				converge.NewFact(converge.Signals, "pricing", "flat"),
			), nil
		}))
	e.Register(converge.NewSimpleAgent("strategist").
		AcceptWhen(func(c *converge.Context) bool {
			return c.Has(converge.Signals) && !c.Has(converge.Strategies)
		}).
		ExecuteWith(func(_ context.Context, c *converge.Context) (converge.AgentEffect, error) {
			return converge.Effect(converge.NewRecordFact(converge.Strategies, "enter",
				map[string]string{"signals": fmt.Sprint(c.Count(converge.Signals))})), nil
		}))
	return e
}

func TestJournalConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  JournalConfig
		wantErr bool
	}{
		{"in memory", JournalConfig{RunID: "r", InMemory: true}, false},
		{"path", JournalConfig{RunID: "r", Path: "/tmp/x"}, false},
		{"missing run id", JournalConfig{InMemory: true}, true},
		{"colon in run id", JournalConfig{RunID: "a:b", InMemory: true}, true},
		{"no storage", JournalConfig{RunID: "r"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecorder_RebuildMatchesRun(t *testing.T) {
	j := openJournal(t, sharedDB(t), "run-1")
	recorder := NewRecorder(j)

	seed, err := converge.NewContextFromFacts(converge.NewFact(converge.Seeds, "a", "Nordic B2B"))
	require.NoError(t, err)

	result, err := testEngine().WithObserver(recorder).Run(context.Background(), seed)
	require.NoError(t, err)
	require.NoError(t, recorder.Err())

	entries, err := j.Replay(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 5) // start, 3 cycles, finish
	assert.Equal(t, EntryStart, entries[0].Type)
	assert.Equal(t, EntryCycle, entries[1].Type)
	assert.Equal(t, []string{"signals"}, entries[1].Eligible)
	assert.Equal(t, EntryFinish, entries[4].Type)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
	}

	rebuilt, finish, err := j.Rebuild(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Context.Equal(rebuilt))
	require.NotNil(t, finish)
	assert.True(t, finish.Converged)
	assert.Equal(t, uint32(2), finish.Cycle)

	stats := j.Stats()
	assert.Equal(t, int64(5), stats.Entries)
	assert.Equal(t, uint64(5), stats.LastSeq)
	assert.Positive(t, stats.Bytes)
}

func TestRecorder_RecordsFailure(t *testing.T) {
	j := openJournal(t, sharedDB(t), "run-fail")
	recorder := NewRecorder(j)

	e := converge.NewWithBudget(converge.Budget{MaxCycles: 1, MaxFacts: 100})
	e.Register(converge.NewSimpleAgent("runaway").
		AcceptWhen(func(*converge.Context) bool { return true }).
		ExecuteWith(func(_ context.Context, c *converge.Context) (converge.AgentEffect, error) {
			return converge.Effect(converge.NewFact(converge.Proposals, fmt.Sprintf("p%d", c.Version()), "x")), nil
		}))
	e.WithObserver(recorder)

	_, err := e.Run(context.Background(), converge.NewContext())
	require.ErrorIs(t, err, converge.ErrBudgetExhausted)

	_, finish, err := j.Rebuild(context.Background())
	require.NoError(t, err)
	require.NotNil(t, finish)
	assert.False(t, finish.Converged)
	assert.Equal(t, string(converge.KindBudgetExhausted), finish.ErrorKind)
}

func TestRecorder_RebuildIncludesAbortedCycle(t *testing.T) {
	tests := []struct {
		name   string
		budget converge.Budget
		agents []converge.Agent
		kind   converge.ErrorKind
	}{
		{
			name:   "fact budget",
			budget: converge.Budget{MaxCycles: 10, MaxFacts: 2},
			agents: []converge.Agent{emitter("signals", converge.Signals, "demand", "pricing")},
			kind:   converge.KindBudgetExhausted,
		},
		{
			name:   "conflict",
			budget: converge.DefaultBudget(),
			agents: []converge.Agent{
				emitter("first", converge.Signals, "demand"),
				converge.NewSimpleAgent("second").
					AcceptWhen(func(c *converge.Context) bool { return !c.Has(converge.Signals) }).
					ExecuteWith(func(context.Context, *converge.Context) (converge.AgentEffect, error) {
						return converge.Effect(converge.NewFact(converge.Signals, "demand", "different")), nil
					}),
			},
			kind: converge.KindConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := openJournal(t, sharedDB(t), "aborted")
			recorder := NewRecorder(j)

			e := converge.NewWithBudget(tt.budget).WithObserver(recorder)
			for _, a := range tt.agents {
				e.Register(a)
			}
			seed, err := converge.NewContextFromFacts(converge.NewFact(converge.Seeds, "a", "Nordic B2B"))
			require.NoError(t, err)

			result, err := e.Run(context.Background(), seed)
			require.Error(t, err)
			kind, ok := converge.KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
			require.NoError(t, recorder.Err())

			entries, err := j.Replay(context.Background())
			require.NoError(t, err)
			require.Len(t, entries, 3) // start, aborted cycle, finish
			assert.Equal(t, string(tt.kind), entries[1].ErrorKind)

			rebuilt, finish, err := j.Rebuild(context.Background())
			require.NoError(t, err)
			assert.True(t, result.Context.Equal(rebuilt))
			assert.Equal(t, finish.Version, rebuilt.Version())
		})
	}
}

func TestRebuild_DetectsMissingFacts(t *testing.T) {
	ctx := context.Background()
	db := sharedDB(t)
	j := openJournal(t, db, "short")

	_, err := j.Append(ctx, Entry{Type: EntryStart, Facts: []converge.Fact{
		converge.NewFact(converge.Seeds, "a", "x"),
	}, Version: 1})
	require.NoError(t, err)
	_, err = j.Append(ctx, Entry{Type: EntryFinish, Version: 3})
	require.NoError(t, err)

	_, _, err = j.Rebuild(ctx)
	assert.ErrorIs(t, err, ErrIncompleteRun)

	lenient, err := NewBadgerJournal(JournalConfig{RunID: "short", DB: db, SkipCorrupted: true})
	require.NoError(t, err)
	defer lenient.Close()
	rebuilt, finish, err := lenient.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rebuilt.Len())
	assert.Equal(t, uint64(3), finish.Version)
}

// emitter returns an agent that writes ids under key once.
func emitter(name string, key converge.ContextKey, ids ...string) converge.Agent {
	return converge.NewSimpleAgent(name).
		AcceptWhen(func(c *converge.Context) bool { return !c.Has(key) }).
		ExecuteWith(func(context.Context, *converge.Context) (converge.AgentEffect, error) {
			facts := make([]converge.Fact, len(ids))
			for i, id := range ids {
				facts[i] = converge.NewFact(key, id, id)
			}
			return converge.Effect(facts...), nil
		})
}

func TestBadgerJournal_ResumesSequence(t *testing.T) {
	db := sharedDB(t)
	ctx := context.Background()

	first, err := NewBadgerJournal(JournalConfig{RunID: "r", DB: db})
	require.NoError(t, err)
	_, err = first.Append(ctx, Entry{Type: EntryStart})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Closing a journal on a shared database leaves the database open.
	second := openJournal(t, db, "r")
	seq, err := second.Append(ctx, Entry{Type: EntryCycle})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	entries, err := second.Replay(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestBadgerJournal_DetectsCorruption(t *testing.T) {
	db := sharedDB(t)
	ctx := context.Background()
	j := openJournal(t, db, "r")

	for i := 0; i < 3; i++ {
		_, err := j.Append(ctx, Entry{Type: EntryCycle, Cycle: uint32(i)})
		require.NoError(t, err)
	}
	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(j.key(2), []byte("\x00\x00\x00\x00garbage"))
	}))

	_, err := j.Replay(ctx)
	assert.True(t, errors.Is(err, ErrJournalCorrupted))

	lenient, err := NewBadgerJournal(JournalConfig{RunID: "r", DB: db, SkipCorrupted: true})
	require.NoError(t, err)
	defer lenient.Close()
	entries, err := lenient.Replay(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, int64(1), lenient.Stats().CorruptedCount)
}

func TestBadgerJournal_DetectsSequenceGap(t *testing.T) {
	db := sharedDB(t)
	ctx := context.Background()
	j := openJournal(t, db, "r")

	for i := 0; i < 3; i++ {
		_, err := j.Append(ctx, Entry{Type: EntryCycle})
		require.NoError(t, err)
	}
	require.NoError(t, db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(j.key(2))
	}))

	_, err := j.Replay(ctx)
	assert.ErrorIs(t, err, ErrJournalSequenceGap)
}

func TestBadgerJournal_Closed(t *testing.T) {
	j, err := NewBadgerJournal(JournalConfig{RunID: "r", InMemory: true})
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	_, err = j.Append(context.Background(), Entry{Type: EntryStart})
	assert.ErrorIs(t, err, ErrJournalClosed)
	_, err = j.Replay(context.Background())
	assert.ErrorIs(t, err, ErrJournalClosed)
}

func TestRebuild_NoStart(t *testing.T) {
	j := openJournal(t, sharedDB(t), "empty")
	_, _, err := j.Rebuild(context.Background())
	assert.ErrorIs(t, err, ErrNoStart)
}

func TestListRuns(t *testing.T) {
	db := sharedDB(t)
	ctx := context.Background()
	for _, run := range []string{"b", "a", "a-b"} {
		j := openJournal(t, db, run)
		_, err := j.Append(ctx, Entry{Type: EntryStart})
		require.NoError(t, err)
		_, err = j.Append(ctx, Entry{Type: EntryFinish})
		require.NoError(t, err)
	}

	runs, err := ListRuns(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a-b", "b"}, runs)
}
