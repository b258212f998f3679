// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal records convergence runs cycle by cycle in BadgerDB.
//
// A run's journal holds a start entry with the seed facts, one entry per
// cycle with the facts that cycle added, and a finish entry. Replaying the
// entries in order rebuilds the final context exactly, which makes the
// journal both an audit log and a recovery source.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/converge/services/converge"
	"github.com/AleutianAI/converge/services/converge/storage/badger"
	"github.com/AleutianAI/converge/services/converge/telemetry"
	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// -----------------------------------------------------------------------------
// Journal Errors
// -----------------------------------------------------------------------------

var (
	// ErrJournalClosed is returned when operations are called on a closed journal.
	ErrJournalClosed = errors.New("journal is closed")

	// ErrJournalCorrupted is returned when an entry fails its integrity check.
	ErrJournalCorrupted = errors.New("journal entry corrupted (CRC mismatch)")

	// ErrJournalSequenceGap is returned when replay finds missing sequence numbers.
	ErrJournalSequenceGap = errors.New("journal sequence number gap detected")

	// ErrNoStart is returned by Rebuild when the journal has no start entry.
	ErrNoStart = errors.New("journal has no start entry")

	// ErrIncompleteRun is returned by Rebuild when the replayed facts do not
	// reach the version recorded by the finish entry.
	ErrIncompleteRun = errors.New("journal does not account for every fact of the run")
)

const keyPrefix = "cycle:"

// -----------------------------------------------------------------------------
// Entries
// -----------------------------------------------------------------------------

// EntryType distinguishes the records of a run.
type EntryType string

const (
	EntryStart  EntryType = "start"
	EntryCycle  EntryType = "cycle"
	EntryFinish EntryType = "finish"
)

// Entry is one journal record.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Type      EntryType       `json:"type"`
	Cycle     uint32          `json:"cycle"`
	Facts     []converge.Fact `json:"facts,omitempty"`
	Eligible  []string        `json:"eligible,omitempty"`
	Version   uint64          `json:"version"`
	Semantic  []string        `json:"semantic_failures,omitempty"`
	Converged bool            `json:"converged,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Time      time.Time       `json:"time"`
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// JournalConfig configures a BadgerJournal.
type JournalConfig struct {
	// RunID scopes the journal to one run. Required.
	RunID string

	// DB is a shared database. When nil the journal opens its own from
	// Path or InMemory and closes it on Close.
	DB *badger.DB

	// Path is the database directory when DB is nil.
	Path string

	// InMemory opens an in-memory database when DB is nil.
	InMemory bool

	// SyncWrites fsyncs each append for a journal-owned database.
	SyncWrites bool

	// SkipCorrupted continues replay past corrupted entries.
	SkipCorrupted bool

	// Logger for journal operations. Default: slog.Default().
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c *JournalConfig) Validate() error {
	if c.RunID == "" {
		return errors.New("run_id must not be empty")
	}
	if strings.Contains(c.RunID, ":") {
		return errors.New("run_id must not contain ':'")
	}
	if c.DB == nil && !c.InMemory && c.Path == "" {
		return errors.New("path is required for persistent journal")
	}
	return nil
}

// Stats contains journal counters.
type Stats struct {
	Entries        int64
	Bytes          int64
	LastSeq        uint64
	CorruptedCount int64
}

// -----------------------------------------------------------------------------
// BadgerJournal
// -----------------------------------------------------------------------------

// BadgerJournal stores a run's entries in BadgerDB.
//
// Key format: "cycle:{run_id}:{seq:016d}"
// Value format: [4-byte CRC32][JSON entry]
//
// Thread Safety: Safe for concurrent use.
type BadgerJournal struct {
	db     *badger.DB
	ownsDB bool
	config JournalConfig
	logger *slog.Logger
	tracer trace.Tracer

	mu             sync.Mutex
	seq            atomic.Uint64
	entries        atomic.Int64
	bytes          atomic.Int64
	corruptedCount atomic.Int64
	closed         atomic.Bool
}

// NewBadgerJournal opens a journal for config.RunID.
//
// Description:
//
//	Resumes the sequence after the highest existing entry of the run, so a
//	journal reopened on the same database appends after what it holds.
//
// Outputs:
//   - *BadgerJournal: Ready-to-use journal.
//   - error: Non-nil if the config is invalid or the database cannot be opened.
func NewBadgerJournal(config JournalConfig) (*BadgerJournal, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	j := &BadgerJournal{
		db:     config.DB,
		config: config,
		logger: config.Logger.With(slog.String("component", "journal"), slog.String("run_id", config.RunID)),
		tracer: otel.Tracer("converge.journal"),
	}

	if j.db == nil {
		dbConfig := badger.Config{
			Path:       config.Path,
			InMemory:   config.InMemory,
			SyncWrites: config.SyncWrites,
			Logger:     config.Logger,
		}
		db, err := badger.Open(dbConfig)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		j.db = db
		j.ownsDB = true
	}

	if err := j.initSeq(); err != nil {
		if j.ownsDB {
			j.db.Close()
		}
		return nil, fmt.Errorf("init sequence number: %w", err)
	}

	j.logger.Debug("journal opened", slog.Uint64("last_seq", j.seq.Load()))
	return j, nil
}

// initSeq scans for the highest existing sequence number of the run.
func (j *BadgerJournal) initSeq() error {
	prefix := j.prefix()
	var maxSeq uint64

	err := j.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append([]byte(prefix), 0xFF)
		it.Seek(seekKey)
		if it.ValidForPrefix([]byte(prefix)) {
			if seq, ok := parseSeq(it.Item().Key(), prefix); ok {
				maxSeq = seq
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	j.seq.Store(maxSeq)
	return nil
}

func (j *BadgerJournal) prefix() string {
	return fmt.Sprintf("%s%s:", keyPrefix, j.config.RunID)
}

func (j *BadgerJournal) key(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", j.prefix(), seq))
}

func parseSeq(key []byte, prefix string) (uint64, bool) {
	var seq uint64
	if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err != nil {
		return 0, false
	}
	return seq, true
}

// encodeEntry encodes an entry with a CRC32 checksum prefix.
func encodeEntry(e Entry) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(payload))
	copy(out[4:], payload)
	return out, nil
}

// decodeEntry validates the checksum and decodes an entry.
func decodeEntry(data []byte) (Entry, error) {
	if len(data) < 5 {
		return Entry{}, fmt.Errorf("%w: entry too short", ErrJournalCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if computed := crc32.ChecksumIEEE(payload); stored != computed {
		return Entry{}, fmt.Errorf("%w: stored=%08x computed=%08x", ErrJournalCorrupted, stored, computed)
	}
	var e Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return Entry{}, fmt.Errorf("json decode: %w", err)
	}
	return e, nil
}

// Append writes an entry and assigns its sequence number.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - e: The entry. Seq is overwritten; a zero Time is set to now.
//
// Outputs:
//   - uint64: The assigned sequence number.
//   - error: ErrJournalClosed, or a write error.
func (j *BadgerJournal) Append(ctx context.Context, e Entry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if j.closed.Load() {
		return 0, ErrJournalClosed
	}

	ctx, span := j.tracer.Start(ctx, "journal.Append",
		trace.WithAttributes(
			attribute.String("run_id", j.config.RunID),
			attribute.String("entry_type", string(e.Type)),
			attribute.Int("facts", len(e.Facts)),
		),
	)
	defer span.End()

	j.mu.Lock()
	defer j.mu.Unlock()

	e.Seq = j.seq.Load() + 1
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := encodeEntry(e)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}

	err = j.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(j.key(e.Seq), data)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, fmt.Errorf("write entry: %w", err)
	}

	j.seq.Store(e.Seq)
	j.entries.Add(1)
	j.bytes.Add(int64(len(data)))
	span.SetAttributes(attribute.Int64("seq", int64(e.Seq)))

	j.logger.Debug("entry appended",
		slog.Uint64("seq", e.Seq),
		slog.String("type", string(e.Type)),
		slog.Int("facts", len(e.Facts)))
	return e.Seq, nil
}

// Replay returns the run's entries in sequence order.
//
// Outputs:
//   - []Entry: Entries in order. Empty if the run has none.
//   - error: ErrJournalCorrupted or ErrJournalSequenceGap unless
//     SkipCorrupted is set.
func (j *BadgerJournal) Replay(ctx context.Context) ([]Entry, error) {
	if j.closed.Load() {
		return nil, ErrJournalClosed
	}

	ctx, span := j.tracer.Start(ctx, "journal.Replay",
		trace.WithAttributes(attribute.String("run_id", j.config.RunID)),
	)
	defer span.End()

	prefix := j.prefix()
	var entries []Entry
	var lastSeq uint64
	corrupted := 0

	err := j.db.ScanPrefix(ctx, prefix, func(key string, value []byte) error {
		seq, ok := parseSeq([]byte(key), prefix)
		if !ok {
			return nil
		}
		if seq != lastSeq+1 {
			if !j.config.SkipCorrupted {
				return fmt.Errorf("%w: expected %d, got %d", ErrJournalSequenceGap, lastSeq+1, seq)
			}
			j.logger.Warn("sequence gap detected",
				slog.Uint64("expected", lastSeq+1),
				slog.Uint64("got", seq))
		}
		lastSeq = seq

		e, err := decodeEntry(value)
		if err != nil {
			if errors.Is(err, ErrJournalCorrupted) {
				corrupted++
				j.corruptedCount.Add(1)
				if j.config.SkipCorrupted {
					j.logger.Warn("skipping corrupted entry",
						slog.Uint64("seq", seq),
						slog.String("error", err.Error()))
					return nil
				}
			}
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err, attribute.Int("corrupted_count", corrupted))
		return nil, fmt.Errorf("replay: %w", err)
	}

	span.SetAttributes(
		attribute.Int("entry_count", len(entries)),
		attribute.Int("corrupted_count", corrupted),
	)
	return entries, nil
}

// Rebuild replays the journal into a context.
//
// Description:
//
//	Adds the start entry's seed facts followed by each cycle entry's facts.
//	The result equals the final context of the recorded run, including a
//	cycle that aborted it. When a finish entry exists its version must
//	match the rebuilt context; with SkipCorrupted a mismatch is logged
//	instead, since skipped entries lose facts.
//
// Outputs:
//   - *converge.Context: The rebuilt context.
//   - *Entry: The finish entry, or nil if the run did not finish.
//   - error: ErrNoStart, ErrIncompleteRun, a replay error, or a conflict
//     while re-adding facts.
func (j *BadgerJournal) Rebuild(ctx context.Context) (*converge.Context, *Entry, error) {
	entries, err := j.Replay(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) == 0 || entries[0].Type != EntryStart {
		return nil, nil, ErrNoStart
	}

	c := converge.NewContext()
	var finish *Entry
	for i := range entries {
		e := entries[i]
		switch e.Type {
		case EntryStart, EntryCycle:
			for _, f := range e.Facts {
				if _, err := c.AddFact(f); err != nil {
					return nil, nil, fmt.Errorf("rebuild seq %d: %w", e.Seq, err)
				}
			}
		case EntryFinish:
			finish = &e
		}
	}
	if finish != nil && finish.Version != c.Version() {
		if !j.config.SkipCorrupted {
			return nil, nil, fmt.Errorf("%w: rebuilt version %d, finish version %d",
				ErrIncompleteRun, c.Version(), finish.Version)
		}
		j.logger.Warn("rebuilt context is incomplete",
			slog.Uint64("version", c.Version()),
			slog.Uint64("finish_version", finish.Version))
	}
	return c, finish, nil
}

// RunID returns the run the journal is scoped to.
func (j *BadgerJournal) RunID() string {
	return j.config.RunID
}

// Stats returns journal counters.
func (j *BadgerJournal) Stats() Stats {
	return Stats{
		Entries:        j.entries.Load(),
		Bytes:          j.bytes.Load(),
		LastSeq:        j.seq.Load(),
		CorruptedCount: j.corruptedCount.Load(),
	}
}

// Close releases the journal. A journal-owned database is synced and closed.
func (j *BadgerJournal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	if !j.ownsDB {
		return nil
	}
	if err := j.db.Sync(); err != nil {
		j.logger.Warn("sync before close failed", slog.String("error", err.Error()))
	}
	return j.db.Close()
}

// ListRuns returns the run IDs journaled in db, sorted.
func ListRuns(ctx context.Context, db *badger.DB) ([]string, error) {
	seen := make(map[string]bool)
	var runs []string
	err := db.ScanPrefix(ctx, keyPrefix, func(key string, _ []byte) error {
		rest := strings.TrimPrefix(key, keyPrefix)
		run, _, ok := strings.Cut(rest, ":")
		if ok && !seen[run] {
			seen[run] = true
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(runs)
	return runs, nil
}
