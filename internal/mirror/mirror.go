// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

// Package mirror implements the append-only per-instance event log.
//
// Records are persisted to BadgerDB (ACID, fsync when SyncWrites is on)
// before the originating input call is acknowledged, making destructive
// online learning reversible: replaying the log through the normal input
// path is the only supported way to rebuild a Dataset.
//
// Sequence numbers are monotonic and gapless per instance under normal
// operation. A gap signals a crash before durability was confirmed; gaps
// are detectable via VerifySequence but never auto-repaired. The log is
// never consulted during normal serving.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/aviary-ml/aviary/internal/locking"
	"github.com/aviary-ml/aviary/internal/logging"
	"github.com/aviary-ml/aviary/internal/metrics"
)

// Key layout. Resource ids cannot contain ':', so prefixes are unambiguous.
// Sequence numbers are zero-padded hex so byte order equals numeric order.
const (
	prefixRecord = "ev:"
	prefixHead   = "seq:"
)

// Record is one archived event plus its owning instance and sequence.
type Record struct {
	EngineID     string          `json:"engineId"`
	Sequence     uint64          `json:"seq"`
	EventTime    time.Time       `json:"eventTime"`
	CreationTime time.Time       `json:"creationTime"`
	Event        json.RawMessage `json:"event"`
}

// Errors.
var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("mirror log is closed")

	// ErrNilPayload is returned for an empty event payload.
	ErrNilPayload = errors.New("event payload cannot be empty")
)

// GapError reports missing sequence numbers for an instance. It signals
// a prior crash before durability was confirmed.
type GapError struct {
	EngineID string
	Missing  []uint64
}

// Error implements the error interface.
func (e *GapError) Error() string {
	return fmt.Sprintf("mirror log gap [engine=%s]: %d missing sequence number(s)", e.EngineID, len(e.Missing))
}

// Log is the badger-backed mirror log. Appends for the same instance are
// serialized to preserve sequence ordering; different instances append
// concurrently.
type Log struct {
	db     *badger.DB
	config Config
	ids    locking.KeyedMutex
	closed chan struct{}
}

// Open creates or opens a mirror log at the configured path.
func Open(cfg *Config) (*Log, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mirror config: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("mirror log opened")

	return &Log{db: db, config: *cfg, closed: make(chan struct{})}, nil
}

// recordKey builds the storage key for (engineID, seq).
func recordKey(engineID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016x", prefixRecord, engineID, seq))
}

// headKey builds the last-assigned-sequence key for engineID.
func headKey(engineID string) []byte {
	return []byte(prefixHead + engineID)
}

// Append archives one event for engineID and returns its sequence
// number. The record is durable before Append returns; the caller must
// not acknowledge the event to its client until Append succeeds.
func (l *Log) Append(ctx context.Context, engineID string, eventTime, creationTime time.Time, payload json.RawMessage) (uint64, error) {
	if l.isClosed() {
		return 0, ErrClosed
	}
	if len(payload) == 0 {
		return 0, ErrNilPayload
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	start := time.Now()

	// Per-instance serialization keeps sequence assignment and record
	// write atomic relative to other appends on the same id.
	unlock := l.ids.Lock(engineID)
	defer unlock()

	var seq uint64
	err := l.db.Update(func(txn *badger.Txn) error {
		var err error
		seq, err = nextSequence(txn, engineID)
		if err != nil {
			return err
		}

		rec := Record{
			EngineID:     engineID,
			Sequence:     seq,
			EventTime:    eventTime.UTC(),
			CreationTime: creationTime.UTC(),
			Event:        payload,
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}

		if err := txn.Set(headKey(engineID), encodeSeq(seq)); err != nil {
			return fmt.Errorf("set head: %w", err)
		}
		return txn.Set(recordKey(engineID, seq), data)
	})
	if err != nil {
		metrics.RecordMirrorAppendError(engineID)
		return 0, fmt.Errorf("mirror append: %w", err)
	}

	metrics.RecordMirrorAppend(engineID, time.Since(start).Seconds())
	return seq, nil
}

// nextSequence reads and increments the per-instance head inside txn.
// Sequence numbers start at 1.
func nextSequence(txn *badger.Txn, engineID string) (uint64, error) {
	item, err := txn.Get(headKey(engineID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get head: %w", err)
	}

	var last uint64
	if err := item.Value(func(val []byte) error {
		last, err = decodeSeq(val)
		return err
	}); err != nil {
		return 0, fmt.Errorf("decode head: %w", err)
	}
	return last + 1, nil
}

// encodeSeq encodes a sequence number for the head key.
func encodeSeq(seq uint64) []byte {
	return []byte(fmt.Sprintf("%016x", seq))
}

// decodeSeq decodes a head value.
func decodeSeq(val []byte) (uint64, error) {
	var seq uint64
	if _, err := fmt.Sscanf(string(val), "%016x", &seq); err != nil {
		return 0, fmt.Errorf("decode sequence %q: %w", val, err)
	}
	return seq, nil
}

// Replay reads all records for engineID in sequence order and feeds each
// through sink. The sink is expected to be the same input path live
// traffic takes. Replay stops on the first sink error or on context
// cancellation; it returns the number of records successfully replayed.
func (l *Log) Replay(ctx context.Context, engineID string, sink func(ctx context.Context, rec Record) error) (int, error) {
	if l.isClosed() {
		return 0, ErrClosed
	}

	// Collect under a snapshot first: the sink re-enters the input path,
	// which must not run inside a badger transaction.
	records, err := l.collect(ctx, engineID)
	if err != nil {
		return 0, err
	}

	for i := range records {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := sink(ctx, records[i]); err != nil {
			return i, fmt.Errorf("replay record seq=%d: %w", records[i].Sequence, err)
		}
	}
	return len(records), nil
}

// collect reads all records for engineID in sequence order from one
// consistent snapshot.
func (l *Log) collect(ctx context.Context, engineID string) ([]Record, error) {
	var records []Record

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixRecord + engineID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				logging.Warn().Err(err).
					Str("key", string(it.Item().Key())).
					Msg("mirror log skipped malformed record")
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Count returns the number of archived records for engineID.
func (l *Log) Count(ctx context.Context, engineID string) (int, error) {
	if l.isClosed() {
		return 0, ErrClosed
	}

	count := 0
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixRecord + engineID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// VerifySequence checks the per-instance sequence for gaps. Returns a
// *GapError when sequence numbers are missing, nil when the log is
// contiguous. Gaps are reported, never repaired.
func (l *Log) VerifySequence(ctx context.Context, engineID string) error {
	if l.isClosed() {
		return ErrClosed
	}

	records, err := l.collect(ctx, engineID)
	if err != nil {
		return err
	}

	var missing []uint64
	expected := uint64(1)
	for i := range records {
		for expected < records[i].Sequence {
			missing = append(missing, expected)
			expected++
		}
		expected = records[i].Sequence + 1
	}

	if len(missing) > 0 {
		return &GapError{EngineID: engineID, Missing: missing}
	}
	return nil
}

// RunGC triggers badger value-log garbage collection. Called periodically
// by the mirror maintenance service.
func (l *Log) RunGC() error {
	if l.isClosed() {
		return ErrClosed
	}

	for {
		err := l.db.RunValueLogGC(l.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mirror gc: %w", err)
		}
	}
}

// Close shuts the log down, bounded by CloseTimeout.
func (l *Log) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
		close(l.closed)
	}

	timeout := l.config.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	done := make(chan error, 1)
	go func() {
		done <- l.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close badger: %w", err)
		}
		logging.Info().Msg("mirror log closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("mirror log close timed out after %v", timeout)
	}
}

// isClosed reports whether Close has begun.
func (l *Log) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}
