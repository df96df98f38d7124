// Copyright 2025 StrataFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wal implements the durable write-ahead log and outbox over a
// single embedded SQLite (libsql) database per VFS instance. The store is
// the single source of truth for crash recovery: the request path appends
// while drain workers read and update concurrently, relying on WAL-mode
// journaling for concurrency control.
package wal

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"stratafs/internal/common"
	"stratafs/internal/util"
)

// Options control store-wide behavior; per-mount retry policy travels with
// each Fail call instead.
type Options struct {
	BusyTimeoutMillis   int
	AutoCheckpointEvery int
	CheckpointMaxAge    time.Duration
}

// Store is the durable WAL + outbox state store.
type Store struct {
	path string
	db   *sql.DB
	bun  *bun.DB
	lock *flock.Flock
	opts Options
	log  *log.Entry

	// appliedSince counts entries marked applied since the last
	// checkpoint, driving auto-checkpoint.
	appliedSince atomic.Int64
}

// Open opens (creating if needed) the state store at path. A flock guards
// against two processes draining the same store.
func Open(path string, opts Options) (*Store, error) {
	if opts.BusyTimeoutMillis <= 0 {
		opts.BusyTimeoutMillis = 30000
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock state store: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("state store %s is locked by another process", path)
	}

	db, err := sql.Open("libsql", BuildDSN(path, opts.BusyTimeoutMillis))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if err := applyPragmas(db, opts.BusyTimeoutMillis); err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}
	if err := execStatements(db, stateSchema); err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("create state schema: %w", err)
	}
	if err := execStatements(db, initStateStore, SchemaVersion); err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("init state store: %w", err)
	}

	return &Store{
		path: path,
		db:   db,
		bun:  bun.NewDB(db, sqlitedialect.New()),
		lock: lock,
		opts: opts,
		log:  log.WithField("component", "wal"),
	}, nil
}

// Close releases the store and its process lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		s.lock.Unlock()
	}
	return err
}

// Path returns the on-disk location of the store.
func (s *Store) Path() string { return s.path }

// --- Write-ahead log ---

// Append durably records write intent and returns the new entry id.
// SQLite serializes writers, so ids are assigned in append order; the
// commit is durable (for the process-crash model) before Append returns.
// A failed Append must fail the originating write.
func (s *Store) Append(ctx context.Context, mount, op, path, renameTo string, payload []byte) (int64, error) {
	rec := &LogRecord{
		MountPath: mount,
		Op:        op,
		Path:      path,
		RenameTo:  renameTo,
		Payload:   payload,
		CreatedAt: nowMillis(),
	}
	// libsql doesn't support LastInsertId; RETURNING fills rec.ID.
	_, err := util.RetryDBResult(ctx, func() (sql.Result, error) {
		return s.bun.NewInsert().Model(rec).Returning("id").Exec(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("wal append: %w", err)
	}
	return rec.ID, nil
}

// MarkApplied records that the backend write for a WAL entry succeeded.
// Idempotent: marking an already-applied entry is a no-op. Fires an
// auto-checkpoint once enough entries have been applied.
func (s *Store) MarkApplied(ctx context.Context, id int64) error {
	res, err := util.RetryDBResult(ctx, func() (sql.Result, error) {
		return s.bun.NewUpdate().Model((*LogRecord)(nil)).
			Set("applied_at = ?", nowMillis()).
			Where("id = ? AND applied_at IS NULL", id).
			Exec(ctx)
	})
	if err != nil {
		return fmt.Errorf("wal mark applied %d: %w", id, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil
	}
	if s.opts.AutoCheckpointEvery > 0 && s.appliedSince.Add(1) >= int64(s.opts.AutoCheckpointEvery) {
		s.appliedSince.Store(0)
		if _, err := s.Checkpoint(ctx, s.opts.CheckpointMaxAge); err != nil {
			s.log.WithError(err).Warn("auto-checkpoint failed")
		}
	}
	return nil
}

// Unapplied returns unapplied entries in ascending id order. An empty
// mount selects all mounts.
func (s *Store) Unapplied(ctx context.Context, mount string) ([]LogRecord, error) {
	var recs []LogRecord
	q := s.bun.NewSelect().Model(&recs).
		Where("applied_at IS NULL").
		Order("id ASC")
	if mount != "" {
		q = q.Where("mount_path = ?", mount)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("wal unapplied: %w", err)
	}
	return recs, nil
}

// UnappliedCount returns the number of unapplied entries.
func (s *Store) UnappliedCount(ctx context.Context, mount string) (int64, error) {
	q := s.bun.NewSelect().Model((*LogRecord)(nil)).Where("applied_at IS NULL")
	if mount != "" {
		q = q.Where("mount_path = ?", mount)
	}
	n, err := q.Count(ctx)
	return int64(n), err
}

// Entry returns a single WAL entry by id.
func (s *Store) Entry(ctx context.Context, id int64) (*LogRecord, error) {
	rec := new(LogRecord)
	err := s.bun.NewSelect().Model(rec).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// CheckpointResult reports what a checkpoint removed.
type CheckpointResult struct {
	WalPruned    int64
	OutboxPruned int64
}

// Checkpoint prunes applied WAL entries and completed outbox entries
// older than maxAge, then compacts the store. Unapplied and non-complete
// entries are always kept. maxAge <= 0 prunes everything eligible.
func (s *Store) Checkpoint(ctx context.Context, maxAge time.Duration) (CheckpointResult, error) {
	var result CheckpointResult
	cutoff := nowMillis()
	if maxAge > 0 {
		cutoff -= maxAge.Milliseconds()
	}

	res, err := s.bun.NewDelete().Model((*LogRecord)(nil)).
		Where("applied_at IS NOT NULL AND applied_at <= ?", cutoff).
		Exec(ctx)
	if err != nil {
		return result, fmt.Errorf("checkpoint wal_log: %w", err)
	}
	result.WalPruned, _ = res.RowsAffected()

	res, err = s.bun.NewDelete().Model((*OutboxRecord)(nil)).
		Where("state = ? AND updated_at <= ?", StateComplete, cutoff).
		Exec(ctx)
	if err != nil {
		return result, fmt.Errorf("checkpoint outbox: %w", err)
	}
	result.OutboxPruned, _ = res.RowsAffected()

	// Compaction is best-effort; the prune above is the correctness part.
	if err := execPragma(s.db, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.WithError(err).Debug("wal_checkpoint failed")
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		s.log.WithError(err).Debug("vacuum failed")
	}

	s.log.WithFields(log.Fields{
		"wal_pruned":    result.WalPruned,
		"outbox_pruned": result.OutboxPruned,
	}).Debug("checkpoint complete")
	return result, nil
}
