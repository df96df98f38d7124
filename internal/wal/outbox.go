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

package wal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"stratafs/internal/common"
	"stratafs/internal/util"
)

// Enqueue records remote propagation intent. If a pending entry already
// exists for (mount, path) it is upserted in place: op, payload and wal_id
// are replaced and the superseded WAL entry is marked applied, since its
// state will never be synced separately (last-write-wins debounce).
// Returns the outbox entry id.
func (s *Store) Enqueue(ctx context.Context, mount, path, op, renameTo string, payload []byte, walID int64) (int64, error) {
	var id int64
	err := util.RetryDB(ctx, func() error {
		return s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			now := nowMillis()

			existing := new(OutboxRecord)
			err := tx.NewSelect().Model(existing).
				Where("mount_path = ? AND path = ? AND state = ?", mount, path, StatePending).
				Order("id ASC").
				Limit(1).
				Scan(ctx)
			switch {
			case err == nil:
				supersededWal := existing.WalID
				// Keep the entry's retry schedule: a hot path that keeps
				// failing must not reset its backoff by writing more.
				_, err := tx.NewUpdate().Model((*OutboxRecord)(nil)).
					Set("op = ?", op).
					Set("rename_to = ?", renameTo).
					Set("payload = ?", payload).
					Set("wal_id = ?", walID).
					Set("updated_at = ?", now).
					Where("id = ?", existing.ID).
					Exec(ctx)
				if err != nil {
					return err
				}
				if supersededWal > 0 && supersededWal != walID {
					if _, err := tx.NewUpdate().Model((*LogRecord)(nil)).
						Set("applied_at = ?", now).
						Where("id = ? AND applied_at IS NULL", supersededWal).
						Exec(ctx); err != nil {
						return err
					}
				}
				id = existing.ID
				return nil

			case errors.Is(err, sql.ErrNoRows):
				rec := &OutboxRecord{
					MountPath:     mount,
					Path:          path,
					Op:            op,
					RenameTo:      renameTo,
					Payload:       payload,
					WalID:         walID,
					State:         StatePending,
					NextAttemptAt: now,
					CreatedAt:     now,
					UpdatedAt:     now,
				}
				if _, err := tx.NewInsert().Model(rec).Returning("id").Exec(ctx); err != nil {
					return err
				}
				id = rec.ID
				return nil

			default:
				return err
			}
		})
	})
	if err != nil {
		return 0, fmt.Errorf("outbox enqueue: %w", err)
	}
	return id, nil
}

// FetchReady returns up to limit pending entries for one mount that are
// due, atomically claiming each for the given worker. The claim is a
// conditional update — only one concurrent drain worker can win a given
// entry, and the lock is never held across backend I/O. The store is
// shared by every mount, so the mount filter is what keeps each drain
// worker from delivering another mount's entries to the wrong backend.
func (s *Store) FetchReady(ctx context.Context, mount, claimant string, limit int) ([]OutboxRecord, error) {
	now := nowMillis()

	var candidates []OutboxRecord
	q := s.bun.NewSelect().Model(&candidates).
		Where("state = ? AND next_attempt_at <= ?", StatePending, now).
		Order("id ASC").
		Limit(limit)
	if mount != "" {
		q = q.Where("mount_path = ?", mount)
	}
	err := q.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox fetch: %w", err)
	}

	claimed := make([]OutboxRecord, 0, len(candidates))
	for i := range candidates {
		rec := candidates[i]
		res, err := s.bun.NewUpdate().Model((*OutboxRecord)(nil)).
			Set("state = ?", StateProcessing).
			Set("claimed_by = ?", claimant).
			Set("claimed_at = ?", now).
			Set("updated_at = ?", now).
			Where("id = ? AND state = ?", rec.ID, StatePending).
			Exec(ctx)
		if err != nil {
			return claimed, fmt.Errorf("outbox claim %d: %w", rec.ID, err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			continue // lost the race to another worker
		}
		rec.State = StateProcessing
		rec.ClaimedBy = claimant
		rec.ClaimedAt = &now
		claimed = append(claimed, rec)
	}
	return claimed, nil
}

// Complete marks a processing entry as successfully propagated. The row is
// kept for status reporting and pruned by checkpoint.
func (s *Store) Complete(ctx context.Context, id int64) error {
	_, err := util.RetryDBResult(ctx, func() (sql.Result, error) {
		return s.bun.NewUpdate().Model((*OutboxRecord)(nil)).
			Set("state = ?", StateComplete).
			Set("last_error = ''").
			Set("updated_at = ?", nowMillis()).
			Where("id = ?", id).
			Exec(ctx)
	})
	if err != nil {
		return fmt.Errorf("outbox complete %d: %w", id, err)
	}
	return nil
}

// CompleteByWalID marks any live outbox entry carrying the given WAL id
// as complete. Used by startup replay, which propagates WAL entries
// directly and must not leave the outbox re-sending them.
func (s *Store) CompleteByWalID(ctx context.Context, walID int64) error {
	if walID <= 0 {
		return nil
	}
	_, err := util.RetryDBResult(ctx, func() (sql.Result, error) {
		return s.bun.NewUpdate().Model((*OutboxRecord)(nil)).
			Set("state = ?", StateComplete).
			Set("last_error = ''").
			Set("updated_at = ?", nowMillis()).
			Where("wal_id = ? AND state IN (?, ?)", walID, StatePending, StateProcessing).
			Exec(ctx)
	})
	if err != nil {
		return fmt.Errorf("outbox complete by wal %d: %w", walID, err)
	}
	return nil
}

// Fail records a propagation failure. Permanent failures dead-letter
// immediately; transient ones go back to pending with a backoff-scheduled
// next attempt until the retry budget is exhausted. Returns the resulting
// state.
func (s *Store) Fail(ctx context.Context, id int64, cause string, permanent bool, pol RetryPolicy) (string, error) {
	var state string
	err := util.RetryDB(ctx, func() error {
		return s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			rec := new(OutboxRecord)
			if err := tx.NewSelect().Model(rec).Where("id = ?", id).Scan(ctx); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return common.ErrNotFound
				}
				return err
			}

			now := nowMillis()
			delay := Delay(pol.Strategy, pol.Base, rec.Attempts)
			attempts := rec.Attempts + 1

			if permanent || attempts >= pol.MaxRetries {
				state = StateDeadLetter
			} else {
				state = StatePending
			}

			q := tx.NewUpdate().Model((*OutboxRecord)(nil)).
				Set("state = ?", state).
				Set("attempts = ?", attempts).
				Set("last_error = ?", cause).
				Set("claimed_by = ''").
				Set("claimed_at = NULL").
				Set("updated_at = ?", now).
				Where("id = ?", id)
			if state == StatePending {
				q = q.Set("next_attempt_at = ?", now+delay.Milliseconds())
			}
			_, err := q.Exec(ctx)
			return err
		})
	})
	if err != nil {
		return "", fmt.Errorf("outbox fail %d: %w", id, err)
	}
	return state, nil
}

// RecoverStuck reverts entries stuck in processing past the timeout back
// to pending. Run at startup and periodically: a claim that old means the
// claiming process died mid-flight. mount "" recovers across all mounts;
// engines pass their own mount so each stuck_timeout applies only to the
// mount it was configured for.
func (s *Store) RecoverStuck(ctx context.Context, mount string, stuckTimeout time.Duration) (int64, error) {
	cutoff := nowMillis() - stuckTimeout.Milliseconds()
	res, err := util.RetryDBResult(ctx, func() (sql.Result, error) {
		q := s.bun.NewUpdate().Model((*OutboxRecord)(nil)).
			Set("state = ?", StatePending).
			Set("claimed_by = ''").
			Set("claimed_at = NULL").
			Set("next_attempt_at = ?", nowMillis()).
			Set("updated_at = ?", nowMillis()).
			Where("state = ? AND claimed_at IS NOT NULL AND claimed_at <= ?", StateProcessing, cutoff)
		if mount != "" {
			q = q.Where("mount_path = ?", mount)
		}
		return q.Exec(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("outbox recover stuck: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.WithField("recovered", n).Warn("reverted stuck outbox entries to pending")
	}
	return n, nil
}

// RetryDeadLetter moves a dead-letter entry back to pending with a fresh
// retry budget. This is the only path out of dead_letter; it is an
// explicit operator action.
func (s *Store) RetryDeadLetter(ctx context.Context, id int64) error {
	res, err := util.RetryDBResult(ctx, func() (sql.Result, error) {
		return s.bun.NewUpdate().Model((*OutboxRecord)(nil)).
			Set("state = ?", StatePending).
			Set("attempts = 0").
			Set("next_attempt_at = ?", nowMillis()).
			Set("updated_at = ?", nowMillis()).
			Where("id = ? AND state = ?", id, StateDeadLetter).
			Exec(ctx)
	})
	if err != nil {
		return fmt.Errorf("outbox retry %d: %w", id, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("outbox entry %d: %w (not in dead_letter)", id, common.ErrNotFound)
	}
	return nil
}

// OutboxEntry returns a single outbox entry by id.
func (s *Store) OutboxEntry(ctx context.Context, id int64) (*OutboxRecord, error) {
	rec := new(OutboxRecord)
	err := s.bun.NewSelect().Model(rec).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// DeadLetters returns dead-letter entries, newest first.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]OutboxRecord, error) {
	var recs []OutboxRecord
	q := s.bun.NewSelect().Model(&recs).
		Where("state = ?", StateDeadLetter).
		Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("outbox dead letters: %w", err)
	}
	return recs, nil
}

// Stats summarizes WAL/outbox state. An empty mount selects all mounts.
func (s *Store) Stats(ctx context.Context, mount string) (Stats, error) {
	var stats Stats

	unapplied, err := s.UnappliedCount(ctx, mount)
	if err != nil {
		return stats, err
	}
	stats.WalUnapplied = unapplied

	type row struct {
		State    string `bun:"state"`
		Retrying int64  `bun:"retrying"`
		N        int64  `bun:"n"`
	}
	var rows []row
	q := s.bun.NewSelect().Model((*OutboxRecord)(nil)).
		ColumnExpr("state").
		ColumnExpr("SUM(CASE WHEN attempts > 0 AND state = ? THEN 1 ELSE 0 END) AS retrying", StatePending).
		ColumnExpr("COUNT(*) AS n").
		Group("state")
	if mount != "" {
		q = q.Where("mount_path = ?", mount)
	}
	if err := q.Scan(ctx, &rows); err != nil {
		return stats, fmt.Errorf("outbox stats: %w", err)
	}
	for _, r := range rows {
		switch r.State {
		case StatePending:
			stats.Pending = r.N
			stats.Retrying = r.Retrying
		case StateProcessing:
			stats.Processing = r.N
		case StateComplete:
			stats.Complete = r.N
		case StateDeadLetter:
			stats.DeadLetter = r.N
		}
	}
	return stats, nil
}
