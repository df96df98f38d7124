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

package sync

import (
	"context"
	"fmt"
	"time"

	"stratafs/internal/wal"
)

// Recover replays crash state for this mount: stuck outbox claims revert
// to pending, then every unapplied WAL entry is re-attempted against the
// backend in id order. This guarantees at-least-once local application
// even after a hard crash between log() and the backend write.
//
// A failing entry is left unapplied and later entries touching the same
// path are skipped for this pass — applying them out of order could let a
// stale write clobber a newer one.
func (e *Engine) Recover(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	if _, err := e.store.RecoverStuck(ctx, e.mount.Path, e.mount.Sync.StuckTimeout.Std()); err != nil {
		e.log.WithError(err).Warn("stuck-entry recovery failed")
	}

	entries, err := e.store.Unapplied(ctx, e.mount.Path)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	e.log.WithField("entries", len(entries)).Info("replaying unapplied log entries")

	var firstErr error
	blocked := make(map[string]bool)
	for i := range entries {
		rec := &entries[i]
		if blocked[rec.Path] || (rec.Op == wal.OpRename && blocked[rec.RenameTo]) {
			continue
		}
		if err := e.apply(ctx, rec.Op, rec.Path, rec.RenameTo, rec.Payload); err != nil {
			e.log.WithError(err).WithFields(map[string]interface{}{
				"wal_id": rec.ID,
				"path":   rec.Path,
				"op":     rec.Op,
			}).Warn("replay failed, entry left unapplied")
			blocked[rec.Path] = true
			if rec.Op == wal.OpRename {
				blocked[rec.RenameTo] = true
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := e.store.MarkApplied(ctx, rec.ID); err != nil {
			e.log.WithError(err).WithField("wal_id", rec.ID).Warn("mark applied failed during replay")
			continue
		}
		// The replay already propagated this entry; don't let the outbox
		// send it a second time.
		if err := e.store.CompleteByWalID(ctx, rec.ID); err != nil {
			e.log.WithError(err).WithField("wal_id", rec.ID).Warn("outbox settle failed during replay")
		}
		e.synced.Add(1)
		e.lastSync.Store(time.Now().UnixMilli())
	}
	return firstErr
}
