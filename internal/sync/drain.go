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
	"time"

	"stratafs/internal/backend"
	"stratafs/internal/config"
	"stratafs/internal/wal"
)

// runDrain is the background outbox worker for a write-back mount. It
// wakes on a ticker, recovers stuck claims, then claims and applies a
// batch of due entries.
func (e *Engine) runDrain(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.mount.Sync.DrainInterval.Std())
	defer ticker.Stop()

	e.log.WithField("interval", e.mount.Sync.DrainInterval.String()).Debug("drain worker started")
	for {
		select {
		case <-ctx.Done():
			e.log.Debug("drain worker stopped")
			return
		case <-ticker.C:
			if _, err := e.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				e.log.WithError(err).Warn("drain pass failed")
			}
		}
	}
}

// DrainOnce runs a single drain pass: recover stuck entries, claim a
// batch of due outbox entries, and apply each to the backend. Returns the
// number of entries claimed. Exposed so tests and Flush can drive the
// drain deterministically.
func (e *Engine) DrainOnce(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	if _, err := e.store.RecoverStuck(ctx, e.mount.Path, e.mount.Sync.StuckTimeout.Std()); err != nil {
		e.log.WithError(err).Warn("stuck-entry recovery failed")
	}

	batch, err := e.store.FetchReady(ctx, e.mount.Path, e.claimant, e.mount.Sync.DrainBatch)
	if err != nil {
		return 0, err
	}
	for i := range batch {
		e.drainEntry(ctx, &batch[i])
	}
	return len(batch), nil
}

// drainEntry applies one claimed outbox entry and settles its state.
func (e *Engine) drainEntry(ctx context.Context, rec *wal.OutboxRecord) {
	err := e.apply(ctx, rec.Op, rec.Path, rec.RenameTo, rec.Payload)
	if err == nil {
		if cerr := e.store.Complete(ctx, rec.ID); cerr != nil {
			e.log.WithError(cerr).WithField("outbox_id", rec.ID).Warn("complete failed")
			return
		}
		if rec.WalID > 0 {
			if merr := e.store.MarkApplied(ctx, rec.WalID); merr != nil {
				e.log.WithError(merr).WithField("wal_id", rec.WalID).Warn("mark applied failed")
			}
		}
		e.synced.Add(1)
		e.lastSync.Store(time.Now().UnixMilli())
		return
	}

	permanent := !backend.IsTransient(err)
	state, ferr := e.store.Fail(ctx, rec.ID, err.Error(), permanent, e.policy)
	if ferr != nil {
		e.log.WithError(ferr).WithField("outbox_id", rec.ID).Warn("fail transition failed")
		return
	}
	if state == wal.StateDeadLetter {
		e.failed.Add(1)
		e.log.WithError(err).WithFields(map[string]interface{}{
			"outbox_id": rec.ID,
			"path":      rec.Path,
			"attempts":  rec.Attempts + 1,
		}).Error("outbox entry dead-lettered")
	} else {
		e.retries.Add(1)
		e.log.WithError(err).WithFields(map[string]interface{}{
			"outbox_id": rec.ID,
			"path":      rec.Path,
		}).Debug("outbox entry scheduled for retry")
	}
}

// Flush synchronously applies every currently-due outbox entry. Entries
// whose backoff schedule puts them in the future are left for the drain
// worker; Flush never waits out a backoff window.
func (e *Engine) Flush(ctx context.Context) error {
	if e.store == nil || e.mount.Mode != config.SyncWriteBack {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := e.DrainOnce(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
