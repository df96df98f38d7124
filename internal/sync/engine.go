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

// Package sync orchestrates router, cache, WAL and outbox per mount
// according to the mount's sync mode. Each Engine owns one mount; all
// state is injected at construction — no globals.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"stratafs/internal/backend"
	"stratafs/internal/cache"
	"stratafs/internal/common"
	"stratafs/internal/config"
	"stratafs/internal/wal"
)

// Engine drives one mount. Reads go cache-first; the write path depends
// on the configured sync mode:
//
//	none:          backend direct, no WAL
//	write_through: WAL log, backend write (must succeed), mark applied
//	write_back:    WAL log, cache put, outbox enqueue, ack immediately
//	pull_mirror:   fetch-on-miss reads, writes rejected
type Engine struct {
	mount    config.MountConfig
	backend  backend.Backend
	store    *wal.Store // nil for mounts without sync
	content  *cache.ContentCache
	attrs    *cache.AttrCache
	policy   wal.RetryPolicy
	claimant string
	log      *log.Entry

	synced   atomic.Int64
	failed   atomic.Int64
	retries  atomic.Int64
	lastSync atomic.Int64 // unix millis, 0 = never

	mu     stdsync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an engine for one mount. store may be nil only when the
// mount's mode does not use the WAL/outbox pair.
func New(mount config.MountConfig, b backend.Backend, store *wal.Store) (*Engine, error) {
	if mount.SyncEnabled() && store == nil {
		return nil, fmt.Errorf("sync: mount %s mode %s requires a state store", mount.Path, mount.Mode)
	}
	e := &Engine{
		mount:    mount,
		backend:  b,
		store:    store,
		claimant: uuid.NewString(),
		policy: wal.RetryPolicy{
			MaxRetries: mount.Sync.MaxRetries,
			Base:       mount.Sync.BaseBackoff.Std(),
			Strategy:   mount.Sync.Backoff,
		},
		log: log.WithFields(log.Fields{"component": "sync", "mount": mount.Path}),
	}
	if cc := mount.Cache; cc != nil {
		e.content = cache.NewContentCache(cc.MaxEntries, cc.MaxSizeBytes, cc.TTL.Std())
		e.attrs = cache.NewAttrCache(cc.TTL.Std(), cc.MaxEntries)
	}
	return e, nil
}

// Mount returns the engine's mount configuration.
func (e *Engine) Mount() config.MountConfig { return e.mount }

// Start runs startup recovery and, for write-back mounts, launches the
// background drain worker. The worker is supervised: Stop (or ctx
// cancellation) shuts it down and waits for it to finish.
func (e *Engine) Start(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	if err := e.Recover(ctx); err != nil {
		// Recovery problems are surfaced but never block startup: a broken
		// mount must not take the rest of the VFS down with it.
		e.log.WithError(err).Warn("startup recovery incomplete")
	}
	if e.mount.Mode == config.SyncWriteBack {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.cancel != nil {
			return nil
		}
		drainCtx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.done = make(chan struct{})
		go e.runDrain(drainCtx)
	}
	return nil
}

// Stop cancels the drain worker and waits for it to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if e.attrs != nil {
		e.attrs.Close()
	}
}

// --- Read path ---

// Read returns file content, cache-first. Cache problems degrade to a
// backend fetch; the cache is an optimization, never a correctness
// dependency.
func (e *Engine) Read(ctx context.Context, rel string) ([]byte, error) {
	if e.content != nil {
		if data, ok := e.content.Get(rel); ok {
			return data, nil
		}
	}
	data, err := e.backend.Read(ctx, rel)
	if err != nil {
		return nil, err
	}
	if e.content != nil {
		e.content.Put(rel, data)
	}
	return data, nil
}

// List passes through to the backend.
func (e *Engine) List(ctx context.Context, rel string) ([]backend.Entry, error) {
	return e.backend.List(ctx, rel)
}

// Stat returns attributes, consulting the attribute cache first.
func (e *Engine) Stat(ctx context.Context, rel string) (*backend.Entry, error) {
	if e.attrs != nil {
		if info := e.attrs.Get(rel); info != nil {
			return info, nil
		}
	}
	info, err := e.backend.Stat(ctx, rel)
	if err != nil {
		return nil, err
	}
	if e.attrs != nil {
		e.attrs.Set(rel, *info)
	}
	return info, nil
}

// Exists passes through to the backend.
func (e *Engine) Exists(ctx context.Context, rel string) (bool, error) {
	return e.backend.Exists(ctx, rel)
}

// Warm pre-populates the content cache.
func (e *Engine) Warm(ctx context.Context, rels []string) {
	for _, rel := range rels {
		if _, err := e.Read(ctx, rel); err != nil {
			e.log.WithError(err).WithField("path", rel).Debug("cache warm-up skipped entry")
		}
	}
}

// --- Write path ---

// Write stores content at rel according to the mount's sync mode. Under
// write_back the call returns as soon as the intent is durably logged and
// enqueued; remote propagation is asynchronous.
func (e *Engine) Write(ctx context.Context, rel string, data []byte) error {
	if !e.mount.Writable() {
		return fmt.Errorf("%w: %s", common.ErrReadOnly, e.mount.Path)
	}
	switch e.mount.Mode {
	case config.SyncWriteThrough:
		return e.writeThrough(ctx, wal.OpWrite, rel, "", data)
	case config.SyncWriteBack:
		return e.writeBack(ctx, wal.OpWrite, rel, "", data, true)
	default:
		e.invalidate(rel)
		return e.backend.Write(ctx, rel, data)
	}
}

// Append adds data to the end of rel. Under write_back the current local
// view is merged so the outbox always carries full final content —
// upsert-by-path cannot express partial appends.
func (e *Engine) Append(ctx context.Context, rel string, data []byte) error {
	if !e.mount.Writable() {
		return fmt.Errorf("%w: %s", common.ErrReadOnly, e.mount.Path)
	}
	switch e.mount.Mode {
	case config.SyncWriteThrough:
		return e.writeThrough(ctx, wal.OpAppend, rel, "", data)
	case config.SyncWriteBack:
		current, err := e.Read(ctx, rel)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		merged := make([]byte, 0, len(current)+len(data))
		merged = append(merged, current...)
		merged = append(merged, data...)
		return e.writeBack(ctx, wal.OpWrite, rel, "", merged, true)
	default:
		e.invalidate(rel)
		return e.backend.Append(ctx, rel, data)
	}
}

// Delete removes rel.
func (e *Engine) Delete(ctx context.Context, rel string) error {
	if !e.mount.Writable() {
		return fmt.Errorf("%w: %s", common.ErrReadOnly, e.mount.Path)
	}
	switch e.mount.Mode {
	case config.SyncWriteThrough:
		return e.writeThrough(ctx, wal.OpDelete, rel, "", nil)
	case config.SyncWriteBack:
		return e.writeBack(ctx, wal.OpDelete, rel, "", nil, false)
	default:
		e.invalidateTree(rel)
		return e.backend.Delete(ctx, rel)
	}
}

// Rename moves rel to newRel within the mount.
func (e *Engine) Rename(ctx context.Context, rel, newRel string) error {
	if !e.mount.Writable() {
		return fmt.Errorf("%w: %s", common.ErrReadOnly, e.mount.Path)
	}
	switch e.mount.Mode {
	case config.SyncWriteThrough:
		return e.writeThrough(ctx, wal.OpRename, rel, newRel, nil)
	case config.SyncWriteBack:
		return e.writeBack(ctx, wal.OpRename, rel, newRel, nil, false)
	default:
		e.invalidateTree(rel)
		e.invalidateTree(newRel)
		return e.backend.Rename(ctx, rel, newRel)
	}
}

// writeThrough durably logs intent, applies to the backend synchronously,
// and marks the entry applied. A backend failure leaves the entry
// unapplied for startup replay, and the caller sees the error.
func (e *Engine) writeThrough(ctx context.Context, op, rel, renameTo string, data []byte) error {
	walID, err := e.store.Append(ctx, e.mount.Path, op, rel, renameTo, data)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	e.invalidateFor(op, rel, renameTo)
	if err := e.apply(ctx, op, rel, renameTo, data); err != nil {
		return err
	}
	if err := e.store.MarkApplied(ctx, walID); err != nil {
		e.log.WithError(err).WithField("wal_id", walID).Warn("mark applied failed")
	}
	if op == wal.OpWrite && e.content != nil {
		e.content.Put(rel, data)
	}
	e.synced.Add(1)
	e.lastSync.Store(time.Now().UnixMilli())
	return nil
}

// writeBack durably logs intent, updates the local cache view, enqueues
// the outbox entry and acks. Losing the process here loses nothing: the
// WAL has the entry.
func (e *Engine) writeBack(ctx context.Context, op, rel, renameTo string, data []byte, cachePut bool) error {
	walID, err := e.store.Append(ctx, e.mount.Path, op, rel, renameTo, data)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	if cachePut && e.content != nil {
		e.content.Put(rel, data)
		if e.attrs != nil {
			e.attrs.Invalidate(rel)
		}
	} else {
		e.invalidateFor(op, rel, renameTo)
	}
	if _, err := e.store.Enqueue(ctx, e.mount.Path, rel, op, renameTo, data, walID); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIO, err)
	}
	return nil
}

// apply performs one operation against the backend with the configured
// per-op timeout. Deleting or renaming an already-gone path counts as
// success: replays are at-least-once.
func (e *Engine) apply(ctx context.Context, op, rel, renameTo string, data []byte) error {
	opCtx := ctx
	if t := e.mount.Sync.OpTimeout.Std(); t > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	switch op {
	case wal.OpWrite:
		return e.backend.Write(opCtx, rel, data)
	case wal.OpAppend:
		return e.backend.Append(opCtx, rel, data)
	case wal.OpDelete:
		err := e.backend.Delete(opCtx, rel)
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	case wal.OpRename:
		err := e.backend.Rename(opCtx, rel, renameTo)
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
}

func (e *Engine) invalidate(rel string) {
	if e.content != nil {
		e.content.Invalidate(rel)
	}
	if e.attrs != nil {
		e.attrs.Invalidate(rel)
	}
}

func (e *Engine) invalidateTree(rel string) {
	if e.content != nil {
		e.content.InvalidatePrefix(rel)
	}
	if e.attrs != nil {
		e.attrs.InvalidatePrefix(rel)
	}
}

func (e *Engine) invalidateFor(op, rel, renameTo string) {
	switch op {
	case wal.OpDelete:
		e.invalidateTree(rel)
	case wal.OpRename:
		e.invalidateTree(rel)
		e.invalidateTree(renameTo)
	default:
		e.invalidate(rel)
	}
}

// --- Status ---

// Status reports the mount's sync state: in-memory counters plus the
// durable WAL/outbox breakdown.
type Status struct {
	Mount    string
	Mode     config.SyncMode
	Synced   int64
	Failed   int64
	Retries  int64
	LastSync time.Time
	Store    wal.Stats
	Cache    *cache.ContentStats
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{
		Mount:   e.mount.Path,
		Mode:    e.mount.Mode,
		Synced:  e.synced.Load(),
		Failed:  e.failed.Load(),
		Retries: e.retries.Load(),
	}
	if ms := e.lastSync.Load(); ms > 0 {
		st.LastSync = time.UnixMilli(ms)
	}
	if e.content != nil {
		cs := e.content.Stats()
		st.Cache = &cs
	}
	if e.store != nil {
		stats, err := e.store.Stats(ctx, e.mount.Path)
		if err != nil {
			return st, err
		}
		st.Store = stats
	}
	return st, nil
}
