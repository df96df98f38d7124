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

// Package vfs is the facade front-ends consume: one VFS instance per
// configuration, wiring router, per-mount sync engines, the shared state
// store, and metrics. All collaborators are injected at construction;
// lifecycle is explicit via Start/Close.
package vfs

import (
	"context"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"stratafs/internal/backend"
	"stratafs/internal/common"
	"stratafs/internal/config"
	"stratafs/internal/metrics"
	"stratafs/internal/router"
	syncpkg "stratafs/internal/sync"
	"stratafs/internal/wal"
)

// VFS routes path-addressed operations to per-mount sync engines.
type VFS struct {
	cfg     *config.Config
	store   *wal.Store // nil when no mount has sync enabled
	table   *router.Table
	engines map[string]*syncpkg.Engine // keyed by normalized mount path
	met     *metrics.Metrics
	log     *log.Entry
	closed  atomic.Bool
}

// New builds a VFS from validated configuration and a backend registry.
// Every mount's backend id must be present in backends.
func New(cfg *config.Config, backends map[string]backend.Backend) (*VFS, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var store *wal.Store
	if cfg.SyncNeeded() {
		var err error
		store, err = wal.Open(cfg.StateFile, wal.Options{
			BusyTimeoutMillis:   cfg.WAL.BusyTimeoutMillis,
			AutoCheckpointEvery: cfg.WAL.AutoCheckpointEvery,
			CheckpointMaxAge:    cfg.WAL.CheckpointMaxAge.Std(),
		})
		if err != nil {
			return nil, err
		}
	}

	v := &VFS{
		cfg:     cfg,
		store:   store,
		engines: make(map[string]*syncpkg.Engine, len(cfg.Mounts)),
		met:     metrics.New(),
		log:     log.WithField("component", "vfs"),
	}

	mounts := make([]*router.Mount, 0, len(cfg.Mounts))
	for i := range cfg.Mounts {
		mc := cfg.Mounts[i]
		b, ok := backends[mc.Backend]
		if !ok {
			v.teardown()
			return nil, fmt.Errorf("vfs: mount %s references unknown backend %q", mc.Path, mc.Backend)
		}
		var engineStore *wal.Store
		if mc.SyncEnabled() {
			engineStore = store
		}
		engine, err := syncpkg.New(mc, b, engineStore)
		if err != nil {
			v.teardown()
			return nil, err
		}
		v.engines[mc.Path] = engine
		mounts = append(mounts, &router.Mount{
			Path:     mc.Path,
			ReadOnly: !mc.Writable(),
		})
	}

	table, err := router.New(mounts)
	if err != nil {
		v.teardown()
		return nil, err
	}
	v.table = table
	return v, nil
}

// Start runs startup recovery on every mount and launches background
// drain workers. Recovery failures are logged per mount, never fatal.
func (v *VFS) Start(ctx context.Context) error {
	for _, e := range v.engines {
		if err := e.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops background workers and releases the state store. Pending
// outbox entries stay durable and resume on the next Start.
func (v *VFS) Close() error {
	if !v.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, e := range v.engines {
		e.Stop()
	}
	if v.store != nil {
		return v.store.Close()
	}
	return nil
}

func (v *VFS) teardown() {
	for _, e := range v.engines {
		e.Stop()
	}
	if v.store != nil {
		v.store.Close()
	}
}

func (v *VFS) engineFor(m *router.Mount) *syncpkg.Engine {
	return v.engines[m.Path]
}

// --- Operations ---

func (v *VFS) Read(ctx context.Context, path string) (data []byte, err error) {
	done := v.met.Timer("read")
	defer func() { done(err) }()
	if v.closed.Load() {
		return nil, common.ErrClosed
	}
	m, rel, err := v.table.Resolve(path)
	if err != nil {
		return nil, err
	}
	return v.engineFor(m).Read(ctx, rel)
}

func (v *VFS) Write(ctx context.Context, path string, data []byte) (err error) {
	done := v.met.Timer("write")
	defer func() { done(err) }()
	if v.closed.Load() {
		return common.ErrClosed
	}
	m, rel, err := v.table.ResolveWrite(path)
	if err != nil {
		return err
	}
	return v.engineFor(m).Write(ctx, rel, data)
}

func (v *VFS) Append(ctx context.Context, path string, data []byte) (err error) {
	done := v.met.Timer("append")
	defer func() { done(err) }()
	if v.closed.Load() {
		return common.ErrClosed
	}
	m, rel, err := v.table.ResolveWrite(path)
	if err != nil {
		return err
	}
	return v.engineFor(m).Append(ctx, rel, data)
}

func (v *VFS) Delete(ctx context.Context, path string) (err error) {
	done := v.met.Timer("delete")
	defer func() { done(err) }()
	if v.closed.Load() {
		return common.ErrClosed
	}
	m, rel, err := v.table.ResolveWrite(path)
	if err != nil {
		return err
	}
	return v.engineFor(m).Delete(ctx, rel)
}

func (v *VFS) List(ctx context.Context, path string) (entries []backend.Entry, err error) {
	done := v.met.Timer("list")
	defer func() { done(err) }()
	if v.closed.Load() {
		return nil, common.ErrClosed
	}
	m, rel, err := v.table.Resolve(path)
	if err != nil {
		return nil, err
	}
	return v.engineFor(m).List(ctx, rel)
}

func (v *VFS) Stat(ctx context.Context, path string) (info *backend.Entry, err error) {
	done := v.met.Timer("stat")
	defer func() { done(err) }()
	if v.closed.Load() {
		return nil, common.ErrClosed
	}
	m, rel, err := v.table.Resolve(path)
	if err != nil {
		return nil, err
	}
	return v.engineFor(m).Stat(ctx, rel)
}

func (v *VFS) Exists(ctx context.Context, path string) (ok bool, err error) {
	done := v.met.Timer("exists")
	defer func() { done(err) }()
	if v.closed.Load() {
		return false, common.ErrClosed
	}
	m, rel, err := v.table.Resolve(path)
	if err != nil {
		return false, err
	}
	return v.engineFor(m).Exists(ctx, rel)
}

// Rename moves from to to. Within one mount it is a single logged
// operation; across mounts it degrades to read + write + delete.
func (v *VFS) Rename(ctx context.Context, from, to string) (err error) {
	done := v.met.Timer("rename")
	defer func() { done(err) }()
	if v.closed.Load() {
		return common.ErrClosed
	}
	srcMount, srcRel, err := v.table.ResolveWrite(from)
	if err != nil {
		return err
	}
	dstMount, dstRel, err := v.table.ResolveWrite(to)
	if err != nil {
		return err
	}
	if srcMount.Path == dstMount.Path {
		return v.engineFor(srcMount).Rename(ctx, srcRel, dstRel)
	}

	src := v.engineFor(srcMount)
	dst := v.engineFor(dstMount)
	data, err := src.Read(ctx, srcRel)
	if err != nil {
		return err
	}
	if err := dst.Write(ctx, dstRel, data); err != nil {
		return err
	}
	return src.Delete(ctx, srcRel)
}

// --- Introspection and maintenance ---

// SyncStatuses reports per-mount sync state, most specific mount first.
func (v *VFS) SyncStatuses(ctx context.Context) ([]syncpkg.Status, error) {
	statuses := make([]syncpkg.Status, 0, len(v.engines))
	for _, m := range v.table.Mounts() {
		st, err := v.engineFor(m).Status(ctx)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// Flush synchronously drains every currently-due outbox entry.
func (v *VFS) Flush(ctx context.Context) error {
	for _, e := range v.engines {
		if err := e.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint prunes applied WAL entries and completed outbox entries per
// the configured max age.
func (v *VFS) Checkpoint(ctx context.Context) (wal.CheckpointResult, error) {
	if v.store == nil {
		return wal.CheckpointResult{}, nil
	}
	return v.store.Checkpoint(ctx, v.cfg.WAL.CheckpointMaxAge.Std())
}

// RetryDeadLetter re-queues a dead-letter outbox entry.
func (v *VFS) RetryDeadLetter(ctx context.Context, id int64) error {
	if v.store == nil {
		return common.ErrNotFound
	}
	return v.store.RetryDeadLetter(ctx, id)
}

// DeadLetters lists dead-letter entries for operator inspection.
func (v *VFS) DeadLetters(ctx context.Context, limit int) ([]wal.OutboxRecord, error) {
	if v.store == nil {
		return nil, nil
	}
	return v.store.DeadLetters(ctx, limit)
}

// Metrics returns an operation-level stats snapshot.
func (v *VFS) Metrics() map[string]metrics.OpStats {
	return v.met.Snapshot()
}
