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

package vfs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratafs/internal/backend"
	"stratafs/internal/common"
	"stratafs/internal/config"
)

func fastSync() config.SyncConfig {
	return config.SyncConfig{
		MaxRetries:    3,
		BaseBackoff:   config.Duration(time.Millisecond),
		Backoff:       config.BackoffFixed,
		StuckTimeout:  config.Duration(time.Minute),
		DrainInterval: config.Duration(5 * time.Millisecond),
		DrainBatch:    16,
		OpTimeout:     config.Duration(time.Second),
		Conflict:      config.ConflictLastWriteWins,
	}
}

func testVFS(t *testing.T) (*VFS, map[string]backend.Backend) {
	t.Helper()
	cfg := &config.Config{
		StateFile: filepath.Join(t.TempDir(), "state.db"),
		Mounts: []config.MountConfig{
			{
				Path:    "/fast",
				Backend: "local",
				Mode:    config.SyncWriteBack,
				Cache:   &config.CacheConfig{MaxEntries: 64, TTL: config.Duration(time.Minute)},
				Sync:    fastSync(),
			},
			{
				Path:    "/direct",
				Backend: "remote",
				Mode:    config.SyncNone,
				Sync:    fastSync(),
			},
			{
				Path:     "/archive",
				Backend:  "remote",
				Mode:     config.SyncNone,
				ReadOnly: true,
				Sync:     fastSync(),
			},
		},
	}
	backends := map[string]backend.Backend{
		"local":  backend.NewMemory(),
		"remote": backend.NewMemory(),
	}
	v, err := New(cfg, backends)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v, backends
}

func TestRoutingAcrossMounts(t *testing.T) {
	ctx := context.Background()
	v, _ := testVFS(t)

	require.NoError(t, v.Write(ctx, "/fast/a.txt", []byte("fast")))
	require.NoError(t, v.Write(ctx, "/direct/b.txt", []byte("direct")))

	data, err := v.Read(ctx, "/fast/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("fast"), data)

	data, err = v.Read(ctx, "/direct/b.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("direct"), data)

	_, err = v.Read(ctx, "/nowhere/c.txt")
	assert.True(t, errors.Is(err, common.ErrNoMount))
}

func TestReadOnlyMountRejectsWrites(t *testing.T) {
	ctx := context.Background()
	v, backends := testVFS(t)

	// Seed the shared backend directly; reads through the mount work.
	require.NoError(t, backends["remote"].Write(ctx, "doc.txt", []byte("kept")))
	data, err := v.Read(ctx, "/archive/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), data)

	assert.True(t, errors.Is(v.Write(ctx, "/archive/doc.txt", []byte("x")), common.ErrReadOnly))
	assert.True(t, errors.Is(v.Delete(ctx, "/archive/doc.txt"), common.ErrReadOnly))
	assert.True(t, errors.Is(v.Rename(ctx, "/archive/doc.txt", "/archive/e.txt"), common.ErrReadOnly))
}

func TestListStatExists(t *testing.T) {
	ctx := context.Background()
	v, _ := testVFS(t)

	require.NoError(t, v.Write(ctx, "/direct/docs/a.txt", []byte("a")))
	require.NoError(t, v.Write(ctx, "/direct/docs/b.txt", []byte("bb")))

	entries, err := v.List(ctx, "/direct/docs")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	info, err := v.Stat(ctx, "/direct/docs/b.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Size)

	ok, err := v.Exists(ctx, "/direct/docs")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Exists(ctx, "/direct/none")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRenameWithinMount(t *testing.T) {
	ctx := context.Background()
	v, _ := testVFS(t)

	require.NoError(t, v.Write(ctx, "/direct/a.txt", []byte("v")))
	require.NoError(t, v.Rename(ctx, "/direct/a.txt", "/direct/b.txt"))

	_, err := v.Read(ctx, "/direct/a.txt")
	assert.True(t, errors.Is(err, common.ErrNotFound))
	data, err := v.Read(ctx, "/direct/b.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}

func TestRenameAcrossMounts(t *testing.T) {
	ctx := context.Background()
	v, backends := testVFS(t)

	require.NoError(t, v.Write(ctx, "/fast/move.txt", []byte("payload")))
	require.NoError(t, v.Flush(ctx))

	require.NoError(t, v.Rename(ctx, "/fast/move.txt", "/direct/moved.txt"))
	require.NoError(t, v.Flush(ctx))

	data, err := v.Read(ctx, "/direct/moved.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	_, err = v.Read(ctx, "/fast/move.txt")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	// Source backend no longer holds the file.
	ok, err := backends["local"].Exists(ctx, "move.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncStatusesAndFlush(t *testing.T) {
	ctx := context.Background()
	v, backends := testVFS(t)

	require.NoError(t, v.Write(ctx, "/fast/f.txt", []byte("x")))

	statuses, err := v.SyncStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	var fast *struct {
		pending int64
		mode    config.SyncMode
	}
	for _, st := range statuses {
		if st.Mount == "/fast" {
			fast = &struct {
				pending int64
				mode    config.SyncMode
			}{st.Store.Pending, st.Mode}
		}
	}
	require.NotNil(t, fast)
	assert.Equal(t, config.SyncWriteBack, fast.mode)
	assert.Equal(t, int64(1), fast.pending)

	require.NoError(t, v.Flush(ctx))
	data, err := backends["local"].Read(ctx, "f.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestCheckpointThroughFacade(t *testing.T) {
	ctx := context.Background()
	v, _ := testVFS(t)

	require.NoError(t, v.Write(ctx, "/fast/f.txt", []byte("x")))
	require.NoError(t, v.Flush(ctx))

	// Everything applied; a zero-age config would prune, but the default
	// 24h horizon keeps fresh entries.
	res, err := v.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.WalPruned)
}

func TestUnknownBackendRejected(t *testing.T) {
	cfg := &config.Config{
		Mounts: []config.MountConfig{
			{Path: "/x", Backend: "ghost", Mode: config.SyncNone, Sync: fastSync()},
		},
	}
	_, err := New(cfg, map[string]backend.Backend{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestClosedVFSRejectsOperations(t *testing.T) {
	ctx := context.Background()
	v, _ := testVFS(t)
	require.NoError(t, v.Close())

	_, err := v.Read(ctx, "/fast/f.txt")
	assert.True(t, errors.Is(err, common.ErrClosed))
	assert.True(t, errors.Is(v.Write(ctx, "/fast/f.txt", nil), common.ErrClosed))

	// Close is idempotent.
	require.NoError(t, v.Close())
}

func TestMetricsObserved(t *testing.T) {
	ctx := context.Background()
	v, _ := testVFS(t)

	require.NoError(t, v.Write(ctx, "/direct/f.txt", []byte("x")))
	_, err := v.Read(ctx, "/direct/f.txt")
	require.NoError(t, err)
	_, err = v.Read(ctx, "/nowhere/f.txt")
	require.Error(t, err)

	snap := v.Metrics()
	assert.Equal(t, int64(1), snap["write"].Count)
	assert.Equal(t, int64(2), snap["read"].Count)
	assert.Equal(t, int64(1), snap["read"].Errors)
}

func TestBackgroundDrainViaStart(t *testing.T) {
	ctx := context.Background()
	v, backends := testVFS(t)
	require.NoError(t, v.Start(ctx))

	require.NoError(t, v.Write(ctx, "/fast/bg.txt", []byte("drained")))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ok, _ := backends["local"].Exists(ctx, "bg.txt"); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background drain never propagated the write")
}
