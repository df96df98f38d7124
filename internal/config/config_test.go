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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
state_file: /tmp/state.db
mounts:
  - path: /data
    backend: mem
    mode: write_back
`))
	require.NoError(t, err)
	require.Len(t, cfg.Mounts, 1)

	m := cfg.Mounts[0]
	assert.Equal(t, "/data", m.Path)
	assert.Equal(t, DefaultMaxRetries, m.Sync.MaxRetries)
	assert.Equal(t, 2*time.Second, m.Sync.BaseBackoff.Std())
	assert.Equal(t, BackoffExponential, m.Sync.Backoff)
	assert.Equal(t, 5*time.Minute, m.Sync.StuckTimeout.Std())
	assert.Equal(t, ConflictLastWriteWins, m.Sync.Conflict)
	assert.Equal(t, DefaultAutoCheckpointEvery, cfg.WAL.AutoCheckpointEvery)
	assert.Equal(t, 24*time.Hour, cfg.WAL.CheckpointMaxAge.Std())
	assert.True(t, m.SyncEnabled())
	assert.True(t, m.Writable())
}

func TestParseDurationForms(t *testing.T) {
	cfg, err := Parse([]byte(`
state_file: /tmp/state.db
mounts:
  - path: /a
    backend: mem
    mode: write_back
    sync:
      base_backoff: 500ms
      stuck_timeout: 300
`))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Mounts[0].Sync.BaseBackoff.Std())
	assert.Equal(t, 300*time.Second, cfg.Mounts[0].Sync.StuckTimeout.Std())
}

func TestValidateRejectsOverlap(t *testing.T) {
	_, err := Parse([]byte(`
mounts:
  - path: /data
    backend: mem
  - path: /data/special
    backend: mem
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlapping")
}

func TestValidateRejectsDuplicate(t *testing.T) {
	_, err := Parse([]byte(`
mounts:
  - path: /data
    backend: mem
  - path: /data/
    backend: mem
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	_, err := Parse([]byte(`
mounts:
  - path: /data
    backend: mem
    mode: replicate
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sync mode")
}

func TestValidateRejectsUnsupportedConflictPolicy(t *testing.T) {
	_, err := Parse([]byte(`
state_file: /tmp/state.db
mounts:
  - path: /data
    backend: mem
    mode: write_back
    sync:
      conflict: vector_clock
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict policy")
}

func TestValidateRequiresStateFileForSync(t *testing.T) {
	_, err := Parse([]byte(`
mounts:
  - path: /data
    backend: mem
    mode: write_back
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state_file")
}

func TestPullMirrorNotWritable(t *testing.T) {
	cfg, err := Parse([]byte(`
mounts:
  - path: /mirror
    backend: mem
    mode: pull_mirror
`))
	require.NoError(t, err)
	assert.False(t, cfg.Mounts[0].Writable())
	assert.False(t, cfg.Mounts[0].SyncEnabled())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strata.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mounts:
  - path: /local
    backend: mem
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, SyncNone, cfg.Mounts[0].Mode)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
