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

// Package config defines the mount table and sync policy configuration.
// Mounts are validated strictly at load time and immutable afterwards;
// there is no live remount.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"stratafs/internal/common"
)

// SyncMode selects how writes on a mount reach the backend.
type SyncMode string

const (
	SyncNone         SyncMode = "none"
	SyncWriteThrough SyncMode = "write_through"
	SyncWriteBack    SyncMode = "write_back"
	SyncPullMirror   SyncMode = "pull_mirror"
)

func (m SyncMode) Valid() bool {
	switch m {
	case SyncNone, SyncWriteThrough, SyncWriteBack, SyncPullMirror:
		return true
	}
	return false
}

// BackoffStrategy selects the outbox retry delay curve.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

func (s BackoffStrategy) Valid() bool {
	switch s {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return true
	}
	return false
}

// ConflictPolicy is an explicit policy point in the sync engine. Only
// last-write-wins is implemented; the enum exists so the limitation is a
// visible configuration decision rather than a silent default.
type ConflictPolicy string

const ConflictLastWriteWins ConflictPolicy = "last_write_wins"

// CacheConfig controls the per-mount content cache. A nil CacheConfig
// disables caching for the mount.
type CacheConfig struct {
	MaxEntries   int      `yaml:"max_entries"`
	MaxSizeBytes int64    `yaml:"max_size_bytes"`
	TTL          Duration `yaml:"ttl"`
}

// SyncConfig controls the WAL/outbox behavior of a single mount.
type SyncConfig struct {
	MaxRetries    int             `yaml:"max_retries"`
	BaseBackoff   Duration        `yaml:"base_backoff"`
	Backoff       BackoffStrategy `yaml:"backoff"`
	StuckTimeout  Duration        `yaml:"stuck_timeout"`
	DrainInterval Duration        `yaml:"drain_interval"`
	DrainBatch    int             `yaml:"drain_batch"`
	OpTimeout     Duration        `yaml:"op_timeout"`
	Conflict      ConflictPolicy  `yaml:"conflict"`
}

// MountConfig binds a virtual path prefix to a backend plus policy.
type MountConfig struct {
	Path     string       `yaml:"path"`
	Backend  string       `yaml:"backend"`
	Mode     SyncMode     `yaml:"mode"`
	ReadOnly bool         `yaml:"read_only"`
	Cache    *CacheConfig `yaml:"cache"`
	Sync     SyncConfig   `yaml:"sync"`
}

// SyncEnabled reports whether the mount uses the WAL/outbox pair.
func (m *MountConfig) SyncEnabled() bool {
	return m.Mode == SyncWriteThrough || m.Mode == SyncWriteBack
}

// Writable reports whether write-class operations are allowed at all.
func (m *MountConfig) Writable() bool {
	return !m.ReadOnly && m.Mode != SyncPullMirror
}

// WALConfig controls checkpointing of the durable state store.
type WALConfig struct {
	BusyTimeoutMillis   int      `yaml:"busy_timeout_ms"`
	AutoCheckpointEvery int      `yaml:"auto_checkpoint_every"`
	CheckpointMaxAge    Duration `yaml:"checkpoint_max_age"`
}

// Config is the full VFS instance configuration.
type Config struct {
	StateFile string        `yaml:"state_file"`
	WAL       WALConfig     `yaml:"wal"`
	Mounts    []MountConfig `yaml:"mounts"`
}

// Defaults mirroring the upstream sync profile.
const (
	DefaultMaxRetries          = 5
	DefaultBaseBackoff         = 2 * time.Second
	DefaultStuckTimeout        = 5 * time.Minute
	DefaultDrainInterval       = 1 * time.Second
	DefaultDrainBatch          = 16
	DefaultOpTimeout           = 30 * time.Second
	DefaultBusyTimeoutMillis   = 30000
	DefaultAutoCheckpointEvery = 500
	DefaultCheckpointMaxAge    = 24 * time.Hour
	DefaultCacheEntries        = 1024
	DefaultCacheTTL            = 5 * time.Minute
)

// ApplyDefaults fills zero-valued fields in place.
func (c *Config) ApplyDefaults() {
	if c.WAL.BusyTimeoutMillis == 0 {
		c.WAL.BusyTimeoutMillis = DefaultBusyTimeoutMillis
	}
	if c.WAL.AutoCheckpointEvery == 0 {
		c.WAL.AutoCheckpointEvery = DefaultAutoCheckpointEvery
	}
	if c.WAL.CheckpointMaxAge == 0 {
		c.WAL.CheckpointMaxAge = Duration(DefaultCheckpointMaxAge)
	}
	for i := range c.Mounts {
		m := &c.Mounts[i]
		m.Path = common.NormalizeVirtualPath(m.Path)
		if m.Mode == "" {
			m.Mode = SyncNone
		}
		if m.Sync.MaxRetries == 0 {
			m.Sync.MaxRetries = DefaultMaxRetries
		}
		if m.Sync.BaseBackoff == 0 {
			m.Sync.BaseBackoff = Duration(DefaultBaseBackoff)
		}
		if m.Sync.Backoff == "" {
			m.Sync.Backoff = BackoffExponential
		}
		if m.Sync.StuckTimeout == 0 {
			m.Sync.StuckTimeout = Duration(DefaultStuckTimeout)
		}
		if m.Sync.DrainInterval == 0 {
			m.Sync.DrainInterval = Duration(DefaultDrainInterval)
		}
		if m.Sync.DrainBatch == 0 {
			m.Sync.DrainBatch = DefaultDrainBatch
		}
		if m.Sync.OpTimeout == 0 {
			m.Sync.OpTimeout = Duration(DefaultOpTimeout)
		}
		if m.Sync.Conflict == "" {
			m.Sync.Conflict = ConflictLastWriteWins
		}
		if m.Cache != nil {
			if m.Cache.MaxEntries == 0 {
				m.Cache.MaxEntries = DefaultCacheEntries
			}
			if m.Cache.TTL == 0 {
				m.Cache.TTL = Duration(DefaultCacheTTL)
			}
		}
	}
}

// Validate checks the mount table for structural problems. Mount paths must
// be unique and non-overlapping: overlap is rejected here even though the
// router itself would tolerate it via longest-prefix-wins.
func (c *Config) Validate() error {
	if len(c.Mounts) == 0 {
		return fmt.Errorf("config: no mounts defined")
	}
	seen := make(map[string]bool, len(c.Mounts))
	for i := range c.Mounts {
		m := &c.Mounts[i]
		if m.Backend == "" {
			return fmt.Errorf("config: mount %s: backend id required", m.Path)
		}
		if !m.Mode.Valid() {
			return fmt.Errorf("config: mount %s: unknown sync mode %q", m.Path, m.Mode)
		}
		if !m.Sync.Backoff.Valid() {
			return fmt.Errorf("config: mount %s: unknown backoff strategy %q", m.Path, m.Sync.Backoff)
		}
		if m.Sync.Conflict != ConflictLastWriteWins {
			return fmt.Errorf("config: mount %s: unsupported conflict policy %q (only %q is implemented)",
				m.Path, m.Sync.Conflict, ConflictLastWriteWins)
		}
		if m.Sync.MaxRetries < 1 {
			return fmt.Errorf("config: mount %s: max_retries must be >= 1", m.Path)
		}
		if seen[m.Path] {
			return fmt.Errorf("config: duplicate mount path %s", m.Path)
		}
		seen[m.Path] = true
	}
	for i := range c.Mounts {
		for j := range c.Mounts {
			if i == j {
				continue
			}
			a, b := c.Mounts[i].Path, c.Mounts[j].Path
			if common.IsPathPrefix(a, b) {
				return fmt.Errorf("config: overlapping mounts %s and %s", a, b)
			}
		}
	}
	if c.SyncNeeded() && c.StateFile == "" {
		return fmt.Errorf("config: state_file required when any mount has sync enabled")
	}
	return nil
}

// SyncNeeded reports whether any mount requires the durable state store.
func (c *Config) SyncNeeded() bool {
	for i := range c.Mounts {
		if c.Mounts[i].SyncEnabled() {
			return true
		}
	}
	return false
}

// Parse decodes, defaults, and validates a YAML config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}
