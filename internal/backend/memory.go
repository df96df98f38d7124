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

package backend

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"stratafs/internal/common"
)

// Memory is an in-process Backend holding file content in a map. It is the
// reference implementation used by tests and by mounts configured with the
// "memory" backend id.
type Memory struct {
	mu    sync.RWMutex
	files map[string]memoryFile
}

type memoryFile struct {
	data    []byte
	modTime time.Time
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{files: make(map[string]memoryFile)}
}

func (m *Memory) Read(_ context.Context, path string) ([]byte, error) {
	path = common.NormalizeRelPath(path)
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[path]
	if !ok {
		return nil, NotFound("read", path)
	}
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out, nil
}

func (m *Memory) Write(_ context.Context, path string, data []byte) error {
	path = common.NormalizeRelPath(path)
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = memoryFile{data: buf, modTime: time.Now()}
	return nil
}

func (m *Memory) Append(_ context.Context, path string, data []byte) error {
	path = common.NormalizeRelPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.files[path]
	buf := make([]byte, 0, len(f.data)+len(data))
	buf = append(buf, f.data...)
	buf = append(buf, data...)
	m.files[path] = memoryFile{data: buf, modTime: time.Now()}
	return nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	path = common.NormalizeRelPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; !ok {
		return NotFound("delete", path)
	}
	delete(m.files, path)
	return nil
}

// List returns the entries directly under path. Directories are implicit:
// a file "a/b/c.txt" makes "a" and "a/b" listable directories.
func (m *Memory) List(_ context.Context, path string) ([]Entry, error) {
	path = common.NormalizeRelPath(path)
	prefix := path
	if prefix != "" {
		prefix += "/"
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]Entry)
	for p, f := range m.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			dir := prefix + rest[:i]
			seen[dir] = Entry{Path: dir, IsDir: true, ModTime: f.modTime}
		} else {
			seen[p] = Entry{Path: p, Size: int64(len(f.data)), ModTime: f.modTime}
		}
	}
	if path != "" && len(seen) == 0 {
		if _, ok := m.files[path]; !ok {
			return nil, NotFound("list", path)
		}
	}

	entries := make([]Entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (m *Memory) Exists(_ context.Context, path string) (bool, error) {
	path = common.NormalizeRelPath(path)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.files[path]; ok {
		return true, nil
	}
	// Implicit directory?
	prefix := path + "/"
	for p := range m.files {
		if strings.HasPrefix(p, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Stat(_ context.Context, path string) (*Entry, error) {
	path = common.NormalizeRelPath(path)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if f, ok := m.files[path]; ok {
		return &Entry{Path: path, Size: int64(len(f.data)), ModTime: f.modTime}, nil
	}
	prefix := path + "/"
	for p, f := range m.files {
		if strings.HasPrefix(p, prefix) {
			return &Entry{Path: path, IsDir: true, ModTime: f.modTime}, nil
		}
	}
	return nil, NotFound("stat", path)
}

func (m *Memory) Rename(_ context.Context, from, to string) error {
	from = common.NormalizeRelPath(from)
	to = common.NormalizeRelPath(to)
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[from]
	if !ok {
		return NotFound("rename", from)
	}
	delete(m.files, from)
	f.modTime = time.Now()
	m.files[to] = f
	return nil
}

// Len returns the number of stored files.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}
