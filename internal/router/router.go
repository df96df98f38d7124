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

// Package router maps virtual paths to mounts by longest-prefix match.
// The mount table is built once and immutable; Resolve is a pure function
// over it, so no locking is needed.
package router

import (
	"fmt"
	"sort"
	"strings"

	"stratafs/internal/common"
)

// Mount is one entry in the routing table. ReadOnly covers both
// explicitly read-only mounts and pull-mirror mounts.
type Mount struct {
	Path     string
	ReadOnly bool
}

// Table resolves virtual paths to mounts. Mounts are held sorted most
// specific first, so the first prefix hit is the longest one. The table
// tolerates overlapping mounts (longest wins) even though strict config
// validation rejects them.
type Table struct {
	mounts []*Mount
}

// New builds a routing table. Mount paths are normalized and must be
// unique after normalization.
func New(mounts []*Mount) (*Table, error) {
	sorted := make([]*Mount, len(mounts))
	seen := make(map[string]bool, len(mounts))
	for i, m := range mounts {
		cp := *m
		cp.Path = common.NormalizeVirtualPath(cp.Path)
		if seen[cp.Path] {
			return nil, fmt.Errorf("router: duplicate mount path %s", cp.Path)
		}
		seen[cp.Path] = true
		sorted[i] = &cp
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].Path, sorted[j].Path
		sa, sb := segments(a), segments(b)
		if sa != sb {
			return sa > sb
		}
		return a < b
	})
	return &Table{mounts: sorted}, nil
}

func segments(p string) int {
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}

// Resolve maps a virtual path to the most specific matching mount and the
// mount-relative remainder of the path.
func (t *Table) Resolve(vpath string) (*Mount, string, error) {
	vpath = common.NormalizeVirtualPath(vpath)
	for _, m := range t.mounts {
		if common.IsPathPrefix(m.Path, vpath) {
			rel := strings.TrimPrefix(vpath, m.Path)
			return m, common.NormalizeRelPath(rel), nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s", common.ErrNoMount, vpath)
}

// ResolveWrite is Resolve plus the read-only check, failing fast before
// any WAL or backend I/O is attempted.
func (t *Table) ResolveWrite(vpath string) (*Mount, string, error) {
	m, rel, err := t.Resolve(vpath)
	if err != nil {
		return nil, "", err
	}
	if m.ReadOnly {
		return nil, "", fmt.Errorf("%w: %s", common.ErrReadOnly, m.Path)
	}
	return m, rel, nil
}

// Mounts returns the table's mounts, most specific first.
func (t *Table) Mounts() []*Mount {
	return t.mounts
}
