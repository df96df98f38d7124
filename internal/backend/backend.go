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

// Package backend defines the capability interface that concrete storage
// implementations (local disk, object storage, databases) satisfy. The sync
// engine and router operate exclusively through this interface; no backend
// I/O is implemented in the core beyond the in-memory reference backend.
package backend

import (
	"context"
	"time"
)

// Entry describes a single file or directory as reported by a backend.
type Entry struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Backend is the storage capability interface. Paths are mount-relative,
// normalized with common.NormalizeRelPath (no leading slash, "" is the root).
//
// Implementations must return *Error values so callers can distinguish
// transient failures (retried by the outbox drain) from permanent ones.
type Backend interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Append(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, path string) ([]Entry, error)
	Exists(ctx context.Context, path string) (bool, error)
	Stat(ctx context.Context, path string) (*Entry, error)
	Rename(ctx context.Context, from, to string) error
}
