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
	"errors"
	"fmt"

	"stratafs/internal/common"
)

// Kind classifies a backend failure. The outbox retry decision depends on
// this classification: transient kinds are retried with backoff, permanent
// kinds dead-letter immediately.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindExists
	KindPermissionDenied
	KindPathTraversal
	KindUnsupported
	KindConnectionFailed
	KindTimeout
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindExists:
		return "exists"
	case KindPermissionDenied:
		return "permission_denied"
	case KindPathTraversal:
		return "path_traversal"
	case KindUnsupported:
		return "unsupported"
	case KindConnectionFailed:
		return "connection_failed"
	case KindTimeout:
		return "timeout"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the structured failure type all backends return.
type Error struct {
	Op   string
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("backend %s %s: %s", e.Op, e.Path, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is maps error kinds onto the shared sentinels so callers can use
// errors.Is(err, common.ErrNotFound) without importing this package's kinds.
func (e *Error) Is(target error) bool {
	switch target {
	case common.ErrNotFound:
		return e.Kind == KindNotFound
	case common.ErrExists:
		return e.Kind == KindExists
	case common.ErrPermission:
		return e.Kind == KindPermissionDenied
	case common.ErrPathTraversal:
		return e.Kind == KindPathTraversal
	case common.ErrIO:
		return e.Kind == KindIO
	}
	return false
}

// Transient reports whether the failure is worth retrying.
func (e *Error) Transient() bool {
	return e.Kind == KindConnectionFailed || e.Kind == KindTimeout
}

// NewError builds a structured backend error.
func NewError(op, path string, kind Kind, err error) *Error {
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}

// NotFound is shorthand for the most common error kind.
func NotFound(op, path string) *Error {
	return &Error{Op: op, Path: path, Kind: KindNotFound}
}

// IsTransient reports whether err should be retried by the drain worker.
// Context deadline expiry counts as a timeout: the backend may simply have
// been slow. Errors without a structured kind are treated as permanent —
// an unclassified failure retried forever would mask real bugs.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Transient()
	}
	return false
}
