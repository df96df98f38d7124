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

package common

import "errors"

var (
	ErrNoMount       = errors.New("no mount for path")
	ErrNotFound      = errors.New("not found")
	ErrExists        = errors.New("already exists")
	ErrReadOnly      = errors.New("read-only mount")
	ErrInvalidPath   = errors.New("invalid path")
	ErrPermission    = errors.New("permission denied")
	ErrPathTraversal = errors.New("path escapes mount root")
	ErrClosed        = errors.New("filesystem closed")
	ErrIO            = errors.New("I/O error")
)
