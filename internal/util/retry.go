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

// Package util holds small shared helpers with no domain knowledge.
package util

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

// Lock conflicts on the embedded state store resolve within the
// busy_timeout window almost always; three short attempts cover the
// rare case where the driver surfaces the error anyway.
const (
	dbRetryAttempts = 3
	dbRetryDelay    = 100 * time.Millisecond
	dbRetryMaxDelay = 300 * time.Millisecond
)

func dbRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(dbRetryAttempts),
		retry.Delay(dbRetryDelay),
		retry.MaxDelay(dbRetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	}
}

// RetryDB runs fn, retrying briefly when the state store reports a lock
// conflict. Any other error is returned immediately.
func RetryDB(ctx context.Context, fn func() error) error {
	return retry.Do(fn, dbRetryOptions(ctx)...)
}

// RetryDBResult is RetryDB for statements that return a value.
func RetryDBResult[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	return retry.DoWithData(fn, dbRetryOptions(ctx)...)
}

// IsDatabaseLocked reports whether err is a transient sqlite lock
// conflict. The libsql driver exposes these as strings only.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
