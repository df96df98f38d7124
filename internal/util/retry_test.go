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

package util

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDatabaseLocked(t *testing.T) {
	assert.False(t, IsDatabaseLocked(nil))
	assert.False(t, IsDatabaseLocked(errors.New("no such table: outbox")))
	assert.True(t, IsDatabaseLocked(errors.New("database is locked")))
	assert.True(t, IsDatabaseLocked(errors.New("database table is locked: wal_log")))
	assert.True(t, IsDatabaseLocked(errors.New("SQLITE_BUSY: unable to acquire lock")))
}

func TestRetryDBRetriesOnlyLockErrors(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := RetryDB(ctx, func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	permanent := errors.New("no such table: outbox")
	err = RetryDB(ctx, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryDBResultReturnsValue(t *testing.T) {
	calls := 0
	got, err := RetryDBResult(context.Background(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("database is locked")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}
