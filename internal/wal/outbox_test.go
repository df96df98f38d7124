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

package wal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratafs/internal/common"
	"stratafs/internal/config"
)

var testPolicy = RetryPolicy{
	MaxRetries: 3,
	Base:       10 * time.Millisecond,
	Strategy:   config.BackoffExponential,
}

func TestEnqueueUpsertDebounce(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	wal1, err := s.Append(ctx, "/data", OpWrite, "hot.txt", "", []byte("v1"))
	require.NoError(t, err)
	id1, err := s.Enqueue(ctx, "/data", "hot.txt", OpWrite, "", []byte("v1"), wal1)
	require.NoError(t, err)

	wal2, err := s.Append(ctx, "/data", OpWrite, "hot.txt", "", []byte("v2"))
	require.NoError(t, err)
	id2, err := s.Enqueue(ctx, "/data", "hot.txt", OpWrite, "", []byte("v2"), wal2)
	require.NoError(t, err)

	// Same entry, latest payload.
	assert.Equal(t, id1, id2)
	stats, err := s.Stats(ctx, "/data")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	rec, err := s.OutboxEntry(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), rec.Payload)
	assert.Equal(t, wal2, rec.WalID)

	// The superseded WAL entry will never be synced on its own: it is
	// applied by the newer write's outcome.
	first, err := s.Entry(ctx, wal1)
	require.NoError(t, err)
	assert.True(t, first.Applied())
	second, err := s.Entry(ctx, wal2)
	require.NoError(t, err)
	assert.False(t, second.Applied())
}

func TestEnqueueDifferentPathsDoNotCollapse(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	_, err := s.Enqueue(ctx, "/data", "a.txt", OpWrite, "", []byte("a"), 0)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "/data", "b.txt", OpWrite, "", []byte("b"), 0)
	require.NoError(t, err)

	stats, err := s.Stats(ctx, "/data")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending)
}

func TestFetchReadyClaimsAtomically(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	id, err := s.Enqueue(ctx, "/data", "f.txt", OpWrite, "", []byte("v"), 0)
	require.NoError(t, err)

	batch1, err := s.FetchReady(ctx, "/data", "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, batch1, 1)
	assert.Equal(t, id, batch1[0].ID)
	assert.Equal(t, StateProcessing, batch1[0].State)
	assert.Equal(t, "worker-1", batch1[0].ClaimedBy)

	// Already claimed: a second worker sees nothing.
	batch2, err := s.FetchReady(ctx, "/data", "worker-2", 10)
	require.NoError(t, err)
	assert.Empty(t, batch2)
}

func TestFetchReadyRespectsBackoffSchedule(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	id, err := s.Enqueue(ctx, "/data", "f.txt", OpWrite, "", []byte("v"), 0)
	require.NoError(t, err)

	batch, err := s.FetchReady(ctx, "/data", "w", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	state, err := s.Fail(ctx, id, "connection refused", false, RetryPolicy{
		MaxRetries: 5,
		Base:       time.Hour,
		Strategy:   config.BackoffExponential,
	})
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	// Due an hour from now, so not ready.
	batch, err = s.FetchReady(ctx, "/data", "w", 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	rec, err := s.OutboxEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "connection refused", rec.LastError)
}

func TestFailBackoffDelaysGrow(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	id, err := s.Enqueue(ctx, "/data", "f.txt", OpWrite, "", []byte("v"), 0)
	require.NoError(t, err)

	pol := RetryPolicy{MaxRetries: 10, Base: 2 * time.Second, Strategy: config.BackoffExponential}
	var prevDue int64
	for i := 0; i < 3; i++ {
		// Force the entry into processing regardless of its schedule.
		_, err = s.bun.NewUpdate().Model((*OutboxRecord)(nil)).
			Set("state = ?", StateProcessing).
			Where("id = ?", id).
			Exec(ctx)
		require.NoError(t, err)

		before := nowMillis()
		state, err := s.Fail(ctx, id, "timeout", false, pol)
		require.NoError(t, err)
		require.Equal(t, StatePending, state)

		rec, err := s.OutboxEntry(ctx, id)
		require.NoError(t, err)
		delay := rec.NextAttemptAt - before
		// 2s, 4s, 8s with some scheduling slack.
		expected := int64(2000) << i
		assert.GreaterOrEqual(t, delay, expected-100)
		assert.Less(t, delay, expected+1000)
		assert.Greater(t, rec.NextAttemptAt, prevDue)
		prevDue = rec.NextAttemptAt
	}
}

func TestFailPermanentDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	id, err := s.Enqueue(ctx, "/data", "f.txt", OpWrite, "", []byte("v"), 0)
	require.NoError(t, err)
	_, err = s.FetchReady(ctx, "/data", "w", 10)
	require.NoError(t, err)

	state, err := s.Fail(ctx, id, "permission denied", true, testPolicy)
	require.NoError(t, err)
	assert.Equal(t, StateDeadLetter, state)
}

func TestDeadLetterIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	id, err := s.Enqueue(ctx, "/data", "f.txt", OpWrite, "", []byte("v"), 0)
	require.NoError(t, err)

	pol := RetryPolicy{MaxRetries: 3, Base: time.Millisecond, Strategy: config.BackoffFixed}
	for i := 0; i < 3; i++ {
		time.Sleep(5 * time.Millisecond)
		batch, err := s.FetchReady(ctx, "/data", "w", 10)
		require.NoError(t, err)
		require.Len(t, batch, 1, "attempt %d should be claimable", i+1)
		_, err = s.Fail(ctx, id, "connection refused", false, pol)
		require.NoError(t, err)
	}

	rec, err := s.OutboxEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDeadLetter, rec.State)
	assert.Equal(t, 3, rec.Attempts)

	// Never returned by FetchReady again.
	time.Sleep(5 * time.Millisecond)
	batch, err := s.FetchReady(ctx, "/data", "w", 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	letters, err := s.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].ID)
}

func TestFetchReadyScopedToMount(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	dataID, err := s.Enqueue(ctx, "/data", "f.txt", OpWrite, "", []byte("d"), 0)
	require.NoError(t, err)
	mediaID, err := s.Enqueue(ctx, "/media", "m.txt", OpWrite, "", []byte("m"), 0)
	require.NoError(t, err)

	// Each mount's worker sees only its own entries.
	batch, err := s.FetchReady(ctx, "/data", "w-data", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, dataID, batch[0].ID)

	batch, err = s.FetchReady(ctx, "/media", "w-media", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, mediaID, batch[0].ID)
}

func TestRecoverStuckScopedToMount(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	_, err := s.Enqueue(ctx, "/data", "f.txt", OpWrite, "", []byte("d"), 0)
	require.NoError(t, err)
	mediaID, err := s.Enqueue(ctx, "/media", "m.txt", OpWrite, "", []byte("m"), 0)
	require.NoError(t, err)
	_, err = s.FetchReady(ctx, "/data", "w", 10)
	require.NoError(t, err)
	_, err = s.FetchReady(ctx, "/media", "w", 10)
	require.NoError(t, err)

	// An aggressive timeout on /data must not touch /media's claim.
	n, err := s.RecoverStuck(ctx, "/data", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := s.OutboxEntry(ctx, mediaID)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, rec.State)

	// mount "" sweeps everything.
	n, err = s.RecoverStuck(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRecoverStuck(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	id, err := s.Enqueue(ctx, "/data", "f.txt", OpWrite, "", []byte("v"), 0)
	require.NoError(t, err)
	_, err = s.FetchReady(ctx, "/data", "w", 10)
	require.NoError(t, err)

	// Claimed just now: a generous timeout finds nothing stuck.
	n, err := s.RecoverStuck(ctx, "/data", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Zero timeout treats the in-flight claim as abandoned.
	n, err = s.RecoverStuck(ctx, "/data", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	batch, err := s.FetchReady(ctx, "/data", "w2", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, id, batch[0].ID)
}

func TestRetryDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	id, err := s.Enqueue(ctx, "/data", "f.txt", OpWrite, "", []byte("v"), 0)
	require.NoError(t, err)
	_, err = s.FetchReady(ctx, "/data", "w", 10)
	require.NoError(t, err)
	_, err = s.Fail(ctx, id, "denied", true, testPolicy)
	require.NoError(t, err)

	require.NoError(t, s.RetryDeadLetter(ctx, id))
	rec, err := s.OutboxEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)
	assert.Equal(t, 0, rec.Attempts)

	// Only dead-letter entries can be retried.
	err = s.RetryDeadLetter(ctx, id)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestStatsBreakdown(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	// pending (fresh)
	_, err := s.Enqueue(ctx, "/data", "a.txt", OpWrite, "", []byte("a"), 0)
	require.NoError(t, err)

	// processing
	_, err = s.Enqueue(ctx, "/data", "b.txt", OpWrite, "", []byte("b"), 0)
	require.NoError(t, err)

	// retrying (pending with attempts > 0)
	cID, err := s.Enqueue(ctx, "/data", "c.txt", OpWrite, "", []byte("c"), 0)
	require.NoError(t, err)

	// complete
	dID, err := s.Enqueue(ctx, "/data", "d.txt", OpWrite, "", []byte("d"), 0)
	require.NoError(t, err)

	// dead letter
	eID, err := s.Enqueue(ctx, "/data", "e.txt", OpWrite, "", []byte("e"), 0)
	require.NoError(t, err)

	batch, err := s.FetchReady(ctx, "/data", "w", 10)
	require.NoError(t, err)
	require.Len(t, batch, 5)

	// Return "a" to pending untouched.
	_, err = s.bun.NewUpdate().Model((*OutboxRecord)(nil)).
		Set("state = ?", StatePending).
		Set("attempts = 0").
		Set("next_attempt_at = 0").
		Where("path = ?", "a.txt").Exec(ctx)
	require.NoError(t, err)

	_, err = s.Fail(ctx, cID, "x", false, RetryPolicy{MaxRetries: 5, Base: time.Millisecond, Strategy: config.BackoffFixed})
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, dID))
	_, err = s.Fail(ctx, eID, "x", true, testPolicy)
	require.NoError(t, err)

	stats, err := s.Stats(ctx, "/data")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Pending) // a + c
	assert.Equal(t, int64(1), stats.Retrying)
	assert.Equal(t, int64(1), stats.Processing)
	assert.Equal(t, int64(1), stats.Complete)
	assert.Equal(t, int64(1), stats.DeadLetter)

	other, err := s.Stats(ctx, "/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.Pending)
}
