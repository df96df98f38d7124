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
	"time"

	"github.com/uptrace/bun"
)

// Logged operation kinds. Stored as text so the tables stay inspectable
// with a plain sqlite shell.
const (
	OpWrite  = "write"
	OpAppend = "append"
	OpDelete = "delete"
	OpRename = "rename"
)

// Outbox entry states.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateComplete   = "complete"
	StateDeadLetter = "dead_letter"
)

// LogRecord is a single wal_log row: the durable record of local write
// intent. AppliedAt is nil until the backend write succeeded.
type LogRecord struct {
	bun.BaseModel `bun:"table:wal_log,alias:w"`

	ID        int64  `bun:"id,pk,autoincrement"`
	MountPath string `bun:"mount_path,notnull"`
	Op        string `bun:"op,notnull"`
	Path      string `bun:"path,notnull"`
	RenameTo  string `bun:"rename_to,notnull,default:''"`
	Payload   []byte `bun:"payload"`
	CreatedAt int64  `bun:"created_at,notnull"`
	AppliedAt *int64 `bun:"applied_at"`
}

// Applied reports whether the local backend write for this entry succeeded.
func (r *LogRecord) Applied() bool { return r.AppliedAt != nil }

// OutboxRecord is a single outbox row: the durable record of remote
// propagation intent, correlated to its originating WAL entry by WalID.
type OutboxRecord struct {
	bun.BaseModel `bun:"table:outbox,alias:o"`

	ID            int64  `bun:"id,pk,autoincrement"`
	MountPath     string `bun:"mount_path,notnull"`
	Path          string `bun:"path,notnull"`
	Op            string `bun:"op,notnull"`
	RenameTo      string `bun:"rename_to,notnull,default:''"`
	Payload       []byte `bun:"payload"`
	WalID         int64  `bun:"wal_id,notnull,default:0"`
	State         string `bun:"state,notnull,default:'pending'"`
	Attempts      int    `bun:"attempts,notnull,default:0"`
	NextAttemptAt int64  `bun:"next_attempt_at,notnull,default:0"`
	ClaimedBy     string `bun:"claimed_by,notnull,default:''"`
	ClaimedAt     *int64 `bun:"claimed_at"`
	LastError     string `bun:"last_error,notnull,default:''"`
	CreatedAt     int64  `bun:"created_at,notnull"`
	UpdatedAt     int64  `bun:"updated_at,notnull"`
}

// Stats summarizes durable WAL/outbox state, per mount or globally.
// Retrying counts pending entries that have already failed at least once.
type Stats struct {
	WalUnapplied int64
	Pending      int64
	Processing   int64
	Retrying     int64
	Complete     int64
	DeadLetter   int64
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
