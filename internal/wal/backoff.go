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

	"stratafs/internal/config"
)

// maxBackoffShift caps the exponential curve so the delay stays sane for
// entries that have been failing for a long time (2^10 * base at most).
const maxBackoffShift = 10

// Delay returns the retry delay after the given number of prior failures.
// attempts is zero-based: the delay scheduled right after the first
// failure is Delay(strategy, base, 0).
func Delay(strategy config.BackoffStrategy, base time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	switch strategy {
	case config.BackoffFixed:
		return base
	case config.BackoffLinear:
		return base * time.Duration(attempts+1)
	default: // exponential
		shift := attempts
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		return base * time.Duration(int64(1)<<shift)
	}
}

// RetryPolicy bundles the per-mount retry knobs consumed by Fail.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Strategy   config.BackoffStrategy
}
