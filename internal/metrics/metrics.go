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

// Package metrics provides per-operation counters and latency sampling
// consumed by front-ends. Counters are lock-free; latency samples keep a
// bounded window per operation.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const sampleWindow = 1024

type opMetric struct {
	count  atomic.Int64
	errors atomic.Int64

	mu      sync.Mutex
	samples []time.Duration // ring buffer of recent latencies
	next    int
}

// Metrics aggregates operation counters for one VFS instance.
type Metrics struct {
	ops *xsync.MapOf[string, *opMetric]
}

// New creates an empty metrics registry.
func New() *Metrics {
	return &Metrics{ops: xsync.NewMapOf[string, *opMetric]()}
}

// Observe records one completed operation with its latency.
func (m *Metrics) Observe(op string, d time.Duration, err error) {
	om, _ := m.ops.LoadOrCompute(op, func() *opMetric {
		return &opMetric{samples: make([]time.Duration, 0, sampleWindow)}
	})
	om.count.Add(1)
	if err != nil {
		om.errors.Add(1)
	}
	om.mu.Lock()
	if len(om.samples) < sampleWindow {
		om.samples = append(om.samples, d)
	} else {
		om.samples[om.next] = d
		om.next = (om.next + 1) % sampleWindow
	}
	om.mu.Unlock()
}

// Timer returns a function that records the elapsed time when called.
func (m *Metrics) Timer(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		m.Observe(op, time.Since(start), err)
	}
}

// OpStats is a read-only snapshot for one operation.
type OpStats struct {
	Count  int64
	Errors int64
	Avg    time.Duration
	P99    time.Duration
}

// Snapshot returns current stats per operation.
func (m *Metrics) Snapshot() map[string]OpStats {
	out := make(map[string]OpStats)
	m.ops.Range(func(op string, om *opMetric) bool {
		st := OpStats{Count: om.count.Load(), Errors: om.errors.Load()}

		om.mu.Lock()
		samples := make([]time.Duration, len(om.samples))
		copy(samples, om.samples)
		om.mu.Unlock()

		if len(samples) > 0 {
			var total time.Duration
			for _, s := range samples {
				total += s
			}
			st.Avg = total / time.Duration(len(samples))
			sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
			idx := (len(samples)*99 + 99) / 100
			if idx > len(samples) {
				idx = len(samples)
			}
			st.P99 = samples[idx-1]
		}
		out[op] = st
		return true
	})
	return out
}
