// Copyright 2025 Edgeo SCADA
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

package modbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a simple atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// latencyBounds are the bucket upper bounds. Requests served from memory
// are usually well under a millisecond, so the low end is finer.
var latencyBounds = []time.Duration{
	50 * time.Microsecond,
	100 * time.Microsecond,
	250 * time.Microsecond,
	500 * time.Microsecond,
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	time.Second,
}

// LatencyHistogram tracks request processing time.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets []int64 // count per bound, last bucket also holds overflow
	sum     time.Duration
	count   int64
	min     time.Duration
	max     time.Duration
}

// NewLatencyHistogram creates a new latency histogram.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		buckets: make([]int64, len(latencyBounds)),
		min:     -1,
		max:     -1,
	}
}

// Observe records a latency observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += d
	h.count++

	if h.min < 0 || d < h.min {
		h.min = d
	}
	if d > h.max {
		h.max = d
	}

	for i, bound := range latencyBounds {
		if d <= bound {
			h.buckets[i]++
			return
		}
	}
	h.buckets[len(h.buckets)-1]++
}

// Stats returns histogram statistics.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Buckets: make(map[string]int64, len(h.buckets)),
	}
	if h.count > 0 {
		stats.Avg = h.sum / time.Duration(h.count)
		stats.Min = h.min
		stats.Max = h.max
	}
	for i, n := range h.buckets {
		label := latencyBounds[i].String()
		if i == len(h.buckets)-1 {
			label += "+"
		}
		stats.Buckets[label] = n
	}
	return stats
}

// Reset resets the histogram.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.buckets {
		h.buckets[i] = 0
	}
	h.sum = 0
	h.count = 0
	h.min = -1
	h.max = -1
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int64            `json:"count"`
	Avg     time.Duration    `json:"avg"`
	Min     time.Duration    `json:"min"`
	Max     time.Duration    `json:"max"`
	Buckets map[string]int64 `json:"buckets"`
}

// ServerMetrics holds server-side metrics.
type ServerMetrics struct {
	RequestsTotal    Counter
	Responses        Counter
	Exceptions       Counter
	FrameErrors      Counter
	WriteErrors      Counter
	ActiveSessions   Counter
	TotalSessions    Counter
	RejectedSessions Counter
	AcceptErrors     Counter
	BytesIn          Counter
	BytesOut         Counter
	Latency          *LatencyHistogram

	funcMetrics sync.Map // FunctionCode -> *FunctionMetrics
}

// FunctionMetrics holds metrics for a specific function code.
type FunctionMetrics struct {
	Requests   Counter
	Exceptions Counter
	Latency    *LatencyHistogram
}

// NewServerMetrics creates a new ServerMetrics instance.
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{
		Latency: NewLatencyHistogram(),
	}
}

// ForFunction returns metrics for a specific function code.
func (m *ServerMetrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	if val, ok := m.funcMetrics.Load(fc); ok {
		return val.(*FunctionMetrics)
	}

	fm := &FunctionMetrics{
		Latency: NewLatencyHistogram(),
	}
	actual, _ := m.funcMetrics.LoadOrStore(fc, fm)
	return actual.(*FunctionMetrics)
}

// observe records one served request.
func (m *ServerMetrics) observe(fc FunctionCode, resp PDU, d time.Duration) {
	m.RequestsTotal.Add(1)
	m.Latency.Observe(d)

	fm := m.ForFunction(fc)
	fm.Requests.Add(1)
	fm.Latency.Observe(d)
	if resp.IsException() {
		m.Exceptions.Add(1)
		fm.Exceptions.Add(1)
	}
}

// Collect returns all metrics as a map.
func (m *ServerMetrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"requests_total":    m.RequestsTotal.Value(),
		"responses":         m.Responses.Value(),
		"exceptions":        m.Exceptions.Value(),
		"frame_errors":      m.FrameErrors.Value(),
		"write_errors":      m.WriteErrors.Value(),
		"active_sessions":   m.ActiveSessions.Value(),
		"total_sessions":    m.TotalSessions.Value(),
		"rejected_sessions": m.RejectedSessions.Value(),
		"accept_errors":     m.AcceptErrors.Value(),
		"bytes_in":          m.BytesIn.Value(),
		"bytes_out":         m.BytesOut.Value(),
		"latency":           m.Latency.Stats(),
	}

	funcStats := make(map[string]interface{})
	m.funcMetrics.Range(func(key, value interface{}) bool {
		fc := key.(FunctionCode)
		fm := value.(*FunctionMetrics)
		funcStats[fc.String()] = map[string]interface{}{
			"requests":   fm.Requests.Value(),
			"exceptions": fm.Exceptions.Value(),
			"latency":    fm.Latency.Stats(),
		}
		return true
	})
	if len(funcStats) > 0 {
		result["functions"] = funcStats
	}

	return result
}

// Reset resets all counters except the session gauges.
func (m *ServerMetrics) Reset() {
	m.RequestsTotal.Reset()
	m.Responses.Reset()
	m.Exceptions.Reset()
	m.FrameErrors.Reset()
	m.WriteErrors.Reset()
	m.TotalSessions.Reset()
	m.RejectedSessions.Reset()
	m.AcceptErrors.Reset()
	m.BytesIn.Reset()
	m.BytesOut.Reset()
	m.Latency.Reset()

	m.funcMetrics.Range(func(key, value interface{}) bool {
		fm := value.(*FunctionMetrics)
		fm.Requests.Reset()
		fm.Exceptions.Reset()
		fm.Latency.Reset()
		return true
	})
}
