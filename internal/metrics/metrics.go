// Package metrics records pairing histograms. Recorders are safe for
// concurrent use.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Recorder receives histogram samples.
type Recorder interface {
	// RecordEnum records one sample of an enumerated histogram.
	RecordEnum(name string, sample int)
	RecordBool(name string, sample bool)
	RecordTime(name string, d time.Duration)
}

// Nop discards every sample.
type Nop struct{}

func (Nop) RecordEnum(string, int)           {}
func (Nop) RecordBool(string, bool)          {}
func (Nop) RecordTime(string, time.Duration) {}

// Memory keeps sample counts in memory.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]map[int]int
	times   map[string][]time.Duration
}

// NewMemory returns an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{
		buckets: make(map[string]map[int]int),
		times:   make(map[string][]time.Duration),
	}
}

func (m *Memory) RecordEnum(name string, sample int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[name]
	if !ok {
		b = make(map[int]int)
		m.buckets[name] = b
	}
	b[sample]++
}

func (m *Memory) RecordBool(name string, sample bool) {
	v := 0
	if sample {
		v = 1
	}
	m.RecordEnum(name, v)
}

func (m *Memory) RecordTime(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.times[name] = append(m.times[name], d)
}

// Count returns the total number of samples recorded under name.
func (m *Memory) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.times[name])
	for _, c := range m.buckets[name] {
		n += c
	}
	return n
}

// BucketCount returns how many times sample was recorded under name.
func (m *Memory) BucketCount(name string, sample int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buckets[name][sample]
}

// Sample is one row of a snapshot.
type Sample struct {
	Name  string
	Count int
}

// Snapshot returns per-histogram totals sorted by name.
func (m *Memory) Snapshot() []Sample {
	m.mu.Lock()
	names := make(map[string]int)
	for name, b := range m.buckets {
		for _, c := range b {
			names[name] += c
		}
	}
	for name, ts := range m.times {
		names[name] += len(ts)
	}
	m.mu.Unlock()

	out := make([]Sample, 0, len(names))
	for name, c := range names {
		out = append(out, Sample{Name: name, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Multi fans samples out to several recorders.
type Multi []Recorder

func (m Multi) RecordEnum(name string, sample int) {
	for _, r := range m {
		r.RecordEnum(name, sample)
	}
}

func (m Multi) RecordBool(name string, sample bool) {
	for _, r := range m {
		r.RecordBool(name, sample)
	}
}

func (m Multi) RecordTime(name string, d time.Duration) {
	for _, r := range m {
		r.RecordTime(name, d)
	}
}

var (
	_ Recorder = Nop{}
	_ Recorder = (*Memory)(nil)
	_ Recorder = Multi(nil)
)
