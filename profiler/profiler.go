// Package profiler - Running statistics over evaluation steps.
package profiler

import (
	"sort"
	"sync"
	"time"
)

// MetricTracker accumulates the values recorded under one metric name.
type MetricTracker struct {
	Name  string
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// Mean returns the average recorded value, or 0 before the first record.
func (m MetricTracker) Mean() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

// TimeTracker accumulates the durations of one named operation.
type TimeTracker struct {
	Name  string
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Mean returns the average duration, or 0 before the first record.
func (t TimeTracker) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

// StepProfiler collects metric values and operation timings across steps.
// It is safe for concurrent use.
type StepProfiler struct {
	mu         sync.RWMutex
	metrics    map[string]*MetricTracker
	operations map[string]*TimeTracker
	now        func() time.Time
}

// NewStepProfiler creates an empty profiler.
func NewStepProfiler() *StepProfiler {
	return &StepProfiler{
		metrics:    make(map[string]*MetricTracker),
		operations: make(map[string]*TimeTracker),
		now:        time.Now,
	}
}

// RecordMetric records a value of the named metric.
//
// Arguments:
//   - name: The name of the metric
//   - value: The metric value to record
func (p *StepProfiler) RecordMetric(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.metrics[name]
	if !exists {
		tracker = &MetricTracker{Name: name, Min: value, Max: value}
		p.metrics[name] = tracker
	}
	tracker.Count++
	tracker.Sum += value
	tracker.Min = min(tracker.Min, value)
	tracker.Max = max(tracker.Max, value)
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track
//
// Returns:
//   - A function to call when the operation completes
func (p *StepProfiler) StartOperation(name string) func() {
	start := p.now()
	return func() {
		p.RecordDuration(name, p.now().Sub(start))
	}
}

// RecordDuration records one completed run of the named operation.
func (p *StepProfiler) RecordDuration(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.operations[name]
	if !exists {
		tracker = &TimeTracker{Name: name, Min: d, Max: d}
		p.operations[name] = tracker
	}
	tracker.Count++
	tracker.Total += d
	tracker.Min = min(tracker.Min, d)
	tracker.Max = max(tracker.Max, d)
}

// Metric returns a copy of the named metric and whether it was recorded.
func (p *StepProfiler) Metric(name string) (MetricTracker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.metrics[name]
	if !ok {
		return MetricTracker{}, false
	}
	return *m, true
}

// Metrics returns copies of every metric sorted by name.
func (p *StepProfiler) Metrics() []MetricTracker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]MetricTracker, 0, len(p.metrics))
	for _, m := range p.metrics {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Operations returns copies of every operation timing sorted by name.
func (p *StepProfiler) Operations() []TimeTracker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]TimeTracker, 0, len(p.operations))
	for _, t := range p.operations {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
