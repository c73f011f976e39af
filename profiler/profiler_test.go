package profiler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordMetric(t *testing.T) {
	p := NewStepProfiler()
	for _, v := range []float64{0.5, 1.5, 1.0} {
		p.RecordMetric("loss/class", v)
	}

	m, ok := p.Metric("loss/class")
	require.True(t, ok)
	assert.Equal(t, int64(3), m.Count)
	assert.InDelta(t, 1.0, m.Mean(), 1e-12)
	assert.Equal(t, 0.5, m.Min)
	assert.Equal(t, 1.5, m.Max)

	_, ok = p.Metric("loss/loc")
	assert.False(t, ok)
	assert.Zero(t, MetricTracker{}.Mean())
}

func TestStartOperation(t *testing.T) {
	p := NewStepProfiler()
	clock := time.Unix(0, 0)
	p.now = func() time.Time { return clock }

	stop := p.StartOperation("compute")
	clock = clock.Add(30 * time.Millisecond)
	stop()
	stop = p.StartOperation("compute")
	clock = clock.Add(10 * time.Millisecond)
	stop()

	ops := p.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, "compute", ops[0].Name)
	assert.Equal(t, int64(2), ops[0].Count)
	assert.Equal(t, 20*time.Millisecond, ops[0].Mean())
	assert.Equal(t, 10*time.Millisecond, ops[0].Min)
	assert.Equal(t, 30*time.Millisecond, ops[0].Max)
}

func TestMetricsSortedAndConcurrent(t *testing.T) {
	p := NewStepProfiler()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.RecordMetric("b", 1)
				p.RecordMetric("a", 2)
			}
		}()
	}
	wg.Wait()

	metrics := p.Metrics()
	require.Len(t, metrics, 2)
	assert.Equal(t, "a", metrics[0].Name)
	assert.Equal(t, int64(800), metrics[1].Count)
	assert.Equal(t, 800.0, metrics[1].Sum)
}
