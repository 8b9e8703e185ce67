package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_IncrementCounter(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.IncrementCounter(Decisions, "dialect", "postgres", "outcome", "permitted")
	collector.IncrementCounter(Decisions, "dialect", "postgres", "outcome", "permitted")
	collector.IncrementCounter(Decisions, "dialect", "mysql", "outcome", "denied")

	counter := collector.counters[Decisions]
	require.NotNil(t, counter)
	assert.Equal(t, float64(2), testutil.ToFloat64(counter.WithLabelValues("postgres", "permitted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(counter.WithLabelValues("mysql", "denied")))
}

func TestPrometheusCollector_RecordHistogram(t *testing.T) {
	collector := NewPrometheusCollector()
	collector.RecordHistogram(ExecutionSeconds, 0.25, "dialect", "sqlite")
	collector.RecordHistogram(ResultRows, 42, "dialect", "sqlite")

	assert.Equal(t, 1, testutil.CollectAndCount(collector.histograms[ExecutionSeconds]))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.histograms[ResultRows]))
}

func TestPrometheusCollector_PrivateRegistry(t *testing.T) {
	first := NewPrometheusCollector()
	second := NewPrometheusCollector()

	// Same metric name on two collectors must not collide.
	first.IncrementCounter(Errors, "code", "QUERY_TIMEOUT")
	second.IncrementCounter(Errors, "code", "QUERY_TIMEOUT")

	count, err := testutil.GatherAndCount(first.Registry(), "sqlgate_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusCollector_Concurrent(t *testing.T) {
	collector := NewPrometheusCollector()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				collector.IncrementCounter(Decisions, "outcome", "permitted")
				collector.RecordHistogram(ExecutionSeconds, 0.01)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(1600), testutil.ToFloat64(collector.counters[Decisions].WithLabelValues("permitted")))
}

func TestPrometheusCollector_StartTimer(t *testing.T) {
	collector := NewPrometheusCollector()
	timer := collector.StartTimer()

	time.Sleep(10 * time.Millisecond)

	duration := timer.Stop()
	assert.Greater(t, duration, 0.0)
	assert.Less(t, duration, 1.0)
}

func TestPrometheusCollector_Push(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	collector := NewPrometheusCollector()
	collector.IncrementCounter(Decisions, "dialect", "sqlite", "outcome", "permitted")

	require.NoError(t, collector.Push(context.Background(), gateway.URL, "sqlgate_cli"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.True(t, strings.HasPrefix(path, "/metrics/job/sqlgate_cli"), path)
	assert.NotEmpty(t, body)
}

func TestPrometheusCollector_PushDisabled(t *testing.T) {
	collector := NewPrometheusCollector()
	assert.NoError(t, collector.Push(context.Background(), "", "sqlgate_cli"))
}

func TestNoOpCollector(t *testing.T) {
	collector := NewNoOpCollector()
	collector.IncrementCounter(Decisions, "outcome", "denied")
	collector.RecordHistogram(ExecutionSeconds, 1)
	assert.GreaterOrEqual(t, collector.StartTimer().Stop(), 0.0)
}

func TestParseLabelPairs(t *testing.T) {
	tests := []struct {
		name       string
		labels     []string
		wantNames  []string
		wantValues []string
	}{
		{name: "empty labels", labels: []string{}, wantNames: []string{}, wantValues: []string{}},
		{name: "single pair", labels: []string{"key1", "value1"}, wantNames: []string{"key1"}, wantValues: []string{"value1"}},
		{name: "multiple pairs", labels: []string{"key1", "value1", "key2", "value2"}, wantNames: []string{"key1", "key2"}, wantValues: []string{"value1", "value2"}},
		{name: "odd number of labels", labels: []string{"key1", "value1", "key2"}, wantNames: []string{"key1"}, wantValues: []string{"value1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names, values := parseLabelPairs(tt.labels)
			assert.Equal(t, tt.wantNames, names)
			assert.Equal(t, tt.wantValues, values)
		})
	}
}
