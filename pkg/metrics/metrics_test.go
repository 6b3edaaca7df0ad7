package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveRequest(t *testing.T) {
	ObserveRequest("metrics-test", "GET", 200, 20*time.Millisecond)
	ObserveRequest("metrics-test", "GET", 0, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(HTTPRequests.WithLabelValues("metrics-test", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(HTTPRequests.WithLabelValues("metrics-test", "GET", "error")))

	DeleteConnector("metrics-test")
	assert.Equal(t, 0.0, testutil.ToFloat64(HTTPRequests.WithLabelValues("metrics-test", "GET", "200")))
}

func TestSetConnectorStatus(t *testing.T) {
	SetConnectorStatus("status-test", "connected")
	assert.Equal(t, 1.0, testutil.ToFloat64(ConnectorStatus.WithLabelValues("status-test", "connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ConnectorStatus.WithLabelValues("status-test", "error")))

	SetConnectorStatus("status-test", "error")
	assert.Equal(t, 0.0, testutil.ToFloat64(ConnectorStatus.WithLabelValues("status-test", "connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ConnectorStatus.WithLabelValues("status-test", "error")))
}

func TestSetConnectorStatus_Reconnecting(t *testing.T) {
	SetConnectorStatus("reconnect-test", "reconnecting")
	assert.Equal(t, 1.0, testutil.ToFloat64(ConnectorStatus.WithLabelValues("reconnect-test", "reconnecting")))
	for _, s := range []string{"disconnected", "connecting", "connected", "error"} {
		assert.Equal(t, 0.0, testutil.ToFloat64(ConnectorStatus.WithLabelValues("reconnect-test", s)), s)
	}
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	first := timer.Stop()
	assert.GreaterOrEqual(t, first, 5*time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), first)
}

func TestLatencyTracker(t *testing.T) {
	lt := NewLatencyTracker(4)
	assert.Equal(t, time.Duration(0), lt.Percentile(50))

	for _, ms := range []int{40, 10, 30, 20} {
		lt.Record(time.Duration(ms) * time.Millisecond)
	}
	assert.Equal(t, 4, lt.Count())
	assert.Equal(t, 10*time.Millisecond, lt.Percentile(0))
	assert.Equal(t, 40*time.Millisecond, lt.Percentile(100))
	assert.Equal(t, 25*time.Millisecond, lt.Average())

	// overwrites the oldest sample (40ms)
	lt.Record(50 * time.Millisecond)
	assert.Equal(t, 4, lt.Count())
	assert.Equal(t, 50*time.Millisecond, lt.Percentile(100))
	assert.Equal(t, 10*time.Millisecond, lt.Percentile(0))
}
