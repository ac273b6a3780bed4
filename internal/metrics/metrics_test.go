package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/internal/metrics"
)

func TestNilEngineIsNoop(t *testing.T) {
	var m *metrics.Engine
	m.MessageProcessed("commit", time.Millisecond)
	m.CommitApplied("local")
	m.Rollback(1, 2)
	m.SnapshotsPruned(3)
	m.SnapshotsRegistered(4)
	assert.Nil(t, m.Registry())
}

func TestEngineCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewEngine(reg)

	m.MessageProcessed("application_message", time.Millisecond)
	m.MessageProcessed("application_message", time.Millisecond)
	m.Rollback(3, 1)
	m.SnapshotsRegistered(2)

	expected := `
# HELP mdk_engine_messages_processed_total Inbound group events by processing result
# TYPE mdk_engine_messages_processed_total counter
mdk_engine_messages_processed_total{result="application_message"} 2
# HELP mdk_engine_messages_invalidated_total Messages marked epoch_invalidated by rollbacks
# TYPE mdk_engine_messages_invalidated_total counter
mdk_engine_messages_invalidated_total 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"mdk_engine_messages_processed_total", "mdk_engine_messages_invalidated_total"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "mdk_snapshots_registered 2")
}
