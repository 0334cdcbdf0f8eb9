package ipcring

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	q, err := New[int](4, WithStats())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		q.Enqueue(i) // the fifth one is rejected
	}
	q.Dequeue()

	c := NewCollector(q, prometheus.Labels{"queue": "test"})

	// 3 gauges + 4 counters with an enqueue and a dequeue series each.
	assert.Equal(t, 11, testutil.CollectAndCount(c))

	expected := `
# HELP ipcring_queue_capacity Fixed number of slots in the queue
# TYPE ipcring_queue_capacity gauge
ipcring_queue_capacity{queue="test"} 4
# HELP ipcring_queue_length Reserved but undelivered slots at scrape time
# TYPE ipcring_queue_length gauge
ipcring_queue_length{queue="test"} 3
# HELP ipcring_queue_rejected_total Enqueue calls on a full queue or dequeue calls on an empty one
# TYPE ipcring_queue_rejected_total counter
ipcring_queue_rejected_total{op="dequeue",queue="test"} 0
ipcring_queue_rejected_total{op="enqueue",queue="test"} 1
# HELP ipcring_queue_success_total Enqueue or dequeue calls that moved a value
# TYPE ipcring_queue_success_total counter
ipcring_queue_success_total{op="dequeue",queue="test"} 1
ipcring_queue_success_total{op="enqueue",queue="test"} 4
`
	err = testutil.CollectAndCompare(c, strings.NewReader(expected),
		"ipcring_queue_capacity",
		"ipcring_queue_length",
		"ipcring_queue_rejected_total",
		"ipcring_queue_success_total",
	)
	require.NoError(t, err)
}

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(NewMPMC[int](8), nil)))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 7)
}
