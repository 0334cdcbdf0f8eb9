package ipcring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Observable is the read-only view of a queue that Collector exports.
// *Queue[T] satisfies it for every T.
type Observable interface {
	Capacity() uint64
	Len() int
	Stats() Stats
	Attached() int64
}

// Collector exposes a queue's binder statistics as Prometheus metrics.
type Collector struct {
	q Observable

	capacity *prometheus.Desc
	length   *prometheus.Desc
	attached *prometheus.Desc
	attempts *prometheus.Desc
	success  *prometheus.Desc
	rejected *prometheus.Desc
	retries  *prometheus.Desc
}

// NewCollector builds a collector for q. constLabels typically carries the
// segment name so several queues can share a registry.
func NewCollector(q Observable, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("ipcring", "queue", name),
			help, labels, constLabels)
	}
	return &Collector{
		q:        q,
		capacity: desc("capacity", "Fixed number of slots in the queue"),
		length:   desc("length", "Reserved but undelivered slots at scrape time"),
		attached: desc("attached", "Binders currently mapping the queue"),
		attempts: desc("attempts_total", "Enqueue or dequeue calls made by this binder", "op"),
		success:  desc("success_total", "Enqueue or dequeue calls that moved a value", "op"),
		rejected: desc("rejected_total", "Enqueue calls on a full queue or dequeue calls on an empty one", "op"),
		retries:  desc("retries_total", "Reservation races lost to another binder", "op"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.length
	ch <- c.attached
	ch <- c.attempts
	ch <- c.success
	ch <- c.rejected
	ch <- c.retries
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.q.Stats()

	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(c.q.Capacity()))
	ch <- prometheus.MustNewConstMetric(c.length, prometheus.GaugeValue, float64(c.q.Len()))
	ch <- prometheus.MustNewConstMetric(c.attached, prometheus.GaugeValue, float64(c.q.Attached()))

	counter := func(d *prometheus.Desc, enq, deq uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(enq), "enqueue")
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(deq), "dequeue")
	}
	counter(c.attempts, s.EnqueueAttempts, s.DequeueAttempts)
	counter(c.success, s.Enqueued, s.Dequeued)
	counter(c.rejected, s.EnqueueFull, s.DequeueEmpty)
	counter(c.retries, s.EnqueueRetries, s.DequeueRetries)
}
