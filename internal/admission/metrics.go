package admission

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "scanalign_queue_"

var waitingJobsDesc = prometheus.NewDesc(
	metricPrefix+"waiting_jobs",
	"Number of jobs waiting for a pipeline slot",
	nil,
	nil,
)

var runningJobsDesc = prometheus.NewDesc(
	metricPrefix+"running_jobs",
	"Number of jobs currently holding a pipeline slot",
	nil,
	nil,
)

var maxConcurrencyDesc = prometheus.NewDesc(
	metricPrefix+"max_concurrency",
	"Configured number of pipeline slots",
	nil,
	nil,
)

var oldestWaitingAgeDesc = prometheus.NewDesc(
	metricPrefix+"oldest_waiting_age_seconds",
	"Age of the job at the head of the waiting list",
	nil,
	nil,
)

var finishedJobsDesc = prometheus.NewDesc(
	metricPrefix+"finished_jobs_total",
	"Jobs that reached a terminal state, by outcome",
	[]string{"state"},
	nil,
)

// ExposeQueueMetrics registers a collector reporting live queue gauges and
// terminal outcome counters, and returns it.
func ExposeQueueMetrics(queue *Queue) *QueueCollector {
	collector := &QueueCollector{queue: queue}
	prometheus.MustRegister(collector)
	return collector
}

type QueueCollector struct {
	queue *Queue
}

func (c *QueueCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- waitingJobsDesc
	desc <- runningJobsDesc
	desc <- maxConcurrencyDesc
	desc <- oldestWaitingAgeDesc
	desc <- finishedJobsDesc
}

func (c *QueueCollector) Collect(metrics chan<- prometheus.Metric) {
	status := c.queue.Status()
	metrics <- prometheus.MustNewConstMetric(waitingJobsDesc, prometheus.GaugeValue, float64(status.WaitingCount))
	metrics <- prometheus.MustNewConstMetric(runningJobsDesc, prometheus.GaugeValue, float64(status.RunningCount))
	metrics <- prometheus.MustNewConstMetric(maxConcurrencyDesc, prometheus.GaugeValue, float64(status.MaxConcurrency))
	metrics <- prometheus.MustNewConstMetric(oldestWaitingAgeDesc, prometheus.GaugeValue, float64(status.OldestWaitingAgeMs)/1000)
	for state, count := range c.queue.finishedCounts() {
		metrics <- prometheus.MustNewConstMetric(finishedJobsDesc, prometheus.CounterValue, float64(count), string(state))
	}
}
