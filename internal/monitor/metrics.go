package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const MetricPrefix = "scanalign_"

var residentBytesDesc = prometheus.NewDesc(
	MetricPrefix+"process_resident_bytes",
	"Resident set size of the pipeline process",
	nil,
	nil,
)

var virtualBytesDesc = prometheus.NewDesc(
	MetricPrefix+"process_virtual_bytes",
	"Virtual memory size of the pipeline process",
	nil,
	nil,
)

var memoryUtilizationDesc = prometheus.NewDesc(
	MetricPrefix+"process_memory_utilization",
	"Fraction of system memory resident in the pipeline process",
	nil,
	nil,
)

// ExposeMemoryMetrics registers a collector reporting the monitor's rolling
// snapshot and returns it.
func ExposeMemoryMetrics(monitor *ResourceMonitor) *MemoryCollector {
	collector := &MemoryCollector{monitor: monitor}
	prometheus.MustRegister(collector)
	return collector
}

type MemoryCollector struct {
	monitor *ResourceMonitor
}

func (c *MemoryCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- residentBytesDesc
	desc <- virtualBytesDesc
	desc <- memoryUtilizationDesc
}

func (c *MemoryCollector) Collect(metrics chan<- prometheus.Metric) {
	sample, err := c.monitor.Sample()
	if err != nil {
		log.Errorf("Error while sampling memory for metrics: %s", err)
		return
	}
	metrics <- prometheus.MustNewConstMetric(residentBytesDesc, prometheus.GaugeValue, float64(sample.ResidentBytes))
	metrics <- prometheus.MustNewConstMetric(virtualBytesDesc, prometheus.GaugeValue, float64(sample.VirtualBytes))
	metrics <- prometheus.MustNewConstMetric(memoryUtilizationDesc, prometheus.GaugeValue, sample.Utilization)
}
