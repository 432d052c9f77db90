package scanalign

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/scanalign/scanalign/internal/admission"
	"github.com/scanalign/scanalign/internal/monitor"
)

// statusReport is the JSON body of the status endpoint.
type statusReport struct {
	Queue  admission.QueueStatus `json:"queue"`
	Memory memoryReport          `json:"memory"`
}

type memoryReport struct {
	ResidentBytes uint64  `json:"residentBytes"`
	VirtualBytes  uint64  `json:"virtualBytes"`
	Utilization   float64 `json:"utilization"`
}

// StatusHandler reports the queue and memory state of the process.
type StatusHandler struct {
	queue   *admission.Queue
	monitor *monitor.ResourceMonitor
}

func NewStatusHandler(queue *admission.Queue, monitor *monitor.ResourceMonitor) *StatusHandler {
	return &StatusHandler{queue: queue, monitor: monitor}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := statusReport{Queue: h.queue.Status()}

	sample, err := h.monitor.Sample()
	if err != nil {
		log.WithError(err).Warn("Could not sample memory for the status report")
	} else {
		report.Memory = memoryReport{
			ResidentBytes: sample.ResidentBytes,
			VirtualBytes:  sample.VirtualBytes,
			Utilization:   sample.Utilization,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		log.WithError(err).Error("Could not write the status report")
	}
}
