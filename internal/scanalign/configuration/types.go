package configuration

import (
	"time"

	"github.com/scanalign/scanalign/internal/admission"
	"github.com/scanalign/scanalign/internal/common/config"
	"github.com/scanalign/scanalign/internal/pipeline"
)

type ScanalignConfig struct {
	// HttpPort serves health checks and the queue status endpoint.
	HttpPort    uint16
	MetricsPort uint16

	Admission admission.Config
	Pipeline  pipeline.Config
	Monitor   MonitorConfig
}

type MonitorConfig struct {
	// MemoryCeiling above which submissions are turned away. Zero disables
	// the gate. Accepts human readable sizes such as "512Mi".
	MemoryCeiling config.ByteSize
	// SampleInterval bounds how often /proc is re-read.
	SampleInterval time.Duration
}
