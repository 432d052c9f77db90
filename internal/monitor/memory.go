// Package monitor samples process memory usage for status reporting and for
// the advisory admission gate. Sampling reads the proc filesystem directly;
// samples are cached briefly so frequent status calls stay cheap.
package monitor

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/scanalign/scanalign/internal/common/scanerrors"
	"github.com/scanalign/scanalign/internal/common/util"
)

type MemorySample struct {
	// Resident set size of this process, in bytes.
	ResidentBytes uint64
	// Virtual memory size of this process, in bytes.
	VirtualBytes uint64
	// Fraction of total system memory resident in this process, in [0, 1].
	Utilization float64
	SampledAt   time.Time
}

// ResourceMonitor provides rolling memory snapshots and the submission gate.
// Safe for concurrent use.
type ResourceMonitor struct {
	// Resident bytes above which CheckAdmission rejects. Zero disables the
	// gate.
	CeilingBytes uint64
	// Maximum age of a cached sample before the proc filesystem is re-read.
	// Defaults to one second.
	MaxSampleAge time.Duration

	procStatusPath string
	memInfoPath    string
	clock          util.Clock

	mu   sync.Mutex
	last MemorySample
}

func New(ceilingBytes uint64) *ResourceMonitor {
	return &ResourceMonitor{
		CeilingBytes:   ceilingBytes,
		MaxSampleAge:   time.Second,
		procStatusPath: "/proc/self/status",
		memInfoPath:    "/proc/meminfo",
		clock:          &util.DefaultClock{},
	}
}

// Sample returns the current memory usage of the process. Reads are cached
// for MaxSampleAge; a cached sample carries its original SampledAt so callers
// can tell how fresh it is.
func (srv *ResourceMonitor) Sample() (MemorySample, error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	now := srv.clock.Now()
	if !srv.last.SampledAt.IsZero() && now.Sub(srv.last.SampledAt) < srv.MaxSampleAge {
		return srv.last, nil
	}

	resident, virtual, err := readProcessMemory(srv.procStatusPath)
	if err != nil {
		return MemorySample{}, err
	}
	total, err := readTotalMemory(srv.memInfoPath)
	if err != nil {
		return MemorySample{}, err
	}

	sample := MemorySample{
		ResidentBytes: resident,
		VirtualBytes:  virtual,
		SampledAt:     now,
	}
	if total > 0 {
		sample.Utilization = float64(resident) / float64(total)
	}
	srv.last = sample
	return sample, nil
}

// CheckAdmission returns ErrOverloaded when resident usage exceeds the
// configured ceiling. The gate is advisory: it is re-evaluated on every call
// and a failed sample never blocks admission.
func (srv *ResourceMonitor) CheckAdmission() error {
	if srv.CeilingBytes == 0 {
		return nil
	}
	sample, err := srv.Sample()
	if err != nil {
		log.Warnf("Memory sampling failed, admitting without gate: %v", err)
		return nil
	}
	if sample.ResidentBytes > srv.CeilingBytes {
		return &scanerrors.ErrOverloaded{
			ResidentBytes: sample.ResidentBytes,
			CeilingBytes:  srv.CeilingBytes,
		}
	}
	return nil
}

// readProcessMemory parses VmRSS and VmSize out of /proc/<pid>/status.
// Values there are reported in kB.
func readProcessMemory(path string) (resident uint64, virtual uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		value, parseErr := strconv.ParseUint(fields[1], 10, 64)
		if parseErr != nil {
			continue
		}
		switch key {
		case "VmRSS":
			resident = value * 1024
		case "VmSize":
			virtual = value * 1024
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, errors.WithStack(err)
	}
	return resident, virtual, nil
}

// readTotalMemory parses MemTotal out of /proc/meminfo, in bytes.
func readTotalMemory(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if strings.TrimSuffix(fields[0], ":") != "MemTotal" {
			continue
		}
		value, parseErr := strconv.ParseUint(fields[1], 10, 64)
		if parseErr != nil {
			return 0, errors.WithStack(parseErr)
		}
		return value * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, errors.WithStack(err)
	}
	return 0, nil
}
