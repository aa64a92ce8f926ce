package fsutil

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// GetSystemMemory returns available memory in MB
func GetSystemMemory() (int64, error) {
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	return int64(sysinfo.Freeram) * int64(sysinfo.Unit) / (1024 * 1024), nil
}

// buffersPerWorker counts the frame-sized buffers a stacking worker can hold
// at once: the loaded frame plus the rotated and shifted copies.
const buffersPerWorker = 3

// WorkerBudget caps requested so that concurrent frame buffers of
// frameBytes each stay under half of the available memory. It never
// returns less than 1 and returns requested unchanged when memory cannot
// be determined.
func WorkerBudget(requested int, frameBytes int64, available func() (int64, error), logger *slog.Logger) int {
	if requested <= 1 || frameBytes <= 0 {
		return max(requested, 1)
	}
	if available == nil {
		available = GetSystemMemory
	}
	availMB, err := available()
	if err != nil {
		if logger != nil {
			logger.Debug("failed to get system memory info", "error", err)
		}
		return requested
	}

	perWorkerMB := frameBytes*buffersPerWorker/(1024*1024) + 1
	fit := int(availMB / 2 / perWorkerMB)
	if fit >= requested {
		return requested
	}
	fit = max(fit, 1)
	if logger != nil {
		logger.Info("limiting stacking workers to fit memory",
			"requested", requested,
			"workers", fit,
			"available_ram_mb", availMB,
			"per_worker_mb", perWorkerMB,
		)
	}
	return fit
}
