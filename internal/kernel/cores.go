// Package kernel provides the bounded, observable concurrency primitives the
// pipeline runs on: CPU sizing, labeled semaphores, retry with backoff, and
// step instrumentation.
package kernel

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

const (
	cgroupV2CPUMax      = "/sys/fs/cgroup/cpu.max"
	cgroupV1CPUQuota    = "/sys/fs/cgroup/cpu/cpu.cfs_quota_us"
	cgroupV1CPUPeriod   = "/sys/fs/cgroup/cpu/cpu.cfs_period_us"
	coresOverrideEnvVar = "EFFECTIVE_CPU_CORES"
)

// DetectEffectiveCores returns the number of CPU cores the process may
// actually use: the container quota when one is set, else the
// EFFECTIVE_CPU_CORES override, else the OS-reported count. Never below 1.
func DetectEffectiveCores() int {
	if quota, ok := containerCPUQuota(); ok {
		return maxInt(1, quota)
	}
	if raw := strings.TrimSpace(os.Getenv(coresOverrideEnvVar)); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return maxInt(1, runtime.NumCPU())
}

func containerCPUQuota() (int, bool) {
	if quota, ok := cgroupV2Quota(cgroupV2CPUMax); ok {
		return quota, true
	}
	return cgroupV1Quota(cgroupV1CPUQuota, cgroupV1CPUPeriod)
}

// cgroupV2Quota parses "cpu.max", whose format is "<quota> <period>" or
// "max <period>" when unlimited.
func cgroupV2Quota(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(raw))
	if len(fields) != 2 || fields[0] == "max" {
		return 0, false
	}
	quota, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || quota <= 0 {
		return 0, false
	}
	period, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || period <= 0 {
		return 0, false
	}
	return int(quota/period + 0.5), true
}

func cgroupV1Quota(quotaPath, periodPath string) (int, bool) {
	quotaRaw, err := os.ReadFile(quotaPath)
	if err != nil {
		return 0, false
	}
	quota, err := strconv.ParseFloat(strings.TrimSpace(string(quotaRaw)), 64)
	if err != nil || quota <= 0 {
		return 0, false
	}
	periodRaw, err := os.ReadFile(periodPath)
	if err != nil {
		return 0, false
	}
	period, err := strconv.ParseFloat(strings.TrimSpace(string(periodRaw)), 64)
	if err != nil || period <= 0 {
		return 0, false
	}
	return int(quota/period + 0.5), true
}

// DefaultConcurrency returns the default limit for a workload class:
// "cpu" gets one slot per core, "io" gets twice the cores with a floor of 4.
func DefaultConcurrency(kind string, cores int) int {
	switch kind {
	case "io":
		return maxInt(4, cores*2)
	default:
		return maxInt(1, cores)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
