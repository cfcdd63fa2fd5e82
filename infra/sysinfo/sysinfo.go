// Package sysinfo reports the host resources used to size a run.
package sysinfo

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Host describes the machine a run executes on.
type Host struct {
	CPUs           int
	MemTotal       uint64
	MemAvailable   uint64
	MemUsedPercent float64
}

var (
	cpuCounts     = cpu.Counts
	virtualMemory = mem.VirtualMemory
)

// CPUs returns the logical CPU count, or runtime.NumCPU when the host
// cannot be queried.
func CPUs() int {
	n, err := cpuCounts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// Probe collects the host resources. Memory fields stay zero when the host
// does not expose them.
func Probe() Host {
	h := Host{CPUs: CPUs()}
	if vm, err := virtualMemory(); err == nil {
		h.MemTotal = vm.Total
		h.MemAvailable = vm.Available
		h.MemUsedPercent = vm.UsedPercent
	}
	return h
}

// Fields returns h as structured log fields.
func (h Host) Fields() map[string]any {
	return map[string]any{
		"cpus":         h.CPUs,
		"mem_total_mb": h.MemTotal >> 20,
		"mem_avail_mb": h.MemAvailable >> 20,
		"mem_used_pct": h.MemUsedPercent,
	}
}
