// Package affinity pins engine goroutines to specific CPUs and, where
// configured, raises their scheduling class to SCHED_FIFO.
// PinCurrentThread locks the calling goroutine to its OS thread first —
// Go's scheduler is otherwise free to migrate a goroutine between threads,
// which would silently undo any affinity set on the thread it happened
// to run on at the time. EnableRealtime and BindNUMANode act on whatever
// thread the caller is running on and do not lock it themselves.
//
// CPU pinning and real-time scheduling go through Linux-only calls in
// golang.org/x/sys/unix; the package has no fallback for other GOOS.
package affinity

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its current OS thread
// and restricts that thread to the given CPU. Call this from the top of
// a worker goroutine's run loop, before it touches any bus or journal.
func PinCurrentThread(cpu int, logger *slog.Logger) error {
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: pin to cpu %d: %w", cpu, err)
	}
	if logger != nil {
		logger.Debug("pinned worker thread", "cpu", cpu)
	}
	return nil
}

// EnableRealtime raises the calling thread's scheduling class to
// SCHED_FIFO at the given priority (1-99; spec.md recommends 50 for
// strategy/OEMS workers so they preempt best-effort goroutines but not
// kernel-critical tasks). Requires CAP_SYS_NICE; failures are returned
// rather than silently ignored, since a caller that asked for real-time
// scheduling needs to know it didn't get it.
func EnableRealtime(priority int) error {
	param := &unix.SchedParam{Priority: int32(priority)}
	if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, param); err != nil {
		return fmt.Errorf("affinity: enable SCHED_FIFO priority %d: %w", priority, err)
	}
	return nil
}

// BindNUMANode advises the kernel that subsequent allocations by the
// calling thread should prefer the given NUMA node. Binding is advisory:
// if the node doesn't exist (single-socket machines, containers without
// NUMA visibility), this falls back to node 0 and logs a warning rather
// than failing startup, per the Open Question (iii) decision recorded in
// DESIGN.md.
func BindNUMANode(node int, logger *slog.Logger) error {
	nodes, err := AvailableNUMANodes()
	if err != nil || len(nodes) == 0 {
		if logger != nil {
			logger.Warn("NUMA topology unavailable, continuing without binding", "error", err)
		}
		return nil
	}
	if !contains(nodes, node) {
		if logger != nil {
			logger.Warn("requested NUMA node not present, falling back to node 0", "requested", node, "available", nodes)
		}
		node = 0
	}
	// golang.org/x/sys/unix has no direct mbind/set_mempolicy wrapper; we
	// approximate node-local allocation by additionally constraining CPU
	// affinity to that node's CPU list, which is sufficient for the
	// single-process, single-host deployment target described in spec.md
	// §4.10 and keeps this package free of cgo or raw syscall numbers.
	cpus, err := numaNodeCPUs(node)
	if err != nil || len(cpus) == 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(0, &set)
}

// AvailableNUMANodes lists the NUMA node IDs visible under
// /sys/devices/system/node. Returns an empty slice (not an error) if the
// path doesn't exist, which is the common case inside containers.
func AvailableNUMANodes() ([]int, error) {
	const base = "/sys/devices/system/node"
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("affinity: read %s: %w", base, err)
	}

	var nodes []int
	for _, e := range entries {
		if id, ok := strings.CutPrefix(e.Name(), "node"); ok {
			if n, err := strconv.Atoi(id); err == nil {
				nodes = append(nodes, n)
			}
		}
	}
	sort.Ints(nodes)
	return nodes, nil
}

func numaNodeCPUs(node int) ([]int, error) {
	path := filepath.Join("/sys/devices/system/node", fmt.Sprintf("node%d", node), "cpulist")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseCPUList(strings.TrimSpace(string(data)))
}

// parseCPUList parses Linux's "a,b-c,d" cpulist/cpuset syntax.
func parseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("affinity: parse cpu range %q: %w", part, err)
			}
			end, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("affinity: parse cpu range %q: %w", part, err)
			}
			for c := start; c <= end; c++ {
				cpus = append(cpus, c)
			}
		} else {
			c, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("affinity: parse cpu id %q: %w", part, err)
			}
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
