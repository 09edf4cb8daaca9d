//go:build unix

package helper

import (
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/maxpert/backupd/protocol"
)

// Prober samples the helper's resource usage. CPU is the share of one core
// used by the helper and its engine processes since the previous sample.
type Prober struct {
	diskPath    string
	connections func() int

	mu       sync.Mutex
	lastCPU  time.Duration
	lastTake time.Time
}

// NewProber creates a prober reporting free space of the filesystem holding
// diskPath; connections reports the number of open client connections
func NewProber(diskPath string, connections func() int) *Prober {
	if diskPath == "" {
		diskPath = os.TempDir()
	}
	return &Prober{diskPath: diskPath, connections: connections}
}

// Snapshot takes one sample. Individual probes that fail leave their field zero.
func (p *Prober) Snapshot() protocol.ResourceSnapshot {
	now := time.Now()
	snapshot := protocol.ResourceSnapshot{TakenAt: now}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	snapshot.MemoryBytes = m.Sys

	var st unix.Statfs_t
	if err := unix.Statfs(p.diskPath, &st); err == nil {
		snapshot.DiskFreeBytes = uint64(st.Bavail) * uint64(st.Bsize)
	}

	snapshot.CPUPercent = p.cpuPercent(now)
	snapshot.FileHandles = openFiles()
	if p.connections != nil {
		snapshot.Connections = p.connections()
	}
	return snapshot
}

func (p *Prober) cpuPercent(now time.Time) float64 {
	used := cpuTime(unix.RUSAGE_SELF) + cpuTime(unix.RUSAGE_CHILDREN)

	p.mu.Lock()
	defer p.mu.Unlock()
	prevCPU, prevTake := p.lastCPU, p.lastTake
	p.lastCPU, p.lastTake = used, now
	if prevTake.IsZero() {
		return 0
	}
	wall := now.Sub(prevTake)
	if wall <= 0 || used < prevCPU {
		return 0
	}
	return float64(used-prevCPU) / float64(wall) * 100
}

func cpuTime(who int) time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(who, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}

// openFiles counts descriptors of the current process
func openFiles() int {
	for _, dir := range []string{"/proc/self/fd", "/dev/fd"} {
		if entries, err := os.ReadDir(dir); err == nil {
			return len(entries)
		}
	}
	return 0
}
