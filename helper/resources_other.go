//go:build !unix

package helper

import (
	"runtime"
	"time"

	"github.com/maxpert/backupd/protocol"
)

// Prober samples the helper's memory use; other resources are not measured
// on this platform
type Prober struct {
	connections func() int
}

func NewProber(diskPath string, connections func() int) *Prober {
	return &Prober{connections: connections}
}

func (p *Prober) Snapshot() protocol.ResourceSnapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	snapshot := protocol.ResourceSnapshot{MemoryBytes: m.Sys, TakenAt: time.Now()}
	if p.connections != nil {
		snapshot.Connections = p.connections()
	}
	return snapshot
}
