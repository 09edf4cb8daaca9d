package health

import (
	"fmt"

	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

// Breaches lists every limit the snapshot exceeds. Zero limits are ignored.
func Breaches(limits interfaces.ResourceLimits, s protocol.ResourceSnapshot) []string {
	var out []string

	if limits.MaxMemoryBytes > 0 && s.MemoryBytes > limits.MaxMemoryBytes {
		out = append(out, fmt.Sprintf("memory %d bytes above limit %d", s.MemoryBytes, limits.MaxMemoryBytes))
	}
	if limits.MaxCPUPercent > 0 && s.CPUPercent > limits.MaxCPUPercent {
		out = append(out, fmt.Sprintf("cpu %.1f%% above limit %.1f%%", s.CPUPercent, limits.MaxCPUPercent))
	}
	if limits.MinDiskFreeBytes > 0 && s.DiskFreeBytes < limits.MinDiskFreeBytes {
		out = append(out, fmt.Sprintf("free disk %d bytes below minimum %d", s.DiskFreeBytes, limits.MinDiskFreeBytes))
	}
	if limits.MaxFileHandles > 0 && s.FileHandles > limits.MaxFileHandles {
		out = append(out, fmt.Sprintf("%d open files above limit %d", s.FileHandles, limits.MaxFileHandles))
	}
	if limits.MaxConnections > 0 && s.Connections > limits.MaxConnections {
		out = append(out, fmt.Sprintf("%d connections above limit %d", s.Connections, limits.MaxConnections))
	}

	return out
}
