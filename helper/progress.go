package helper

import (
	"bytes"
	"encoding/json"

	"github.com/maxpert/backupd/protocol"
)

// statusLine is the subset of the engine's --json status messages the helper
// forwards. Backup reports files_done/bytes_done, restore reports
// files_restored/bytes_restored.
type statusLine struct {
	MessageType   string   `json:"message_type"`
	PercentDone   float64  `json:"percent_done"`
	TotalFiles    uint64   `json:"total_files"`
	FilesDone     uint64   `json:"files_done"`
	FilesRestored uint64   `json:"files_restored"`
	TotalBytes    uint64   `json:"total_bytes"`
	BytesDone     uint64   `json:"bytes_done"`
	BytesRestored uint64   `json:"bytes_restored"`
	CurrentFiles  []string `json:"current_files"`
}

// parseStatus turns one output line into a progress event. Lines that are not
// status messages return false and belong in the output tail.
func parseStatus(line []byte) (protocol.ProgressEvent, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' || !bytes.Contains(line, []byte(`"status"`)) {
		return protocol.ProgressEvent{}, false
	}

	var status statusLine
	if err := json.Unmarshal(line, &status); err != nil || status.MessageType != "status" {
		return protocol.ProgressEvent{}, false
	}

	event := protocol.ProgressEvent{
		Fraction:     min(max(status.PercentDone, 0), 1),
		TotalFiles:   status.TotalFiles,
		FilesDone:    max(status.FilesDone, status.FilesRestored),
		TotalBytes:   status.TotalBytes,
		BytesDone:    max(status.BytesDone, status.BytesRestored),
		CurrentFiles: status.CurrentFiles,
	}
	return event, true
}
