package helper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPolicyCheck(t *testing.T) {
	policy := NewPolicy(interfaces.HelperConfig{
		AllowedExecutables: []string{"/usr/bin/restic"},
		RequiredEnv:        []string{"RESTIC_REPOSITORY"},
	})

	cmd := protocol.CommandDescriptor{
		Operation:  protocol.OperationList,
		Executable: "/usr/bin/restic",
		Args:       []string{"snapshots", "--json"},
		Env:        map[string]string{"RESTIC_REPOSITORY": "/srv/repo"},
	}
	assert.NoError(t, policy.Check(cmd))

	other := cmd
	other.Executable = "/bin/rm"
	assert.Equal(t, chanerrors.NotAllowed, chanerrors.CodeOf(policy.Check(other)))

	noRepo := cmd
	noRepo.Env = map[string]string{"RESTIC_REPOSITORY": "  "}
	assert.Equal(t, chanerrors.MissingEnvironment, chanerrors.CodeOf(policy.Check(noRepo)))

	unsafe := cmd
	unsafe.Args = []string{"snapshots\x00--delete"}
	assert.Equal(t, chanerrors.UnsafeArgument, chanerrors.CodeOf(policy.Check(unsafe)))

	open := NewPolicy(interfaces.HelperConfig{})
	assert.NoError(t, open.Check(other), "an empty allow-list accepts any absolute executable")
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tail := newTailBuffer(8)
	tail.Write([]byte("abcd"))
	assert.Equal(t, "abcd", tail.String())
	assert.False(t, tail.Truncated())

	tail.Write([]byte("efghij"))
	assert.Equal(t, "cdefghij", tail.String())
	assert.True(t, tail.Truncated())

	tail.Write([]byte(strings.Repeat("x", 20)))
	assert.Equal(t, strings.Repeat("x", 8), tail.String())
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name string
		line string
		want protocol.ProgressEvent
		ok   bool
	}{
		{
			name: "backup status",
			line: `{"message_type":"status","percent_done":0.25,"total_files":8,"files_done":2,"total_bytes":400,"bytes_done":100,"current_files":["/home/a.txt"]}`,
			want: protocol.ProgressEvent{Fraction: 0.25, TotalFiles: 8, FilesDone: 2, TotalBytes: 400, BytesDone: 100, CurrentFiles: []string{"/home/a.txt"}},
			ok:   true,
		},
		{
			name: "restore status",
			line: `  {"message_type":"status","percent_done":1,"total_files":3,"files_restored":3,"bytes_restored":42}`,
			want: protocol.ProgressEvent{Fraction: 1, TotalFiles: 3, FilesDone: 3, BytesDone: 42},
			ok:   true,
		},
		{
			name: "fraction clamped",
			line: `{"message_type":"status","percent_done":1.7}`,
			want: protocol.ProgressEvent{Fraction: 1},
			ok:   true,
		},
		{name: "summary", line: `{"message_type":"summary","files_new":3,"status":"done"}`},
		{name: "plain text", line: `using parent snapshot 1a2b3c4d`},
		{name: "broken json", line: `{"message_type":"status",`},
		{name: "empty", line: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseStatus([]byte(tt.line))
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
