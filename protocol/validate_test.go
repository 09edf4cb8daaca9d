package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chanerrors "github.com/maxpert/backupd/errors"
)

func validBackup() CommandDescriptor {
	return CommandDescriptor{
		Operation:   OperationBackup,
		Executable:  "/usr/local/bin/restic",
		Args:        []string{"backup", "--json", "/Users/me/Documents"},
		Env:         map[string]string{"RESTIC_REPOSITORY": "/Volumes/Backup/repo"},
		WorkDir:     "/Users/me",
		AccessToken: "bookmark:Documents",
		Timeout:     time.Hour,
	}
}

func TestCommandValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*CommandDescriptor)
		code   int
	}{
		{"valid", func(c *CommandDescriptor) {}, 0},
		{"unknown operation", func(c *CommandDescriptor) { c.Operation = "mount" }, chanerrors.MalformedCommand},
		{"missing executable", func(c *CommandDescriptor) { c.Executable = "" }, chanerrors.MalformedCommand},
		{"relative executable", func(c *CommandDescriptor) { c.Executable = "restic" }, chanerrors.MalformedCommand},
		{"NUL in executable", func(c *CommandDescriptor) { c.Executable = "/bin/rest\x00ic" }, chanerrors.MalformedCommand},
		{"NUL in argument", func(c *CommandDescriptor) { c.Args[1] = "--js\x00on" }, chanerrors.UnsafeArgument},
		{"empty env name", func(c *CommandDescriptor) { c.Env[""] = "x" }, chanerrors.MalformedCommand},
		{"env name with equals", func(c *CommandDescriptor) { c.Env["A=B"] = "x" }, chanerrors.MalformedCommand},
		{"NUL in env value", func(c *CommandDescriptor) { c.Env["RESTIC_PASSWORD"] = "a\x00b" }, chanerrors.MalformedCommand},
		{"relative work dir", func(c *CommandDescriptor) { c.WorkDir = "home" }, chanerrors.MalformedCommand},
		{"negative timeout", func(c *CommandDescriptor) { c.Timeout = -time.Second }, chanerrors.MalformedCommand},
		{"backup without token", func(c *CommandDescriptor) { c.AccessToken = " " }, chanerrors.InvalidToken},
		{"list without token", func(c *CommandDescriptor) {
			c.Operation = OperationList
			c.AccessToken = ""
		}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := validBackup()
			tt.modify(&cmd)

			err := cmd.Validate()
			if tt.code == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, chanerrors.IsValidation(err))
			assert.Equal(t, tt.code, chanerrors.CodeOf(err))
		})
	}
}
