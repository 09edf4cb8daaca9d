package protocol

import (
	"fmt"
	"path/filepath"
	"strings"

	chanerrors "github.com/maxpert/backupd/errors"
)

// Validate checks the structural rules every command must satisfy before it
// is enqueued or executed. Policy checks (allowed executables, required
// environment) belong to the helper.
func (c CommandDescriptor) Validate() error {
	if !c.Operation.Valid() {
		return chanerrors.NewMalformedCommand("operation", fmt.Sprintf("unknown operation type %q", c.Operation))
	}

	if c.Executable == "" {
		return chanerrors.NewMalformedCommand("executable", "missing executable")
	}
	if strings.ContainsRune(c.Executable, 0) {
		return chanerrors.NewMalformedCommand("executable", "executable contains NUL byte")
	}
	if !filepath.IsAbs(c.Executable) {
		return chanerrors.NewMalformedCommand("executable", "executable path must be absolute")
	}

	for i, arg := range c.Args {
		if strings.ContainsRune(arg, 0) {
			return chanerrors.NewUnsafeArgument(i, "contains NUL byte")
		}
	}

	for name, value := range c.Env {
		if name == "" || strings.ContainsAny(name, "=\x00") {
			return chanerrors.NewMalformedCommand("env", fmt.Sprintf("invalid environment variable name %q", name))
		}
		if strings.ContainsRune(value, 0) {
			return chanerrors.NewMalformedCommand("env."+name, "value contains NUL byte")
		}
	}

	if c.WorkDir != "" && !filepath.IsAbs(c.WorkDir) {
		return chanerrors.NewMalformedCommand("work_dir", "working directory must be absolute")
	}
	if c.Timeout < 0 {
		return chanerrors.NewMalformedCommand("timeout", "timeout cannot be negative")
	}

	if c.Operation.NeedsPathAccess() && strings.TrimSpace(c.AccessToken) == "" {
		return chanerrors.NewInvalidToken(fmt.Sprintf("%s requires a resolved access token", c.Operation))
	}
	return nil
}
