package helper

import (
	"slices"
	"strings"

	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

// Policy decides which commands the helper is willing to run
type Policy struct {
	// AllowedExecutables lists absolute paths; empty allows any executable
	AllowedExecutables []string

	// RequiredEnv names variables every command must set
	RequiredEnv []string
}

// NewPolicy builds the policy from the helper configuration
func NewPolicy(cfg interfaces.HelperConfig) Policy {
	return Policy{
		AllowedExecutables: slices.Clone(cfg.AllowedExecutables),
		RequiredEnv:        slices.Clone(cfg.RequiredEnv),
	}
}

// Check re-validates cmd structurally and applies the allow-list and the
// required environment
func (p Policy) Check(cmd protocol.CommandDescriptor) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if len(p.AllowedExecutables) > 0 && !slices.Contains(p.AllowedExecutables, cmd.Executable) {
		return chanerrors.NewNotAllowed(cmd.Executable)
	}
	for _, name := range p.RequiredEnv {
		if strings.TrimSpace(cmd.Env[name]) == "" {
			return chanerrors.NewMissingEnvironment(name)
		}
	}
	return nil
}
