package transport

import (
	"context"
	"fmt"
	"os"
	"slices"

	"go.uber.org/zap"

	chanerrors "github.com/maxpert/backupd/errors"
	"github.com/maxpert/backupd/interfaces"
	"github.com/maxpert/backupd/protocol"
)

// PeerValidator accepts a handle only if the helper speaks this protocol
// version and runs as one of the allowed uids
type PeerValidator struct {
	allowed []int
	logger  *zap.Logger
}

// NewPeerValidator creates a validator. An empty allow-list accepts only the
// uid of the current process.
func NewPeerValidator(allowedUIDs []int, logger *zap.Logger) *PeerValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(allowedUIDs) == 0 {
		allowedUIDs = []int{os.Getuid()}
	}
	return &PeerValidator{
		allowed: slices.Clone(allowedUIDs),
		logger:  logger.Named("peer"),
	}
}

func (v *PeerValidator) Validate(ctx context.Context, handle interfaces.Handle) error {
	identified, ok := handle.(interfaces.IdentifiedHandle)
	if !ok {
		return chanerrors.NewPeerRejected("handle does not expose peer credentials")
	}

	peer, err := identified.Peer()
	if err != nil {
		return chanerrors.NewPeerRejected(err.Error())
	}
	if peer.Version != protocol.ProtocolVersion {
		return chanerrors.NewPeerRejected(fmt.Sprintf("protocol version %d, want %d", peer.Version, protocol.ProtocolVersion))
	}
	if !slices.Contains(v.allowed, peer.UID) {
		v.logger.Warn("Rejecting helper running as unexpected user",
			zap.String("handle", handle.ID()),
			zap.Int("uid", peer.UID),
			zap.Ints("allowed", v.allowed))
		return chanerrors.NewPeerRejected(fmt.Sprintf("uid %d is not allowed", peer.UID))
	}

	v.logger.Debug("Helper accepted",
		zap.String("handle", handle.ID()),
		zap.String("name", peer.Name),
		zap.Int("pid", peer.PID),
		zap.Int("uid", peer.UID))
	return nil
}
