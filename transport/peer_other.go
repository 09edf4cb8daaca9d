//go:build !linux && !darwin

package transport

import (
	"fmt"
	"runtime"
)

func peerCredentials(fd int) (Credentials, error) {
	return Credentials{}, fmt.Errorf("peer credentials are not supported on %s", runtime.GOOS)
}
