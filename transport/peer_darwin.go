//go:build darwin

package transport

import "golang.org/x/sys/unix"

func peerCredentials(fd int) (Credentials, error) {
	xucred, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	if err != nil {
		return Credentials{}, err
	}
	creds := Credentials{UID: int(xucred.Uid)}
	if xucred.Ngroups > 0 {
		creds.GID = int(xucred.Groups[0])
	}
	// pid is informational; older kernels may not report it
	if pid, err := unix.GetsockoptInt(fd, unix.SOL_LOCAL, unix.LOCAL_PEERPID); err == nil {
		creds.PID = pid
	}
	return creds, nil
}
