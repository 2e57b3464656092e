//go:build linux || darwin

package connection

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// probe reports how many bytes can be read from nc without blocking, and
// whether the peer has closed its side. It never blocks.
func probe(nc net.Conn) (avail int, eof bool, err error) {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return 0, false, errProbeUnsupported
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, false, err
	}

	var opErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		avail, opErr = unix.IoctlGetInt(int(fd), inqRequest)
		if opErr != nil || avail > 0 {
			return
		}

		// The queued count is also 0 after the peer's FIN; a non-blocking peek tells
		// the two apart.
		var one [1]byte
		n, _, rerr := unix.Recvfrom(int(fd), one[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case rerr == nil && n == 0:
			eof = true
		case rerr == nil:
			avail = n
		case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EWOULDBLOCK), errors.Is(rerr, unix.EINTR):
		default:
			opErr = rerr
		}
	})
	if ctrlErr != nil {
		return 0, false, ctrlErr
	}
	return avail, eof, opErr
}
