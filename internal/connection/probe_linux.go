package connection

import "golang.org/x/sys/unix"

// inqRequest is the ioctl that reports bytes queued for reading.
const inqRequest = unix.TIOCINQ
