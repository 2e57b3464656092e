package connection

import "golang.org/x/sys/unix"

const inqRequest = unix.FIONREAD
