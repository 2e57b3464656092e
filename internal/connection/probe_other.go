//go:build !linux && !darwin

package connection

import "net"

func probe(net.Conn) (int, bool, error) {
	return 0, false, errProbeUnsupported
}
