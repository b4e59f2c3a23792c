//go:build !linux

package ptyhost

import (
	"errors"
	"net"
)

func peerPID(net.Conn) (int, error) {
	return 0, errors.New("peer credentials are not supported on this platform")
}
