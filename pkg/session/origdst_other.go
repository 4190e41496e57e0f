//go:build !linux

package session

import (
	"errors"
	"net"
)

func originalDestination(net.Conn) (string, error) {
	return "", errors.ErrUnsupported
}
