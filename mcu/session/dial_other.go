//go:build !linux

package session

import (
	"errors"
	"io"
)

func platformDial(bus string, rxID, txID uint32) (io.ReadWriteCloser, error) {
	return nil, errors.New("iso-tp sockets require linux")
}
