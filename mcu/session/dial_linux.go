//go:build linux

package session

import (
	"io"

	"github.com/openorb/orbcore/mcu/isotp"
)

func platformDial(bus string, rxID, txID uint32) (io.ReadWriteCloser, error) {
	return isotp.Dial(bus, rxID, txID)
}
