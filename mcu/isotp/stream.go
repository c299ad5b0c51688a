//go:build linux

package isotp

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// CANFDDataLen is the payload length of a single CAN-FD frame.
const CANFDDataLen = 64

const (
	// solCanISOTP is SOL_CAN_BASE (100) + CAN_ISOTP (6).
	solCanISOTP = 106
	// canISOTPLLOpts is the CAN_ISOTP_LL_OPTS socket option.
	canISOTPLLOpts = 5
	// canFDMTU is the link-layer MTU selecting CAN-FD frames.
	canFDMTU = 72
	// llTxFlags are the CAN-FD frame flags (BRS|ESI|FDF) the fleet's
	// firmware expects on every frame.
	llTxFlags = 0x0F
)

// Stream is a kernel ISO-TP socket bound to one direction of a
// conversation on a CAN-FD bus.
type Stream struct {
	fd  int
	bus string
}

// Dial opens an ISO-TP socket on the named bus with the given receive and
// transmit standard IDs, configured for 64-byte CAN-FD frames.
func Dial(bus string, rxID, txID uint32) (*Stream, error) {
	iface, err := net.InterfaceByName(bus)
	if err != nil {
		return nil, fmt.Errorf("failed resolving CAN interface %q: %w", bus, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_DGRAM, unix.CAN_ISOTP)
	if err != nil {
		return nil, fmt.Errorf("failed creating ISO-TP socket: %w", err)
	}

	// struct can_isotp_ll_options { u8 mtu; u8 tx_dl; u8 tx_flags; }
	ll := string([]byte{canFDMTU, CANFDDataLen, llTxFlags})
	if err := unix.SetsockoptString(fd, solCanISOTP, canISOTPLLOpts, ll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed setting ISO-TP link-layer options: %w", err)
	}

	addr := &unix.SockaddrCAN{Ifindex: iface.Index, RxID: rxID, TxID: txID}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed binding ISO-TP socket on %q (rx 0x%x, tx 0x%x): %w", bus, rxID, txID, err)
	}
	return &Stream{fd: fd, bus: bus}, nil
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return 0, fmt.Errorf("failed reading from ISO-TP socket on %q: %w", s.bus, err)
	}
	return n, nil
}

func (s *Stream) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if err != nil {
		return 0, fmt.Errorf("failed writing to ISO-TP socket on %q: %w", s.bus, err)
	}
	return n, nil
}

// Close closes the socket. A blocked Read returns with an error once the
// descriptor is gone.
func (s *Stream) Close() error {
	return unix.Close(s.fd)
}
