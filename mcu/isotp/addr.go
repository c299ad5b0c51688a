// Package isotp binds ISO-TP (ISO 15765-2) sockets on the orb's CAN-FD
// bus and encodes the fleet's 11-bit addressing scheme.
//
// Standard ID bit layout:
//
//	| 10   | 9       | 8        | 4-7       | 0-3     |
//	| rsvd | is_dest | is_isotp | source ID | dest ID |
package isotp

import "fmt"

const (
	// AddrIsISOTP marks a standard ID as carrying ISO-TP traffic.
	AddrIsISOTP uint32 = 1 << 8
	// AddrIsDest marks the destination leg of a transmit pair.
	AddrIsDest uint32 = 1 << 9
)

// NodeID is the hex digit identifying a device or an app on the bus.
type NodeID uint8

const (
	MainMcu     NodeID = 0x1
	SecurityMcu NodeID = 0x2
	Jetson      NodeID = 0x8
	// JetsonCore is the orb core application.
	JetsonCore NodeID = 0x9
	// UpdateAgent is the update agent; it is always the source of
	// firmware pushes.
	UpdateAgent NodeID = 0xA
	JetsonApp3  NodeID = 0xB
	// JetsonSE talks to the secure element.
	JetsonSE   NodeID = 0xC
	JetsonApp5 NodeID = 0xD
	JetsonApp6 NodeID = 0xE
	// McuUtil is the diagnostic tool.
	McuUtil NodeID = 0xF
)

func (n NodeID) String() string {
	switch n {
	case MainMcu:
		return "main-mcu"
	case SecurityMcu:
		return "security-mcu"
	case Jetson:
		return "jetson"
	case UpdateAgent:
		return "update-agent"
	case McuUtil:
		return "mcu-util"
	default:
		return fmt.Sprintf("node-0x%x", uint8(n))
	}
}

// NodeIDFromAddress parses a node id from a system-component address.
func NodeIDFromAddress(v uint32) (NodeID, error) {
	switch v {
	case 0x1, 0x2, 0x8, 0x9, 0xA, 0xB, 0xC, 0xD, 0xE, 0xF:
		return NodeID(v), nil
	}
	return 0, fmt.Errorf("unknown node id 0x%x", v)
}

// IsMcu reports whether the node is one of the two microcontrollers.
func (n NodeID) IsMcu() bool { return n == MainMcu || n == SecurityMcu }

// AddressPair builds the (rx id, tx id) standard-ID pair used to bind one
// direction of an ISO-TP conversation from src to dst. The transmit leg
// carries the destination flag.
func AddressPair(src, dst NodeID) (rxID, txID uint32) {
	base := AddrIsISOTP | uint32(src)<<4 | uint32(dst)
	return base, AddrIsDest | base
}
