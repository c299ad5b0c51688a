// Package wire encodes and decodes the MCU protobuf messages exchanged
// over the ISO-TP channel.
//
// The authoritative schema lives in the microcontroller firmware tree;
// this side speaks a small, stable subset, so the codec is maintained by
// hand on top of the protobuf wire format. Unknown fields are skipped on
// decode so firmware-side schema growth does not break older agents.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Version of the MCU message schema. Version0 is the only deployed one.
type Version int32

const Version0 Version = 0

// AckError classifies an MCU acknowledgement.
type AckError int32

const (
	AckSuccess AckError = iota
	AckVersion
	// AckRange reports a block number outside the expected window; on a
	// retried send it means the previous attempt already landed.
	AckRange
	AckInProgress
	AckFail
	AckOverTemperature
)

func (e AckError) String() string {
	switch e {
	case AckSuccess:
		return "success"
	case AckVersion:
		return "version"
	case AckRange:
		return "range"
	case AckInProgress:
		return "in-progress"
	case AckFail:
		return "fail"
	case AckOverTemperature:
		return "over-temperature"
	default:
		return fmt.Sprintf("ack-error-%d", int32(e))
	}
}

// Ack acknowledges a numbered message from the Jetson.
type Ack struct {
	AckNumber uint32
	Error     AckError
}

// FirmwareUpdateData is one DFU block of a firmware image.
type FirmwareUpdateData struct {
	BlockNumber uint32
	BlockCount  uint32
	ImageBlock  []byte
}

// FirmwareImageCheck asks the MCU to compare the received image against a
// CRC32.
type FirmwareImageCheck struct {
	CRC32 uint32
}

// FirmwareActivateSecondary activates the image in the MCU's secondary
// slot for the next boot.
type FirmwareActivateSecondary struct {
	ForcePermanent bool
}

// RebootWithDelay reboots the MCU after the given delay in seconds.
type RebootWithDelay struct {
	Delay uint32
}

// FanSpeed pins the fan at a percentage of its maximum speed.
type FanSpeed struct {
	Percentage uint32
}

// Payload is the oneof payload of a Jetson-to-MCU message. Exactly one
// field is non-nil.
type Payload struct {
	DfuBlock                 *FirmwareUpdateData
	FwImageCheck             *FirmwareImageCheck
	FwImageSecondaryActivate *FirmwareActivateSecondary
	Reboot                   *RebootWithDelay
	FanSpeed                 *FanSpeed
}

// JetsonToMcu is a numbered message from the Jetson to the main MCU.
type JetsonToMcu struct {
	AckNumber uint32
	Payload   Payload
}

// JetsonToSec mirrors JetsonToMcu for the security MCU.
type JetsonToSec struct {
	AckNumber uint32
	Payload   Payload
}

// McuToJetson is a reply from the main MCU; only acks are interpreted.
type McuToJetson struct {
	Ack *Ack
}

// SecToJetson mirrors McuToJetson for the security MCU.
type SecToJetson struct {
	Ack *Ack
}

// McuMessage is the envelope carried in every ISO-TP transfer. Exactly one
// of the message fields is non-nil.
type McuMessage struct {
	Version Version

	JetsonToMcu *JetsonToMcu
	McuToJetson *McuToJetson
	JetsonToSec *JetsonToSec
	SecToJetson *SecToJetson
}

// Envelope field numbers.
const (
	fieldVersion     = 1
	fieldJetsonToMcu = 2
	fieldMcuToJetson = 3
	fieldJetsonToSec = 4
	fieldSecToJetson = 5
)

// Directional message field numbers.
const (
	fieldAckNumber = 1
	fieldAck       = 1
	fieldDfuBlock  = 2
	fieldFwCheck   = 3
	fieldFwAct     = 4
	fieldReboot    = 5
	fieldFanSpeed  = 6
)

// MarshalLengthDelimited encodes the message prefixed with its varint
// length, the framing used on the ISO-TP channel.
func (m *McuMessage) MarshalLengthDelimited() ([]byte, error) {
	body, err := m.marshal()
	if err != nil {
		return nil, err
	}
	out := protowire.AppendVarint(make([]byte, 0, len(body)+2), uint64(len(body)))
	return append(out, body...), nil
}

func (m *McuMessage) marshal() ([]byte, error) {
	var b []byte
	if m.Version != 0 {
		b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Version))
	}
	switch {
	case m.JetsonToMcu != nil:
		body, err := marshalDirectional(m.JetsonToMcu.AckNumber, m.JetsonToMcu.Payload)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, fieldJetsonToMcu, body)
	case m.JetsonToSec != nil:
		body, err := marshalDirectional(m.JetsonToSec.AckNumber, m.JetsonToSec.Payload)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, fieldJetsonToSec, body)
	case m.McuToJetson != nil:
		b = appendMessage(b, fieldMcuToJetson, marshalReply(m.McuToJetson.Ack))
	case m.SecToJetson != nil:
		b = appendMessage(b, fieldSecToJetson, marshalReply(m.SecToJetson.Ack))
	default:
		return nil, fmt.Errorf("mcu message has no payload")
	}
	return b, nil
}

func appendMessage(b []byte, field protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func marshalDirectional(ackNumber uint32, p Payload) ([]byte, error) {
	var b []byte
	if ackNumber != 0 {
		b = protowire.AppendTag(b, fieldAckNumber, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ackNumber))
	}
	switch {
	case p.DfuBlock != nil:
		var body []byte
		if p.DfuBlock.BlockNumber != 0 {
			body = protowire.AppendTag(body, 1, protowire.VarintType)
			body = protowire.AppendVarint(body, uint64(p.DfuBlock.BlockNumber))
		}
		body = protowire.AppendTag(body, 2, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(p.DfuBlock.BlockCount))
		body = protowire.AppendTag(body, 3, protowire.BytesType)
		body = protowire.AppendBytes(body, p.DfuBlock.ImageBlock)
		b = appendMessage(b, fieldDfuBlock, body)
	case p.FwImageCheck != nil:
		var body []byte
		body = protowire.AppendTag(body, 1, protowire.Fixed32Type)
		body = protowire.AppendFixed32(body, p.FwImageCheck.CRC32)
		b = appendMessage(b, fieldFwCheck, body)
	case p.FwImageSecondaryActivate != nil:
		var body []byte
		if p.FwImageSecondaryActivate.ForcePermanent {
			body = protowire.AppendTag(body, 1, protowire.VarintType)
			body = protowire.AppendVarint(body, 1)
		}
		b = appendMessage(b, fieldFwAct, body)
	case p.Reboot != nil:
		var body []byte
		if p.Reboot.Delay != 0 {
			body = protowire.AppendTag(body, 1, protowire.VarintType)
			body = protowire.AppendVarint(body, uint64(p.Reboot.Delay))
		}
		b = appendMessage(b, fieldReboot, body)
	case p.FanSpeed != nil:
		var body []byte
		if p.FanSpeed.Percentage != 0 {
			body = protowire.AppendTag(body, 1, protowire.VarintType)
			body = protowire.AppendVarint(body, uint64(p.FanSpeed.Percentage))
		}
		b = appendMessage(b, fieldFanSpeed, body)
	default:
		return nil, fmt.Errorf("jetson message has no payload")
	}
	return b, nil
}

func marshalReply(ack *Ack) []byte {
	if ack == nil {
		return nil
	}
	var body []byte
	if ack.AckNumber != 0 {
		body = protowire.AppendTag(body, 1, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(ack.AckNumber))
	}
	if ack.Error != 0 {
		body = protowire.AppendTag(body, 2, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(ack.Error))
	}
	return appendMessage(nil, fieldAck, body)
}

// UnmarshalLengthDelimited decodes one length-delimited message from b and
// returns the number of bytes consumed.
func UnmarshalLengthDelimited(b []byte) (*McuMessage, int, error) {
	length, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("invalid length prefix: %w", protowire.ParseError(n))
	}
	if uint64(len(b)-n) < length {
		return nil, 0, fmt.Errorf("truncated message: want %d bytes, have %d", length, len(b)-n)
	}
	m, err := unmarshal(b[n : n+int(length)])
	if err != nil {
		return nil, 0, err
	}
	return m, n + int(length), nil
}

func unmarshal(b []byte) (*McuMessage, error) {
	m := &McuMessage{}
	for len(b) > 0 {
		field, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case field == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			m.Version = Version(int32(v))
			b = b[n:]
		case typ == protowire.BytesType && (field == fieldJetsonToMcu || field == fieldJetsonToSec):
			body, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ackNumber, payload, err := unmarshalDirectional(body)
			if err != nil {
				return nil, err
			}
			if field == fieldJetsonToMcu {
				m.JetsonToMcu = &JetsonToMcu{AckNumber: ackNumber, Payload: payload}
			} else {
				m.JetsonToSec = &JetsonToSec{AckNumber: ackNumber, Payload: payload}
			}
			b = b[n:]
		case typ == protowire.BytesType && (field == fieldMcuToJetson || field == fieldSecToJetson):
			body, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			ack, err := unmarshalReply(body)
			if err != nil {
				return nil, err
			}
			if field == fieldMcuToJetson {
				m.McuToJetson = &McuToJetson{Ack: ack}
			} else {
				m.SecToJetson = &SecToJetson{Ack: ack}
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(field, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

func unmarshalDirectional(b []byte) (uint32, Payload, error) {
	var ackNumber uint32
	var payload Payload
	for len(b) > 0 {
		field, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, payload, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case field == fieldAckNumber && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, payload, protowire.ParseError(n)
			}
			ackNumber = uint32(v)
			b = b[n:]
		case typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, payload, protowire.ParseError(n)
			}
			if err := unmarshalPayload(field, body, &payload); err != nil {
				return 0, payload, err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(field, typ, b)
			if n < 0 {
				return 0, payload, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return ackNumber, payload, nil
}

func unmarshalPayload(field protowire.Number, body []byte, payload *Payload) error {
	switch field {
	case fieldDfuBlock:
		block := &FirmwareUpdateData{}
		err := eachField(body, func(f protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case f == 1 && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				block.BlockNumber = uint32(v)
				return n, nil
			case f == 2 && typ == protowire.VarintType:
				v, n := protowire.ConsumeVarint(b)
				block.BlockCount = uint32(v)
				return n, nil
			case f == 3 && typ == protowire.BytesType:
				v, n := protowire.ConsumeBytes(b)
				if n >= 0 {
					block.ImageBlock = append([]byte(nil), v...)
				}
				return n, nil
			}
			return protowire.ConsumeFieldValue(f, typ, b), nil
		})
		if err != nil {
			return err
		}
		payload.DfuBlock = block
	case fieldFwCheck:
		check := &FirmwareImageCheck{}
		err := eachField(body, func(f protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if f == 1 && typ == protowire.Fixed32Type {
				v, n := protowire.ConsumeFixed32(b)
				check.CRC32 = v
				return n, nil
			}
			return protowire.ConsumeFieldValue(f, typ, b), nil
		})
		if err != nil {
			return err
		}
		payload.FwImageCheck = check
	case fieldFwAct:
		act := &FirmwareActivateSecondary{}
		err := eachField(body, func(f protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if f == 1 && typ == protowire.VarintType {
				v, n := protowire.ConsumeVarint(b)
				act.ForcePermanent = v != 0
				return n, nil
			}
			return protowire.ConsumeFieldValue(f, typ, b), nil
		})
		if err != nil {
			return err
		}
		payload.FwImageSecondaryActivate = act
	case fieldReboot:
		reboot := &RebootWithDelay{}
		err := eachField(body, func(f protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if f == 1 && typ == protowire.VarintType {
				v, n := protowire.ConsumeVarint(b)
				reboot.Delay = uint32(v)
				return n, nil
			}
			return protowire.ConsumeFieldValue(f, typ, b), nil
		})
		if err != nil {
			return err
		}
		payload.Reboot = reboot
	case fieldFanSpeed:
		fan := &FanSpeed{}
		err := eachField(body, func(f protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if f == 1 && typ == protowire.VarintType {
				v, n := protowire.ConsumeVarint(b)
				fan.Percentage = uint32(v)
				return n, nil
			}
			return protowire.ConsumeFieldValue(f, typ, b), nil
		})
		if err != nil {
			return err
		}
		payload.FanSpeed = fan
	default:
		// Unknown payload kind from newer firmware: ignore.
	}
	return nil
}

func unmarshalReply(b []byte) (*Ack, error) {
	var ack *Ack
	err := eachField(b, func(f protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if f == fieldAck && typ == protowire.BytesType {
			body, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			parsed := &Ack{}
			err := eachField(body, func(f protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch {
				case f == 1 && typ == protowire.VarintType:
					v, n := protowire.ConsumeVarint(b)
					parsed.AckNumber = uint32(v)
					return n, nil
				case f == 2 && typ == protowire.VarintType:
					v, n := protowire.ConsumeVarint(b)
					parsed.Error = AckError(int32(v))
					return n, nil
				}
				return protowire.ConsumeFieldValue(f, typ, b), nil
			})
			if err != nil {
				return -1, err
			}
			ack = parsed
			return n, nil
		}
		return protowire.ConsumeFieldValue(f, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// eachField walks the fields of an embedded message, delegating value
// consumption to fn.
func eachField(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		field, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		consumed, err := fn(field, typ, b)
		if err != nil {
			return err
		}
		if consumed < 0 {
			return protowire.ParseError(consumed)
		}
		b = b[consumed:]
	}
	return nil
}
