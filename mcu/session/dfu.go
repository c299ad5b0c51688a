package session

import (
	"fmt"
	"hash/crc32"
	"io"

	"github.com/openorb/orbcore/mcu/isotp"
	"github.com/openorb/orbcore/mcu/wire"
)

// MaxFirmwareLen is the absolute maximum length of an MCU firmware image,
// 224 KiB per slot, fixed by the MCU board's flash layout.
const MaxFirmwareLen = 224 * 1024

// BlockLen is the DFU block payload size in bytes. One block takes ~10 ms
// over ISO-TP with its ack; spaced by the 40 ms throttle delay the update
// stays at or under ~20% of the bus.
const BlockLen = 39

// ImageTooLargeError reports a firmware image exceeding the MCU's slot.
type ImageTooLargeError struct {
	Len uint64
}

func (e *ImageTooLargeError) Error() string {
	return fmt.Sprintf("firmware image of %d bytes exceeds the %d byte slot maximum", e.Len, MaxFirmwareLen)
}

// IntegrityCheckError reports that the MCU refused the post-transfer CRC.
type IntegrityCheckError struct {
	CRC32 uint32
	Cause error
}

func (e *IntegrityCheckError) Error() string {
	return fmt.Sprintf("mcu refused firmware image crc32 0x%08x: %v", e.CRC32, e.Cause)
}

func (e *IntegrityCheckError) Unwrap() error { return e.Cause }

// ActivationError reports that the MCU refused to activate the secondary
// slot image.
type ActivationError struct {
	Cause error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("mcu refused secondary image activation: %v", e.Cause)
}

func (e *ActivationError) Unwrap() error { return e.Cause }

// UpdateFirmware pushes a firmware image to the session's microcontroller:
// 39-byte DFU blocks, a CRC32 integrity handshake, secondary-slot
// activation, and for the security MCU an explicit delayed reboot. The
// main MCU reboots itself once the host shuts down.
func (s *Session) UpdateFirmware(src io.ReadSeeker) error {
	metrics.updates.WithLabelValues("started").Inc()

	srcLen, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek to end of firmware source: %w", err)
	}
	if uint64(srcLen) > MaxFirmwareLen {
		return &ImageTooLargeError{Len: uint64(srcLen)}
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start of firmware source: %w", err)
	}
	image, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("failed reading firmware source: %w", err)
	}

	blockCount := uint32((len(image)-1)/BlockLen + 1)
	s.cfg.Logger.Debug("start sending mcu update", "remote", s.cfg.Remote.String(), "blocks", blockCount, "bytes", len(image))

	for i := uint32(0); i < blockCount; i++ {
		lo := int(i) * BlockLen
		hi := min(lo+BlockLen, len(image))
		err := s.Send(wire.Payload{DfuBlock: &wire.FirmwareUpdateData{
			BlockNumber: i,
			BlockCount:  blockCount,
			ImageBlock:  image[lo:hi],
		}})
		if err != nil {
			metrics.updates.WithLabelValues("write_error").Inc()
			return fmt.Errorf("unable to send dfu block %d/%d: %w", i, blockCount, err)
		}
		s.cfg.Clock.Sleep(s.cfg.ThrottleDelay)
	}

	crc := crc32.ChecksumIEEE(image)
	if err := s.Send(wire.Payload{FwImageCheck: &wire.FirmwareImageCheck{CRC32: crc}}); err != nil {
		metrics.updates.WithLabelValues("post_check_error").Inc()
		return &IntegrityCheckError{CRC32: crc, Cause: err}
	}

	// Activate the secondary slot image so it is used after reboot.
	if err := s.Send(wire.Payload{FwImageSecondaryActivate: &wire.FirmwareActivateSecondary{ForcePermanent: false}}); err != nil {
		metrics.updates.WithLabelValues("activation_error").Inc()
		return &ActivationError{Cause: err}
	}

	// The security MCU won't reboot into the new image unless asked.
	if s.cfg.Remote == isotp.SecurityMcu {
		if err := s.Send(wire.Payload{Reboot: &wire.RebootWithDelay{Delay: 5}}); err != nil {
			return fmt.Errorf("failed asking security mcu to reboot: %w", err)
		}
	}

	metrics.updates.WithLabelValues("write_complete").Inc()
	return nil
}

// RecoveryStaticFanSpeedPercentage is the fan pin used while recovery
// keeps the orb running without thermal control.
const RecoveryStaticFanSpeedPercentage = 35

// SetFanSpeed pins the fan at a percentage of its maximum speed.
func (s *Session) SetFanSpeed(percentage uint32) error {
	if err := s.Send(wire.Payload{FanSpeed: &wire.FanSpeed{Percentage: percentage}}); err != nil {
		return fmt.Errorf("failed setting fan speed to %d%%: %w", percentage, err)
	}
	return nil
}
