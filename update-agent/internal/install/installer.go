// Package install writes processed components to their targets: raw
// partitions, files, EFI capsule variables, or microcontrollers over CAN.
package install

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openorb/orbcore/mcu/isotp"
	"github.com/openorb/orbcore/mcu/session"
	"github.com/openorb/orbcore/pkg/claim"
	"github.com/openorb/orbcore/pkg/ioutils"
	"github.com/openorb/orbcore/pkg/slot"
)

// McuSession is the slice of mcu/session the installer drives.
type McuSession interface {
	UpdateFirmware(src io.ReadSeeker) error
	Close() error
}

type Config struct {
	Logger *slog.Logger

	// PartlabelDir is where GPT partition device nodes are resolved by
	// label. Tests point it at a directory of regular files.
	PartlabelDir string
	// EfiVarDir is the efivarfs mount.
	EfiVarDir string

	// NewMcuSession opens an ack-tracked conversation for a CAN target.
	NewMcuSession func(bus string, remote isotp.NodeID) (McuSession, error)
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.PartlabelDir == "" {
		c.PartlabelDir = "/dev/disk/by-partlabel"
	}
	if c.EfiVarDir == "" {
		c.EfiVarDir = DefaultEfiVarDir
	}
	if c.NewMcuSession == nil {
		c.NewMcuSession = func(bus string, remote isotp.NodeID) (McuSession, error) {
			return session.New(session.Config{Logger: c.Logger, Remote: remote, Bus: bus})
		}
	}
	return nil
}

type Installer struct {
	cfg Config
}

func New(cfg Config) (*Installer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Installer{cfg: cfg}, nil
}

// Install writes the processed payload at srcPath to the system
// component's target in the given slot. Dispatch is a closed match over
// the four target kinds.
func (i *Installer) Install(sc claim.SystemComponent, target slot.Slot, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open component payload %q: %w", srcPath, err)
	}
	defer src.Close()

	switch sc.Kind {
	case claim.KindGptPartition:
		return i.installGpt(sc, target, src)
	case claim.KindRawFile:
		return i.installRawFile(sc, src)
	case claim.KindCanTarget:
		return i.installCan(sc, src)
	case claim.KindCapsule:
		return i.installCapsule(sc)
	default:
		return fmt.Errorf("unknown system component kind %q", sc.Kind)
	}
}

// partitionPath resolves the device node for a label. Redundant labels
// carry a slot suffix.
func (i *Installer) partitionPath(label string, redundant bool, s slot.Slot) string {
	if redundant {
		return filepath.Join(i.cfg.PartlabelDir, label+"_"+s.String())
	}
	return filepath.Join(i.cfg.PartlabelDir, label)
}

func (i *Installer) installGpt(sc claim.SystemComponent, target slot.Slot, src *os.File) error {
	device := i.partitionPath(sc.Label, sc.Redundant, target)
	i.cfg.Logger.Info("writing component to partition", "label", sc.Label, "device", device)

	dst, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open partition device %q: %w", device, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed writing component to partition %q: %w", device, err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("failed syncing partition %q: %w", device, err)
	}
	return nil
}

func (i *Installer) installRawFile(sc claim.SystemComponent, src *os.File) error {
	i.cfg.Logger.Info("copying component to file", "path", sc.Path)
	dst, err := os.OpenFile(sc.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open destination file %q: %w", sc.Path, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed copying component to %q: %w", sc.Path, err)
	}
	return dst.Sync()
}

func (i *Installer) installCan(sc claim.SystemComponent, src *os.File) error {
	remote, err := isotp.NodeIDFromAddress(sc.Address)
	if err != nil {
		return fmt.Errorf("can target has invalid address: %w", err)
	}
	if !remote.IsMcu() {
		return fmt.Errorf("can target %s is not a microcontroller", remote)
	}
	i.cfg.Logger.Info("delivering firmware over can", "bus", sc.Bus, "remote", remote.String())

	mcu, err := i.cfg.NewMcuSession(sc.Bus, remote)
	if err != nil {
		return fmt.Errorf("failed opening mcu session on %q: %w", sc.Bus, err)
	}
	defer mcu.Close()

	return mcu.UpdateFirmware(src)
}

// CopyUntouchedPartitions keeps A/B consistent after a normal update:
// every redundant partition whose label the manifest does not touch is
// copied from the active slot to the target slot.
func (i *Installer) CopyUntouchedPartitions(c *claim.Claim, active slot.Slot) error {
	target := active.Opposite()

	touched := map[string]struct{}{}
	for _, sc := range c.SystemComponents {
		if sc.Kind == claim.KindGptPartition && sc.Redundant {
			touched[sc.Label] = struct{}{}
		}
	}

	entries, err := os.ReadDir(i.cfg.PartlabelDir)
	if err != nil {
		return fmt.Errorf("failed listing partition labels at %q: %w", i.cfg.PartlabelDir, err)
	}
	suffix := "_" + active.String()
	for _, entry := range entries {
		label, ok := strings.CutSuffix(entry.Name(), suffix)
		if !ok || label == "" {
			continue
		}
		if _, updated := touched[label]; updated {
			continue
		}
		i.cfg.Logger.Info("copying untouched redundant partition", "label", label, "from", active.String(), "to", target.String())
		if err := i.copyPartition(label, active, target); err != nil {
			return fmt.Errorf("failed copying partition %q: %w", label, err)
		}
	}
	return nil
}

func (i *Installer) copyPartition(label string, from, to slot.Slot) error {
	src, err := os.Open(i.partitionPath(label, true, from))
	if err != nil {
		return err
	}
	defer src.Close()

	size, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	// Device nodes report no regular size; bound the read explicitly so a
	// raw block device copy ends at the partition boundary.
	clamped, err := ioutils.NewClampedSeek(src, size)
	if err != nil {
		return err
	}

	dst, err := os.OpenFile(i.partitionPath(label, true, to), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, clamped); err != nil {
		return err
	}
	return dst.Sync()
}
