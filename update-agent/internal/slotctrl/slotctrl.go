// Package slotctrl wraps the platform's boot-slot control tool.
package slotctrl

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/openorb/orbcore/pkg/slot"
)

// Ctrl drives the boot chain via the platform's nvbootctrl binary.
type Ctrl struct {
	log *slog.Logger
	// Cmd is the control binary; overridable for tests.
	Cmd string
}

func New(log *slog.Logger) *Ctrl {
	return &Ctrl{log: log, Cmd: "nvbootctrl"}
}

func (c *Ctrl) run(args ...string) (string, error) {
	out, err := exec.Command(c.Cmd, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s failed: %w (output: %s)", c.Cmd, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentSlot asks the boot chain which slot is running.
func (c *Ctrl) CurrentSlot() (slot.Slot, error) {
	out, err := c.run("get-current-slot")
	if err != nil {
		return slot.A, err
	}
	switch out {
	case "0":
		return slot.A, nil
	case "1":
		return slot.B, nil
	}
	return slot.Parse(out)
}

func slotIndex(s slot.Slot) string {
	if s == slot.A {
		return "0"
	}
	return "1"
}

// SetNextBootSlot makes the target slot active on the next boot.
func (c *Ctrl) SetNextBootSlot(s slot.Slot) error {
	c.log.Info("setting next boot slot", "slot", s.String())
	_, err := c.run("set-active-boot-slot", slotIndex(s))
	return err
}

// MarkSlotOK marks the target slot's boot attempt as successful, used
// when the capsule mechanism performs the actual switch.
func (c *Ctrl) MarkSlotOK(s slot.Slot) error {
	c.log.Info("marking slot as ok", "slot", s.String())
	_, err := c.run("mark-boot-successful", slotIndex(s))
	return err
}
