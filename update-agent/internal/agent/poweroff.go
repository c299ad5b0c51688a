package agent

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Poweroff shuts the device down. The microcontroller with a pending
// update reboots the orb when the host turns off; the host cannot just
// reboot because the MCU cannot detect that.
//
// The login manager is asked first so running sessions get their
// inhibitor hooks; if that fails the agent falls back to invoking
// systemctl directly.
func Poweroff(log *slog.Logger) error {
	log.Debug("trying to shut down using the login manager")
	if err := run("loginctl", "poweroff"); err == nil {
		return nil
	} else {
		log.Error("failed shutting down with login manager call", "error", err)
	}

	log.Debug("trying to shut down using systemctl")
	if err := run("systemctl", "poweroff"); err != nil {
		log.Error("failed shutting down with executable", "error", err)
		return fmt.Errorf("shutting down orb failed: %w", err)
	}
	return nil
}

func run(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %q failed: %w (output: %s)", name+" "+strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
