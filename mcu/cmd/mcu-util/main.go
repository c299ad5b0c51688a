// mcu-util is the operator's diagnostic tool for the microcontrollers:
// it can pin the fan, push a firmware image, and show the stream
// configuration it would use.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/olekukonko/tablewriter"
	flag "github.com/spf13/pflag"

	"github.com/openorb/orbcore/mcu/isotp"
	"github.com/openorb/orbcore/mcu/session"
)

var (
	bus       = flag.String("bus", "can0", "CAN bus interface")
	mcu       = flag.String("mcu", "main", "target microcontroller: main or security")
	fanSpeed  = flag.Uint32("fan-speed", 0, "pin the fan at this percentage and exit")
	pushImage = flag.String("push-image", "", "push this firmware image to the target and exit")
	info      = flag.Bool("info", false, "print the stream configuration and exit")
	verbose   = flag.BoolP("verbose", "v", false, "enable verbose logging")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.RFC3339}))

	var remote isotp.NodeID
	switch *mcu {
	case "main":
		remote = isotp.MainMcu
	case "security":
		remote = isotp.SecurityMcu
	default:
		return fmt.Errorf("unknown mcu %q: expected main or security", *mcu)
	}

	if *info {
		printInfo(remote)
		return nil
	}

	s, err := session.New(session.Config{
		Logger: log,
		Local:  isotp.McuUtil,
		Remote: remote,
		Bus:    *bus,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	switch {
	case *fanSpeed > 0:
		log.Info("pinning fan speed", "percentage", *fanSpeed)
		return s.SetFanSpeed(*fanSpeed)
	case *pushImage != "":
		f, err := os.Open(*pushImage)
		if err != nil {
			return err
		}
		defer f.Close()
		log.Info("pushing firmware image", "path", *pushImage, "remote", remote.String())
		return s.UpdateFirmware(f)
	default:
		return fmt.Errorf("nothing to do: pass --fan-speed, --push-image, or --info")
	}
}

func printInfo(remote isotp.NodeID) {
	txRx, txTx := isotp.AddressPair(isotp.McuUtil, remote)
	rxRx, rxTx := isotp.AddressPair(remote, isotp.McuUtil)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Direction", "RX ID", "TX ID"})
	table.Append([]string{fmt.Sprintf("%s -> %s", isotp.McuUtil, remote), fmt.Sprintf("0x%03x", txRx), fmt.Sprintf("0x%03x", txTx)})
	table.Append([]string{fmt.Sprintf("%s -> %s", remote, isotp.McuUtil), fmt.Sprintf("0x%03x", rxRx), fmt.Sprintf("0x%03x", rxTx)})
	table.Render()
}
