// The update agent performs one atomic A/B update pass: it validates the
// claim, fetches and verifies every component, installs into the
// inactive slot, and hands the device to its reboot.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	statusclient "github.com/openorb/orbcore/backend-status/pkg/client"
	"github.com/openorb/orbcore/mcu/isotp"
	"github.com/openorb/orbcore/mcu/session"
	"github.com/openorb/orbcore/pkg/claim"
	"github.com/openorb/orbcore/pkg/status"
	"github.com/openorb/orbcore/update-agent/internal/agent"
	"github.com/openorb/orbcore/update-agent/internal/config"
	"github.com/openorb/orbcore/update-agent/internal/fetch"
	"github.com/openorb/orbcore/update-agent/internal/install"
	"github.com/openorb/orbcore/update-agent/internal/process"
	"github.com/openorb/orbcore/update-agent/internal/slotctrl"
	"github.com/openorb/orbcore/update-agent/internal/supervisor"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes by failure category, so the service unit can tell the
// classes apart.
const (
	exitOK           = 0
	exitGeneric      = 1
	exitConfig       = 10
	exitClaim        = 11
	exitValidation   = 12
	exitFetch        = 13
	exitHashMismatch = 14
	exitInstall      = 15
	exitPermission   = 16
	exitSpace        = 17
	exitNoUpdate     = 18
)

func main() {
	os.Exit(run())
}

func run() int {
	settings, err := config.Load(os.Args[1:], nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	log := newLogger(settings.Verbose)
	log.Info("starting update agent", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runAgent(ctx, log, settings); err != nil {
		log.Error("update failed", "error", err)
		return exitCode(err)
	}
	return exitOK
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}

func runAgent(ctx context.Context, log *slog.Logger, settings *config.Settings) error {
	var progress status.Reporter = status.NopReporter{}
	var permission agent.Supervisor
	var throttle fetch.ThrottleOracle

	if !settings.NoDbus && !settings.Recovery {
		progress = statusclient.New(log, settings.StatusSock)
		supervisorClient := supervisor.New(log, settings.SupervisorSock)
		permission = supervisorClient
		throttle = supervisorClient
	}

	fetcher, err := fetch.New(fetch.Config{
		Logger:   log,
		Client:   &http.Client{Timeout: 5 * time.Minute},
		Throttle: throttle,
		Progress: downloadProgress{progress},
		Delay:    settings.DownloadDelay.Std(),
	})
	if err != nil {
		return err
	}
	installer, err := install.New(install.Config{Logger: log})
	if err != nil {
		return err
	}

	rebootWait := 10 * time.Second
	if settings.NoDbus || settings.Recovery {
		rebootWait = 0
	}

	a, err := agent.New(agent.Config{
		Logger:     log,
		Settings:   settings,
		GetClaim:   claimGetter(log, settings),
		Fetcher:    fetcher,
		Processor:  process.New(log),
		Installer:  installer,
		Supervisor: permission,
		SlotCtrl:   slotctrl.New(log),
		Progress:   progress,
		RebootWait: rebootWait,
	})
	if err != nil {
		return err
	}

	if settings.Recovery {
		pinRecoveryFanSpeed(log)
	}

	return a.Run(ctx)
}

// claimGetter resolves the claim source: an http(s) URL is fetched with
// the device token, anything else is a local claim directory.
func claimGetter(log *slog.Logger, settings *config.Settings) func(ctx context.Context) (*claim.Claim, string, error) {
	return func(ctx context.Context) (*claim.Claim, string, error) {
		if strings.HasPrefix(settings.ClaimURL, "https://") || strings.HasPrefix(settings.ClaimURL, "http://") {
			token := readToken(log, settings.TokenFile)
			c, err := claim.FetchRemote(ctx, &http.Client{Timeout: time.Minute}, settings.ClaimURL, token)
			return c, "", err
		}
		c, err := claim.Load(settings.ClaimURL)
		return c, settings.ClaimURL, err
	}
}

// downloadProgress feeds the fetcher's percent updates into the progress
// reporter.
type downloadProgress struct {
	reporter status.Reporter
}

func (p downloadProgress) DownloadProgress(component string, percent int) {
	p.reporter.UpdateProgress(&status.ComponentStatus{
		Name:     component,
		State:    status.ComponentNone,
		Progress: percent,
	}, nil)
}

func readToken(log *slog.Logger, path string) string {
	if path == "" {
		return ""
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		log.Warn("failed reading token file; requesting claim unauthenticated", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(contents))
}

// pinRecoveryFanSpeed keeps the fan turning while recovery runs without
// thermal control. A failure is logged, not fatal: the update matters
// more.
func pinRecoveryFanSpeed(log *slog.Logger) {
	s, err := session.New(session.Config{
		Logger: log,
		Remote: isotp.MainMcu, // the main MCU owns the fan
		Bus:    "can0",
	})
	if err != nil {
		log.Warn("failed opening mcu session for recovery fan pin", "error", err)
		return
	}
	defer s.Close()
	if err := s.SetFanSpeed(session.RecoveryStaticFanSpeedPercentage); err != nil {
		log.Warn("failed pinning recovery fan speed", "error", err)
	}
}

func exitCode(err error) int {
	var (
		mismatch     *claim.VersionMismatchError
		hashMismatch *process.HashMismatchError
		sizeMismatch *fetch.SizeMismatchError
		statusErr    *fetch.StatusError
		space        *agent.InsufficientSpaceError
	)
	switch {
	case errors.Is(err, agent.ErrNoUpdateRequested):
		return exitNoUpdate
	case errors.Is(err, supervisor.ErrPermissionDenied):
		return exitPermission
	case errors.As(err, &mismatch):
		return exitValidation
	case errors.As(err, &hashMismatch):
		return exitHashMismatch
	case errors.As(err, &space):
		return exitSpace
	case errors.As(err, &sizeMismatch), errors.As(err, &statusErr):
		return exitFetch
	case errors.Is(err, claim.ErrNoNewVersion):
		// Reached only if a caller surfaces it as an error; the agent
		// treats it as success with state.
		return exitOK
	case strings.Contains(err.Error(), "update claim"):
		return exitClaim
	case strings.Contains(err.Error(), "failed executing update"):
		return exitInstall
	default:
		return exitGeneric
	}
}
