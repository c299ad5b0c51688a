// Package agent drives the end-to-end update state machine: read
// versions, get and validate the claim, clean up the workspace, fetch and
// process every component, install into the target slot, finalize, and
// hand the device to its reboot.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openorb/orbcore/pkg/claim"
	"github.com/openorb/orbcore/pkg/slot"
	"github.com/openorb/orbcore/pkg/status"
	"github.com/openorb/orbcore/update-agent/internal/config"
	"github.com/openorb/orbcore/update-agent/internal/install"
	"github.com/openorb/orbcore/update-agent/internal/metrics"
)

// ErrNoUpdateRequested reports that the run stopped after fetch and process
// because noupdate was set.
var ErrNoUpdateRequested = errors.New("noupdate was requested; bailing")

// Fetcher downloads a remote source into the downloads directory.
type Fetcher interface {
	Fetch(ctx context.Context, source claim.Source, dstDir string) (string, error)
}

// Processor verifies and decompresses fetched payloads.
type Processor interface {
	VerifySource(source claim.Source, path string) error
	Process(component claim.ManifestComponent, source claim.Source, path string) (string, error)
}

// Installer writes payloads to their targets.
type Installer interface {
	Install(sc claim.SystemComponent, target slot.Slot, srcPath string) error
	CopyUntouchedPartitions(c *claim.Claim, active slot.Slot) error
}

// Supervisor grants or denies installation.
type Supervisor interface {
	RequestUpdatePermission(ctx context.Context) error
}

// SlotCtrl is the platform boot-chain oracle.
type SlotCtrl interface {
	CurrentSlot() (slot.Slot, error)
	SetNextBootSlot(s slot.Slot) error
	MarkSlotOK(s slot.Slot) error
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Settings *config.Settings

	// GetClaim returns the claim and, for local claims, the directory its
	// relative sources resolve against.
	GetClaim func(ctx context.Context) (*claim.Claim, string, error)

	Fetcher    Fetcher
	Processor  Processor
	Installer  Installer
	Supervisor Supervisor // nil with nodbus or in recovery
	SlotCtrl   SlotCtrl
	Progress   status.Reporter

	EfiVarDir string
	// RebootWait lets the progress reporter push the rebooting state to
	// its sink before power goes away.
	RebootWait time.Duration
	Poweroff   func(log *slog.Logger) error
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Settings == nil {
		return errors.New("settings are required")
	}
	if c.GetClaim == nil {
		return errors.New("claim getter is required")
	}
	if c.Fetcher == nil || c.Processor == nil || c.Installer == nil {
		return errors.New("fetcher, processor, and installer are required")
	}
	if c.SlotCtrl == nil {
		return errors.New("slot control is required")
	}
	if c.Progress == nil {
		c.Progress = status.NopReporter{}
	}
	if c.EfiVarDir == "" {
		c.EfiVarDir = install.DefaultEfiVarDir
	}
	if c.Poweroff == nil {
		c.Poweroff = Poweroff
	}
	return nil
}

type Agent struct {
	cfg Config
}

func New(cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Agent{cfg: cfg}, nil
}

func (a *Agent) emitState(s status.OverallState) {
	a.cfg.Progress.UpdateProgress(nil, &s)
}

func (a *Agent) emitComponent(name string, cs status.ComponentState, overall status.OverallState) {
	a.cfg.Progress.UpdateProgress(&status.ComponentStatus{Name: name, State: cs, Progress: 100}, &overall)
}

// Run executes one pass of the update state machine. A NoNewVersion
// answer from the backend is success; every other early exit surfaces as
// an error with its subsystem's cause chain.
func (a *Agent) Run(ctx context.Context) error {
	log := a.cfg.Logger
	settings := a.cfg.Settings

	activeSlot, err := a.activeSlot()
	if err != nil {
		return fmt.Errorf("failed getting current slot: %w", err)
	}

	if err := a.prepareEnvironment(); err != nil {
		return fmt.Errorf("failed preparing environment: %w", err)
	}

	a.emitState(status.StateReadVersions)
	log.Info("reading versions from disk", "path", settings.Versions)
	vmap, err := a.readVersions()
	if err != nil {
		return fmt.Errorf("failed reading versions on disk: %w", err)
	}

	a.emitState(status.StateLoadClaim)
	c, claimDir, err := a.cfg.GetClaim(ctx)
	if err != nil {
		if errors.Is(err, claim.ErrNoNewVersion) {
			log.Info("no new version available - system is up to date")
			a.emitState(status.StateNoNewVersion)
			metrics.Runs.WithLabelValues(metrics.OutcomeNoNewVersion).Inc()
			return nil
		}
		return fmt.Errorf("unable to get update claim: %w", err)
	}
	log.Info("update claim received", "version", c.Version, "components", c.NumComponents())

	a.emitState(status.StateValidateClaim)
	if settings.SkipVersionAsserts {
		log.Info("skipping version asserts requested; skipping update claim validation")
	} else if err := c.Validate(log, vmap, activeSlot); err != nil {
		return fmt.Errorf("failed validating update claim against on-disk versions: %w", err)
	}

	a.emitState(status.StateCleanup)
	if err := a.cleanupOldUpdates(c); err != nil {
		return fmt.Errorf("failed cleaning up old updates: %w", err)
	}

	a.emitState(status.StateCheckFreeSpace)
	if err := a.checkAvailableSpace(c); err != nil {
		return err
	}

	a.emitState(status.StateFetch)
	paths, err := a.fetchAll(ctx, c, claimDir)
	if err != nil {
		return fmt.Errorf("failed fetching update components: %w", err)
	}

	a.emitState(status.StateProcess)
	processed, err := a.processAll(c, paths)
	if err != nil {
		return fmt.Errorf("failed post processing downloaded components: %w", err)
	}

	if settings.NoUpdate {
		metrics.Runs.WithLabelValues(metrics.OutcomeNoUpdate).Inc()
		return ErrNoUpdateRequested
	}

	targetSlot := activeSlot.Opposite()
	log.Debug("proceeding with update", "active", activeSlot.String(), "target", targetSlot.String())

	if settings.NoDbus || settings.Recovery {
		log.Debug("nodbus option set or in recovery mode; not requesting update permission")
	} else {
		a.emitState(status.StateRequestPermission)
		if a.cfg.Supervisor == nil {
			return errors.New("no connection to supervisor; bailing")
		}
		if err := a.cfg.Supervisor.RequestUpdatePermission(ctx); err != nil {
			return fmt.Errorf("supervisor refused update: %w", err)
		}
	}

	a.emitState(status.StateInstall)
	if err := a.installAll(c, vmap, targetSlot, processed); err != nil {
		return err
	}

	if c.Manifest.IsNormalUpdate() && !settings.Recovery {
		if err := a.cfg.Installer.CopyUntouchedPartitions(c, activeSlot); err != nil {
			return fmt.Errorf("failed to copy redundant partitions not listed in manifest: %w", err)
		}
	}

	a.emitState(status.StateFinalize)
	if err := a.finalize(c, vmap, targetSlot); err != nil {
		return fmt.Errorf("failed to finalize update: %w", err)
	}

	metrics.Runs.WithLabelValues(metrics.OutcomeSuccess).Inc()

	a.emitState(status.StateRebooting)
	if a.cfg.RebootWait > 0 {
		log.Info("waiting before reboot to allow propagation to backend", "wait", a.cfg.RebootWait)
		a.cfg.Clock.Sleep(a.cfg.RebootWait)
	}
	log.Info("rebooting")
	return a.cfg.Poweroff(log)
}

func (a *Agent) activeSlot() (slot.Slot, error) {
	if a.cfg.Settings.ActiveSlot != "" {
		return slot.Parse(a.cfg.Settings.ActiveSlot)
	}
	return a.cfg.SlotCtrl.CurrentSlot()
}

func (a *Agent) prepareEnvironment() error {
	for _, dir := range []string{a.cfg.Settings.Workspace, a.cfg.Settings.Downloads} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %q: %w", dir, err)
		}
	}
	return nil
}

// readVersions reads both version files and reconciles per the migration
// rule: legacy wins on divergence.
func (a *Agent) readVersions() (*slot.VersionMap, error) {
	legacy, err := slot.ReadLegacy(a.cfg.Settings.Versions)
	if err != nil {
		return nil, err
	}
	fromLegacy := slot.FromLegacy(legacy)

	canonical, err := slot.ReadVersionMap(a.cfg.Settings.VersionMapPath())
	if err != nil {
		a.cfg.Logger.Info("unable to read version map from disk; transforming legacy versions", "error", err)
		canonical = nil
	}
	return slot.Reconcile(a.cfg.Logger, canonical, fromLegacy), nil
}

// cleanupOldUpdates deletes every workspace entry the claim does not
// account for.
func (a *Agent) cleanupOldUpdates(c *claim.Claim) error {
	downloads := a.cfg.Settings.Downloads
	expected := c.ExpectedWorkspaceEntries()

	entries, err := os.ReadDir(downloads)
	if err != nil {
		return fmt.Errorf("failed listing downloads at %q: %w", downloads, err)
	}
	for _, entry := range entries {
		if _, keep := expected[entry.Name()]; keep {
			continue
		}
		path := filepath.Join(downloads, entry.Name())
		a.cfg.Logger.Info("deleting stale workspace entry", "path", path)
		if entry.IsDir() {
			err = os.RemoveAll(path)
		} else {
			err = os.Remove(path)
		}
		if err != nil {
			return fmt.Errorf("failed deleting stale entry %q: %w", path, err)
		}
	}
	return nil
}

// checkAvailableSpace refuses to start a download that cannot fit. Bytes
// already on disk for this claim count against the requirement. A failed
// filesystem stat assumes enough space and logs.
func (a *Agent) checkAvailableSpace(c *claim.Claim) error {
	downloads := a.cfg.Settings.Downloads
	available, err := availableBytes(downloads)
	if err != nil {
		a.cfg.Logger.Warn("failed to stat filesystem; assuming enough space and continuing", "path", downloads, "error", err)
		return nil
	}

	expected := c.ExpectedWorkspaceEntries()
	var existing uint64
	entries, err := os.ReadDir(downloads)
	if err != nil {
		return fmt.Errorf("failed listing downloads at %q: %w", downloads, err)
	}
	for _, entry := range entries {
		if _, ok := expected[entry.Name()]; !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			a.cfg.Logger.Warn("could not stat workspace entry", "name", entry.Name(), "error", err)
			continue
		}
		existing += uint64(info.Size())
	}

	required := c.FullUpdateSize()
	if existing > required {
		existing = required
	}
	if available < required-existing {
		return &InsufficientSpaceError{Available: available, Required: required - existing}
	}
	return nil
}

// InsufficientSpaceError reports that the update cannot fit on disk.
type InsufficientSpaceError struct {
	Available uint64
	Required  uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("not enough space on disk: %d bytes available, %d required", e.Available, e.Required)
}

// fetchAll stages every source in manifest order: local payloads resolve
// against the claim directory, remote payloads go through the fetcher.
// Each staged payload is hash-verified before the next one is fetched.
func (a *Agent) fetchAll(ctx context.Context, c *claim.Claim, claimDir string) (map[string]string, error) {
	paths := make(map[string]string, c.NumComponents())
	for _, mc := range c.Manifest.Components {
		source, ok := c.Source(mc.Name)
		if !ok {
			return nil, fmt.Errorf("claim has no source for component %q", mc.Name)
		}
		var path string
		var err error
		if source.URL.IsRemote() {
			path, err = a.cfg.Fetcher.Fetch(ctx, source, a.cfg.Settings.Downloads)
			if err != nil {
				return nil, fmt.Errorf("failed fetching source for component %q: %w", mc.Name, err)
			}
		} else {
			path = filepath.Join(claimDir, source.URL.Local)
		}
		if err := a.cfg.Processor.VerifySource(source, path); err != nil {
			return nil, fmt.Errorf("failed verifying source for component %q: %w", mc.Name, err)
		}
		paths[mc.Name] = path
		a.emitComponent(mc.Name, status.ComponentFetched, status.StateFetch)
	}
	return paths, nil
}

func (a *Agent) processAll(c *claim.Claim, paths map[string]string) (map[string]string, error) {
	processed := make(map[string]string, len(paths))
	for _, mc := range c.Manifest.Components {
		source, _ := c.Source(mc.Name)
		path, err := a.cfg.Processor.Process(mc, source, paths[mc.Name])
		if err != nil {
			return nil, fmt.Errorf("failed to process update file for component %q: %w", mc.Name, err)
		}
		processed[mc.Name] = path
		a.emitComponent(mc.Name, status.ComponentProcessed, status.StateProcess)
	}
	return processed, nil
}

// installAll installs in manifest order, persisting the version map after
// every component so a mid-run crash leaves a coherent record.
func (a *Agent) installAll(c *claim.Claim, vmap *slot.VersionMap, target slot.Slot, processed map[string]string) error {
	recovery := a.cfg.Settings.Recovery
	for _, mc := range c.Manifest.Components {
		log := a.cfg.Logger.With("component", mc.Name)

		switch {
		case mc.InstallationPhase == claim.PhaseNormal && recovery:
			log.Info("skipping installation: phase is normal but recovery is set")
			continue
		case mc.InstallationPhase == claim.PhaseRecovery && !recovery:
			log.Info("skipping installation: phase is recovery and recovery is unset")
			continue
		}

		if a.alreadyInstalled(vmap, mc, target) {
			log.Info("component already at target version; treating as installed", "version", mc.VersionUpgrade)
			a.emitComponent(mc.Name, status.ComponentInstalled, status.StateInstall)
			continue
		}

		sc, ok := c.SystemComponent(mc.Name)
		if !ok {
			return fmt.Errorf("claim has no system component for %q", mc.Name)
		}
		log.Info("running update for component")
		if err := a.cfg.Installer.Install(sc, target, processed[mc.Name]); err != nil {
			return fmt.Errorf("failed executing update for component %q: %w", mc.Name, err)
		}
		metrics.ComponentsInstalled.WithLabelValues(string(sc.Kind)).Inc()
		a.emitComponent(mc.Name, status.ComponentInstalled, status.StateInstall)

		vmap.SetComponentVersion(mc.Name, mc.VersionUpgrade, target)
		if err := vmap.WriteVersionMap(a.cfg.Settings.VersionMapPath()); err != nil {
			return fmt.Errorf("failed updating version for component %q: %w", mc.Name, err)
		}
	}
	return nil
}

func (a *Agent) alreadyInstalled(vmap *slot.VersionMap, mc claim.ManifestComponent, target slot.Slot) bool {
	entry, ok := vmap.SlotVersion(mc.Name)
	if !ok {
		return false
	}
	onDisk := entry.ForSlot(target)
	return onDisk != nil && *onDisk == mc.VersionUpgrade
}

// finalize selects the full or normal post-update path.
func (a *Agent) finalize(c *claim.Claim, vmap *slot.VersionMap, target slot.Slot) error {
	settings := a.cfg.Settings
	if !c.Manifest.IsNormalUpdate() {
		// A component install in the full flow induces the slot switch;
		// only the recovery version is recorded here.
		a.cfg.Logger.Info("finalizing full update: updating versions but taking no extra actions")
		vmap.SetRecoveryVersion(c.Version)
		return vmap.WriteVersionMapAndLegacy(settings.VersionMapPath(), settings.Versions)
	}

	a.cfg.Logger.Info("finalizing normal update")
	vmap.SetSlotVersion(c.Version, target)
	if err := vmap.WriteVersionMapAndLegacy(settings.VersionMapPath(), settings.Versions); err != nil {
		return fmt.Errorf("failed storing versions: %w", err)
	}

	scheduled, err := install.CapsuleScheduled(a.cfg.EfiVarDir)
	if err != nil {
		a.cfg.Logger.Warn("capsule update was not detected", "error", err)
	}
	if scheduled {
		// The capsule mechanism will switch the slot and apply the
		// update; only mark the target bootable.
		a.cfg.Logger.Debug("capsule update detected")
		if err := a.cfg.SlotCtrl.MarkSlotOK(target); err != nil {
			a.cfg.Logger.Warn("failed marking target slot ok", "error", err)
		}
		return nil
	}

	if err := a.cfg.SlotCtrl.SetNextBootSlot(target); err != nil {
		return fmt.Errorf("failed to set next boot slot to %s: %w", target.String(), err)
	}
	a.cfg.Logger.Info("set next boot slot", "slot", target.String())
	return nil
}
