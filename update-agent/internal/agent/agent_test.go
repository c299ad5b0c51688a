package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openorb/orbcore/pkg/claim"
	"github.com/openorb/orbcore/pkg/slot"
	"github.com/openorb/orbcore/pkg/status"
	"github.com/openorb/orbcore/update-agent/internal/config"
	"github.com/openorb/orbcore/update-agent/internal/fetch"
	"github.com/openorb/orbcore/update-agent/internal/install"
	"github.com/openorb/orbcore/update-agent/internal/process"
)

func sha(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func str(s string) *string { return &s }

type fakeSlotCtrl struct {
	current  slot.Slot
	nextBoot *slot.Slot
	markedOK *slot.Slot
}

func (f *fakeSlotCtrl) CurrentSlot() (slot.Slot, error) { return f.current, nil }
func (f *fakeSlotCtrl) SetNextBootSlot(s slot.Slot) error {
	f.nextBoot = &s
	return nil
}
func (f *fakeSlotCtrl) MarkSlotOK(s slot.Slot) error {
	f.markedOK = &s
	return nil
}

type fakeSupervisor struct {
	err   error
	asked bool
}

func (f *fakeSupervisor) RequestUpdatePermission(ctx context.Context) error {
	f.asked = true
	return f.err
}

type recordingReporter struct {
	mu     sync.Mutex
	states []status.OverallState
}

func (r *recordingReporter) UpdateProgress(_ *status.ComponentStatus, s *status.OverallState) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 || r.states[len(r.states)-1] != *s {
		r.states = append(r.states, *s)
	}
}

type fixture struct {
	t          *testing.T
	agent      *Agent
	settings   *config.Settings
	claimDir   string
	partDir    string
	efiDir     string
	slotCtrl   *fakeSlotCtrl
	supervisor *fakeSupervisor
	reporter   *recordingReporter
	poweroffs  int
	payload    []byte
}

type fixtureOpt func(*config.Settings, *claim.Claim)

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()
	log := slog.New(slog.DiscardHandler)

	base := t.TempDir()
	fx := &fixture{
		t:          t,
		claimDir:   filepath.Join(base, "claim"),
		partDir:    filepath.Join(base, "partlabel"),
		efiDir:     filepath.Join(base, "efivars"),
		slotCtrl:   &fakeSlotCtrl{current: slot.A},
		supervisor: &fakeSupervisor{},
		reporter:   &recordingReporter{},
		payload:    []byte("rootfs image payload"),
	}
	for _, dir := range []string{fx.claimDir, fx.partDir, fx.efiDir} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(fx.partDir, "APP_a"), make([]byte, 64), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(fx.partDir, "APP_b"), make([]byte, 64), 0o644))

	settings := &config.Settings{
		Workspace: filepath.Join(base, "workspace"),
		Downloads: filepath.Join(base, "downloads"),
		Versions:  filepath.Join(base, "persistent", "versions"),
		ClaimURL:  fx.claimDir,
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(settings.Versions), 0o755))
	require.NoError(t, os.MkdirAll(settings.Downloads, 0o755))

	c := &claim.Claim{
		Version: "6.0.31",
		Manifest: claim.Manifest{
			Kind: claim.UpdateKindNormal,
			Components: []claim.ManifestComponent{{
				Name:              "root",
				VersionAssert:     "6.0.30",
				VersionUpgrade:    "6.0.31",
				InstallationPhase: claim.PhaseNormal,
				Size:              uint64(len(fx.payload)),
				Hash:              sha(fx.payload),
				MimeType:          claim.MimeOctetStream,
			}},
		},
		Sources: map[string]claim.Source{
			"root": {
				Name:     "root",
				URL:      claim.LocalOrRemote{Local: "root.img"},
				Size:     uint64(len(fx.payload)),
				Hash:     sha(fx.payload),
				MimeType: claim.MimeOctetStream,
			},
		},
		SystemComponents: map[string]claim.SystemComponent{
			"root": {Kind: claim.KindGptPartition, Label: "APP", Redundant: true},
		},
	}
	for _, opt := range opts {
		opt(settings, c)
	}
	fx.settings = settings

	contents, err := json.Marshal(c)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(fx.claimDir, claim.ClaimFileName), contents, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(fx.claimDir, "root.img"), fx.payload, 0o644))

	// On-disk versions matching the claim's asserts.
	vmap := &slot.VersionMap{
		SlotA: "6.0.30",
		SlotB: "6.0.29",
		Components: map[string]slot.SlotVersion{
			"root": {VersionA: str("6.0.30"), VersionB: str("6.0.29")},
		},
	}
	require.NoError(t, vmap.WriteVersionMapAndLegacy(settings.VersionMapPath(), settings.Versions))

	fetcher, err := fetch.New(fetch.Config{Logger: log})
	require.NoError(t, err)
	installer, err := install.New(install.Config{
		Logger:       log,
		PartlabelDir: fx.partDir,
		EfiVarDir:    fx.efiDir,
	})
	require.NoError(t, err)

	a, err := New(Config{
		Logger:   log,
		Settings: settings,
		GetClaim: func(ctx context.Context) (*claim.Claim, string, error) {
			loaded, err := claim.Load(fx.claimDir)
			return loaded, fx.claimDir, err
		},
		Fetcher:    fetcher,
		Processor:  process.New(log),
		Installer:  installer,
		Supervisor: fx.supervisor,
		SlotCtrl:   fx.slotCtrl,
		Progress:   fx.reporter,
		EfiVarDir:  fx.efiDir,
		Poweroff: func(*slog.Logger) error {
			fx.poweroffs++
			return nil
		},
	})
	require.NoError(t, err)
	fx.agent = a
	return fx
}

func (fx *fixture) readVersionMap() *slot.VersionMap {
	fx.t.Helper()
	m, err := slot.ReadVersionMap(fx.settings.VersionMapPath())
	require.NoError(fx.t, err)
	return m
}

func TestRunNormalUpdateEndToEnd(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.agent.Run(context.Background()))

	// Component installed into the target slot's partition.
	got, err := os.ReadFile(filepath.Join(fx.partDir, "APP_b"))
	require.NoError(t, err)
	assert.Equal(t, fx.payload, got[:len(fx.payload)])

	// Version map advanced: target slot entry only.
	vmap := fx.readVersionMap()
	entry := vmap.Components["root"]
	assert.Equal(t, "6.0.30", *entry.VersionA)
	assert.Equal(t, "6.0.31", *entry.VersionB)
	assert.Equal(t, "6.0.31", vmap.SlotB)
	assert.Equal(t, "6.0.30", vmap.SlotA)

	// Legacy file agrees with the canonical map.
	legacy, err := slot.ReadLegacy(fx.settings.Versions)
	require.NoError(t, err)
	assert.True(t, vmap.Equal(slot.FromLegacy(legacy)))

	require.NotNil(t, fx.slotCtrl.nextBoot)
	assert.Equal(t, slot.B, *fx.slotCtrl.nextBoot)
	assert.Nil(t, fx.slotCtrl.markedOK)
	assert.True(t, fx.supervisor.asked)
	assert.Equal(t, 1, fx.poweroffs)

	assert.Equal(t, []status.OverallState{
		status.StateReadVersions,
		status.StateLoadClaim,
		status.StateValidateClaim,
		status.StateCleanup,
		status.StateCheckFreeSpace,
		status.StateFetch,
		status.StateProcess,
		status.StateRequestPermission,
		status.StateInstall,
		status.StateFinalize,
		status.StateRebooting,
	}, fx.reporter.states)
}

// Running twice against the same claim on the same disk converges: the
// second run validates, skips the install, and produces the same map.
func TestRunIsIdempotent(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.agent.Run(context.Background()))
	first := fx.readVersionMap()

	require.NoError(t, fx.agent.Run(context.Background()))
	second := fx.readVersionMap()

	assert.True(t, first.Equal(second))
	assert.Equal(t, 2, fx.poweroffs)
}

func TestRunCleansStaleWorkspaceEntries(t *testing.T) {
	fx := newFixture(t)
	stale := filepath.Join(fx.settings.Downloads, "old-component-deadbeef")
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0o644))

	require.NoError(t, fx.agent.Run(context.Background()))
	assert.NoFileExists(t, stale)
}

func TestRunNoUpdateBails(t *testing.T) {
	fx := newFixture(t, func(s *config.Settings, _ *claim.Claim) {
		s.NoUpdate = true
	})

	err := fx.agent.Run(context.Background())
	require.ErrorIs(t, err, ErrNoUpdateRequested)
	assert.Zero(t, fx.poweroffs)
	assert.False(t, fx.supervisor.asked)
}

func TestRunPermissionDenied(t *testing.T) {
	fx := newFixture(t)
	fx.supervisor.err = context.DeadlineExceeded

	err := fx.agent.Run(context.Background())
	require.ErrorContains(t, err, "supervisor refused update")
	assert.Zero(t, fx.poweroffs)
	assert.Nil(t, fx.slotCtrl.nextBoot)
}

func TestRunNoDbusSkipsPermission(t *testing.T) {
	fx := newFixture(t, func(s *config.Settings, _ *claim.Claim) {
		s.NoDbus = true
	})

	require.NoError(t, fx.agent.Run(context.Background()))
	assert.False(t, fx.supervisor.asked)
}

func TestRunValidationFailure(t *testing.T) {
	fx := newFixture(t, func(_ *config.Settings, c *claim.Claim) {
		mc := c.Manifest.Components[0]
		mc.VersionAssert = "0.0.1"
		c.Manifest.Components[0] = mc
	})

	err := fx.agent.Run(context.Background())
	var mismatch *claim.VersionMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestRunSkipVersionAsserts(t *testing.T) {
	fx := newFixture(t, func(s *config.Settings, c *claim.Claim) {
		s.SkipVersionAsserts = true
		mc := c.Manifest.Components[0]
		mc.VersionAssert = "0.0.1"
		c.Manifest.Components[0] = mc
	})
	require.NoError(t, fx.agent.Run(context.Background()))
}

func TestRunCapsuleScheduledMarksSlotOK(t *testing.T) {
	fx := newFixture(t)
	// Schedule a capsule update before the run.
	installer, err := install.New(install.Config{
		Logger:    slog.New(slog.DiscardHandler),
		EfiVarDir: fx.efiDir,
	})
	require.NoError(t, err)
	capsule := filepath.Join(t.TempDir(), "capsule")
	require.NoError(t, os.WriteFile(capsule, []byte("capsule"), 0o644))
	require.NoError(t, installer.Install(claim.SystemComponent{Kind: claim.KindCapsule}, slot.A, capsule))

	require.NoError(t, fx.agent.Run(context.Background()))

	require.NotNil(t, fx.slotCtrl.markedOK)
	assert.Equal(t, slot.B, *fx.slotCtrl.markedOK)
	assert.Nil(t, fx.slotCtrl.nextBoot)
}

func TestRunFullUpdateSetsRecoveryVersion(t *testing.T) {
	fx := newFixture(t, func(_ *config.Settings, c *claim.Claim) {
		c.Manifest.Kind = claim.UpdateKindFull
	})

	require.NoError(t, fx.agent.Run(context.Background()))

	vmap := fx.readVersionMap()
	assert.Equal(t, "6.0.31", vmap.RecoveryVersion)
	// Full updates rely on a component-induced switch and leave the slot
	// release versions alone.
	assert.Nil(t, fx.slotCtrl.nextBoot)
	assert.Equal(t, "6.0.29", vmap.SlotB)
}

func TestRunRecoverySkipsNormalPhaseComponents(t *testing.T) {
	fx := newFixture(t, func(s *config.Settings, _ *claim.Claim) {
		s.Recovery = true
	})

	require.NoError(t, fx.agent.Run(context.Background()))

	// The only component is normal-phase: nothing was written.
	got, err := os.ReadFile(filepath.Join(fx.partDir, "APP_b"))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 64), got)
	assert.False(t, fx.supervisor.asked)
}
