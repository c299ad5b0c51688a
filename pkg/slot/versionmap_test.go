package slot

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func str(s string) *string { return &s }

func TestSlotOpposite(t *testing.T) {
	assert.Equal(t, B, A.Opposite())
	assert.Equal(t, A, B.Opposite())
}

func TestParseSlot(t *testing.T) {
	for _, v := range []string{"a", "A"} {
		s, err := Parse(v)
		require.NoError(t, err)
		assert.Equal(t, A, s)
	}
	for _, v := range []string{"b", "B"} {
		s, err := Parse(v)
		require.NoError(t, err)
		assert.Equal(t, B, s)
	}
	_, err := Parse("c")
	assert.Error(t, err)
}

func sampleMap() *VersionMap {
	return &VersionMap{
		SlotA:           "6.0.30",
		SlotB:           "6.0.31",
		RecoveryVersion: "6.0.12",
		Components: map[string]SlotVersion{
			"main-mcu": {Single: str("2.1.0")},
			"root":     {VersionA: str("6.0.30"), VersionB: str("6.0.31")},
			"updater":  {VersionA: str("6.0.30")},
		},
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	m := sampleMap()
	got := FromLegacy(m.ToLegacy())
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("legacy round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSlotVersionJSONRoundTrip(t *testing.T) {
	m := sampleMap()
	contents, err := json.Marshal(m)
	require.NoError(t, err)
	var got VersionMap
	require.NoError(t, json.Unmarshal(contents, &got))
	assert.True(t, m.Equal(&got))
}

func TestSetComponentVersionMutatesOnlyTargetSlot(t *testing.T) {
	m := sampleMap()
	m.SetComponentVersion("root", "6.0.32", B)

	entry := m.Components["root"]
	require.True(t, entry.Redundant())
	assert.Equal(t, "6.0.30", *entry.VersionA)
	assert.Equal(t, "6.0.32", *entry.VersionB)
}

func TestSetComponentVersionSingle(t *testing.T) {
	m := sampleMap()
	m.SetComponentVersion("main-mcu", "2.2.0", B)
	assert.Equal(t, "2.2.0", *m.Components["main-mcu"].Single)
}

func TestWriteAndReadBothFiles(t *testing.T) {
	dir := t.TempDir()
	mapPath := filepath.Join(dir, "versions.map")
	legacyPath := filepath.Join(dir, "versions")

	m := sampleMap()
	require.NoError(t, m.WriteVersionMapAndLegacy(mapPath, legacyPath))

	canonical, err := ReadVersionMap(mapPath)
	require.NoError(t, err)
	assert.True(t, m.Equal(canonical))

	legacy, err := ReadLegacy(legacyPath)
	require.NoError(t, err)
	assert.True(t, m.Equal(FromLegacy(legacy)))
}

func TestReconcilePrefersLegacyOnDivergence(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	canonical := sampleMap()
	fromLegacy := sampleMap()
	fromLegacy.SlotB = "6.0.99"

	picked := Reconcile(log, canonical, fromLegacy)
	assert.Equal(t, "6.0.99", picked.SlotB)

	picked = Reconcile(log, nil, fromLegacy)
	assert.Same(t, fromLegacy, picked)

	agree := sampleMap()
	picked = Reconcile(log, canonical, agree)
	assert.Same(t, canonical, picked)
}

func TestVerificationMarkers(t *testing.T) {
	dir := t.TempDir()
	blob := filepath.Join(dir, "root-abc123")
	require.NoError(t, os.WriteFile(blob, []byte("payload"), 0o644))

	assert.False(t, IsVerified(blob))
	require.NoError(t, MarkVerified(blob))
	assert.True(t, IsVerified(blob))

	info, err := os.Stat(VerifiedPath(blob))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}
