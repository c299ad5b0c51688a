package claim

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openorb/orbcore/pkg/slot"
)

func str(s string) *string { return &s }

func sampleClaimJSON(t *testing.T) []byte {
	t.Helper()
	c := Claim{
		Version: "6.0.31",
		Manifest: Manifest{
			Kind: UpdateKindNormal,
			Components: []ManifestComponent{{
				Name:              "root",
				VersionAssert:     "6.0.30",
				VersionUpgrade:    "6.0.31",
				InstallationPhase: PhaseNormal,
				Size:              7,
				Hash:              "deadbeef",
				MimeType:          MimeOctetStream,
			}},
		},
		Sources: map[string]Source{
			"root": {
				Name:     "root",
				URL:      LocalOrRemote{Local: "root.img"},
				Size:     7,
				Hash:     "deadbeef",
				MimeType: MimeOctetStream,
			},
		},
		SystemComponents: map[string]SystemComponent{
			"root": {Kind: KindGptPartition, Label: "APP", Redundant: true},
		},
	}
	contents, err := json.Marshal(&c)
	require.NoError(t, err)
	return contents
}

func TestLoadChecksLocalSources(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ClaimFileName), sampleClaimJSON(t), 0o644))

	// Referenced file missing.
	_, err := Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.img"), []byte("payload"), 0o644))
	c, err := Load(dir)
	require.NoError(t, err)
	assert.False(t, c.Sources["root"].IsSqfs)
}

func TestLoadSniffsSquashfs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ClaimFileName), sampleClaimJSON(t), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.img"), []byte("hsqs-image"), 0o644))

	c, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, c.Sources["root"].IsSqfs)
}

func TestLoadRejectsAbsoluteLocalPath(t *testing.T) {
	dir := t.TempDir()
	var c Claim
	require.NoError(t, json.Unmarshal(sampleClaimJSON(t), &c))
	source := c.Sources["root"]
	source.URL = LocalOrRemote{Local: "/abs/root.img"}
	c.Sources["root"] = source
	contents, err := json.Marshal(&c)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ClaimFileName), contents, 0o644))

	_, err = Load(dir)
	require.ErrorContains(t, err, "absolute local path")
}

func TestParseRejectsInconsistentClaim(t *testing.T) {
	var c Claim
	require.NoError(t, json.Unmarshal(sampleClaimJSON(t), &c))
	delete(c.SystemComponents, "root")
	contents, err := json.Marshal(&c)
	require.NoError(t, err)

	_, err = Parse(contents)
	require.ErrorContains(t, err, "no system component")
}

func TestLocalOrRemoteJSON(t *testing.T) {
	var u LocalOrRemote
	require.NoError(t, json.Unmarshal([]byte(`"file:sub/blob.xz"`), &u))
	assert.Equal(t, "sub/blob.xz", u.Local)
	assert.False(t, u.IsRemote())

	require.NoError(t, json.Unmarshal([]byte(`"https://updates.example.com/blob.xz"`), &u))
	assert.True(t, u.IsRemote())

	assert.Error(t, json.Unmarshal([]byte(`"ftp://nope"`), &u))
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestValidateRedundantAgainstActiveSlot(t *testing.T) {
	var c Claim
	require.NoError(t, json.Unmarshal(sampleClaimJSON(t), &c))

	vmap := &slot.VersionMap{Components: map[string]slot.SlotVersion{
		"root": {VersionA: str("6.0.30"), VersionB: str("6.0.29")},
	}}

	require.NoError(t, c.Validate(testLogger(), vmap, slot.A))

	err := c.Validate(testLogger(), vmap, slot.B)
	var mismatch *VersionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "root", mismatch.Component)
	assert.Equal(t, "6.0.30", mismatch.Expected)
	assert.Equal(t, "6.0.29", mismatch.Actual)
}

// A single component whose on-disk version already equals version_upgrade
// validates cleanly, so an interrupted update can be re-run.
func TestValidateSingleIdempotentRerun(t *testing.T) {
	c := Claim{
		Version: "2.2.0",
		Manifest: Manifest{Kind: UpdateKindNormal, Components: []ManifestComponent{{
			Name: "foo", VersionAssert: "1.2.0", VersionUpgrade: "1.2.3",
			Size: 1, Hash: "aa", MimeType: MimeOctetStream,
		}}},
		Sources:          map[string]Source{"foo": {Name: "foo", URL: LocalOrRemote{Local: "foo"}, Size: 1, Hash: "aa", MimeType: MimeOctetStream}},
		SystemComponents: map[string]SystemComponent{"foo": {Kind: KindRawFile, Path: "/foo"}},
	}
	vmap := &slot.VersionMap{Components: map[string]slot.SlotVersion{
		"foo": {Single: str("1.2.3")},
	}}
	require.NoError(t, c.Validate(testLogger(), vmap, slot.A))

	vmap.Components["foo"] = slot.SlotVersion{Single: str("1.1.0")}
	require.Error(t, c.Validate(testLogger(), vmap, slot.A))
}

func TestValidateSkipsUnknownComponents(t *testing.T) {
	var c Claim
	require.NoError(t, json.Unmarshal(sampleClaimJSON(t), &c))
	require.NoError(t, c.Validate(testLogger(), &slot.VersionMap{}, slot.A))
}

func TestFetchRemoteNoNewVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := FetchRemote(context.Background(), srv.Client(), srv.URL, "token")
	require.ErrorIs(t, err, ErrNoNewVersion)
}

func TestFetchRemoteParsesClaim(t *testing.T) {
	body := sampleClaimJSON(t)
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c, err := FetchRemote(context.Background(), srv.Client(), srv.URL, "token")
	require.NoError(t, err)
	assert.Equal(t, "6.0.31", c.Version)
	assert.Equal(t, "Bearer token", sawAuth)
}

func TestExpectedWorkspaceEntries(t *testing.T) {
	var c Claim
	require.NoError(t, json.Unmarshal(sampleClaimJSON(t), &c))

	entries := c.ExpectedWorkspaceEntries()
	unique := c.Sources["root"].UniqueName()
	for _, want := range []string{unique, unique + ".verified", unique + ".uncompressed", unique + ".uncompressed.verified"} {
		assert.Contains(t, entries, want)
	}
	assert.Len(t, entries, 4)
}
