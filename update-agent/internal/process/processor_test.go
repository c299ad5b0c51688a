package process

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/openorb/orbcore/pkg/claim"
	"github.com/openorb/orbcore/pkg/slot"
)

func sha(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func newProcessor() *Processor {
	return New(slog.New(slog.DiscardHandler))
}

func writeXZ(t *testing.T, path string, payload []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	w, err := xz.NewWriter(f)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func TestVerifySourceHappyPath(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("payload bytes")
	path := filepath.Join(dir, "root-cafe")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	source := claim.Source{Name: "root", Hash: sha(payload), URL: claim.LocalOrRemote{Remote: "https://u/r"}}
	require.NoError(t, newProcessor().VerifySource(source, path))
	assert.True(t, slot.IsVerified(path))
}

// With a marker present the payload is not hashed at all: corrupt bytes
// still verify.
func TestVerifySourceSkipsHashWithMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root-cafe")
	require.NoError(t, os.WriteFile(path, []byte("corrupted"), 0o644))
	require.NoError(t, slot.MarkVerified(path))

	source := claim.Source{Name: "root", Hash: "not-the-hash", URL: claim.LocalOrRemote{Remote: "https://u/r"}}
	require.NoError(t, newProcessor().VerifySource(source, path))
}

func TestVerifySourceDeletesRemoteOnMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root-cafe")
	require.NoError(t, os.WriteFile(path, []byte("wrong"), 0o644))

	source := claim.Source{Name: "root", Hash: sha([]byte("right")), URL: claim.LocalOrRemote{Remote: "https://u/r"}}
	err := newProcessor().VerifySource(source, path)
	var mismatch *HashMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.NoFileExists(t, path)
}

func TestVerifySourceKeepsLocalOnMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root-cafe")
	require.NoError(t, os.WriteFile(path, []byte("wrong"), 0o644))

	source := claim.Source{Name: "root", Hash: sha([]byte("right")), URL: claim.LocalOrRemote{Local: "root.img"}}
	require.Error(t, newProcessor().VerifySource(source, path))
	assert.FileExists(t, path)
}

func TestProcessOctetStreamPassthrough(t *testing.T) {
	got, err := newProcessor().Process(
		claim.ManifestComponent{Name: "root"},
		claim.Source{Name: "root", MimeType: claim.MimeOctetStream},
		"/workspace/root-cafe",
	)
	require.NoError(t, err)
	assert.Equal(t, "/workspace/root-cafe", got)
}

func TestProcessXZDecompressesAndMarks(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("uncompressed image contents")
	path := filepath.Join(dir, "root-cafe")
	writeXZ(t, path, payload)

	component := claim.ManifestComponent{Name: "root", Size: uint64(len(payload)), Hash: sha(payload)}
	source := claim.Source{Name: "root", MimeType: claim.MimeXZ, URL: claim.LocalOrRemote{Remote: "https://u/r"}}

	got, err := newProcessor().Process(component, source, path)
	require.NoError(t, err)
	assert.Equal(t, path+".uncompressed", got)

	contents, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, payload, contents)
	assert.True(t, slot.IsVerified(got))

	// Second run skips decompression: corrupting the compressed blob no
	// longer matters.
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	got, err = newProcessor().Process(component, source, path)
	require.NoError(t, err)
	assert.Equal(t, path+".uncompressed", got)
}

func TestProcessXZHashMismatchDeletesRemote(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root-cafe")
	writeXZ(t, path, []byte("actual contents"))

	component := claim.ManifestComponent{Name: "root", Size: 15, Hash: sha([]byte("other contents"))}
	source := claim.Source{Name: "root", MimeType: claim.MimeXZ, URL: claim.LocalOrRemote{Remote: "https://u/r"}}

	_, err := newProcessor().Process(component, source, path)
	var mismatch *HashMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.NoFileExists(t, path+".uncompressed")
	// The compressed blob survives for the fetch layer to deal with.
	assert.FileExists(t, path)
}

func TestProcessRejectsUnknownMime(t *testing.T) {
	_, err := newProcessor().Process(
		claim.ManifestComponent{Name: "root"},
		claim.Source{Name: "root", MimeType: claim.MimeZstdBidiff},
		"/workspace/root-cafe",
	)
	require.ErrorContains(t, err, "mime type")
}
