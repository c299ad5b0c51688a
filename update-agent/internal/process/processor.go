// Package process validates fetched payloads and decompresses them into
// their installable form, leaving marker files so re-runs skip completed
// work.
package process

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ulikunitz/xz"

	"github.com/openorb/orbcore/pkg/claim"
	"github.com/openorb/orbcore/pkg/slot"
)

// HashMismatchError reports that a payload's SHA-256 does not match the
// claim.
type HashMismatchError struct {
	Name     string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash of component %q is %s, claim records %s", e.Name, e.Actual, e.Expected)
}

type Processor struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{log: log}
}

// hashFile computes the hex SHA-256 of the file at path.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %q for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed hashing %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify hashes the file and compares against the expected hex digest.
func Verify(path, expected string) error {
	actual, err := hashFile(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return &HashMismatchError{Name: path, Expected: expected, Actual: actual}
	}
	return nil
}

// VerifySource checks the fetched payload against the source hash. A
// `.verified` marker skips the hash entirely. On mismatch a remote payload
// is deleted from the workspace so the next run re-downloads it; a local
// payload is kept.
func (p *Processor) VerifySource(source claim.Source, path string) error {
	if slot.IsVerified(path) {
		p.log.Info("found verification marker, skipping hash verification", "component", source.Name, "path", path)
		return nil
	}
	p.log.Info("checking sha256 hash of fetched component", "component", source.Name)
	actual, err := hashFile(path)
	if err != nil {
		return err
	}
	if actual != source.Hash {
		if source.URL.IsRemote() {
			p.log.Warn("deleting downloaded blob because hash verification failed", "component", source.Name)
			if rmErr := os.Remove(path); rmErr != nil {
				p.log.Warn("failed deleting source blob", "component", source.Name, "error", rmErr)
			}
		}
		return &HashMismatchError{Name: source.Name, Expected: source.Hash, Actual: actual}
	}
	if err := slot.MarkVerified(path); err != nil {
		p.log.Warn("failed marking component as verified", "component", source.Name, "error", err)
	}
	return nil
}

// Process routes the payload by mime type and returns the path of the
// installable form. OctetStream payloads are already installable; XZ
// payloads are stream-decompressed next to the blob.
func (p *Processor) Process(component claim.ManifestComponent, source claim.Source, path string) (string, error) {
	switch source.MimeType {
	case claim.MimeOctetStream:
		return path, nil
	case claim.MimeXZ:
		return p.processCompressed(component, source, path)
	default:
		return "", fmt.Errorf("mime type of component %q was set to %q; only %q and %q are supported",
			component.Name, source.MimeType, claim.MimeOctetStream, claim.MimeXZ)
	}
}

func (p *Processor) processCompressed(component claim.ManifestComponent, source claim.Source, path string) (string, error) {
	uncompressed := path + ".uncompressed"

	if err := checkExisting(uncompressed, component.Size); err == nil {
		p.log.Info("found verification marker, skipping decompression", "component", component.Name, "path", uncompressed)
		return uncompressed, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		p.log.Info("verifying existing decompressed component failed, reprocessing", "component", component.Name, "error", err)
	}

	p.log.Info("extracting component", "component", component.Name)
	if err := extract(path, uncompressed); err != nil {
		return "", fmt.Errorf("failed decompressing component at %q: %w", path, err)
	}

	p.log.Info("checking sha256 hash of extracted component", "component", component.Name)
	actual, err := hashFile(uncompressed)
	if err != nil {
		return "", err
	}
	if actual != component.Hash {
		if source.URL.IsRemote() {
			p.log.Warn("source was remote, deleting extracted component", "component", component.Name)
			if rmErr := os.Remove(uncompressed); rmErr != nil {
				p.log.Warn("failed removing extracted component", "path", uncompressed, "error", rmErr)
			}
		}
		return "", &HashMismatchError{Name: component.Name, Expected: component.Hash, Actual: actual}
	}

	if err := slot.MarkVerified(uncompressed); err != nil {
		p.log.Warn("failed marking component as verified", "component", component.Name, "error", err)
	}
	return uncompressed, nil
}

// checkExisting reports nil when the decompressed payload is already
// verified and sized as the manifest expects.
func checkExisting(path string, expectedSize uint64) error {
	if !slot.IsVerified(path) {
		return fmt.Errorf("marker for %q: %w", path, os.ErrNotExist)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed reading file metadata for %q: %w", path, err)
	}
	if uint64(info.Size()) != expectedSize {
		return fmt.Errorf("component size %d of %q does not match expected size %d", info.Size(), path, expectedSize)
	}
	return nil
}

func extract(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open component for decompression: %w", err)
	}
	defer in.Close()

	decoder, err := xz.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed initializing xz decoder: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open target for decompressed component: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, decoder); err != nil {
		return fmt.Errorf("failed to decompress %q: %w", src, err)
	}
	return nil
}
