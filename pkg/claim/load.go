package claim

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ClaimFileName is the claim file inside an OTA directory.
const ClaimFileName = "claim.json"

// sqfsMagic is the little-endian squashfs superblock magic ("hsqs").
const sqfsMagic = 0x73717368

// Parse deserializes a claim and checks its structural invariants. No
// filesystem access happens here.
func Parse(contents []byte) (*Claim, error) {
	var c Claim
	if err := json.Unmarshal(contents, &c); err != nil {
		return nil, fmt.Errorf("failed deserializing claim: %w", err)
	}
	if err := c.checkConsistent(); err != nil {
		return nil, fmt.Errorf("claim is inconsistent: %w", err)
	}
	return &c, nil
}

// Load reads claim.json from dir, checks every local source against the
// filesystem, and sniffs payload magic bytes.
//
// Local source paths must be relative to dir; the referenced files must
// exist.
func Load(dir string) (*Claim, error) {
	contents, err := os.ReadFile(filepath.Join(dir, ClaimFileName))
	if err != nil {
		return nil, fmt.Errorf("failed reading claim: %w", err)
	}
	c, err := Parse(contents)
	if err != nil {
		return nil, err
	}
	for name, source := range c.Sources {
		if source.URL.IsRemote() {
			continue
		}
		if filepath.IsAbs(source.URL.Local) {
			return nil, fmt.Errorf("source %q has absolute local path %q; all local sources must be relative to the claim directory", name, source.URL.Local)
		}
		path := filepath.Join(dir, source.URL.Local)
		isSqfs, err := sniffSqfs(path)
		if err != nil {
			return nil, fmt.Errorf("source %q references unreadable file %q: %w", name, path, err)
		}
		source.IsSqfs = isSqfs
		c.Sources[name] = source
	}
	return c, nil
}

func sniffSqfs(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return binary.LittleEndian.Uint32(magic[:]) == sqfsMagic, nil
}
