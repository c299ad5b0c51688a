package install

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openorb/orbcore/pkg/claim"
)

// DefaultEfiVarDir is the efivarfs mount point.
const DefaultEfiVarDir = "/sys/firmware/efi/efivars"

// EfiOsIndications is the filename of the OsIndications variable under
// efivarfs: name plus the EFI global variable vendor GUID.
const EfiOsIndications = "OsIndications-8be4df61-93ca-11d2-aa0d-00e098032b8c"

// efiOsRequestCapsuleUpdate is the full variable payload requesting a
// capsule update on next boot: 4 attribute bytes (NV|BS|RT) followed by
// the little-endian EFI_OS_INDICATIONS_FILE_CAPSULE_DELIVERY bit.
var efiOsRequestCapsuleUpdate = []byte{
	0x07, 0x00, 0x00, 0x00,
	0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

func (i *Installer) installCapsule(sc claim.SystemComponent) error {
	name := sc.EfiVar
	if name == "" {
		name = EfiOsIndications
	}
	path := filepath.Join(i.cfg.EfiVarDir, name)
	i.cfg.Logger.Info("scheduling capsule update", "var", name)

	if err := os.WriteFile(path, efiOsRequestCapsuleUpdate, 0o644); err != nil {
		return fmt.Errorf("failed writing EFI variable %q: %w", name, err)
	}
	return nil
}

// CapsuleScheduled reads OsIndications and reports whether a capsule
// update is already requested. The first 4 bytes of the variable file are
// attribute metadata and are skipped before comparing.
func CapsuleScheduled(efiVarDir string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(efiVarDir, EfiOsIndications))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed reading %s: %w", EfiOsIndications, err)
	}
	if len(data) < 4 {
		return false, fmt.Errorf("%s is %d bytes, want at least the 4 byte attribute header", EfiOsIndications, len(data))
	}
	return bytes.Equal(data[4:], efiOsRequestCapsuleUpdate[4:]), nil
}
