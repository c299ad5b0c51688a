package claim

import (
	"fmt"
	"log/slog"

	"github.com/openorb/orbcore/pkg/slot"
)

// VersionMismatchError reports that a component's on-disk version does not
// match what the claim asserts.
type VersionMismatchError struct {
	Component string
	Expected  string
	Actual    string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("failed validating version of component %q: expected %q on disk, found %q", e.Component, e.Expected, e.Actual)
}

// Validate checks the versions asserted by the claim against the on-disk
// version map.
//
// Single components accept either version_assert (fresh run) or
// version_upgrade (idempotent re-run). Redundant components require the
// active slot to hold exactly version_assert. Components absent from the
// map are skipped.
func (c *Claim) Validate(log *slog.Logger, vmap *slot.VersionMap, activeSlot slot.Slot) error {
	for _, component := range c.Manifest.Components {
		entry, ok := vmap.SlotVersion(component.Name)
		if !ok {
			log.Info("component in update manifest is not present in versions on device", "component", component.Name)
			continue
		}
		if !entry.Redundant() {
			onDisk := *entry.Single
			switch onDisk {
			case component.VersionAssert:
				log.Debug("single component on-disk version matches expected version in claim", "component", component.Name)
			case component.VersionUpgrade:
				log.Debug("single component on-disk version matches target version in claim; was it previously updated?", "component", component.Name)
			default:
				return &VersionMismatchError{Component: component.Name, Expected: component.VersionAssert, Actual: onDisk}
			}
			continue
		}
		onDisk := entry.ForSlot(activeSlot)
		if onDisk == nil || *onDisk != component.VersionAssert {
			actual := "<none>"
			if onDisk != nil {
				actual = *onDisk
			}
			return &VersionMismatchError{Component: component.Name, Expected: component.VersionAssert, Actual: actual}
		}
	}
	return nil
}
