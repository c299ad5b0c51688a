package slot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sort"
)

// SlotVersion records the installed version of a single component. A
// component is either non-redundant (MCU firmware, recovery image) and
// carries one version, or redundant and carries one version per slot.
type SlotVersion struct {
	// Single is set for non-redundant components.
	Single *string
	// VersionA and VersionB are set for redundant components. Either side
	// may be nil when that slot has never been written.
	VersionA *string
	VersionB *string
}

// Redundant reports whether the entry tracks per-slot versions.
func (v SlotVersion) Redundant() bool { return v.Single == nil }

// ForSlot returns the version installed in the given slot, or nil.
func (v SlotVersion) ForSlot(s Slot) *string {
	if v.Single != nil {
		return v.Single
	}
	if s == A {
		return v.VersionA
	}
	return v.VersionB
}

type singleJSON struct {
	Version string `json:"version"`
}

type redundantJSON struct {
	VersionA *string `json:"version_a"`
	VersionB *string `json:"version_b"`
}

func (v SlotVersion) MarshalJSON() ([]byte, error) {
	if v.Single != nil {
		return json.Marshal(singleJSON{Version: *v.Single})
	}
	return json.Marshal(redundantJSON{VersionA: v.VersionA, VersionB: v.VersionB})
}

func (v *SlotVersion) UnmarshalJSON(b []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	if _, ok := probe["version"]; ok {
		var s singleJSON
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = SlotVersion{Single: &s.Version}
		return nil
	}
	var r redundantJSON
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	*v = SlotVersion{VersionA: r.VersionA, VersionB: r.VersionB}
	return nil
}

// VersionMap is the canonical on-disk record of installed versions: one
// entry per component, an overall release version per slot, and the
// recovery image version.
type VersionMap struct {
	SlotA           string                 `json:"slot_a"`
	SlotB           string                 `json:"slot_b"`
	RecoveryVersion string                 `json:"recovery_version,omitempty"`
	Components      map[string]SlotVersion `json:"components"`
}

// Equal compares two maps structurally.
func (m *VersionMap) Equal(other *VersionMap) bool {
	return reflect.DeepEqual(m.normalized(), other.normalized())
}

func (m *VersionMap) normalized() VersionMap {
	n := *m
	if n.Components == nil {
		n.Components = map[string]SlotVersion{}
	}
	return n
}

// SlotVersion looks up the entry for a component name.
func (m *VersionMap) SlotVersion(name string) (SlotVersion, bool) {
	v, ok := m.Components[name]
	return v, ok
}

// SetComponentVersion records that version is now installed for the named
// component. For redundant components only the target-slot side is mutated.
func (m *VersionMap) SetComponentVersion(name, version string, target Slot) {
	if m.Components == nil {
		m.Components = map[string]SlotVersion{}
	}
	entry, ok := m.Components[name]
	if ok && entry.Redundant() {
		if target == A {
			entry.VersionA = &version
		} else {
			entry.VersionB = &version
		}
		m.Components[name] = entry
		return
	}
	m.Components[name] = SlotVersion{Single: &version}
}

// SetSlotVersion records the overall release version of a slot.
func (m *VersionMap) SetSlotVersion(version string, target Slot) {
	if target == A {
		m.SlotA = version
	} else {
		m.SlotB = version
	}
}

// SetRecoveryVersion records the installed recovery image version.
func (m *VersionMap) SetRecoveryVersion(version string) {
	m.RecoveryVersion = version
}

// Legacy is the projection of the version map kept for the previous fleet
// generation. The transform is lossless: FromLegacy(m.ToLegacy()) == m.
type Legacy struct {
	SlotA    LegacySlot        `json:"slot_a"`
	SlotB    LegacySlot        `json:"slot_b"`
	Singles  map[string]string `json:"singles"`
	Recovery string            `json:"recovery,omitempty"`
}

type LegacySlot struct {
	Release    string            `json:"release,omitempty"`
	Components map[string]string `json:"components"`
}

// ToLegacy projects the canonical map into the legacy shape.
func (m *VersionMap) ToLegacy() Legacy {
	legacy := Legacy{
		SlotA:    LegacySlot{Release: m.SlotA, Components: map[string]string{}},
		SlotB:    LegacySlot{Release: m.SlotB, Components: map[string]string{}},
		Singles:  map[string]string{},
		Recovery: m.RecoveryVersion,
	}
	for name, v := range m.Components {
		if !v.Redundant() {
			legacy.Singles[name] = *v.Single
			continue
		}
		if v.VersionA != nil {
			legacy.SlotA.Components[name] = *v.VersionA
		}
		if v.VersionB != nil {
			legacy.SlotB.Components[name] = *v.VersionB
		}
	}
	return legacy
}

// FromLegacy reconstructs the canonical map from the legacy projection.
func FromLegacy(legacy Legacy) *VersionMap {
	m := &VersionMap{
		SlotA:           legacy.SlotA.Release,
		SlotB:           legacy.SlotB.Release,
		RecoveryVersion: legacy.Recovery,
		Components:      map[string]SlotVersion{},
	}
	names := map[string]struct{}{}
	for name := range legacy.SlotA.Components {
		names[name] = struct{}{}
	}
	for name := range legacy.SlotB.Components {
		names[name] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)
	for _, name := range ordered {
		var entry SlotVersion
		if v, ok := legacy.SlotA.Components[name]; ok {
			v := v
			entry.VersionA = &v
		}
		if v, ok := legacy.SlotB.Components[name]; ok {
			v := v
			entry.VersionB = &v
		}
		m.Components[name] = entry
	}
	for name, v := range legacy.Singles {
		v := v
		m.Components[name] = SlotVersion{Single: &v}
	}
	return m
}

// ReadVersionMap reads the canonical version map file.
func ReadVersionMap(path string) (*VersionMap, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read version map: %w", err)
	}
	var m VersionMap
	if err := json.Unmarshal(contents, &m); err != nil {
		return nil, fmt.Errorf("failed deserializing version map: %w", err)
	}
	return &m, nil
}

// ReadLegacy reads the legacy versions file.
func ReadLegacy(path string) (Legacy, error) {
	var legacy Legacy
	contents, err := os.ReadFile(path)
	if err != nil {
		return legacy, fmt.Errorf("failed to read legacy versions: %w", err)
	}
	if err := json.Unmarshal(contents, &legacy); err != nil {
		return legacy, fmt.Errorf("failed deserializing legacy versions: %w", err)
	}
	return legacy, nil
}

// Reconcile picks the authoritative map between the canonical file and the
// legacy projection read at startup. When they diverge the legacy projection
// wins and a warning is logged; changing this breaks fleets mid-migration.
func Reconcile(log *slog.Logger, canonical *VersionMap, fromLegacy *VersionMap) *VersionMap {
	if canonical == nil {
		log.Info("no canonical version map on disk; transforming legacy versions")
		return fromLegacy
	}
	if !canonical.Equal(fromLegacy) {
		log.Warn("version map on disk does not match map constructed from legacy versions; preferring legacy")
		return fromLegacy
	}
	return canonical
}

// WriteVersionMap writes only the canonical file. Used after each component
// install so a mid-run crash leaves a coherent record.
func (m *VersionMap) WriteVersionMap(path string) error {
	contents, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed serializing version map: %w", err)
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		return fmt.Errorf("failed writing version map: %w", err)
	}
	return nil
}

// WriteVersionMapAndLegacy truncates and rewrites both version files,
// canonical first. Readers accept the transient window where only one file
// has been rewritten.
func (m *VersionMap) WriteVersionMapAndLegacy(mapPath, legacyPath string) error {
	if err := m.WriteVersionMap(mapPath); err != nil {
		return err
	}
	contents, err := json.Marshal(m.ToLegacy())
	if err != nil {
		return fmt.Errorf("failed serializing legacy versions: %w", err)
	}
	if err := os.WriteFile(legacyPath, contents, 0o644); err != nil {
		return fmt.Errorf("failed writing legacy versions: %w", err)
	}
	return nil
}
