// Package claim models the update claim: the manifest of components to
// install, the sources the payloads come from, and the system components
// describing where each payload is written.
package claim

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MimeType describes the encoding of a source payload.
type MimeType string

const (
	MimeOctetStream MimeType = "application/octet-stream"
	MimeXZ          MimeType = "application/x-xz"
	// MimeZstdBidiff marks a zstd-compressed binary diff produced by the
	// OTA diff tool. The update agent itself never installs one directly.
	MimeZstdBidiff MimeType = "application/x-zstd-bidiff"
)

// UpdateKind selects the finalize path of the orchestrator.
type UpdateKind string

const (
	UpdateKindFull   UpdateKind = "full"
	UpdateKindNormal UpdateKind = "normal"
)

// InstallationPhase gates a component to normal or recovery runs.
type InstallationPhase string

const (
	PhaseNormal   InstallationPhase = "normal"
	PhaseRecovery InstallationPhase = "recovery"
)

// LocalOrRemote is a source location: either a path relative to the claim
// directory (serialized as "file:<path>") or an http(s) URL.
type LocalOrRemote struct {
	Local  string
	Remote string
}

const localScheme = "file:"

// IsRemote reports whether the location points at a remote server.
func (u LocalOrRemote) IsRemote() bool { return u.Remote != "" }

func (u LocalOrRemote) String() string {
	if u.IsRemote() {
		return u.Remote
	}
	return localScheme + u.Local
}

func (u LocalOrRemote) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *LocalOrRemote) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if rest, ok := strings.CutPrefix(raw, localScheme); ok {
		*u = LocalOrRemote{Local: rest}
		return nil
	}
	if strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "http://") {
		*u = LocalOrRemote{Remote: raw}
		return nil
	}
	return fmt.Errorf("source url %q is neither file:<relative path> nor http(s)", raw)
}

// ManifestComponent is one entry in the update manifest.
type ManifestComponent struct {
	Name              string            `json:"name"`
	VersionAssert     string            `json:"version_assert"`
	VersionUpgrade    string            `json:"version_upgrade"`
	InstallationPhase InstallationPhase `json:"installation_phase"`
	Size              uint64            `json:"size"`
	Hash              string            `json:"hash"`
	MimeType          MimeType          `json:"mime_type"`
}

// Manifest lists the components of an update in installation order.
type Manifest struct {
	Kind       UpdateKind          `json:"kind"`
	Components []ManifestComponent `json:"components"`
}

// IsNormalUpdate reports whether this is a normal (slot-switching) update.
func (m *Manifest) IsNormalUpdate() bool { return m.Kind == UpdateKindNormal }

// Source describes where a component payload comes from and how to verify
// it.
type Source struct {
	Name     string        `json:"name"`
	URL      LocalOrRemote `json:"url"`
	Size     uint64        `json:"size"`
	Hash     string        `json:"hash"`
	MimeType MimeType      `json:"mime_type"`

	// IsSqfs is set at load time by sniffing the payload's magic bytes. It
	// feeds the OTA diff planner; installation ignores it.
	IsSqfs bool `json:"-"`
}

// UniqueName is the stable workspace filename for this source, used to
// deduplicate payloads across claims.
func (s *Source) UniqueName() string {
	return s.Name + "-" + s.Hash
}

// SystemComponentKind tags the closed set of installation targets.
type SystemComponentKind string

const (
	KindGptPartition SystemComponentKind = "gpt"
	KindRawFile      SystemComponentKind = "raw"
	KindCanTarget    SystemComponentKind = "can"
	KindCapsule      SystemComponentKind = "capsule"
)

// SystemComponent describes where a component's bytes are written. Exactly
// the fields of the tagged kind are set.
type SystemComponent struct {
	Kind SystemComponentKind `json:"type"`

	// GptPartition
	Label     string `json:"label,omitempty"`
	Redundant bool   `json:"redundant,omitempty"`

	// RawFile
	Path string `json:"path,omitempty"`

	// CanTarget
	Bus     string `json:"bus,omitempty"`
	Address uint32 `json:"address,omitempty"`

	// Capsule
	EfiVar string `json:"efi_var,omitempty"`
}

// Claim is a parsed and validated update manifest together with its
// sources and system components.
type Claim struct {
	Version          string                     `json:"version"`
	Manifest         Manifest                   `json:"manifest"`
	Sources          map[string]Source          `json:"sources"`
	SystemComponents map[string]SystemComponent `json:"system_components"`
}

// NumComponents returns the number of components in the manifest.
func (c *Claim) NumComponents() int { return len(c.Manifest.Components) }

// Source returns the source for a manifest component name.
func (c *Claim) Source(name string) (Source, bool) {
	s, ok := c.Sources[name]
	return s, ok
}

// SystemComponent returns the install target for a manifest component name.
func (c *Claim) SystemComponent(name string) (SystemComponent, bool) {
	sc, ok := c.SystemComponents[name]
	return sc, ok
}

// FullUpdateSize is the total byte size of all sources in the claim.
func (c *Claim) FullUpdateSize() uint64 {
	var total uint64
	for _, s := range c.Sources {
		total += s.Size
	}
	return total
}

// ExpectedWorkspaceEntries expands each unique source name into the set of
// files the workspace may legitimately hold for it.
func (c *Claim) ExpectedWorkspaceEntries() map[string]struct{} {
	entries := make(map[string]struct{}, len(c.Sources)*4)
	for _, s := range c.Sources {
		unique := s.UniqueName()
		entries[unique] = struct{}{}
		entries[unique+".verified"] = struct{}{}
		entries[unique+".uncompressed"] = struct{}{}
		entries[unique+".uncompressed.verified"] = struct{}{}
	}
	return entries
}

// checkConsistent enforces the structural invariant that manifest
// components, sources, and system components name exactly the same set.
func (c *Claim) checkConsistent() error {
	for _, mc := range c.Manifest.Components {
		if _, ok := c.Sources[mc.Name]; !ok {
			return fmt.Errorf("manifest component %q has no source", mc.Name)
		}
		if _, ok := c.SystemComponents[mc.Name]; !ok {
			return fmt.Errorf("manifest component %q has no system component", mc.Name)
		}
	}
	if len(c.Sources) != len(c.Manifest.Components) {
		return fmt.Errorf("claim has %d sources but %d manifest components", len(c.Sources), len(c.Manifest.Components))
	}
	if len(c.SystemComponents) != len(c.Manifest.Components) {
		return fmt.Errorf("claim has %d system components but %d manifest components", len(c.SystemComponents), len(c.Manifest.Components))
	}
	return nil
}
