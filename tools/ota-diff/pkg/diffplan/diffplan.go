// Package diffplan computes the set of operations that turns two full
// OTA directories into a differential one: squashfs components present
// on both sides are binary-diffed, everything else is copied.
package diffplan

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/openorb/orbcore/pkg/claim"
)

// ComponentID names one component of an OTA directory.
type ComponentID string

// SourceInfo is the slice of a claim source the planner needs.
type SourceInfo struct {
	// Path is relative to the OTA directory.
	Path   string
	Mime   claim.MimeType
	IsSqfs bool
}

// OtaDir is a validated OTA directory: it contains claim.json, and every
// source is a relative local path to an existing file.
type OtaDir struct {
	Dir     string
	Sources map[ComponentID]SourceInfo
}

// NewOtaDir loads and validates dir and returns it with its parsed
// claim.
func NewOtaDir(dir string) (*OtaDir, *claim.Claim, error) {
	c, err := claim.Load(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("%q is not a valid OTA directory: %w", dir, err)
	}
	sources := make(map[ComponentID]SourceInfo, len(c.Sources))
	for name, source := range c.Sources {
		if source.URL.IsRemote() {
			return nil, nil, fmt.Errorf("source %q is remote; an OTA directory must be fully local", name)
		}
		sources[ComponentID(name)] = SourceInfo{
			Path:   source.URL.Local,
			Mime:   source.MimeType,
			IsSqfs: source.IsSqfs,
		}
	}
	return &OtaDir{Dir: dir, Sources: sources}, c, nil
}

// OutDir is where the differential OTA is produced.
type OutDir string

// OpKind tags a plan operation.
type OpKind string

const (
	OpBidiff OpKind = "bidiff"
	OpCopy   OpKind = "copy"
)

// Operation is one unit of work in a diff plan.
type Operation struct {
	Kind OpKind
	ID   ComponentID

	// Bidiff
	OldPath string
	NewPath string
	OutPath string

	// Copy
	FromPath string
	ToPath   string
}

// DiffPlan is the ordered operation set for producing a differential
// OTA. Construction is deterministic: the same directories produce the
// same plan regardless of source-map iteration order.
type DiffPlan struct {
	Ops []Operation
}

// NewDiffPlan plans the transformation from old to new into outDir.
//
// A component is diffed only when it is kept across both directories,
// carries octet-stream mime on both sides, and is squashfs on both
// sides. Kept-but-not-diffable and newly created components are copied;
// deleted components produce no operation.
func NewDiffPlan(old, new *OtaDir, outDir OutDir) *DiffPlan {
	changes := newComponentChanges(old.Sources, new.Sources)
	diffed := detectBidiffable(old, new)

	var ops []Operation
	for id := range changes.kept {
		if _, ok := diffed[id]; ok {
			continue
		}
		ops = append(ops, copyOp(id, new, outDir))
	}
	for id := range changes.created {
		ops = append(ops, copyOp(id, new, outDir))
	}
	for id := range diffed {
		oldSource := old.Sources[id]
		newSource := new.Sources[id]
		ops = append(ops, Operation{
			Kind:    OpBidiff,
			ID:      id,
			OldPath: filepath.Join(old.Dir, oldSource.Path),
			NewPath: filepath.Join(new.Dir, newSource.Path),
			OutPath: filepath.Join(string(outDir), newSource.Path),
		})
	}

	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return &DiffPlan{Ops: ops}
}

func copyOp(id ComponentID, new *OtaDir, outDir OutDir) Operation {
	source := new.Sources[id]
	return Operation{
		Kind:     OpCopy,
		ID:       id,
		FromPath: filepath.Join(new.Dir, source.Path),
		ToPath:   filepath.Join(string(outDir), source.Path),
	}
}

type componentChanges struct {
	created map[ComponentID]struct{}
	deleted map[ComponentID]struct{}
	kept    map[ComponentID]struct{}
}

func newComponentChanges(old, new map[ComponentID]SourceInfo) componentChanges {
	changes := componentChanges{
		created: map[ComponentID]struct{}{},
		deleted: map[ComponentID]struct{}{},
		kept:    map[ComponentID]struct{}{},
	}
	for id := range old {
		if _, ok := new[id]; ok {
			changes.kept[id] = struct{}{}
		} else {
			changes.deleted[id] = struct{}{}
		}
	}
	for id := range new {
		if _, ok := old[id]; !ok {
			changes.created[id] = struct{}{}
		}
	}
	return changes
}

// detectBidiffable returns the kept components that are squashfs
// octet-stream payloads on both sides.
func detectBidiffable(old, new *OtaDir) map[ComponentID]struct{} {
	diffable := func(s SourceInfo) bool {
		return s.Mime == claim.MimeOctetStream && s.IsSqfs
	}
	out := map[ComponentID]struct{}{}
	for id, oldSource := range old.Sources {
		newSource, ok := new.Sources[id]
		if ok && diffable(oldSource) && diffable(newSource) {
			out[id] = struct{}{}
		}
	}
	return out
}

// PatchClaim rewrites the new claim's sources to account for the plan's
// bidiff operations: their mime becomes the zstd-bidiff patch type and
// their URL points into the output directory.
func PatchClaim(plan *DiffPlan, c *claim.Claim) error {
	if len(plan.Ops) != len(c.Sources) {
		return fmt.Errorf("plan has %d operations but claim has %d sources", len(plan.Ops), len(c.Sources))
	}
	for _, op := range plan.Ops {
		if _, ok := c.Sources[string(op.ID)]; !ok {
			return fmt.Errorf("plan operation for %q has no claim source", op.ID)
		}
	}
	for _, op := range plan.Ops {
		if op.Kind != OpBidiff {
			continue
		}
		source := c.Sources[string(op.ID)]
		source.MimeType = claim.MimeZstdBidiff
		source.URL = claim.LocalOrRemote{Local: relativeOrSelf(op.OutPath)}
		c.Sources[string(op.ID)] = source
	}
	return nil
}

func relativeOrSelf(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Base(path)
	}
	return path
}

// Stat summarizes a plan for logs.
func (p *DiffPlan) Stat() (bidiffs, copies int) {
	for _, op := range p.Ops {
		if op.Kind == OpBidiff {
			bidiffs++
		} else {
			copies++
		}
	}
	return bidiffs, copies
}
