package diffplan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alitto/pond/v2"
	"github.com/klauspost/compress/zstd"
)

// DiffFunc produces the patch at outPath that turns oldPath into
// newPath.
type DiffFunc func(oldPath, newPath, outPath string) error

// Executor runs a plan's operations on a worker pool.
type Executor struct {
	log     *slog.Logger
	workers int
	diff    DiffFunc
}

// NewExecutor builds an executor. A nil diff uses the zstd full-file
// patch producer.
func NewExecutor(log *slog.Logger, workers int, diff DiffFunc) *Executor {
	if workers <= 0 {
		workers = 4
	}
	if diff == nil {
		diff = ZstdFullPatch
	}
	return &Executor{log: log, workers: workers, diff: diff}
}

// Execute runs every operation; the first failure cancels the rest.
func (e *Executor) Execute(ctx context.Context, plan *DiffPlan) error {
	pool := pond.NewPool(e.workers, pond.WithContext(ctx))
	group := pool.NewTaskGroup()

	for _, op := range plan.Ops {
		op := op
		group.SubmitErr(func() error {
			switch op.Kind {
			case OpCopy:
				e.log.Info("copying component", "component", string(op.ID), "to", op.ToPath)
				return copyFile(op.FromPath, op.ToPath)
			case OpBidiff:
				e.log.Info("diffing component", "component", string(op.ID), "out", op.OutPath)
				if err := os.MkdirAll(filepath.Dir(op.OutPath), 0o755); err != nil {
					return err
				}
				return e.diff(op.OldPath, op.NewPath, op.OutPath)
			default:
				return fmt.Errorf("unknown operation kind %q", op.Kind)
			}
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("failed executing diff plan: %w", err)
	}
	pool.StopAndWait()
	return nil
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("failed opening %q: %w", from, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed opening %q: %w", to, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed copying %q to %q: %w", from, to, err)
	}
	return dst.Sync()
}

// ZstdFullPatch emits a full-file patch: the new payload, zstd
// compressed. It is the baseline producer; a block-level differ can be
// swapped in without touching the plan.
func ZstdFullPatch(oldPath, newPath, outPath string) error {
	src, err := os.Open(newPath)
	if err != nil {
		return fmt.Errorf("failed opening %q: %w", newPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed opening %q: %w", outPath, err)
	}
	defer dst.Close()

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		return fmt.Errorf("failed compressing %q: %w", newPath, err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return dst.Sync()
}
