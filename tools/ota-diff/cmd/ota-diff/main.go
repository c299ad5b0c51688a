// ota-diff turns two full OTA directories into a differential one:
// squashfs components present on both sides become zstd-compressed
// patches, everything else is copied, and the claim is rewritten to
// match.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/openorb/orbcore/pkg/claim"
	"github.com/openorb/orbcore/tools/ota-diff/pkg/diffplan"
)

var (
	workers = flag.Int("workers", 4, "number of concurrent plan operations")
	verbose = flag.BoolP("verbose", "v", false, "enable verbose logging")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()
	if flag.NArg() != 3 {
		return fmt.Errorf("usage: ota-diff [flags] <old-ota-dir> <new-ota-dir> <out-dir>")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.RFC3339}))

	oldDir, _, err := diffplan.NewOtaDir(flag.Arg(0))
	if err != nil {
		return err
	}
	newDir, newClaim, err := diffplan.NewOtaDir(flag.Arg(1))
	if err != nil {
		return err
	}
	outDir := flag.Arg(2)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	plan := diffplan.NewDiffPlan(oldDir, newDir, diffplan.OutDir(outDir))
	bidiffs, copies := plan.Stat()
	log.Info("computed diff plan", "bidiffs", bidiffs, "copies", copies)

	executor := diffplan.NewExecutor(log, *workers, nil)
	if err := executor.Execute(context.Background(), plan); err != nil {
		return err
	}

	if err := diffplan.PatchClaim(plan, newClaim); err != nil {
		return fmt.Errorf("failed patching claim: %w", err)
	}
	contents, err := json.Marshal(newClaim)
	if err != nil {
		return fmt.Errorf("failed serializing patched claim: %w", err)
	}
	claimPath := filepath.Join(outDir, claim.ClaimFileName)
	if err := os.WriteFile(claimPath, contents, 0o644); err != nil {
		return fmt.Errorf("failed writing patched claim: %w", err)
	}
	log.Info("wrote differential ota", "claim", claimPath)
	return nil
}
