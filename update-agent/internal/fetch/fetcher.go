// Package fetch downloads claim sources into the workspace with resumable
// 4 MiB range requests and supervisor-driven throttling.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openorb/orbcore/pkg/claim"
)

// ChunkSize is the fixed range-request size. Resume is only attempted when
// the partial file length is an exact multiple of it.
const ChunkSize = 4 * 1024 * 1024

// ThrottleOracle answers whether background downloads are currently
// allowed. The fetcher never stops on a negative answer, it only slows
// down.
type ThrottleOracle interface {
	BackgroundDownloadsAllowed() bool
}

// Progress receives monotonic integer-percent download progress.
type Progress interface {
	DownloadProgress(component string, percent int)
}

// SizeMismatchError reports that the remote's Content-Length disagrees
// with the size recorded in the claim. It is fatal: retrying cannot fix a
// claim that lies about its payload.
type SizeMismatchError struct {
	Name    string
	Claimed uint64
	Remote  uint64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("component %q had a size of %d in claim, but remote reported %d", e.Name, e.Claimed, e.Remote)
}

// StatusError reports a non-2xx response to a range request.
type StatusError struct {
	Range  string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request for range %q returned status %d, expected 200-299", e.Range, e.Status)
}

type Config struct {
	Logger   *slog.Logger
	Client   *http.Client
	Clock    clockwork.Clock
	Throttle ThrottleOracle // optional; nil leaves the delay unchanged
	Progress Progress       // optional

	// Delay is slept after each chunk while the orb is in use.
	Delay time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Fetcher struct {
	cfg Config
}

func New(cfg Config) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Fetcher{cfg: cfg}, nil
}

// Fetch ensures the source payload is present in dstDir under its unique
// name and returns its path. A file whose length already equals the
// claimed size is returned without any request; hash verification is the
// processor's job.
func (f *Fetcher) Fetch(ctx context.Context, source claim.Source, dstDir string) (string, error) {
	path := filepath.Join(dstDir, source.UniqueName())

	var existingLen *uint64
	switch info, err := os.Stat(path); {
	case err == nil:
		length := uint64(info.Size())
		if length == source.Size {
			f.cfg.Logger.Info("component with matching size from claim found on disk, skipping download", "component", source.Name)
			return path, nil
		}
		existingLen = &length
	case errors.Is(err, os.ErrNotExist):
	default:
		f.cfg.Logger.Warn("failed to query metadata of partial download", "path", path, "error", err)
	}

	if !source.URL.IsRemote() {
		return "", fmt.Errorf("source %q is local but not staged at %q", source.Name, path)
	}
	url := source.URL.Remote

	remoteLen, err := f.probeRemoteLength(ctx, url)
	if err != nil {
		return "", err
	}
	if remoteLen != source.Size {
		return "", &SizeMismatchError{Name: source.Name, Claimed: source.Size, Remote: remoteLen}
	}

	flags := os.O_CREATE | os.O_WRONLY
	var start uint64
	switch {
	case existingLen == nil:
		flags |= os.O_TRUNC
	case *existingLen > source.Size:
		f.cfg.Logger.Warn("length of file on disk exceeds Content-Length header; restarting download", "path", path)
		flags |= os.O_TRUNC
	case *existingLen%ChunkSize != 0:
		f.cfg.Logger.Warn("length of file on disk is not a multiple of the chunk size; restarting download", "path", path)
		flags |= os.O_TRUNC
	default:
		flags |= os.O_APPEND
		start = *existingLen
	}

	if start == 0 {
		f.cfg.Logger.Info("starting download", "component", source.Name, "path", path)
	} else {
		f.cfg.Logger.Info("resuming download", "component", source.Name, "path", path, "offset", start)
	}

	dst, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return "", fmt.Errorf("could not open write target %q: %w", path, err)
	}
	defer dst.Close()

	currentDelay := f.cfg.Delay
	allowedBefore := true
	remainingChunks := (remoteLen - start + ChunkSize - 1) / ChunkSize
	progressPercent := -1

	for chunk := uint64(0); start+chunk*ChunkSize < remoteLen; chunk++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("download of %q cancelled: %w", source.Name, err)
		}

		if percent := int(chunk * 100 / remainingChunks); percent != progressPercent {
			progressPercent = percent
			f.cfg.Logger.Info("downloading component", "component", source.Name, "percent", percent)
			if f.cfg.Progress != nil {
				f.cfg.Progress.DownloadProgress(source.Name, percent)
			}
		}

		currentDelay, allowedBefore = f.throttleDelay(currentDelay, allowedBefore)

		lo := start + chunk*ChunkSize
		hi := min(lo+ChunkSize-1, remoteLen-1)
		if err := f.fetchChunk(ctx, url, dst, path, lo, hi); err != nil {
			return "", err
		}

		if currentDelay > 0 {
			f.cfg.Clock.Sleep(currentDelay)
		}
	}

	if f.cfg.Progress != nil {
		f.cfg.Progress.DownloadProgress(source.Name, 100)
	}
	return path, nil
}

// probeRemoteLength issues a GET whose body is discarded and reads
// Content-Length. A GET instead of HEAD because pre-signed URLs bind the
// HTTP action into the signature.
func (f *Fetcher) probeRemoteLength(ctx context.Context, url string) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed building length probe request: %w", err)
	}
	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed sending the initial request to estimate component length: %w", err)
	}
	defer resp.Body.Close()

	header := resp.Header.Get("Content-Length")
	if header == "" {
		return 0, fmt.Errorf("response did not include content length header: %s", url)
	}
	length, err := strconv.ParseUint(header, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("response content length %q could not be parsed as integer: %w", header, err)
	}
	return length, nil
}

func (f *Fetcher) fetchChunk(ctx context.Context, url string, dst *os.File, path string, lo, hi uint64) error {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", lo, hi)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed building range request: %w", err)
	}
	req.Header.Set("Range", rangeHeader)

	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed requesting range %q: %w", rangeHeader, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Range: rangeHeader, Status: resp.StatusCode}
	}
	if _, err := io.Copy(dst, io.LimitReader(resp.Body, int64(hi-lo+1))); err != nil {
		return fmt.Errorf("failed copying retrieved chunk %q to target %q: %w", rangeHeader, path, err)
	}
	return nil
}

// throttleDelay consults the oracle and flips the inter-chunk delay
// between zero and the configured value. Oracle failures and absence leave
// the current delay unchanged.
func (f *Fetcher) throttleDelay(current time.Duration, allowedBefore bool) (time.Duration, bool) {
	if f.cfg.Throttle == nil {
		return current, allowedBefore
	}
	allowedNow := f.cfg.Throttle.BackgroundDownloadsAllowed()
	switch {
	case allowedNow && !allowedBefore:
		f.cfg.Logger.Info("orb no longer in use; stop throttling downloads")
	case !allowedNow && allowedBefore:
		f.cfg.Logger.Info("orb in use again; throttling downloads", "delay", f.cfg.Delay)
	}
	if allowedNow {
		return 0, allowedNow
	}
	return f.cfg.Delay, allowedNow
}
