package claim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v5"
)

// ErrNoNewVersion is returned when the remote reports the device is
// already current (HTTP 204). Callers treat it as success with state.
var ErrNoNewVersion = errors.New("no new version available")

// maxClaimBytes bounds the claim response body; a claim is a small JSON
// document and anything larger is a server fault.
const maxClaimBytes = 1 << 20

// FetchRemote downloads and parses a claim from url. The bearer token may
// be empty, in which case the request carries no Authorization header.
// Transient transport failures are retried with exponential backoff; a 204
// response surfaces as ErrNoNewVersion.
func FetchRemote(ctx context.Context, client *http.Client, url, token string) (*Claim, error) {
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil, backoff.Permanent(ErrNoNewVersion)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, backoff.Permanent(fmt.Errorf("claim request rejected with status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return nil, fmt.Errorf("claim request returned status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxClaimBytes))
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		if errors.Is(err, ErrNoNewVersion) {
			return nil, ErrNoNewVersion
		}
		return nil, fmt.Errorf("failed fetching remote claim: %w", err)
	}
	return Parse(body)
}
