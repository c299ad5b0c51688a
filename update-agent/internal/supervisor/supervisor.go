// Package supervisor is the client of the orb supervisor's local API: it
// asks for permission before installing and acts as the fetcher's
// throttle oracle.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// ErrPermissionDenied reports that the supervisor refused the update.
var ErrPermissionDenied = errors.New("supervisor denied update permission")

type Client struct {
	log  *slog.Logger
	http *http.Client

	mu          sync.Mutex
	lastAllowed bool
}

// New dials the supervisor's unix socket.
func New(log *slog.Logger, sockPath string) *Client {
	return &Client{
		log: log,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", sockPath)
				},
			},
		},
		// Until the supervisor says otherwise, downloads run unthrottled.
		lastAllowed: true,
	}
}

// RequestUpdatePermission synchronously asks the supervisor whether the
// installation may proceed.
func (c *Client) RequestUpdatePermission(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://supervisor/v1/update/permission", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed querying supervisor for update permission: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusForbidden:
		return ErrPermissionDenied
	default:
		return fmt.Errorf("supervisor answered update permission request with status %d", resp.StatusCode)
	}
}

// BackgroundDownloadsAllowed implements the fetcher's throttle oracle. A
// failed query leaves the previous answer in force, so a supervisor blip
// does not flip the download throttle.
func (c *Client) BackgroundDownloadsAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.http.Get("http://supervisor/v1/downloads/allowed")
	if err != nil {
		c.log.Warn("checking supervisor for download restrictions failed; leaving download delay unchanged", "error", err)
		return c.lastAllowed
	}
	defer resp.Body.Close()

	var body struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.log.Warn("failed decoding supervisor answer; leaving download delay unchanged", "error", err)
		return c.lastAllowed
	}
	c.lastAllowed = body.Allowed
	return body.Allowed
}
