// Package client is the update agent's handle on the backend-status
// daemon: progress events are posted to its local unix socket and pushed
// to the backend from there.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/openorb/orbcore/pkg/status"
)

type Client struct {
	log  *slog.Logger
	http *http.Client
}

// New dials the backend-status daemon's unix socket.
func New(log *slog.Logger, sockPath string) *Client {
	return &Client{
		log: log,
		http: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", sockPath)
				},
			},
		},
	}
}

// UpdateProgress implements status.Reporter over the local socket. Send
// failures are logged and dropped: progress reporting never blocks an
// update.
func (c *Client) UpdateProgress(component *status.ComponentStatus, state *status.OverallState) {
	body, err := json.Marshal(status.Update{Component: component, State: state})
	if err != nil {
		c.log.Warn("failed serializing progress update", "error", err)
		return
	}
	resp, err := c.http.Post("http://backend-status/v1/progress", "application/json", bytes.NewReader(body))
	if err != nil {
		c.log.Warn("failed posting progress update", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("backend-status refused progress update", "status", resp.StatusCode)
	}
}

var _ status.Reporter = (*Client)(nil)

// SetToken hands the current auth token to the daemon; used by the token
// receiver glue.
func (c *Client) SetToken(token string) error {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return err
	}
	resp, err := c.http.Post("http://backend-status/v1/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed posting token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend-status refused token with status %d", resp.StatusCode)
	}
	return nil
}
