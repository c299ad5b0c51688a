// Package status aggregates update progress and device state and pushes
// it to the backend, gated on the auth token and connectivity.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openorb/orbcore/backend-status/pkg/watch"
	"github.com/openorb/orbcore/pkg/status"
)

const (
	defaultInterval   = 60 * time.Second
	defaultMinBackoff = time.Second
	defaultMaxBackoff = time.Minute
)

type ReporterConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Client *http.Client

	// Endpoint receives the status document.
	Endpoint string
	// OrbID identifies this device to the backend.
	OrbID string

	// Token is the watched auth token; no sends happen while it is empty.
	Token *watch.Value[string]
	// Connected is the watched connectivity oracle output.
	Connected *watch.Value[bool]

	// Interval is the periodic send cadence.
	Interval time.Duration
	// MinBackoff and MaxBackoff bound the retry backoff on server errors.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (c *ReporterConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Client == nil {
		c.Client = http.DefaultClient
	}
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.Token == nil {
		return errors.New("token watch is required")
	}
	if c.Connected == nil {
		return errors.New("connectivity watch is required")
	}
	if c.Interval == 0 {
		c.Interval = defaultInterval
	}
	if c.MinBackoff == 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return nil
}

// statusDocument is the wire shape pushed to the backend.
type statusDocument struct {
	OrbID      string                   `json:"orb_id"`
	State      status.OverallState      `json:"state"`
	Components []status.ComponentStatus `json:"components"`
	Timestamp  time.Time                `json:"timestamp"`
}

// Reporter collects progress updates and sends them to the backend on a
// periodic tick, immediately on urgent transitions, and immediately when
// the token appears. Server errors back off exponentially within bounds;
// auth failures are never retried.
type Reporter struct {
	cfg ReporterConfig

	mu         sync.Mutex
	components map[string]status.ComponentStatus
	overall    status.OverallState
	urgent     bool

	urgentCh chan struct{}

	backoffCur   time.Duration
	backoffUntil time.Time
}

func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reporter{
		cfg:        cfg,
		components: map[string]status.ComponentStatus{},
		overall:    status.StateIdle,
		urgentCh:   make(chan struct{}, 1),
	}, nil
}

// UpdateProgress implements status.Reporter. A transition to rebooting or
// no-new-version is urgent: the backend should hear about it before the
// device goes away.
func (r *Reporter) UpdateProgress(component *status.ComponentStatus, state *status.OverallState) {
	r.mu.Lock()
	if component != nil {
		r.components[component.Name] = *component
	}
	if state != nil {
		r.overall = *state
		if *state == status.StateRebooting || *state == status.StateNoNewVersion {
			r.urgent = true
		}
	}
	urgent := r.urgent
	r.mu.Unlock()

	if urgent {
		select {
		case r.urgentCh <- struct{}{}:
		default:
		}
	}
}

// Run drives the send loop until the context ends, flushing once on the
// way out.
func (r *Reporter) Run(ctx context.Context) error {
	tokenSub := r.cfg.Token.Subscribe()
	connSub := r.cfg.Connected.Subscribe()
	ticker := r.cfg.Clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.cfg.Logger.Info("starting status send loop", "interval", r.cfg.Interval, "endpoint", r.cfg.Endpoint)
	for {
		select {
		case <-ctx.Done():
			r.trySend(context.WithoutCancel(ctx))
			return nil
		case <-ticker.Chan():
			r.trySend(ctx)
		case <-r.urgentCh:
			r.trySend(ctx)
		case token := <-tokenSub:
			// An appearing token triggers an immediate push.
			if token != "" {
				r.trySend(ctx)
			}
		case connected := <-connSub:
			if connected && r.pendingUrgent() {
				r.trySend(ctx)
			}
		}
	}
}

func (r *Reporter) pendingUrgent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.urgent
}

func (r *Reporter) trySend(ctx context.Context) {
	token := r.cfg.Token.Get()
	if token == "" {
		r.cfg.Logger.Debug("no auth token; not sending status")
		return
	}
	if !r.cfg.Connected.Get() {
		r.cfg.Logger.Debug("not connected; not sending status")
		return
	}
	if r.cfg.Clock.Now().Before(r.backoffUntil) {
		return
	}

	doc := r.snapshot()
	body, err := json.Marshal(doc)
	if err != nil {
		r.cfg.Logger.Error("failed serializing status document", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		r.cfg.Logger.Error("failed building status request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.cfg.Client.Do(req)
	if err != nil {
		r.cfg.Logger.Warn("status send failed", "error", err)
		r.scheduleBackoff()
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		r.mu.Lock()
		r.urgent = false
		r.mu.Unlock()
		r.backoffCur = 0
		r.backoffUntil = time.Time{}
		r.cfg.Logger.Debug("status sent", "state", doc.State)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Retrying with the same token cannot help; wait for a new one.
		r.cfg.Logger.Error("status send rejected by auth; not retrying", "status", resp.StatusCode)
		r.mu.Lock()
		r.urgent = false
		r.mu.Unlock()
	default:
		r.cfg.Logger.Warn("backend refused status", "status", resp.StatusCode)
		r.scheduleBackoff()
	}
}

func (r *Reporter) scheduleBackoff() {
	if r.backoffCur == 0 {
		r.backoffCur = r.cfg.MinBackoff
	} else {
		r.backoffCur = min(r.backoffCur*2, r.cfg.MaxBackoff)
	}
	r.backoffUntil = r.cfg.Clock.Now().Add(r.backoffCur)
	// A pending urgent send survives the backoff and fires on the next
	// opportunity.
	select {
	case r.urgentCh <- struct{}{}:
	default:
	}
}

func (r *Reporter) snapshot() statusDocument {
	r.mu.Lock()
	defer r.mu.Unlock()
	components := make([]status.ComponentStatus, 0, len(r.components))
	for _, c := range r.components {
		components = append(components, c)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	return statusDocument{
		OrbID:      r.cfg.OrbID,
		State:      r.overall,
		Components: components,
		Timestamp:  r.cfg.Clock.Now().UTC(),
	}
}

var _ status.Reporter = (*Reporter)(nil)

// String renders the reporter target for logs.
func (r *Reporter) String() string {
	return fmt.Sprintf("status-reporter(%s)", r.cfg.Endpoint)
}
