package status

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openorb/orbcore/backend-status/pkg/watch"
)

const defaultProbeInterval = 250 * time.Millisecond

// ConnectivityOracle polls a probe at a few-hundred-millisecond cadence
// and publishes edges through a watched boolean.
type ConnectivityOracle struct {
	log      *slog.Logger
	clock    clockwork.Clock
	interval time.Duration
	probe    func(ctx context.Context) bool
	value    *watch.Value[bool]
}

// NewConnectivityOracle builds an oracle around probe. A nil probe dials
// 1.1.1.1:443 with a two-second timeout.
func NewConnectivityOracle(log *slog.Logger, clock clockwork.Clock, interval time.Duration, probe func(ctx context.Context) bool) *ConnectivityOracle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval == 0 {
		interval = defaultProbeInterval
	}
	if probe == nil {
		probe = defaultProbe
	}
	return &ConnectivityOracle{
		log:      log,
		clock:    clock,
		interval: interval,
		probe:    probe,
		value:    watch.NewValue(false),
	}
}

// Value exposes the watched connectivity boolean.
func (o *ConnectivityOracle) Value() *watch.Value[bool] { return o.value }

// Run polls until the context ends.
func (o *ConnectivityOracle) Run(ctx context.Context) {
	ticker := o.clock.NewTicker(o.interval)
	defer ticker.Stop()

	o.value.Set(o.probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			connected := o.probe(ctx)
			if connected != o.value.Get() {
				o.log.Info("connectivity changed", "connected", connected)
			}
			o.value.Set(connected)
		}
	}
}

func defaultProbe(ctx context.Context) bool {
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", "1.1.1.1:443")
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
