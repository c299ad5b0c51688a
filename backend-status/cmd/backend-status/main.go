// The backend-status daemon aggregates device state and update progress
// and pushes it to the backend, gated on the auth token and
// connectivity.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/openorb/orbcore/backend-status/internal/status"
	"github.com/openorb/orbcore/backend-status/pkg/watch"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	sockFile      = flag.String("sock-file", "/var/run/orb-backend-status/status.sock", "path to the local api unix socket")
	endpoint      = flag.String("endpoint", "", "backend status endpoint url")
	orbID         = flag.String("orb-id", "", "device identifier sent to the backend")
	tokenFile     = flag.String("token-file", "", "file holding the initial auth token; later tokens arrive on the local api")
	interval      = flag.Duration("interval", 60*time.Second, "periodic send interval")
	probeInterval = flag.Duration("probe-interval", 250*time.Millisecond, "connectivity probe interval")
	metricsAddr   = flag.String("metrics-addr", "", "prometheus metrics listen address; empty disables")
	verbose       = flag.BoolP("verbose", "v", false, "enable verbose logging")
	versionFlag   = flag.Bool("version", false, "print build version and exit")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()
	if *versionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}
	if *endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.RFC3339}))
	log.Info("starting backend-status", "version", version, "commit", commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token := watch.NewValue(readInitialToken(log, *tokenFile))
	oracle := status.NewConnectivityOracle(log, nil, *probeInterval, nil)

	reporter, err := status.NewReporter(status.ReporterConfig{
		Logger:    log,
		Endpoint:  *endpoint,
		OrbID:     *orbID,
		Token:     token,
		Connected: oracle.Value(),
		Interval:  *interval,
	})
	if err != nil {
		return err
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Error("failed serving prometheus metrics", "error", err)
			}
		}()
	}

	_ = os.Remove(*sockFile)
	lis, err := net.Listen("unix", *sockFile)
	if err != nil {
		return fmt.Errorf("failed creating listener: %w", err)
	}
	defer os.Remove(*sockFile)
	if err := os.Chmod(*sockFile, 0o666); err != nil {
		log.Error("failed setting socket file perms", "error", err)
	}

	service := status.NewService(log, reporter, token)

	errCh := make(chan error)
	go func() { oracle.Run(ctx); errCh <- nil }()
	go func() { errCh <- reporter.Run(ctx) }()
	go func() { errCh <- service.Serve(lis) }()

	select {
	case <-ctx.Done():
		log.Info("teardown: cleaning up and closing")
		lis.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

func readInitialToken(log *slog.Logger, path string) string {
	if path == "" {
		return ""
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		log.Warn("failed reading initial token file", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(contents))
}
