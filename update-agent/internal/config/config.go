// Package config loads the update agent's hierarchical settings: command
// line flags override environment variables with the ORB_UPDATE_AGENT_
// prefix, which override the JSON config file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"
)

const (
	// DefaultPath is the config file consulted when neither the flag nor
	// the environment names one.
	DefaultPath = "/etc/orb_update_agent.conf"
	// EnvPrefix prefixes every recognized environment variable.
	EnvPrefix = "ORB_UPDATE_AGENT_"
	// EnvConfig overrides the config file location.
	EnvConfig = EnvPrefix + "CONFIG"
)

// Duration marshals as a Go duration string in the JSON config file.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(v))
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// Settings is the update agent's runtime configuration.
type Settings struct {
	// Workspace holds claim staging state; Downloads holds fetched source
	// payloads.
	Workspace string `json:"workspace"`
	Downloads string `json:"downloads"`
	// Versions is the path of the legacy versions file; its `.map`
	// sibling holds the canonical version map.
	Versions string `json:"versions"`

	// ActiveSlot overrides the platform oracle ("A" or "B"); empty asks
	// the oracle at startup.
	ActiveSlot string `json:"active_slot"`

	NoUpdate           bool `json:"noupdate"`
	NoDbus             bool `json:"nodbus"`
	Recovery           bool `json:"recovery"`
	SkipVersionAsserts bool `json:"skip_version_asserts"`

	DownloadDelay Duration `json:"download_delay"`
	// ClaimURL is an http(s) URL or a local claim directory.
	ClaimURL string `json:"claim_url"`

	SupervisorSock string `json:"supervisor_sock"`
	StatusSock     string `json:"status_sock"`

	TokenFile string `json:"token_file"`

	Verbose bool `json:"verbose"`
}

func defaults() Settings {
	return Settings{
		Workspace:      "/var/lib/orb/updates",
		Downloads:      "/var/lib/orb/downloads",
		Versions:       "/usr/persistent/versions",
		DownloadDelay:  Duration(30 * time.Second),
		SupervisorSock: "/var/run/orb-supervisor/supervisor.sock",
		StatusSock:     "/var/run/orb-backend-status/status.sock",
	}
}

// Load resolves settings from args and environment. lookupEnv defaults to
// os.LookupEnv; tests inject their own.
func Load(args []string, lookupEnv func(string) (string, bool)) (*Settings, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	fs := flag.NewFlagSet("update-agent", flag.ContinueOnError)
	configFlag := fs.String("config", "", "path to config file")
	flagSettings := Settings{}
	fs.StringVar(&flagSettings.Workspace, "workspace", "", "claim workspace directory")
	fs.StringVar(&flagSettings.Downloads, "downloads", "", "download directory")
	fs.StringVar(&flagSettings.Versions, "versions", "", "path to the legacy versions file")
	fs.StringVar(&flagSettings.ActiveSlot, "active-slot", "", "override the active slot (A|B)")
	fs.BoolVar(&flagSettings.NoUpdate, "noupdate", false, "fetch and verify but do not install")
	fs.BoolVar(&flagSettings.NoDbus, "nodbus", false, "do not contact the supervisor or report progress")
	fs.BoolVar(&flagSettings.Recovery, "recovery", false, "recovery mode: install only recovery-phase components")
	fs.BoolVar(&flagSettings.SkipVersionAsserts, "skip-version-asserts", false, "skip claim version validation")
	downloadDelay := fs.Duration("download-delay", 0, "inter-chunk delay while the orb is in use")
	fs.StringVar(&flagSettings.ClaimURL, "claim-url", "", "claim url or local claim directory")
	fs.StringVar(&flagSettings.SupervisorSock, "supervisor-sock", "", "supervisor unix socket")
	fs.StringVar(&flagSettings.StatusSock, "status-sock", "", "backend-status unix socket")
	fs.StringVar(&flagSettings.TokenFile, "token-file", "", "file holding the backend auth token")
	fs.BoolVarP(&flagSettings.Verbose, "verbose", "v", false, "enable verbose logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	settings := defaults()

	configPath, explicit := configSource(*configFlag, lookupEnv)
	if contents, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(contents, &settings); err != nil {
			return nil, fmt.Errorf("failed parsing config file %q: %w", configPath, err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed reading config file %q: %w", configPath, err)
	}

	if err := applyEnv(&settings, lookupEnv); err != nil {
		return nil, err
	}

	applyFlag := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	applyFlag("workspace", func() { settings.Workspace = flagSettings.Workspace })
	applyFlag("downloads", func() { settings.Downloads = flagSettings.Downloads })
	applyFlag("versions", func() { settings.Versions = flagSettings.Versions })
	applyFlag("active-slot", func() { settings.ActiveSlot = flagSettings.ActiveSlot })
	applyFlag("noupdate", func() { settings.NoUpdate = flagSettings.NoUpdate })
	applyFlag("nodbus", func() { settings.NoDbus = flagSettings.NoDbus })
	applyFlag("recovery", func() { settings.Recovery = flagSettings.Recovery })
	applyFlag("skip-version-asserts", func() { settings.SkipVersionAsserts = flagSettings.SkipVersionAsserts })
	applyFlag("download-delay", func() { settings.DownloadDelay = Duration(*downloadDelay) })
	applyFlag("claim-url", func() { settings.ClaimURL = flagSettings.ClaimURL })
	applyFlag("supervisor-sock", func() { settings.SupervisorSock = flagSettings.SupervisorSock })
	applyFlag("status-sock", func() { settings.StatusSock = flagSettings.StatusSock })
	applyFlag("token-file", func() { settings.TokenFile = flagSettings.TokenFile })
	applyFlag("verbose", func() { settings.Verbose = flagSettings.Verbose })

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

func configSource(flagValue string, lookupEnv func(string) (string, bool)) (path string, explicit bool) {
	if flagValue != "" {
		return flagValue, true
	}
	if env, ok := lookupEnv(EnvConfig); ok && env != "" {
		return env, true
	}
	return DefaultPath, false
}

func applyEnv(settings *Settings, lookupEnv func(string) (string, bool)) error {
	stringVar := func(key string, dst *string) {
		if v, ok := lookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	boolVar := func(key string, dst *bool) error {
		v, ok := lookupEnv(EnvPrefix + key)
		if !ok {
			return nil
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean in %s%s: %w", EnvPrefix, key, err)
		}
		*dst = parsed
		return nil
	}

	stringVar("WORKSPACE", &settings.Workspace)
	stringVar("DOWNLOADS", &settings.Downloads)
	stringVar("VERSIONS", &settings.Versions)
	stringVar("ACTIVE_SLOT", &settings.ActiveSlot)
	stringVar("CLAIM_URL", &settings.ClaimURL)
	stringVar("SUPERVISOR_SOCK", &settings.SupervisorSock)
	stringVar("STATUS_SOCK", &settings.StatusSock)
	stringVar("TOKEN_FILE", &settings.TokenFile)
	for key, dst := range map[string]*bool{
		"NOUPDATE":             &settings.NoUpdate,
		"NODBUS":               &settings.NoDbus,
		"RECOVERY":             &settings.Recovery,
		"SKIP_VERSION_ASSERTS": &settings.SkipVersionAsserts,
		"VERBOSE":              &settings.Verbose,
	} {
		if err := boolVar(key, dst); err != nil {
			return err
		}
	}
	if v, ok := lookupEnv(EnvPrefix + "DOWNLOAD_DELAY"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration in %sDOWNLOAD_DELAY: %w", EnvPrefix, err)
		}
		settings.DownloadDelay = Duration(parsed)
	}
	return nil
}

func (s *Settings) Validate() error {
	if s.Workspace == "" {
		return errors.New("workspace is required")
	}
	if s.Downloads == "" {
		return errors.New("downloads is required")
	}
	if s.Versions == "" {
		return errors.New("versions is required")
	}
	if s.ClaimURL == "" {
		return errors.New("claim_url is required")
	}
	if s.ActiveSlot != "" && s.ActiveSlot != "A" && s.ActiveSlot != "B" &&
		s.ActiveSlot != "a" && s.ActiveSlot != "b" {
		return fmt.Errorf("invalid active_slot %q: expected A or B", s.ActiveSlot)
	}
	return nil
}

// VersionMapPath is the canonical sibling of the legacy versions file.
func (s *Settings) VersionMapPath() string {
	return s.Versions + ".map"
}
