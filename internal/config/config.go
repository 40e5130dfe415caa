// Package config manages zino daemon configuration.
//
// The main configuration file is TOML, loaded with koanf/v2 and overridable
// through ZINO_-prefixed environment variables. The two legacy file formats
// that accompany it, the polldevs.cf device list and the line-oriented
// secrets file, have their own parsers in this package.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete zino daemon configuration.
type Config struct {
	Archiving      ArchivingConfig      `koanf:"archiving"`
	Authentication AuthenticationConfig `koanf:"authentication"`
	Persistence    PersistenceConfig    `koanf:"persistence"`
	Polling        PollingConfig        `koanf:"polling"`
	SNMP           SNMPConfig           `koanf:"snmp"`
	Scheduler      SchedulerConfig      `koanf:"scheduler"`
	Flapping       FlappingConfig       `koanf:"flapping"`
	Event          EventConfig          `koanf:"event"`
	Server         ServerConfig         `koanf:"server"`
	Metrics        MetricsConfig        `koanf:"metrics"`
	Log            LogConfig            `koanf:"log"`
	Process        ProcessConfig        `koanf:"process"`
}

// ArchivingConfig controls where expired closed events are dumped.
type ArchivingConfig struct {
	// OldEventsDir is the root of the date-sharded event archive.
	OldEventsDir string `koanf:"old_events_dir"`
}

// AuthenticationConfig points at the legacy secrets file.
type AuthenticationConfig struct {
	// File is the path to the `user password` secrets file.
	File string `koanf:"file"`
}

// PersistenceConfig controls the periodic state snapshot.
type PersistenceConfig struct {
	// File is the path of the JSON state snapshot.
	File string `koanf:"file"`
	// Period is the interval between snapshots, in minutes.
	Period int `koanf:"period"`
}

// PollingConfig points at the pollfile and controls its reload check.
type PollingConfig struct {
	// File is the path to polldevs.cf.
	File string `koanf:"file"`
	// Period is the pollfile modification check interval, in minutes.
	Period int `koanf:"period"`
}

// TrapConfig holds trap reception settings.
type TrapConfig struct {
	// Port is the UDP port the trap receiver binds to.
	Port int `koanf:"port"`
	// RequireCommunity lists accepted trap community strings. An empty
	// list accepts any community.
	RequireCommunity []string `koanf:"require_community"`
}

// AgentConfig holds the uptime SNMP agent settings. Legacy clients query
// this agent's sysUpTime to detect master failover.
type AgentConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Address   string `koanf:"address"`
	Port      int    `koanf:"port"`
	Community string `koanf:"community"`
}

// SNMPConfig holds SNMP transport settings.
type SNMPConfig struct {
	// Backend names the SNMP transport implementation. Only "gosnmp" is
	// currently recognized; the knob is kept for config compatibility.
	Backend string      `koanf:"backend"`
	Trap    TrapConfig  `koanf:"trap"`
	Agent   AgentConfig `koanf:"agent"`
}

// SchedulerConfig holds polling scheduler settings.
type SchedulerConfig struct {
	// MisfireGraceTime bounds how late a job run may start before the
	// run is skipped, in seconds.
	MisfireGraceTime int `koanf:"misfire_grace_time"`
}

// FlappingConfig holds link flap detection thresholds.
type FlappingConfig struct {
	// Window is the sliding window over which link transitions count
	// toward a flapping verdict.
	Window time.Duration `koanf:"window"`
	// ThresholdHigh is the transition count at which a port is declared
	// flapping.
	ThresholdHigh int `koanf:"threshold_high"`
	// ThresholdLow is the count under which a port may return to stable.
	ThresholdLow int `koanf:"threshold_low"`
	// StabilizeTime is how long a port must hold its state before a
	// flapping verdict is withdrawn.
	StabilizeTime time.Duration `koanf:"stabilize_time"`
}

// EventConfig controls how events are created.
type EventConfig struct {
	// MakeEventsForNewInterfaces creates portstate events for interfaces
	// seen for the first time in a down state. Off by default: a freshly
	// discovered interface is not an incident.
	MakeEventsForNewInterfaces bool `koanf:"make_events_for_new_interfaces"`
}

// ServerConfig holds the legacy API listen addresses.
type ServerConfig struct {
	// APIAddr is the command channel listen address (legacy port 8001).
	APIAddr string `koanf:"api_addr"`
	// NotifyAddr is the notify channel listen address (legacy port 8002).
	NotifyAddr string `koanf:"notify_addr"`
	// NotifyQueueSize bounds the per-session notify backlog. Overflow
	// drops the oldest message and injects a "scavenged" marker.
	NotifyQueueSize int `koanf:"notify_queue_size"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint. Empty
	// disables the endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// ProcessConfig holds process management settings.
type ProcessConfig struct {
	// User is the account to drop privileges to when started as root.
	User string `koanf:"user"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the legacy defaults: state
// snapshots every five minutes, pollfile checks every minute, traps on the
// standard port 162 and the API servers on the classic 8001/8002 pair.
func DefaultConfig() *Config {
	return &Config{
		Archiving: ArchivingConfig{
			OldEventsDir: "old-events",
		},
		Authentication: AuthenticationConfig{
			File: "secrets",
		},
		Persistence: PersistenceConfig{
			File:   "zino-state.json",
			Period: 5,
		},
		Polling: PollingConfig{
			File:   "polldevs.cf",
			Period: 1,
		},
		SNMP: SNMPConfig{
			Backend: "gosnmp",
			Trap: TrapConfig{
				Port:             162,
				RequireCommunity: []string{"public"},
			},
			Agent: AgentConfig{
				Enabled:   false,
				Address:   "0.0.0.0",
				Port:      8000,
				Community: "public",
			},
		},
		Scheduler: SchedulerConfig{
			MisfireGraceTime: 60,
		},
		Flapping: FlappingConfig{
			Window:        5 * time.Minute,
			ThresholdHigh: 3,
			ThresholdLow:  1,
			StabilizeTime: 2 * time.Minute,
		},
		Server: ServerConfig{
			APIAddr:         "127.0.0.1:8001",
			NotifyAddr:      "127.0.0.1:8002",
			NotifyQueueSize: 512,
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for zino configuration.
// Variables are named ZINO_<section>_<key>, e.g., ZINO_PERSISTENCE_FILE.
const envPrefix = "ZINO_"

// Validation errors.
var (
	ErrUnknownBackend  = errors.New("unknown snmp backend")
	ErrBadPeriod       = errors.New("period must be positive")
	ErrBadFlapConfig   = errors.New("flapping thresholds must satisfy 0 < low <= high")
	ErrBadLogLevel     = errors.New("unknown log level")
	ErrBadLogFormat    = errors.New("log format must be json or text")
	ErrMissingPollfile = errors.New("no pollfile configured")
)

// Load reads configuration from a TOML file at path, overlays environment
// variable overrides (ZINO_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// ZINO_PERSISTENCE_FILE -> persistence.file (strip prefix, lowercase,
	// single _ separates section from key).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKeyMapper converts ZINO_SECTION_KEY to section.key. Only the first
// underscore separates section from key; the rest belong to the key itself
// (e.g. ZINO_ARCHIVING_OLD_EVENTS_DIR -> archiving.old_events_dir).
func envKeyMapper(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	return strings.Replace(key, "_", ".", 1)
}

// Validate checks semantic constraints that the TOML schema cannot express.
func (c *Config) Validate() error {
	if c.SNMP.Backend != "gosnmp" {
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.SNMP.Backend)
	}
	if c.Persistence.Period <= 0 {
		return fmt.Errorf("persistence.period: %w", ErrBadPeriod)
	}
	if c.Polling.Period <= 0 {
		return fmt.Errorf("polling.period: %w", ErrBadPeriod)
	}
	if c.Polling.File == "" {
		return ErrMissingPollfile
	}
	f := c.Flapping
	if f.ThresholdLow <= 0 || f.ThresholdLow > f.ThresholdHigh {
		return ErrBadFlapConfig
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: %q", ErrBadLogFormat, c.Log.Format)
	}
	return nil
}

// -------------------------------------------------------------------------
// Logging helpers
// -------------------------------------------------------------------------

// ParseLogLevel converts a config level string to a slog.Level. Unknown
// values fall back to info; Validate has already rejected them for file
// loads, so the fallback only matters for programmatic use.
func ParseLogLevel(level string) slog.Level {
	l, err := parseLevel(level)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrBadLogLevel, level)
	}
}
