package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for tunable timings. Only the ordering of the stability thresholds
// matters for correctness: unstable must be shorter than no-signal.
const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultHeartbeatGrace    = 5 * time.Second
	DefaultStrikeCount       = 3

	DefaultConnectTimeout    = 30 * time.Second
	DefaultDisconnectTimeout = 15 * time.Second
	DefaultDialTimeout       = 3 * time.Second

	DefaultPollInterval      = 1 * time.Second
	DefaultStabilityGrace    = 15 * time.Second
	DefaultUnstableThreshold = 10 * time.Second
	DefaultNoSignalThreshold = 180 * time.Second
	DefaultSwitchDelay       = 1 * time.Second
	DefaultSwitchTimeout     = 30 * time.Second

	DefaultTunnelName     = "wgbroker0"
	DefaultRingCapacity   = 2048
	DefaultPortalProbeURL = "http://connectivitycheck.gstatic.com/generate_204"
)

// RingLogConfig locates the shared diagnostic ring buffer.
type RingLogConfig struct {
	Path     string `yaml:"path,omitempty"`
	Capacity int    `yaml:"capacity,omitempty"`
}

// BrokerConfig controls the elevated helper and its supervision.
type BrokerConfig struct {
	// HelperPath is the helper binary; empty means this executable.
	HelperPath        string   `yaml:"helper_path,omitempty"`
	// Elevate is prepended to the helper command line outside Windows,
	// e.g. ["sudo", "-n", "-C", "5"].
	Elevate           []string `yaml:"elevate,omitempty"`
	HeartbeatInterval string   `yaml:"heartbeat_interval,omitempty"`
	HeartbeatGrace    string   `yaml:"heartbeat_grace,omitempty"`
	StrikeCount       int      `yaml:"strike_count,omitempty"`
	PortalProbeURL    string   `yaml:"portal_probe_url,omitempty"`
}

// TunnelSettings describes the single managed WireGuard tunnel.
type TunnelSettings struct {
	Name              string `yaml:"name,omitempty"`
	ConfigPath        string `yaml:"config_path,omitempty"`
	ConnectTimeout    string `yaml:"connect_timeout,omitempty"`
	DisconnectTimeout string `yaml:"disconnect_timeout,omitempty"`
	DialTimeout       string `yaml:"dial_timeout,omitempty"`
}

// EngineConfig holds the polling and stability classification timings.
type EngineConfig struct {
	PollInterval      string `yaml:"poll_interval,omitempty"`
	StabilityGrace    string `yaml:"stability_grace,omitempty"`
	UnstableThreshold string `yaml:"unstable_threshold,omitempty"`
	NoSignalThreshold string `yaml:"no_signal_threshold,omitempty"`
	SwitchDelay       string `yaml:"switch_delay,omitempty"`
	SwitchTimeout     string `yaml:"switch_timeout,omitempty"`
}

// NotificationConfig holds user-facing notification preferences.
type NotificationConfig struct {
	Enabled            *bool `yaml:"enabled,omitempty"`
	CaptivePortalAlert *bool `yaml:"captive_portal_alert,omitempty"`
}

// DiagConfig controls the local diagnostics endpoint.
type DiagConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Address string `yaml:"address,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Version       int                `yaml:"version"`
	Logging       LogConfig          `yaml:"logging,omitempty"`
	RingLog       RingLogConfig      `yaml:"ringlog,omitempty"`
	Broker        BrokerConfig       `yaml:"broker,omitempty"`
	Tunnel        TunnelSettings     `yaml:"tunnel,omitempty"`
	Engine        EngineConfig       `yaml:"engine,omitempty"`
	Notifications NotificationConfig `yaml:"notifications,omitempty"`
	Diag          DiagConfig         `yaml:"diag,omitempty"`
}

// Timings is the parsed, validated form of all duration settings.
type Timings struct {
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	StrikeCount       int

	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	DialTimeout       time.Duration

	PollInterval      time.Duration
	StabilityGrace    time.Duration
	UnstableThreshold time.Duration
	NoSignalThreshold time.Duration
	SwitchDelay       time.Duration
	SwitchTimeout     time.Duration
}

// ParseDuration returns the parsed value of s, or def when s is empty,
// malformed or not positive.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// Timings resolves all duration strings against their defaults.
// Thresholds in the wrong order are reset to the defaults.
func (c Config) Timings() Timings {
	t := Timings{
		HeartbeatInterval: ParseDuration(c.Broker.HeartbeatInterval, DefaultHeartbeatInterval),
		HeartbeatGrace:    ParseDuration(c.Broker.HeartbeatGrace, DefaultHeartbeatGrace),
		StrikeCount:       c.Broker.StrikeCount,

		ConnectTimeout:    ParseDuration(c.Tunnel.ConnectTimeout, DefaultConnectTimeout),
		DisconnectTimeout: ParseDuration(c.Tunnel.DisconnectTimeout, DefaultDisconnectTimeout),
		DialTimeout:       ParseDuration(c.Tunnel.DialTimeout, DefaultDialTimeout),

		PollInterval:      ParseDuration(c.Engine.PollInterval, DefaultPollInterval),
		StabilityGrace:    ParseDuration(c.Engine.StabilityGrace, DefaultStabilityGrace),
		UnstableThreshold: ParseDuration(c.Engine.UnstableThreshold, DefaultUnstableThreshold),
		NoSignalThreshold: ParseDuration(c.Engine.NoSignalThreshold, DefaultNoSignalThreshold),
		SwitchDelay:       ParseDuration(c.Engine.SwitchDelay, DefaultSwitchDelay),
		SwitchTimeout:     ParseDuration(c.Engine.SwitchTimeout, DefaultSwitchTimeout),
	}
	if t.StrikeCount <= 0 {
		t.StrikeCount = DefaultStrikeCount
	}
	if t.UnstableThreshold >= t.NoSignalThreshold {
		Log.Warnf("Core", "unstable_threshold (%s) must be shorter than no_signal_threshold (%s), using defaults",
			t.UnstableThreshold, t.NoSignalThreshold)
		t.UnstableThreshold = DefaultUnstableThreshold
		t.NoSignalThreshold = DefaultNoSignalThreshold
	}
	return t
}

// TunnelName returns the configured tunnel name or the default.
func (c Config) TunnelName() string {
	if c.Tunnel.Name != "" {
		return c.Tunnel.Name
	}
	return DefaultTunnelName
}

// RingCapacity returns the configured ring-log capacity or the default.
func (c Config) RingCapacity() int {
	if c.RingLog.Capacity > 0 {
		return c.RingLog.Capacity
	}
	return DefaultRingCapacity
}

// NotificationsEnabled reports whether toasts are shown (default true).
func (c Config) NotificationsEnabled() bool {
	return c.Notifications.Enabled == nil || *c.Notifications.Enabled
}

// CaptivePortalAlert reports whether degraded stability triggers portal
// detection (default true).
func (c Config) CaptivePortalAlert() bool {
	return c.Notifications.CaptivePortalAlert == nil || *c.Notifications.CaptivePortalAlert
}

// PortalProbeURL returns the captive-portal probe URL or the default.
func (c Config) PortalProbeURL() string {
	if c.Broker.PortalProbeURL != "" {
		return c.Broker.PortalProbeURL
	}
	return DefaultPortalProbeURL
}

// ConfigManager handles loading and saving configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// defaultConfig returns an empty but valid configuration.
func defaultConfig() Config {
	return Config{Version: CurrentConfigVersion}
}

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	version, migrated, err := MigrateConfig(raw)
	if err != nil {
		return fmt.Errorf("[Core] %w", err)
	}
	if migrated {
		if data, err = yaml.Marshal(raw); err != nil {
			return fmt.Errorf("[Core] failed to re-encode migrated config: %w", err)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if migrated {
		Log.Infof("Core", "Config migrated to version %d", version)
		if err := cm.Save(); err != nil {
			Log.Warnf("Core", "Failed to save migrated config: %v", err)
		}
	}

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}

	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}

	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// SetCaptivePortalAlert toggles the captive-portal alert preference.
func (cm *ConfigManager) SetCaptivePortalAlert(enabled bool) {
	cm.mu.Lock()
	cm.config.Notifications.CaptivePortalAlert = &enabled
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
}
