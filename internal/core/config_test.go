package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTimingsDefaults(t *testing.T) {
	tm := Config{}.Timings()
	if tm.HeartbeatInterval != DefaultHeartbeatInterval || tm.StrikeCount != DefaultStrikeCount {
		t.Errorf("heartbeat = %s/%d", tm.HeartbeatInterval, tm.StrikeCount)
	}
	if tm.UnstableThreshold != DefaultUnstableThreshold || tm.NoSignalThreshold != DefaultNoSignalThreshold {
		t.Errorf("thresholds = %s/%s", tm.UnstableThreshold, tm.NoSignalThreshold)
	}
}

func TestTimingsOverridesAndFallbacks(t *testing.T) {
	var c Config
	c.Engine.PollInterval = "250ms"
	c.Broker.HeartbeatGrace = "garbage"
	c.Tunnel.DialTimeout = "-1s"
	tm := c.Timings()
	if tm.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %s", tm.PollInterval)
	}
	if tm.HeartbeatGrace != DefaultHeartbeatGrace {
		t.Errorf("malformed grace = %s, want default", tm.HeartbeatGrace)
	}
	if tm.DialTimeout != DefaultDialTimeout {
		t.Errorf("negative dial timeout = %s, want default", tm.DialTimeout)
	}
}

func TestTimingsRejectInvertedThresholds(t *testing.T) {
	var c Config
	c.Engine.UnstableThreshold = "5m"
	c.Engine.NoSignalThreshold = "1m"
	tm := c.Timings()
	if tm.UnstableThreshold != DefaultUnstableThreshold || tm.NoSignalThreshold != DefaultNoSignalThreshold {
		t.Errorf("thresholds = %s/%s, want defaults", tm.UnstableThreshold, tm.NoSignalThreshold)
	}
}

func TestBoolDefaults(t *testing.T) {
	var c Config
	if !c.NotificationsEnabled() || !c.CaptivePortalAlert() {
		t.Fatal("notifications and captive alert default to on")
	}
	off := false
	c.Notifications.CaptivePortalAlert = &off
	if c.CaptivePortalAlert() {
		t.Error("explicit false ignored")
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	cm := NewConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if v := cm.Get().Version; v != CurrentConfigVersion {
		t.Errorf("Version = %d", v)
	}
}

func TestLoadMigratesFlatKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	legacy := "tunnel_name: office\ncaptive_portal: false\nheartbeat: 4s\ntunnel:\n  dial_timeout: 2s\n"
	if err := os.WriteFile(path, []byte(legacy), 0644); err != nil {
		t.Fatal(err)
	}

	cm := NewConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		t.Fatal(err)
	}
	cfg := cm.Get()
	if cfg.TunnelName() != "office" || cfg.Tunnel.DialTimeout != "2s" {
		t.Errorf("tunnel = %+v", cfg.Tunnel)
	}
	if cfg.CaptivePortalAlert() {
		t.Error("captive_portal: false not carried over")
	}
	if cfg.Timings().HeartbeatInterval != 4*time.Second {
		t.Errorf("heartbeat = %s", cfg.Timings().HeartbeatInterval)
	}
	if cfg.Version != CurrentConfigVersion {
		t.Errorf("Version = %d", cfg.Version)
	}

	reloaded := NewConfigManager(path, nil)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if reloaded.Get().TunnelName() != "office" {
		t.Error("migrated config was not saved")
	}
}

func TestMigrateRejectsBadSection(t *testing.T) {
	raw := map[string]any{"tunnel_name": "x", "tunnel": "oops"}
	if _, _, err := MigrateConfig(raw); err == nil {
		t.Fatal("expected error for non-mapping section")
	}
}

func TestSetCaptivePortalAlertPublishes(t *testing.T) {
	bus := NewEventBus()
	got := 0
	bus.Subscribe(EventConfigReloaded, func(Event) { got++ })
	cm := NewConfigManager(filepath.Join(t.TempDir(), "cfg.yaml"), bus)
	cm.SetCaptivePortalAlert(false)
	if got != 1 || cm.Get().CaptivePortalAlert() {
		t.Errorf("events = %d, alert = %v", got, cm.Get().CaptivePortalAlert())
	}
}
