package core

import "fmt"

// CurrentConfigVersion is the latest config schema version.
const CurrentConfigVersion = 1

// configMigration defines a single config migration step.
type configMigration struct {
	FromVersion int
	Migrate     func(raw map[string]any) error
}

// configMigrations transform a raw YAML map from FromVersion to FromVersion+1.
var configMigrations = []configMigration{
	{FromVersion: 0, Migrate: migrateV0toV1},
}

// MigrateConfig applies all pending migrations to a raw YAML config map.
// Returns the final version number and whether any migration was applied.
func MigrateConfig(raw map[string]any) (version int, migrated bool, err error) {
	switch v := raw["version"].(type) {
	case int:
		version = v
	case float64:
		version = int(v)
	}

	startVersion := version
	for _, m := range configMigrations {
		if m.FromVersion != version {
			continue
		}
		if err := m.Migrate(raw); err != nil {
			return version, version != startVersion,
				fmt.Errorf("migration v%d to v%d failed: %w", m.FromVersion, m.FromVersion+1, err)
		}
		version++
		raw["version"] = version
	}
	return version, version != startVersion, nil
}

// migrateV0toV1 moves the flat pre-release keys into their sections:
// tunnel_name and tunnel_config into tunnel, heartbeat into broker, and
// the captive_portal bool into notifications.captive_portal_alert.
func migrateV0toV1(raw map[string]any) error {
	moves := []struct{ from, section, to string }{
		{"tunnel_name", "tunnel", "name"},
		{"tunnel_config", "tunnel", "config_path"},
		{"heartbeat", "broker", "heartbeat_interval"},
		{"captive_portal", "notifications", "captive_portal_alert"},
	}
	for _, mv := range moves {
		v, ok := raw[mv.from]
		if !ok {
			continue
		}
		sec, err := section(raw, mv.section)
		if err != nil {
			return err
		}
		if _, exists := sec[mv.to]; !exists {
			sec[mv.to] = v
		}
		delete(raw, mv.from)
	}
	return nil
}

func section(raw map[string]any, name string) (map[string]any, error) {
	switch s := raw[name].(type) {
	case nil:
		m := map[string]any{}
		raw[name] = m
		return m, nil
	case map[string]any:
		return s, nil
	default:
		return nil, fmt.Errorf("%s is %T, want a mapping", name, s)
	}
}
