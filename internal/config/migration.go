package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"licguard/internal/security"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Changes     []string
	Warnings    []string
}

// MigrateConfig upgrades cfg in place to the current version.
func MigrateConfig(cfg *Config) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 0, 1:
		changes, warnings = migrateV1ToV2(cfg)
		cfg.Version = 2
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}
	return changes, warnings, nil
}

// legacyBackends maps v1 backend names to their current form.
var legacyBackends = map[string]string{
	"file":     "signedfile",
	"signed":   "signedfile",
	"memory":   "volatile",
	"none":     "volatile",
	"keychain": "registry",
	"hive":     "registry",
}

// legacySources maps v1 device identifier source names.
var legacySources = map[string]string{
	"puf":       "seed",
	"software":  "seed",
	"machineid": "machine-id",
	"hardware":  "tpm",
}

// migrateV1ToV2 renames v1 backend and device key source names.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	if v, ok := legacyBackends[strings.ToLower(cfg.Markers.Backend)]; ok {
		changes = append(changes, fmt.Sprintf("markers.backend: %s -> %s", cfg.Markers.Backend, v))
		cfg.Markers.Backend = v
	}

	seen := make(map[string]bool)
	var sources []string
	for _, s := range cfg.DeviceKey.Sources {
		name := strings.ToLower(s)
		if v, ok := legacySources[name]; ok {
			changes = append(changes, fmt.Sprintf("device_key.sources: %s -> %s", s, v))
			name = v
		}
		if seen[name] {
			warnings = append(warnings, fmt.Sprintf("device_key.sources: dropped duplicate %s", name))
			continue
		}
		seen[name] = true
		sources = append(sources, name)
	}
	cfg.DeviceKey.Sources = sources

	return changes, warnings
}

// SaveConfig writes the configuration with owner-only permissions. The
// format follows the file extension and defaults to TOML.
func SaveConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)

	cfg.mu.RLock()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = encodeTOML(cfg)
	}
	cfg.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := security.WriteSecretFile(path, data); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
