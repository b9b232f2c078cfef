// Package config handles configuration loading, validation, and management for licguard.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete licguard configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// DataDir is the base directory for records, markers and the journal.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// BundleID identifies the protected application. It salts the device key.
	BundleID string `toml:"bundle_id" json:"bundle_id" yaml:"bundle_id"`

	// ProjectID is the default record namespace.
	ProjectID string `toml:"project_id" json:"project_id" yaml:"project_id"`

	// Markers configures the tamper-evidence marker backend.
	Markers MarkersConfig `toml:"markers" json:"markers" yaml:"markers"`

	// Records configures the encrypted record store.
	Records RecordsConfig `toml:"records" json:"records" yaml:"records"`

	// Journal configures the tamper-event journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// DeviceKey configures device identifier sources.
	DeviceKey DeviceKeyConfig `toml:"device_key" json:"device_key" yaml:"device_key"`

	// Signature configures the trusted issuer key.
	Signature SignatureConfig `toml:"signature" json:"signature" yaml:"signature"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// MarkersConfig selects and places the marker backend.
type MarkersConfig struct {
	// Backend is "auto", "registry", "signedfile" or "volatile".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// RegistryRoot is the key path namespaces are created under.
	RegistryRoot string `toml:"registry_root" json:"registry_root" yaml:"registry_root"`

	// Dir holds signed marker files.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`
}

// RecordsConfig holds encrypted record configuration.
type RecordsConfig struct {
	// Dir holds <name>.dat record files.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// MachineKeyEnv names the environment variable carrying the machine key.
	MachineKeyEnv string `toml:"machine_key_env" json:"machine_key_env" yaml:"machine_key_env"`
}

// JournalConfig holds tamper journal configuration.
type JournalConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// DeviceKeyConfig holds device key derivation configuration.
type DeviceKeyConfig struct {
	// Sources is the ordered list of identifier sources: "tpm", "machine-id", "seed".
	Sources []string `toml:"sources" json:"sources" yaml:"sources"`

	// SeedPath is the random seed file used by the "seed" source.
	SeedPath string `toml:"seed_path" json:"seed_path" yaml:"seed_path"`
}

// SignatureConfig holds the issuer public key location.
type SignatureConfig struct {
	// PublicKeyPath is a raw, PEM, base64 or OpenSSH Ed25519 public key.
	PublicKeyPath string `toml:"public_key_path" json:"public_key_path" yaml:"public_key_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to gzip rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// TextfilePath, when set, receives a node_exporter textfile after each command.
	TextfilePath string `toml:"textfile_path" json:"textfile_path" yaml:"textfile_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := LicguardDir()
	return defaultsFor(dir)
}

func defaultsFor(dir string) *Config {
	return &Config{
		Version:   Version,
		DataDir:   dir,
		BundleID:  "com.example.licguard",
		ProjectID: "default",
		Markers: MarkersConfig{
			Backend:      "auto",
			RegistryRoot: `Software\licguard\Markers`,
			Dir:          filepath.Join(dir, "markers"),
		},
		Records: RecordsConfig{
			Dir:           filepath.Join(dir, "records"),
			MachineKeyEnv: "LICGUARD_MACHINE_KEY",
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(dir, "journal.db"),
		},
		DeviceKey: DeviceKeyConfig{
			Sources:  []string{"tpm", "machine-id", "seed"},
			SeedPath: filepath.Join(dir, "device_seed"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "licguard.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if v := os.Getenv("LICGUARD_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.Version < Version {
		if _, err := MigrateConfig(cfg); err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Records.Dir,
		c.Markers.Dir,
		filepath.Dir(c.DeviceKey.SeedPath),
	}
	if c.Journal.Enabled {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LicguardDir returns the base data directory.
// Uses platform-specific paths or the LICGUARD_DATA_DIR environment override.
func LicguardDir() string {
	if envDir := os.Getenv("LICGUARD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with LICGUARD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("LICGUARD_BUNDLE_ID"); v != "" {
		c.BundleID = v
	}
	if v := os.Getenv("LICGUARD_PROJECT_ID"); v != "" {
		c.ProjectID = v
	}

	if v := os.Getenv("LICGUARD_MARKER_BACKEND"); v != "" {
		c.Markers.Backend = v
	}
	if v := os.Getenv("LICGUARD_MARKER_DIR"); v != "" {
		c.Markers.Dir = v
	}
	if v := os.Getenv("LICGUARD_RECORDS_DIR"); v != "" {
		c.Records.Dir = v
	}
	if v := os.Getenv("LICGUARD_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("LICGUARD_SEED_PATH"); v != "" {
		c.DeviceKey.SeedPath = v
	}
	if v := os.Getenv("LICGUARD_PUBLIC_KEY_PATH"); v != "" {
		c.Signature.PublicKeyPath = v
	}

	if v := os.Getenv("LICGUARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LICGUARD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:   c.Version,
		DataDir:   c.DataDir,
		BundleID:  c.BundleID,
		ProjectID: c.ProjectID,
		Markers:   c.Markers,
		Records:   c.Records,
		Journal:   c.Journal,
		DeviceKey: c.DeviceKey,
		Signature: c.Signature,
		Logging:   c.Logging,
		Metrics:   c.Metrics,
	}
	clone.DeviceKey.Sources = append([]string{}, c.DeviceKey.Sources...)
	return clone
}

// MachineKey returns the machine key from the configured environment variable.
func (c *Config) MachineKey() string {
	c.mu.RLock()
	name := c.Records.MachineKeyEnv
	c.mu.RUnlock()
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// encodeTOML renders cfg with the TOML encoder.
func encodeTOML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
