package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LICGUARD_DATA_DIR", dir)

	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.DataDir != dir {
		t.Errorf("data dir = %s, want %s", cfg.DataDir, dir)
	}
	if cfg.Records.Dir != filepath.Join(dir, "records") {
		t.Errorf("records dir = %s", cfg.Records.Dir)
	}
	if cfg.Markers.Dir != filepath.Join(dir, "markers") {
		t.Errorf("markers dir = %s", cfg.Markers.Dir)
	}
	if cfg.Markers.Backend != "auto" {
		t.Errorf("backend = %s, want auto", cfg.Markers.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}

	t.Setenv("LICGUARD_CONFIG", "/etc/licguard.yaml")
	if got := ConfigPath(); got != "/etc/licguard.yaml" {
		t.Errorf("env override ignored: %s", got)
	}
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFormats(t *testing.T) {
	t.Setenv("LICGUARD_DATA_DIR", t.TempDir())

	cases := map[string]string{
		"config.toml": `
project_id = "proj-42"

[markers]
backend = "signedfile"

[logging]
level = "debug"
`,
		"config.yaml": `
project_id: proj-42
markers:
  backend: signedfile
logging:
  level: debug
`,
		"config.json": `{"project_id":"proj-42","markers":{"backend":"signedfile"},"logging":{"level":"debug"}}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, name, body))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.ProjectID != "proj-42" {
				t.Errorf("project_id = %s", cfg.ProjectID)
			}
			if cfg.Markers.Backend != "signedfile" {
				t.Errorf("backend = %s", cfg.Markers.Backend)
			}
			if cfg.Logging.Level != "debug" {
				t.Errorf("level = %s", cfg.Logging.Level)
			}
			// untouched sections keep defaults
			if !cfg.Journal.Enabled {
				t.Error("journal should stay enabled")
			}
			if err := cfg.Validate(); err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != Version {
		t.Errorf("version = %d", cfg.Version)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	if _, err := Load(writeConfig(t, "config.toml", "[[[ not toml")); err == nil {
		t.Error("expected decode error")
	}
}

func TestDataDirRebasesDefaultPaths(t *testing.T) {
	t.Setenv("LICGUARD_DATA_DIR", t.TempDir())
	custom := filepath.Join(t.TempDir(), "custom")

	cfg, err := Load(writeConfig(t, "config.toml", `
data_dir = "`+filepath.ToSlash(custom)+`"

[journal]
path = "/var/tmp/explicit.db"
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Records.Dir != filepath.Join(custom, "records") {
		t.Errorf("records dir not rebased: %s", cfg.Records.Dir)
	}
	if cfg.Markers.Dir != filepath.Join(custom, "markers") {
		t.Errorf("markers dir not rebased: %s", cfg.Markers.Dir)
	}
	if cfg.Journal.Path != "/var/tmp/explicit.db" {
		t.Errorf("explicit path was rebased: %s", cfg.Journal.Path)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LICGUARD_PROJECT_ID", "from-env")
	t.Setenv("LICGUARD_MARKER_BACKEND", "volatile")
	t.Setenv("LICGUARD_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "config.toml", `project_id = "from-file"`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProjectID != "from-env" {
		t.Errorf("project_id = %s, want from-env", cfg.ProjectID)
	}
	if cfg.Markers.Backend != "volatile" {
		t.Errorf("backend = %s", cfg.Markers.Backend)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %s", cfg.Logging.Level)
	}
}

func TestMachineKey(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("LICGUARD_MACHINE_KEY", "abc123")
	if got := cfg.MachineKey(); got != "abc123" {
		t.Errorf("MachineKey = %q", got)
	}
	cfg.Records.MachineKeyEnv = ""
	if got := cfg.MachineKey(); got != "" {
		t.Errorf("MachineKey with no env name = %q", got)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProjectID = "../escape"
	cfg.Markers.Backend = "carrier-pigeon"
	cfg.DeviceKey.Sources = []string{"seed", "tarot"}
	cfg.DeviceKey.SeedPath = ""
	cfg.Logging.Level = "loud"
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Error("validation errors should match ErrInvalidConfig")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	fields := make(map[string]bool)
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, want := range []string{
		"project_id",
		"markers.backend",
		"device_key.seed_path",
		"device_key.sources[1]",
		"logging.level",
		"logging.file_path",
	} {
		if !fields[want] {
			t.Errorf("missing validation error for %s (got %v)", want, verrs)
		}
	}
}

func TestValidateParentNotDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Records.Dir = filepath.Join(file, "records")
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "records.dir") {
		t.Errorf("expected records.dir error, got %v", err)
	}
}

func TestMigrateV1(t *testing.T) {
	t.Setenv("LICGUARD_DATA_DIR", t.TempDir())
	cfg, err := Load(writeConfig(t, "config.toml", `
version = 1

[markers]
backend = "file"

[device_key]
sources = ["hardware", "puf", "software"]
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != Version {
		t.Errorf("version = %d, want %d", cfg.Version, Version)
	}
	if cfg.Markers.Backend != "signedfile" {
		t.Errorf("backend = %s, want signedfile", cfg.Markers.Backend)
	}
	want := []string{"tpm", "seed"}
	if strings.Join(cfg.DeviceKey.Sources, ",") != strings.Join(want, ",") {
		t.Errorf("sources = %v, want %v", cfg.DeviceKey.Sources, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("migrated config should validate: %v", err)
	}
}

func TestSaveAndReload(t *testing.T) {
	t.Setenv("LICGUARD_DATA_DIR", t.TempDir())
	for _, name := range []string{"out.toml", "out.yaml", "out.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ProjectID = "saved"
			cfg.DeviceKey.Sources = []string{"seed"}

			path := filepath.Join(t.TempDir(), "nested", name)
			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got.ProjectID != "saved" || len(got.DeviceKey.Sources) != 1 {
				t.Errorf("round trip lost fields: %+v", got)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	t.Setenv("LICGUARD_DATA_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil || !created {
		t.Fatalf("first LoadOrCreate: created=%v err=%v", created, err)
	}
	_, created, err = LoadOrCreate(path)
	if err != nil || created {
		t.Fatalf("second LoadOrCreate: created=%v err=%v", created, err)
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.DeviceKey.Sources[0] = "changed"
	if cfg.DeviceKey.Sources[0] == "changed" {
		t.Error("Clone shares the sources slice")
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	cfg := defaultsFor(dir)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{cfg.Records.Dir, cfg.Markers.Dir} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", d, err)
		}
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	t.Setenv("LICGUARD_DATA_DIR", t.TempDir())
	path := writeConfig(t, "config.toml", `project_id = "before"`)

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	defer loader.Close()

	changed := make(chan string, 1)
	loader.OnChange(func(old, new *Config) {
		if old.ProjectID == "before" {
			changed <- new.ProjectID
		}
	})
	if err := loader.Watch(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(`project_id = "after"`), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changed:
		if got != "after" {
			t.Errorf("reloaded project_id = %s", got)
		}
	case err := <-loader.Errors():
		t.Fatalf("watch error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
	if loader.Config().ProjectID != "after" {
		t.Errorf("Config() not updated: %s", loader.Config().ProjectID)
	}
}

func TestLoaderKeepsConfigOnInvalidReload(t *testing.T) {
	t.Setenv("LICGUARD_DATA_DIR", t.TempDir())
	path := writeConfig(t, "config.toml", `project_id = "good"`)

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	defer loader.Close()
	if err := loader.Watch(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(`project_id = "../bad"`), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-loader.Errors():
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected validation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("invalid reload not reported")
	}
	if loader.Config().ProjectID != "good" {
		t.Errorf("invalid reload replaced config: %s", loader.Config().ProjectID)
	}
}
