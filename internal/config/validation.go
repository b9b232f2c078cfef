package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"licguard/internal/devicekey"
	"licguard/internal/markers"
	"licguard/internal/security"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets callers match any aggregate with errors.Is(err, ErrInvalidConfig).
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && len(e) > 0
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if c.DataDir == "" {
		errs = append(errs, *RequiredFieldError("data_dir"))
	}
	if strings.TrimSpace(c.BundleID) == "" {
		errs = append(errs, *RequiredFieldError("bundle_id"))
	}
	if err := security.ValidateName(c.ProjectID); err != nil {
		errs = append(errs, ValidationError{
			Field:   "project_id",
			Message: err.Error(),
		})
	}

	errs = append(errs, validateMarkers(&c.Markers)...)
	errs = append(errs, validateRecords(&c.Records)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validateDeviceKey(&c.DeviceKey)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateMarkers(m *MarkersConfig) ValidationErrors {
	var errs ValidationErrors

	kind, err := markers.ParseKind(m.Backend)
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "markers.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: auto, registry, signedfile, volatile)", m.Backend),
		})
	}

	if kind == markers.BackendSignedFile && m.Dir == "" {
		errs = append(errs, ValidationError{
			Field:   "markers.dir",
			Message: "marker directory is required for the signedfile backend",
		})
	}
	if kind == markers.BackendRegistry && strings.Trim(m.RegistryRoot, `\`) == "" {
		errs = append(errs, *RequiredFieldError("markers.registry_root"))
	}
	if m.Dir != "" {
		errs = append(errs, checkParentDir("markers.dir", m.Dir)...)
	}

	return errs
}

func validateRecords(r *RecordsConfig) ValidationErrors {
	var errs ValidationErrors

	if r.Dir == "" {
		errs = append(errs, *RequiredFieldError("records.dir"))
	} else {
		errs = append(errs, checkParentDir("records.dir", r.Dir)...)
	}
	if strings.ContainsAny(r.MachineKeyEnv, "= \t") {
		errs = append(errs, ValidationError{
			Field:   "records.machine_key_env",
			Message: "not a valid environment variable name",
		})
	}

	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	if !j.Enabled {
		return nil
	}
	if j.Path == "" {
		return ValidationErrors{{
			Field:   "journal.path",
			Message: "journal path is required when enabled",
		}}
	}
	return checkParentDir("journal.path", filepath.Dir(j.Path))
}

func validateDeviceKey(d *DeviceKeyConfig) ValidationErrors {
	var errs ValidationErrors

	if len(d.Sources) == 0 {
		errs = append(errs, ValidationError{
			Field:   "device_key.sources",
			Message: "at least one source is required",
		})
	}
	for i, name := range d.Sources {
		switch name {
		case devicekey.SourceTPM, devicekey.SourceMachineID:
		case devicekey.SourceSeed:
			if d.SeedPath == "" {
				errs = append(errs, ValidationError{
					Field:   "device_key.seed_path",
					Message: "seed path is required when the seed source is listed",
				})
			}
		default:
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("device_key.sources[%d]", i),
				Message: fmt.Sprintf("unknown source: %s (valid: tpm, machine-id, seed)", name),
			})
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

// checkParentDir reports a path whose nearest existing ancestor is not a
// directory. Directories that don't exist yet are fine; they are created.
func checkParentDir(field, path string) ValidationErrors {
	dir := expandPath(path)
	for dir != "" && dir != "." {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return ValidationErrors{{
					Field:   field,
					Message: fmt.Sprintf("path is not a directory: %s", dir),
				}}
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return ValidationErrors{{
				Field:   field,
				Message: fmt.Sprintf("cannot access directory: %v", err),
			}}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}
