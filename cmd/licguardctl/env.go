package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"licguard/internal/config"
	"licguard/internal/devicekey"
	"licguard/internal/journal"
	"licguard/internal/logging"
	"licguard/internal/markers"
	"licguard/internal/metrics"
	"licguard/internal/secureclock"
	"licguard/internal/securestore"
	"licguard/internal/security"
)

// env is everything one command invocation needs, opened in dependency
// order: config, logger, device key, markers, metrics, journal, store, clock.
type env struct {
	cfg       *config.Config
	logger    *logging.Logger
	log       *slog.Logger
	deviceKey *devicekey.Key
	markers   markers.Store
	registry  *prometheus.Registry
	metrics   *metrics.Collector
	journal   *journal.Journal
	store     *securestore.Store
	clock     *secureclock.Clock
	namespace string
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootArgs.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if rootArgs.logLevel != "" {
		cfg.Logging.Level = rootArgs.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", securestore.ErrConfiguration, err)
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Component = ""
	lc.Format = format
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.Logging.FilePath
	lc.MaxSize = int64(cfg.Logging.MaxSizeMB)
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.MaxAge = cfg.Logging.MaxAgeDays
	lc.Compress = cfg.Logging.Compress
	if lc.Output == "stderr" {
		lc.Writer = cmd.ErrOrStderr()
	}
	return logging.New(lc)
}

// openEnv wires the full stack. The caller must Close the result.
func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("%w: %w", securestore.ErrUnavailable, err)
	}

	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: logging: %w", securestore.ErrConfiguration, err)
	}
	runLogger, _ := logger.WithRunID()
	cmdLogger := runLogger.WithComponent(cmd.CommandPath())
	cmd.SetContext(logging.NewContext(cmd.Context(), cmdLogger))
	e := &env{
		cfg:       cfg,
		logger:    logger,
		log:       cmdLogger.Logger,
		namespace: rootArgs.namespace,
	}
	if e.namespace == "" {
		e.namespace = cfg.ProjectID
	}
	if err := security.ValidateName(e.namespace); err != nil {
		e.Close()
		return nil, fmt.Errorf("%w: namespace: %w", securestore.ErrConfiguration, err)
	}

	if err := e.open(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *env) open() error {
	cfg := e.cfg

	sources, err := devicekey.ParseSources(cfg.DeviceKey.Sources, cfg.DeviceKey.SeedPath)
	if err != nil {
		return fmt.Errorf("%w: %w", securestore.ErrConfiguration, err)
	}
	e.deviceKey, err = devicekey.Derive(cfg.BundleID, sources...)
	if err != nil {
		return fmt.Errorf("%w: device key: %w", securestore.ErrUnavailable, err)
	}
	e.log.Debug("device key derived", "source", e.deviceKey.Source)

	kind, err := markers.ParseKind(cfg.Markers.Backend)
	if err != nil {
		return fmt.Errorf("%w: %w", securestore.ErrConfiguration, err)
	}
	e.markers, err = markers.Open(markers.Options{
		Backend:      kind,
		Dir:          cfg.Markers.Dir,
		DeviceKey:    e.deviceKey.Slice(),
		RegistryRoot: cfg.Markers.RegistryRoot,
		Logger:       e.log,
	})
	if err != nil {
		return fmt.Errorf("%w: markers: %w", securestore.ErrUnavailable, err)
	}

	e.registry = prometheus.NewRegistry()
	e.metrics, err = metrics.New(e.registry)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	e.metrics.SetMarkerBackend(string(e.markers.Kind()))

	storeOpts := []securestore.Option{
		securestore.WithLogger(e.log),
		securestore.WithMetrics(e.metrics),
	}
	clockOpts := []secureclock.Option{
		secureclock.WithLogger(e.log),
		secureclock.WithMetrics(e.metrics),
	}

	if cfg.Journal.Enabled {
		if err := e.openJournal(); err != nil {
			return err
		}
		if e.journal.IntegrityOK() {
			storeOpts = append(storeOpts, securestore.WithRecorder(e.journal))
			clockOpts = append(clockOpts, secureclock.WithRecorder(e.journal))
		}
	}

	e.store, err = securestore.New(cfg.Records.Dir, e.markers, storeOpts...)
	if err != nil {
		return err
	}

	if key := e.machineKey(); key != "" {
		e.clock, err = secureclock.New(e.store, key, clockOpts...)
		if err != nil {
			return err
		}
	}
	return nil
}

// openJournal keeps a compromised journal open read-only so it can still be
// listed; detections are then only logged.
func (e *env) openJournal() error {
	key, err := security.DeriveKeyWithLabel(e.deviceKey.Slice(), "journal", 32)
	if err != nil {
		return fmt.Errorf("journal key: %w", err)
	}
	defer security.Wipe(key)

	j, err := journal.Open(e.cfg.Journal.Path, key)
	switch {
	case errors.Is(err, journal.ErrCompromised) && j != nil:
		e.log.Error("tamper journal failed verification, detections will not be recorded",
			"path", e.cfg.Journal.Path, "error", err)
	case err != nil:
		return fmt.Errorf("%w: %w", securestore.ErrUnavailable, err)
	}
	e.journal = j
	return nil
}

func (e *env) machineKey() string {
	if rootArgs.machineKey != "" {
		return rootArgs.machineKey
	}
	return e.cfg.MachineKey()
}

func (e *env) requireMachineKey() (string, error) {
	key := e.machineKey()
	if key == "" {
		return "", fmt.Errorf("%w: machine key required (set %s or --machine-key)",
			securestore.ErrConfiguration, e.cfg.Records.MachineKeyEnv)
	}
	return key, nil
}

func (e *env) requireClock() (*secureclock.Clock, error) {
	if e.clock == nil {
		_, err := e.requireMachineKey()
		return nil, err
	}
	return e.clock, nil
}

// Close flushes metrics and releases everything openEnv acquired.
func (e *env) Close() {
	if e.registry != nil && e.cfg.Metrics.Enabled && e.cfg.Metrics.TextfilePath != "" {
		if err := metrics.WriteTextfile(e.cfg.Metrics.TextfilePath, e.registry); err != nil {
			e.log.Warn("write metrics textfile", "path", e.cfg.Metrics.TextfilePath, "error", err)
		}
	}
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			e.log.Warn("close journal", "error", err)
		}
	}
	if e.deviceKey != nil {
		e.deviceKey.Destroy()
	}
	if e.logger != nil {
		_ = e.logger.Sync()
		e.logger.Close()
	}
}
