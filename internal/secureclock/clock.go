// Package secureclock provides a rollback-resistant notion of "now".
//
// The latest trusted instant (the watermark) is kept as an encrypted,
// marker-protected record. When the system clock reads earlier than the
// watermark the clock is rolled back: the watermark is returned unchanged
// and is not moved backwards.
package secureclock

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"licguard/internal/metrics"
	"licguard/internal/securestore"
)

// WatermarkRecord is the record name the watermark is stored under, once
// per namespace.
const WatermarkRecord = "secure_clock_watermark"

// TamperKindRollback is reported to the recorder on rollback.
const TamperKindRollback = "clock-rollback"

// Errors
var (
	// ErrUntrustedWatermark wraps a watermark that is tampered, corrupt or
	// unparseable. Whether to trust time at all is the caller's decision.
	ErrUntrustedWatermark = errors.New("secureclock: watermark is untrusted")

	// ErrWatermarkNotSaved accompanies a valid time whose watermark could not
	// be persisted.
	ErrWatermarkNotSaved = errors.New("secureclock: watermark not saved")

	// ErrConfiguration is returned for a missing store or machine key.
	ErrConfiguration = errors.New("secureclock: invalid configuration")
)

// Storage is the subset of securestore.Store the clock needs.
type Storage interface {
	Save(name, plaintext, machineKey, namespace string) error
	Load(name, machineKey, namespace string) (string, error)
}

// State is the per-namespace clock state.
type State int

const (
	// Trusted: the system clock is at or after the watermark.
	Trusted State = iota
	// RolledBack: the system clock is behind the watermark.
	RolledBack
)

func (s State) String() string {
	switch s {
	case Trusted:
		return "trusted"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Clock is a watermark-backed clock.
type Clock struct {
	store      Storage
	machineKey string
	now        func() time.Time
	logger     *slog.Logger
	recorder   securestore.TamperRecorder
	metrics    *metrics.Collector
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow replaces the system clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(c *Clock) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecorder reports rollbacks to r.
func WithRecorder(r securestore.TamperRecorder) Option {
	return func(c *Clock) { c.recorder = r }
}

// WithMetrics counts rollbacks in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Clock) { c.metrics = m }
}

// New creates a clock whose watermark is encrypted under machineKey.
func New(store Storage, machineKey string, opts ...Option) (*Clock, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: storage required", ErrConfiguration)
	}
	if machineKey == "" {
		return nil, fmt.Errorf("%w: empty machine key", ErrConfiguration)
	}
	c := &Clock{
		store:      store,
		machineKey: machineKey,
		now:        time.Now,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetEffectiveTime returns the later of the system clock and the
// watermark. When the system clock is ahead it becomes the new watermark;
// if that save fails the system time is still returned, together with an
// error matching ErrWatermarkNotSaved.
func (c *Clock) GetEffectiveTime(namespace string) (time.Time, error) {
	now := c.systemNow()

	w, ok, err := c.watermark(namespace)
	if err != nil {
		return time.Time{}, err
	}

	if ok && now.Before(w) {
		c.rolledBack(namespace, now, w)
		return w, nil
	}

	if err := c.store.Save(WatermarkRecord, encode(now), c.machineKey, namespace); err != nil {
		c.logger.Error("save watermark failed", "namespace", namespace, "error", err)
		return now, fmt.Errorf("%w: %w", ErrWatermarkNotSaved, err)
	}
	return now, nil
}

// IsTampered reports whether the system clock is behind the watermark. It
// has no side effects. An absent watermark is not tampered.
func (c *Clock) IsTampered(namespace string) (bool, error) {
	w, ok, err := c.watermark(namespace)
	if err != nil {
		return false, err
	}
	return ok && c.systemNow().Before(w), nil
}

// State returns the clock state for namespace. A rollback is reported to
// the recorder and metrics once per call.
func (c *Clock) State(namespace string) (State, error) {
	now := c.systemNow()
	w, ok, err := c.watermark(namespace)
	if err != nil {
		return Trusted, err
	}
	if ok && now.Before(w) {
		c.rolledBack(namespace, now, w)
		return RolledBack, nil
	}
	return Trusted, nil
}

// Watermark returns the stored watermark and whether one exists.
func (c *Clock) Watermark(namespace string) (time.Time, bool, error) {
	return c.watermark(namespace)
}

func (c *Clock) watermark(namespace string) (time.Time, bool, error) {
	raw, err := c.store.Load(WatermarkRecord, c.machineKey, namespace)
	switch securestore.Classify(err) {
	case securestore.OutcomeOK:
	case securestore.OutcomeAbsent:
		return time.Time{}, false, nil
	case securestore.OutcomeTampered, securestore.OutcomeCorrupted:
		return time.Time{}, false, fmt.Errorf("%w: %w", ErrUntrustedWatermark, err)
	default:
		return time.Time{}, false, err
	}

	w, err := decode(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrUntrustedWatermark, err)
	}
	return w, true, nil
}

func (c *Clock) rolledBack(namespace string, now, w time.Time) {
	c.logger.Warn("system clock behind watermark",
		"namespace", namespace, "system", now, "watermark", w, "behind", w.Sub(now))
	c.metrics.ObserveRollback()
	if c.recorder != nil {
		if err := c.recorder.RecordTamper(namespace, WatermarkRecord, TamperKindRollback, now); err != nil {
			c.logger.Error("journal rollback failed", "namespace", namespace, "error", err)
		}
	}
}

// systemNow drops the monotonic reading so comparisons use wall time only.
func (c *Clock) systemNow() time.Time {
	return c.now().UTC().Round(0)
}

func encode(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decode(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("watermark %q: %w", s, err)
	}
	return time.Unix(0, n).UTC(), nil
}
