// Package securestore keeps named records encrypted on disk and detects
// when they are deleted or modified behind its back.
//
// Each record is written as IV ‖ AES-256-CBC ciphertext to
// <dir>/<namespace>/<name>.dat, so the same name in two namespaces names two
// independent slots.
// Alongside it, two markers are kept in a markers.Store that lives
// somewhere else (registry, signed file): <name>_exists = "true" and
// <name>_hash = the fingerprint of the stored bytes. Load compares the slot
// against its markers before decrypting, and reports a mismatch as a
// *TamperError rather than as absence or corruption.
package securestore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"licguard/internal/hashutil"
	"licguard/internal/markers"
	"licguard/internal/metrics"
	"licguard/internal/security"
	"licguard/internal/symcipher"
)

const (
	recordSuffix = ".dat"

	// MaxRecordSize bounds how much of a record slot is read.
	MaxRecordSize = 16 << 20

	hashMarkerSuffix   = "_hash"
	existsMarkerSuffix = "_exists"
	existsValue        = "true"
)

// TamperRecorder receives every tamper detection. The journal implements it.
type TamperRecorder interface {
	RecordTamper(namespace, name, kind string, at time.Time) error
}

// Store is the encrypted record store.
type Store struct {
	dir      string
	markers  markers.Store
	logger   *slog.Logger
	recorder TamperRecorder
	metrics  *metrics.Collector
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder reports tamper detections to r.
func WithRecorder(r TamperRecorder) Option {
	return func(s *Store) { s.recorder = r }
}

// WithMetrics counts saves, loads and tamper detections in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Store) { s.metrics = c }
}

// New creates a store keeping record slots in dir and markers in m.
func New(dir string, m markers.Store, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: record directory required", ErrConfiguration)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: marker store required", ErrConfiguration)
	}
	if err := security.EnsureSecureDir(dir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &Store{
		dir:     dir,
		markers: m,
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the record directory.
func (s *Store) Dir() string { return s.dir }

// Markers returns the marker store.
func (s *Store) Markers() markers.Store { return s.markers }

func (s *Store) path(namespace, name string) string {
	return filepath.Join(s.dir, namespace, name+recordSuffix)
}

// Save encrypts plaintext under SHA256(machineKey), replaces the record
// slot and then updates both markers. Failures are logged and returned;
// a failed Save may leave the slot written without markers, which the next
// Load reports as tampered.
func (s *Store) Save(name, plaintext, machineKey, namespace string) (err error) {
	defer func() { s.metrics.ObserveSave(err) }()

	if err := validate(name, machineKey, namespace); err != nil {
		return err
	}

	c, err := newCipher(machineKey)
	if err != nil {
		return err
	}
	encrypted, err := c.Encrypt([]byte(plaintext))
	if err != nil {
		s.logger.Error("encrypt record failed", "name", name, "error", err)
		return fmt.Errorf("%w: encrypt %s: %v", ErrUnavailable, name, err)
	}

	if err := security.EnsureSecureDir(filepath.Join(s.dir, namespace)); err != nil {
		s.logger.Error("create namespace dir failed", "namespace", namespace, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := security.WriteSecretFile(s.path(namespace, name), encrypted); err != nil {
		s.logger.Error("write record failed", "name", name, "error", err)
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, name, err)
	}

	if err := s.setMarker(namespace, name, name+hashMarkerSuffix, hashutil.Fingerprint(encrypted)); err != nil {
		return err
	}
	if err := s.setMarker(namespace, name, name+existsMarkerSuffix, existsValue); err != nil {
		return err
	}

	s.logger.Debug("record saved", "name", name, "namespace", namespace, "bytes", len(encrypted))
	return nil
}

func (s *Store) setMarker(namespace, name, key, value string) error {
	err := s.markers.SetMarker(namespace, key, value)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, markers.ErrTampered):
		return s.tampered(namespace, name, TamperMarkerSet, err)
	default:
		s.logger.Error("set marker failed", "name", name, "marker", key, "error", err)
		return fmt.Errorf("%w: marker %s: %v", ErrUnavailable, key, err)
	}
}

// Load returns the plaintext of a record after checking it against its
// markers. Errors match ErrAbsent, ErrTampered (*TamperError),
// ErrCorrupted, ErrUnavailable or ErrConfiguration; see Classify.
//
// A missing slot is Absent only when neither marker is present. Either
// <name>_exists or <name>_hash alone proves a Save happened, so a missing
// slot with only the hash marker is reported as a deletion too.
func (s *Store) Load(name, machineKey, namespace string) (plaintext string, err error) {
	defer func() { s.metrics.ObserveLoad(Classify(err).String()) }()

	if err := validate(name, machineKey, namespace); err != nil {
		return "", err
	}

	exists, err := s.getMarker(namespace, name, name+existsMarkerSuffix)
	if err != nil {
		return "", err
	}
	hash, err := s.getMarker(namespace, name, name+hashMarkerSuffix)
	if err != nil {
		return "", err
	}

	data, err := security.ReadFileLimited(s.path(namespace, name), MaxRecordSize)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if (exists.found && exists.value == existsValue) || hash.found {
			return "", s.tampered(namespace, name, TamperDeletion, nil)
		}
		return "", ErrAbsent
	case errors.Is(err, security.ErrFileTooLarge):
		return "", s.tampered(namespace, name, TamperModification, err)
	case err != nil:
		s.logger.Error("read record failed", "name", name, "error", err)
		return "", fmt.Errorf("%w: read %s: %v", ErrUnavailable, name, err)
	}

	if !hash.found || hashutil.Fingerprint(data) != hash.value {
		return "", s.tampered(namespace, name, TamperModification, nil)
	}

	c, err := newCipher(machineKey)
	if err != nil {
		return "", err
	}
	out, err := c.Decrypt(data)
	if err != nil {
		s.logger.Warn("record does not decrypt", "name", name, "error", err)
		return "", fmt.Errorf("%w: %s: %v", ErrCorrupted, name, err)
	}
	return string(out), nil
}

type markerValue struct {
	value string
	found bool
}

func (s *Store) getMarker(namespace, name, key string) (markerValue, error) {
	v, err := s.markers.GetMarker(namespace, key)
	switch {
	case err == nil:
		return markerValue{value: v, found: true}, nil
	case errors.Is(err, markers.ErrNotFound):
		return markerValue{}, nil
	case errors.Is(err, markers.ErrTampered):
		return markerValue{}, s.tampered(namespace, name, TamperMarkerSet, err)
	default:
		s.logger.Error("read marker failed", "name", name, "marker", key, "error", err)
		return markerValue{}, fmt.Errorf("%w: marker %s: %v", ErrUnavailable, key, err)
	}
}

// Delete removes the record slot. Markers are left alone; a caller tearing
// a record down completely also clears its namespace's markers.
func (s *Store) Delete(name, namespace string) error {
	if err := validateSlot(name, namespace); err != nil {
		return err
	}
	if err := security.RemoveFile(s.path(namespace, name)); err != nil {
		s.logger.Error("delete record failed", "name", name, "error", err)
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, name, err)
	}
	return nil
}

// Exists reports whether the record slot is present. It does not consult
// markers.
func (s *Store) Exists(name, namespace string) bool {
	if validateSlot(name, namespace) != nil {
		return false
	}
	return security.FileExists(s.path(namespace, name))
}

// Names lists the record slots of a namespace.
func (s *Store) Names(namespace string) ([]string, error) {
	if err := security.ValidateName(namespace); err != nil {
		return nil, fmt.Errorf("%w: namespace: %v", ErrConfiguration, err)
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, namespace))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.Type().IsRegular() && filepath.Ext(n) == recordSuffix {
			base := n[:len(n)-len(recordSuffix)]
			if security.ValidateName(base) == nil {
				names = append(names, base)
			}
		}
	}
	return names, nil
}

func (s *Store) tampered(namespace, name string, kind TamperKind, cause error) error {
	at := s.now().UTC()
	s.logger.Warn("tamper detected", "name", name, "namespace", namespace, "kind", kind)
	s.metrics.ObserveTamper(string(kind))
	if s.recorder != nil {
		if err := s.recorder.RecordTamper(namespace, name, string(kind), at); err != nil {
			s.logger.Error("journal tamper event failed", "name", name, "error", err)
		}
	}
	return &TamperError{Namespace: namespace, Name: name, Kind: kind, Err: cause}
}

func validateSlot(name, namespace string) error {
	if err := security.ValidateName(name); err != nil {
		return fmt.Errorf("%w: record name: %v", ErrConfiguration, err)
	}
	if err := security.ValidateName(namespace); err != nil {
		return fmt.Errorf("%w: namespace: %v", ErrConfiguration, err)
	}
	return nil
}

func validate(name, machineKey, namespace string) error {
	if err := validateSlot(name, namespace); err != nil {
		return err
	}
	if len(name)+len(existsMarkerSuffix) > security.MaxNameLength {
		return fmt.Errorf("%w: record name %q leaves no room for its marker keys", ErrConfiguration, name)
	}
	if machineKey == "" {
		return fmt.Errorf("%w: empty machine key", ErrConfiguration)
	}
	return nil
}

func newCipher(machineKey string) (*symcipher.Cipher, error) {
	key := hashutil.DeriveKey(machineKey)
	defer security.Wipe(key[:])

	c, err := symcipher.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return c, nil
}
