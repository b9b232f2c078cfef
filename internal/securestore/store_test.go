package securestore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licguard/internal/hashutil"
	"licguard/internal/markers"
	"licguard/internal/metrics"
)

const (
	testKey = "machine-secret"
	testNS  = "proj-1234"
)

type tamperEvent struct {
	namespace, name, kind string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []tamperEvent
}

func (r *fakeRecorder) RecordTamper(namespace, name, kind string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, tamperEvent{namespace, name, kind})
	return nil
}

// failingMarkers returns err from every call.
type failingMarkers struct{ err error }

func (f failingMarkers) SetMarker(string, string, string) error   { return f.err }
func (f failingMarkers) GetMarker(string, string) (string, error) { return "", f.err }
func (f failingMarkers) ClearMarkers(string) error                { return f.err }
func (f failingMarkers) Kind() markers.Kind                       { return "failing" }

func newSignedStore(t *testing.T, opts ...Option) (*Store, *markers.SignedFileBackend) {
	t.Helper()
	m, err := markers.NewSignedFileBackend(t.TempDir(), bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	s, err := New(t.TempDir(), m, opts...)
	require.NoError(t, err)
	return s, m
}

func slotPath(s *Store, namespace, name string) string {
	return filepath.Join(s.Dir(), namespace, name+".dat")
}

func TestRoundTrip(t *testing.T) {
	for name, m := range map[string]markers.Store{
		"volatile": markers.NewVolatileBackend(),
		"signed":   nil,
	} {
		t.Run(name, func(t *testing.T) {
			var s *Store
			if m == nil {
				s, _ = newSignedStore(t)
			} else {
				var err error
				s, err = New(t.TempDir(), m)
				require.NoError(t, err)
			}

			for _, plaintext := range []string{"", "x", `{"tier":"pro","seats":5}`, "ünïcödé ✓", strings.Repeat("z", 4096)} {
				require.NoError(t, s.Save("license", plaintext, testKey, testNS))
				got, err := s.Load("license", testKey, testNS)
				require.NoError(t, err)
				assert.Equal(t, plaintext, got)
			}
		})
	}
}

func TestSaveWritesRecordAndMarkers(t *testing.T) {
	s, m := newSignedStore(t)
	require.NoError(t, s.Save("license", "payload", testKey, testNS))

	data, err := os.ReadFile(slotPath(s, testNS, "license"))
	require.NoError(t, err)
	assert.Zero(t, len(data)%16)
	assert.GreaterOrEqual(t, len(data), 32)

	v, err := m.GetMarker(testNS, "license_exists")
	require.NoError(t, err)
	assert.Equal(t, "true", v)

	v, err = m.GetMarker(testNS, "license_hash")
	require.NoError(t, err)
	assert.Equal(t, hashutil.Fingerprint(data), v)

	assert.NotContains(t, string(data), "payload")
}

func TestLoadAbsent(t *testing.T) {
	s, _ := newSignedStore(t)
	_, err := s.Load("license", testKey, testNS)
	assert.ErrorIs(t, err, ErrAbsent)
	assert.Equal(t, OutcomeAbsent, Classify(err))
}

func TestDeletionIsTampered(t *testing.T) {
	rec := &fakeRecorder{}
	s, _ := newSignedStore(t, WithRecorder(rec))
	require.NoError(t, s.Save("license", "payload", testKey, testNS))

	require.NoError(t, os.Remove(slotPath(s, testNS, "license")))

	_, err := s.Load("license", testKey, testNS)
	require.ErrorIs(t, err, ErrTampered)
	assert.NotErrorIs(t, err, ErrAbsent)

	var te *TamperError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, TamperDeletion, te.Kind)
	assert.Equal(t, "license", te.Name)
	assert.Equal(t, []tamperEvent{{testNS, "license", "deletion"}}, rec.events)
}

func TestDeleteKeepsMarkersSoLoadIsTampered(t *testing.T) {
	s, _ := newSignedStore(t)
	require.NoError(t, s.Save("license", "payload", testKey, testNS))
	require.True(t, s.Exists("license", testNS))

	require.NoError(t, s.Delete("license", testNS))
	assert.False(t, s.Exists("license", testNS))
	require.NoError(t, s.Delete("license", testNS), "deleting a missing record succeeds")

	_, err := s.Load("license", testKey, testNS)
	assert.ErrorIs(t, err, ErrTampered)

	require.NoError(t, s.Markers().ClearMarkers(testNS))
	_, err = s.Load("license", testKey, testNS)
	assert.ErrorIs(t, err, ErrAbsent, "full teardown reads as absent")
}

func TestModificationIsTampered(t *testing.T) {
	s, _ := newSignedStore(t)
	require.NoError(t, s.Save("license", "payload", testKey, testNS))

	path := slotPath(s, testNS, "license")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	for i := range data {
		mutated := append([]byte(nil), data...)
		mutated[i] ^= 0x01
		require.NoError(t, os.WriteFile(path, mutated, 0600))

		_, err := s.Load("license", testKey, testNS)
		var te *TamperError
		require.True(t, errors.As(err, &te), "byte %d: %v", i, err)
		assert.Equal(t, TamperModification, te.Kind)
	}
}

func TestReplayOfOlderRecordIsTampered(t *testing.T) {
	s, _ := newSignedStore(t)
	path := slotPath(s, testNS, "license")

	require.NoError(t, s.Save("license", "trial", testKey, testNS))
	old, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, s.Save("license", "expired", testKey, testNS))
	require.NoError(t, os.WriteFile(path, old, 0600))

	_, err = s.Load("license", testKey, testNS)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestMarkerSetTamperIsTampered(t *testing.T) {
	s, m := newSignedStore(t)
	require.NoError(t, s.Save("license", "payload", testKey, testNS))

	require.NoError(t, os.WriteFile(m.Path(testNS), []byte(`{"keys":[],"values":[],"signature":"`+strings.Repeat("a", 64)+`"}`), 0600))

	_, err := s.Load("license", testKey, testNS)
	var te *TamperError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, TamperMarkerSet, te.Kind)
	assert.ErrorIs(t, err, markers.ErrTampered)

	err = s.Save("license", "new", testKey, testNS)
	assert.ErrorIs(t, err, ErrTampered, "saving over a tampered set is refused")
}

func TestClearedMarkersWithRecordIsTampered(t *testing.T) {
	s, m := newSignedStore(t)
	require.NoError(t, s.Save("license", "payload", testKey, testNS))
	require.NoError(t, m.ClearMarkers(testNS))

	_, err := s.Load("license", testKey, testNS)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestWrongMachineKeyIsCorrupted(t *testing.T) {
	s, _ := newSignedStore(t)
	require.NoError(t, s.Save("license", "a license payload long enough to span blocks", testKey, testNS))

	got, err := s.Load("license", "other-machine", testNS)
	if err == nil {
		// CBC with the wrong key occasionally produces valid padding.
		assert.NotEqual(t, "a license payload long enough to span blocks", got)
		return
	}
	assert.ErrorIs(t, err, ErrCorrupted)
	assert.NotErrorIs(t, err, ErrTampered)
	assert.Equal(t, OutcomeCorrupted, Classify(err))
}

func TestConfigurationErrors(t *testing.T) {
	s, _ := newSignedStore(t)

	cases := map[string]func() error{
		"empty key":      func() error { return s.Save("license", "p", "", testNS) },
		"bad name":       func() error { return s.Save("../license", "p", testKey, testNS) },
		"bad namespace":  func() error { return s.Save("license", "p", testKey, "a/b") },
		"long name":      func() error { return s.Save(strings.Repeat("n", 125), "p", testKey, testNS) },
		"load empty key": func() error { _, err := s.Load("license", "", testNS); return err },
		"delete bad":     func() error { return s.Delete("..", testNS) },
	}
	for name, call := range cases {
		t.Run(name, func(t *testing.T) {
			err := call()
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Equal(t, OutcomeConfigurationError, Classify(err))
		})
	}

	assert.False(t, s.Exists("../x", testNS))

	_, err := New("", markers.NewVolatileBackend())
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = New(t.TempDir(), nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestMarkerBackendFailureIsUnavailable(t *testing.T) {
	s, err := New(t.TempDir(), failingMarkers{err: markers.ErrHiveUnavailable})
	require.NoError(t, err)

	err = s.Save("license", "p", testKey, testNS)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, OutcomeUnavailable, Classify(err))

	_, err = s.Load("license", testKey, testNS)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNames(t *testing.T) {
	s, _ := newSignedStore(t)
	require.NoError(t, s.Save("a", "1", testKey, testNS))
	require.NoError(t, s.Save("b", "2", testKey, testNS))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), testNS, "notes.txt"), nil, 0600))

	names, err := s.Names(testNS)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)

	names, err = s.Names("empty")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestNamespacesHaveSeparateSlots(t *testing.T) {
	s, _ := newSignedStore(t)
	require.NoError(t, s.Save("license", "for-game", testKey, "game"))

	_, err := s.Load("license", testKey, "editor")
	assert.ErrorIs(t, err, ErrAbsent, "a save in one namespace is invisible to another")
	assert.False(t, s.Exists("license", "editor"))

	require.NoError(t, s.Save("license", "for-editor", testKey, "editor"))

	got, err := s.Load("license", testKey, "game")
	require.NoError(t, err)
	assert.Equal(t, "for-game", got)
	got, err = s.Load("license", testKey, "editor")
	require.NoError(t, err)
	assert.Equal(t, "for-editor", got)

	require.NoError(t, s.Delete("license", "editor"))
	assert.True(t, s.Exists("license", "game"))
}

func TestHashMarkerAloneWithMissingSlotIsDeletion(t *testing.T) {
	s, m := newSignedStore(t)
	require.NoError(t, m.SetMarker(testNS, "license_hash", "0badf00d"))

	_, err := s.Load("license", testKey, testNS)
	var te *TamperError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, TamperDeletion, te.Kind)
}

func TestMetricsAreCounted(t *testing.T) {
	c, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	s, _ := newSignedStore(t, WithMetrics(c))

	require.NoError(t, s.Save("license", "p", testKey, testNS))
	_, _ = s.Load("license", testKey, testNS)
	require.NoError(t, s.Delete("license", testNS))
	_, _ = s.Load("license", testKey, testNS)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.RecordSaves.WithLabelValues(metrics.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RecordLoads.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RecordLoads.WithLabelValues("tampered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TamperDetections.WithLabelValues("deletion")))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeOK, Classify(nil))
	assert.Equal(t, OutcomeTampered, Classify(&TamperError{Kind: TamperDeletion}))
	assert.Equal(t, OutcomeUnavailable, Classify(errors.New("disk on fire")))
	assert.Equal(t, "configuration_error", OutcomeConfigurationError.String())
}
