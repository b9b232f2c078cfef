package markers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"licguard/internal/security"
)

const (
	markerFilePrefix = ".markers_"
	markerFileSuffix = ".json"

	// maxMarkerFileSize bounds how much of a marker file is read.
	maxMarkerFileSize = 1 << 20
)

//go:embed schema/markerset-v1.schema.json
var markerSetSchemaJSON []byte

const markerSetSchemaURL = "https://licguard.local/schema/markerset-v1.schema.json"

var (
	schemaOnce      sync.Once
	markerSetSchema *jsonschema.Schema
	schemaErr       error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(markerSetSchemaURL, bytes.NewReader(markerSetSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add marker schema: %w", err)
			return
		}
		markerSetSchema, schemaErr = compiler.Compile(markerSetSchemaURL)
	})
	return markerSetSchema, schemaErr
}

// markerFile is the on-disk form: parallel, order-preserving key and value
// lists plus the hex HMAC over their canonical form.
type markerFile struct {
	Keys      []string `json:"keys"`
	Values    []string `json:"values"`
	Signature string   `json:"signature"`
}

// markerSet is an insertion-ordered key/value map.
type markerSet struct {
	keys   []string
	values map[string]string
}

func newMarkerSet() *markerSet {
	return &markerSet{values: make(map[string]string)}
}

func (m *markerSet) set(key, value string) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// canonical renders "key=value;" for every pair in insertion order.
func (m *markerSet) canonical() []byte {
	var b strings.Builder
	for _, k := range m.keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m.values[k])
		b.WriteByte(';')
	}
	return []byte(b.String())
}

// SignedFileBackend stores each namespace's marker set in one HMAC-signed
// JSON file. Writes re-read, modify and re-sign the whole set; concurrent
// writers to one namespace are not serialized and may lose an update, but
// atomic replacement means a reader never sees a half-written file.
type SignedFileBackend struct {
	dir string
	key []byte

	// beforeStore runs between reading and rewriting a set in SetMarker.
	// Tests use it to interleave writers.
	beforeStore func(namespace string)
}

// NewSignedFileBackend stores marker files in dir, signed with deviceKey.
func NewSignedFileBackend(dir string, deviceKey []byte) (*SignedFileBackend, error) {
	if len(deviceKey) == 0 {
		return nil, ErrNoDeviceKey
	}
	if dir == "" {
		return nil, errors.New("markers: marker directory required")
	}
	if err := security.EnsureSecureDir(dir); err != nil {
		return nil, fmt.Errorf("markers: prepare %s: %w", dir, err)
	}
	if _, err := compiledSchema(); err != nil {
		return nil, err
	}

	key := make([]byte, len(deviceKey))
	copy(key, deviceKey)
	return &SignedFileBackend{dir: dir, key: key}, nil
}

// Kind implements Store.
func (b *SignedFileBackend) Kind() Kind { return BackendSignedFile }

// Dir returns the marker directory.
func (b *SignedFileBackend) Dir() string { return b.dir }

// Path returns the marker file for namespace.
func (b *SignedFileBackend) Path(namespace string) string {
	return filepath.Join(b.dir, markerFilePrefix+namespace+markerFileSuffix)
}

// SetMarker implements Store. A set that already fails verification is not
// re-signed: the write is refused with ErrTampered so an attacker's edit is
// never laundered into a valid signature.
func (b *SignedFileBackend) SetMarker(namespace, key, value string) error {
	if err := validateMarker(namespace, key, value); err != nil {
		return err
	}

	set, err := b.load(namespace)
	switch {
	case errors.Is(err, ErrNotFound):
		set = newMarkerSet()
	case err != nil:
		return err
	}

	set.set(key, value)
	if b.beforeStore != nil {
		b.beforeStore(namespace)
	}
	return b.store(namespace, set)
}

// GetMarker implements Store.
func (b *SignedFileBackend) GetMarker(namespace, key string) (string, error) {
	if err := validateNamespace(namespace); err != nil {
		return "", err
	}

	set, err := b.load(namespace)
	if err != nil {
		return "", err
	}

	v, ok := set.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// ClearMarkers implements Store by deleting the namespace's file.
func (b *SignedFileBackend) ClearMarkers(namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if err := security.RemoveFile(b.Path(namespace)); err != nil {
		return fmt.Errorf("markers: clear %s: %w", namespace, err)
	}
	return nil
}

// Verify checks the whole marker set for namespace. It returns nil,
// ErrNotFound when no set exists, or ErrTampered.
func (b *SignedFileBackend) Verify(namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	_, err := b.load(namespace)
	return err
}

// Namespaces lists the namespaces that currently have a marker file.
func (b *SignedFileBackend) Namespaces() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("markers: list %s: %w", b.dir, err)
	}
	var out []string
	for _, e := range entries {
		if ns, ok := namespaceFromFile(e.Name()); ok && e.Type().IsRegular() {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}

func namespaceFromFile(name string) (string, bool) {
	if !strings.HasPrefix(name, markerFilePrefix) || !strings.HasSuffix(name, markerFileSuffix) {
		return "", false
	}
	ns := strings.TrimSuffix(strings.TrimPrefix(name, markerFilePrefix), markerFileSuffix)
	if security.ValidateName(ns) != nil {
		return "", false
	}
	return ns, true
}

func (b *SignedFileBackend) sign(set *markerSet) string {
	mac := hmac.New(sha256.New, b.key)
	mac.Write(set.canonical())
	return hex.EncodeToString(mac.Sum(nil))
}

// load reads and verifies a marker set. Every structural or signature
// problem is reported as ErrTampered; only I/O failures are passed through.
func (b *SignedFileBackend) load(namespace string) (*markerSet, error) {
	data, err := security.ReadFileLimited(b.Path(namespace), maxMarkerFileSize)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		if errors.Is(err, security.ErrFileTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrTampered, err)
		}
		return nil, fmt.Errorf("markers: read %s: %w", namespace, err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrTampered, namespace)
	}
	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s violates marker schema", ErrTampered, namespace)
	}

	var f markerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTampered, namespace, err)
	}
	if len(f.Keys) != len(f.Values) {
		return nil, fmt.Errorf("%w: %s has %d keys and %d values",
			ErrTampered, namespace, len(f.Keys), len(f.Values))
	}

	set := newMarkerSet()
	for i, k := range f.Keys {
		set.set(k, f.Values[i])
	}

	got, err := hex.DecodeString(f.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %s signature is not hex", ErrTampered, namespace)
	}
	want, _ := hex.DecodeString(b.sign(set))
	if !hmac.Equal(got, want) {
		return nil, fmt.Errorf("%w: %s signature mismatch", ErrTampered, namespace)
	}

	return set, nil
}

func (b *SignedFileBackend) store(namespace string, set *markerSet) error {
	f := markerFile{
		Keys:      make([]string, 0, len(set.keys)),
		Values:    make([]string, 0, len(set.keys)),
		Signature: b.sign(set),
	}
	for _, k := range set.keys {
		f.Keys = append(f.Keys, k)
		f.Values = append(f.Values, set.values[k])
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("markers: encode %s: %w", namespace, err)
	}
	if err := security.WriteSecretFile(b.Path(namespace), data); err != nil {
		return fmt.Errorf("markers: write %s: %w", namespace, err)
	}
	return nil
}
