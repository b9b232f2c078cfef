package security

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// =============================================================================
// Memory Security Tests
// =============================================================================

func TestWipe(t *testing.T) {
	data := []byte("sensitive data that should be wiped")

	Wipe(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d was not wiped: got %d, want 0", i, b)
		}
	}
}

func TestWipeEmpty(t *testing.T) {
	// Should not panic on empty slice
	Wipe(nil)
	Wipe([]byte{})
}

func TestPinWipe(t *testing.T) {
	key := bytes.Repeat([]byte{0x5a}, 32)
	unpin := Pin(key)
	if key[0] != 0x5a {
		t.Fatal("Pin must not alter the buffer")
	}
	Wipe(key)
	unpin()
	if !bytes.Equal(key, make([]byte, 32)) {
		t.Error("pinned buffer was not wiped")
	}

	// Empty buffers are accepted.
	Pin(nil)()
}

// =============================================================================
// Name Validation Tests
// =============================================================================

func TestValidateName(t *testing.T) {
	valid := []string{"license", "license_v2", "proj-1234.cache", "A", strings.Repeat("x", MaxNameLength)}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{
		"",
		".",
		"..",
		"../etc/passwd",
		"a/b",
		`a\b`,
		"semi;colon",
		"eq=uals",
		"space name",
		"nul\x00",
		"ünïcode",
		strings.Repeat("x", MaxNameLength+1),
	}
	for _, name := range invalid {
		if err := ValidateName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

// =============================================================================
// File Security Tests
// =============================================================================

func TestWriteSecretFile(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "nested", "record.dat")
	data := []byte("secret data")

	if err := WriteSecretFile(path, data); err != nil {
		t.Fatalf("WriteSecretFile failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("file contents mismatch: got %q, want %q", got, data)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat failed: %v", err)
		}
		if info.Mode().Perm() != PermSecretFile {
			t.Errorf("file permissions = %04o, want %04o", info.Mode().Perm(), PermSecretFile)
		}
	}
}

func TestAtomicWrite(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "test.txt")

	if err := WriteSecretFile(path, []byte("initial")); err != nil {
		t.Fatalf("WriteSecretFile failed: %v", err)
	}
	if err := WriteSecretFile(path, []byte("updated")); err != nil {
		t.Fatalf("WriteSecretFile update failed: %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "updated" {
		t.Errorf("content = %q, want %q", got, "updated")
	}

	matches, _ := filepath.Glob(path + ".tmp.*")
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestReadFileLimited(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "f")
	if err := os.WriteFile(path, []byte("0123456789"), 0600); err != nil {
		t.Fatal(err)
	}

	data, err := ReadFileLimited(path, 10)
	if err != nil || string(data) != "0123456789" {
		t.Fatalf("ReadFileLimited = %q, %v", data, err)
	}

	if _, err := ReadFileLimited(path, 9); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}

	if _, err := ReadFileLimited(filepath.Join(tempDir, "missing"), 0); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestRemoveFileAndExists(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "f")

	if FileExists(path) {
		t.Fatal("file should not exist yet")
	}
	if err := RemoveFile(path); err != nil {
		t.Errorf("removing a missing file should succeed: %v", err)
	}

	if err := WriteSecretFile(path, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if !FileExists(path) {
		t.Fatal("file should exist")
	}
	if FileExists(tempDir) {
		t.Error("directory should not count as a file")
	}
	if err := RemoveFile(path); err != nil {
		t.Fatal(err)
	}
	if FileExists(path) {
		t.Error("file should be gone")
	}
}

func TestEnsureSecureDir(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "secure", "nested")

	if err := EnsureSecureDir(path); err != nil {
		t.Fatalf("EnsureSecureDir failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected directory, got file")
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != PermSecretDir {
		t.Errorf("directory permissions = %04o, want %04o", info.Mode().Perm(), PermSecretDir)
	}

	file := filepath.Join(tempDir, "plain")
	os.WriteFile(file, nil, 0600)
	if err := EnsureSecureDir(file); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("expected ErrNotDirectory, got %v", err)
	}
}

func TestDirWritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	if !DirWritable(dir) {
		t.Fatal("fresh temp dir should be writable")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("writability check left a file behind: %v", entries)
	}
}

// =============================================================================
// Key Derivation Tests
// =============================================================================

func TestDeriveKey(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, 32)

	key1, err := DeriveKey(master, []byte("salt"), []byte("info"), 32)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	key2, _ := DeriveKey(master, []byte("salt"), []byte("info"), 32)
	if !bytes.Equal(key1, key2) {
		t.Error("derivation not deterministic")
	}

	key3, _ := DeriveKey(master, []byte("salt"), []byte("different-info"), 32)
	if bytes.Equal(key1, key3) {
		t.Error("different info produced same key")
	}

	if _, err := DeriveKey(master[:8], nil, nil, 32); !errors.Is(err, ErrWeakKey) {
		t.Errorf("expected ErrWeakKey, got %v", err)
	}
	if _, err := DeriveKey(master, nil, nil, 8); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestDeriveKeyWithLabel(t *testing.T) {
	master := bytes.Repeat([]byte{0x07}, 32)

	journal, err := DeriveKeyWithLabel(master, "journal", 32)
	if err != nil {
		t.Fatal(err)
	}
	markers, _ := DeriveKeyWithLabel(master, "markers", 32)
	if bytes.Equal(journal, markers) {
		t.Error("labels should separate derived keys")
	}

	direct, _ := DeriveKey(master, nil, []byte("licguard:journal"), 32)
	if !bytes.Equal(journal, direct) {
		t.Error("label should be prefixed with licguard:")
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkWipe(b *testing.B) {
	data := make([]byte, 32)
	for i := 0; i < b.N; i++ {
		Wipe(data)
	}
}

func BenchmarkDeriveKeyWithLabel(b *testing.B) {
	master := bytes.Repeat([]byte{0x01}, 32)
	for i := 0; i < b.N; i++ {
		DeriveKeyWithLabel(master, "bench", 32)
	}
}
