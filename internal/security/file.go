// Package security provides the file, naming and key-handling primitives
// shared by licguard's stores.
//
// This package implements:
// - Atomic secret-file writes (temp file + rename, owner-only permissions)
// - Name validation for records, namespaces and marker keys
// - HKDF key derivation with domain separation labels
// - Memory-locked key buffers that are wiped when destroyed
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// File permission constants
const (
	// PermSecretFile is the permission for files containing secrets (owner read/write only)
	PermSecretFile os.FileMode = 0600

	// PermSecretDir is the permission for directories containing secrets
	PermSecretDir os.FileMode = 0700
)

// File operation errors
var (
	ErrAtomicWriteFailed = errors.New("security: atomic write failed")
	ErrTempFileFailed    = errors.New("security: temporary file creation failed")
	ErrFileTooLarge      = errors.New("security: file exceeds maximum size")
	ErrNotDirectory      = errors.New("security: not a directory")
)

// SecureFileWriter handles atomic file writes with secure permissions.
type SecureFileWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

// NewSecureFileWriter creates a writer for secure atomic file writes.
// The file is written to a temporary file first, then renamed atomically,
// so readers only ever observe the old or the new content.
func NewSecureFileWriter(path string, perm os.FileMode) (*SecureFileWriter, error) {
	cleanPath := filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(cleanPath), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	// Same directory as the target so the rename stays on one filesystem.
	tempPath := cleanPath + ".tmp." + randomSuffix()
	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTempFileFailed, err)
	}

	return &SecureFileWriter{
		path:     cleanPath,
		tempFile: tempFile,
		tempPath: tempPath,
	}, nil
}

// Write writes data to the temporary file.
func (w *SecureFileWriter) Write(p []byte) (n int, err error) {
	return w.tempFile.Write(p)
}

// Commit atomically moves the temporary file to the final path.
func (w *SecureFileWriter) Commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.Abort()
		return fmt.Errorf("sync: %w", err)
	}

	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}

	return nil
}

// Abort cancels the write and removes the temporary file.
func (w *SecureFileWriter) Abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteSecretFile writes data atomically with mode 0600.
func WriteSecretFile(path string, data []byte) error {
	writer, err := NewSecureFileWriter(path, PermSecretFile)
	if err != nil {
		return err
	}

	if _, err := writer.Write(data); err != nil {
		writer.Abort()
		return err
	}

	return writer.Commit()
}

// ReadFileLimited reads a whole file, refusing files larger than maxSize
// bytes when maxSize is positive. A missing file yields an error matching
// fs.ErrNotExist.
func ReadFileLimited(path string, maxSize int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if maxSize <= 0 {
		return io.ReadAll(f)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrFileTooLarge, path, maxSize)
	}
	return data, nil
}

// RemoveFile deletes path. Removing a file that does not exist succeeds.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// EnsureSecureDir ensures a directory exists with secure permissions.
func EnsureSecureDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, PermSecretDir)
		}
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}

	// Tighten group/other bits left by an older install.
	if runtime.GOOS != "windows" {
		if info.Mode().Perm()&0077 != 0 {
			if err := os.Chmod(path, PermSecretDir); err != nil {
				return fmt.Errorf("fix directory permissions: %w", err)
			}
		}
	}

	return nil
}

// DirWritable reports whether files can be created in dir, creating it if
// needed.
func DirWritable(dir string) bool {
	if err := EnsureSecureDir(dir); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}
