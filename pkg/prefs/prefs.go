// Package prefs provides the secure key-value preference store that holds
// the wrapped vault passphrase, its recovery-notice flag and other small
// per-installation records.
package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	// FileName is the default preference file inside the vaultlock home.
	FileName = "prefs.yaml"

	FileMode = 0600
	DirMode  = 0700

	currentVersion = 1
)

var (
	// ErrUnavailable is returned by every operation while the store is locked.
	ErrUnavailable = errors.New("prefs: store is locked")

	// ErrInsecure is returned when the backing file is readable by others.
	ErrInsecure = errors.New("prefs: preference file has insecure permissions")

	// ErrSymlink is returned when the backing file is a symlink.
	ErrSymlink = errors.New("prefs: preference file is a symlink")
)

// Preferences is the persisted key-value store consumed by the envelope
// store. Every method fails with ErrUnavailable while IsUnlocked is false.
type Preferences interface {
	IsUnlocked() bool
	GetString(key string) (string, bool, error)
	PutString(key, value string) error
	GetBool(key string) (bool, error)
	PutBool(key string, value bool) error
	Remove(key string) error
}

type document struct {
	Version int               `yaml:"version"`
	Strings map[string]string `yaml:"strings,omitempty"`
	Bools   map[string]bool   `yaml:"bools,omitempty"`
}

// FileStore is a Preferences implementation backed by a single YAML file.
// Writes replace the file atomically.
type FileStore struct {
	path     string
	mu       sync.RWMutex
	doc      document
	unlocked bool
}

// Open loads (or creates on first write) the preference file at path and
// returns an unlocked store.
func Open(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.unlocked = true
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Lock makes the store unavailable and drops the in-memory copy.
func (s *FileStore) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked = false
	s.doc = document{}
}

// Unlock reloads the file and makes the store available again.
func (s *FileStore) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	s.unlocked = true
	return nil
}

// IsUnlocked reports whether the store may be read or written.
func (s *FileStore) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unlocked
}

// GetString returns the value for key and whether it was present.
func (s *FileStore) GetString(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.unlocked {
		return "", false, ErrUnavailable
	}
	v, ok := s.doc.Strings[key]
	return v, ok, nil
}

// PutString stores value under key.
func (s *FileStore) PutString(key, value string) error {
	return s.mutate(func(d *document) {
		if d.Strings == nil {
			d.Strings = make(map[string]string)
		}
		d.Strings[key] = value
	})
}

// GetBool returns the flag for key; absent flags read as false.
func (s *FileStore) GetBool(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.unlocked {
		return false, ErrUnavailable
	}
	return s.doc.Bools[key], nil
}

// PutBool stores a flag under key.
func (s *FileStore) PutBool(key string, value bool) error {
	return s.mutate(func(d *document) {
		if d.Bools == nil {
			d.Bools = make(map[string]bool)
		}
		d.Bools[key] = value
	})
}

// Remove deletes key from both the string and flag namespaces.
func (s *FileStore) Remove(key string) error {
	return s.mutate(func(d *document) {
		delete(d.Strings, key)
		delete(d.Bools, key)
	})
}

// mutate applies fn to a copy of the document, persists it, and only then
// swaps it in. A failed write leaves the in-memory state untouched.
func (s *FileStore) mutate(fn func(*document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return ErrUnavailable
	}

	next := s.doc.clone()
	fn(&next)
	if err := s.write(next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

func (d document) clone() document {
	out := document{Version: currentVersion}
	if len(d.Strings) > 0 {
		out.Strings = make(map[string]string, len(d.Strings))
		for k, v := range d.Strings {
			out.Strings[k] = v
		}
	}
	if len(d.Bools) > 0 {
		out.Bools = make(map[string]bool, len(d.Bools))
		for k, v := range d.Bools {
			out.Bools[k] = v
		}
	}
	return out
}

func (s *FileStore) load() error {
	info, err := os.Lstat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = document{Version: currentVersion}
			return nil
		}
		return fmt.Errorf("prefs: failed to stat preference file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return ErrSymlink
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("%w: %04o (expected 0600)", ErrInsecure, perm)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("prefs: failed to read preference file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("prefs: failed to parse preference file: %w", err)
	}
	if doc.Version == 0 {
		doc.Version = currentVersion
	}
	if doc.Version != currentVersion {
		return fmt.Errorf("prefs: unsupported preference file version: %d", doc.Version)
	}
	s.doc = doc
	return nil
}

func (s *FileStore) write(doc document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("prefs: failed to marshal preferences: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("prefs: failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".prefs-*.tmp")
	if err != nil {
		return fmt.Errorf("prefs: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("prefs: failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("prefs: failed to write preferences: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("prefs: failed to sync preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("prefs: failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("prefs: failed to replace preference file: %w", err)
	}
	return nil
}
