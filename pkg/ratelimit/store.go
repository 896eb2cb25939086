package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MemoryStore keeps state in a map. It is the default when no StateStore is
// configured; state does not survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (m *MemoryStore) LoadLimitState(_ context.Context, vaultID string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[vaultID]
	return st, ok, nil
}

func (m *MemoryStore) SaveLimitState(_ context.Context, vaultID string, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[vaultID] = st
	return nil
}

func (m *MemoryStore) UpdateLimitState(_ context.Context, vaultID string, fn func(State) State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := fn(m.states[vaultID])
	if st.IsZero() {
		delete(m.states, vaultID)
	} else {
		m.states[vaultID] = st
	}
	return nil
}

func (m *MemoryStore) DeleteLimitState(_ context.Context, vaultID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, vaultID)
	return nil
}

func (m *MemoryStore) ClearLimitStates(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.states)
	return nil
}

// FileName is the default lock-state file inside the vaultlock home.
const FileName = "ratelimit.json"

// FileStore persists all identities in one JSON file, rewritten atomically
// on every change. Writers in other processes are excluded with an advisory
// lock on a sibling ".lock" file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a FileStore at path. The file is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) LoadLimitState(_ context.Context, vaultID string) (State, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	states, err := f.read()
	if err != nil {
		return State{}, false, err
	}
	st, ok := states[vaultID]
	return st, ok, nil
}

func (f *FileStore) SaveLimitState(_ context.Context, vaultID string, st State) error {
	return f.locked(func() error {
		states, err := f.read()
		if err != nil {
			return err
		}
		states[vaultID] = st
		return f.write(states)
	})
}

func (f *FileStore) UpdateLimitState(_ context.Context, vaultID string, fn func(State) State) error {
	return f.locked(func() error {
		states, err := f.read()
		if err != nil {
			return err
		}
		st := fn(states[vaultID])
		if st.IsZero() {
			if _, ok := states[vaultID]; !ok {
				return nil
			}
			delete(states, vaultID)
		} else {
			states[vaultID] = st
		}
		return f.write(states)
	})
}

func (f *FileStore) DeleteLimitState(_ context.Context, vaultID string) error {
	return f.locked(func() error {
		states, err := f.read()
		if err != nil {
			return err
		}
		if _, ok := states[vaultID]; !ok {
			return nil
		}
		delete(states, vaultID)
		return f.write(states)
	})
}

// ClearLimitStates removes the file. It also recovers from a corrupted file.
func (f *FileStore) ClearLimitStates(_ context.Context) error {
	return f.locked(func() error {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("ratelimit: failed to remove lock state: %w", err)
		}
		return nil
	})
}

// locked runs fn holding both the in-process mutex and the cross-process
// file lock.
func (f *FileStore) locked(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("ratelimit: failed to create directory: %w", err)
	}
	lf, err := os.OpenFile(f.path+".lock", os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("ratelimit: failed to open lock file: %w", err)
	}
	defer lf.Close()
	if err := lockFile(lf); err != nil {
		return fmt.Errorf("ratelimit: failed to lock state file: %w", err)
	}
	defer unlockFile(lf)
	return fn()
}

// read fails closed: a corrupted file locks everyone out until cleared
// rather than silently resetting every counter.
func (f *FileStore) read() (map[string]State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]State), nil
		}
		return nil, fmt.Errorf("ratelimit: failed to read lock state: %w", err)
	}
	states := make(map[string]State)
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("ratelimit: corrupted lock state: %w", err)
	}
	return states, nil
}

func (f *FileStore) write(states map[string]State) error {
	if len(states) == 0 {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("ratelimit: failed to remove lock state: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("ratelimit: failed to marshal lock state: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("ratelimit: failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ratelimit-*.tmp")
	if err != nil {
		return fmt.Errorf("ratelimit: failed to write lock state: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("ratelimit: failed to write lock state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ratelimit: failed to write lock state: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("ratelimit: failed to write lock state: %w", err)
	}
	return nil
}
