package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrNotFound is returned by a SecretStore when a reference holds nothing.
var ErrNotFound = errors.New("oauth: secret not found")

// SecretStore persists opaque secrets under a reference string. The
// coordinator stores one JSON document per server under Ref(serverID).
type SecretStore interface {
	Get(ref string) ([]byte, error)
	Put(ref string, value []byte) error
	Delete(ref string) error
}

// Ref returns the store reference for a server's credentials.
func Ref(serverID string) string { return "oauth/" + serverID }

// MemoryStore keeps secrets for the life of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: map[string][]byte{}}
}

func (m *MemoryStore) Get(ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(ref string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[ref] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, ref)
	return nil
}

const lockTimeout = 5 * time.Second

// FileStore persists secrets to a JSON file readable only by the owner.
// Writes go through a temp file and rename, and a sibling lock file
// serializes access between processes sharing the same path.
type FileStore struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

// NewFileStore returns a store backed by path. The file is created on the
// first Put.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, lock: flock.New(path + ".lock")}
}

type fileSnapshot struct {
	Secrets map[string][]byte `json:"secrets"`
}

func (f *FileStore) Get(ref string) ([]byte, error) {
	var out []byte
	err := f.withLock(func() error {
		snap, err := f.load()
		if err != nil {
			return err
		}
		v, ok := snap.Secrets[ref]
		if !ok {
			return ErrNotFound
		}
		out = v
		return nil
	})
	return out, err
}

func (f *FileStore) Put(ref string, value []byte) error {
	return f.withLock(func() error {
		snap, err := f.load()
		if err != nil {
			return err
		}
		snap.Secrets[ref] = append([]byte(nil), value...)
		return f.save(snap)
	})
}

func (f *FileStore) Delete(ref string) error {
	return f.withLock(func() error {
		snap, err := f.load()
		if err != nil {
			return err
		}
		if _, ok := snap.Secrets[ref]; !ok {
			return nil
		}
		delete(snap.Secrets, ref)
		return f.save(snap)
	})
}

func (f *FileStore) withLock(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("oauth: create store directory: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := f.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("oauth: lock %s: timed out", f.lock.Path())
	}
	defer f.lock.Unlock()
	return fn()
}

func (f *FileStore) load() (*fileSnapshot, error) {
	snap := &fileSnapshot{Secrets: map[string][]byte{}}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oauth: read store: %w", err)
	}
	if len(data) == 0 {
		return snap, nil
	}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("oauth: decode store: %w", err)
	}
	if snap.Secrets == nil {
		snap.Secrets = map[string][]byte{}
	}
	return snap, nil
}

func (f *FileStore) save(snap *fileSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("oauth: write store: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("oauth: write store: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("oauth: write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("oauth: write store: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("oauth: write store: %w", err)
	}
	return nil
}
