// Package tuning selects kernel launch parameters by timing candidates on
// the device and caches the winners by signature.
package tuning

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/kdispatch/internal/device"
)

// Params are the tuned launch parameters of one kernel signature.
type Params struct {
	Local device.Range `json:"local"`
	// BlockZ splits the z axis into chunks of this size. 0 runs in one launch.
	BlockZ uint32 `json:"block_z,omitempty"`
}

func (p Params) String() string {
	if p.BlockZ == 0 {
		return p.Local.String()
	}
	return fmt.Sprintf("%s/z%d", p.Local, p.BlockZ)
}

// Key builds the tuning signature of a kernel launch on a device.
func Key(kernel string, gws device.Range, deviceID string) string {
	return fmt.Sprintf("%s_%d_%d_%d@%s", kernel, gws[0], gws[1], gws[2], deviceID)
}

// Store holds tuning results keyed by signature.
type Store interface {
	Lookup(sig string) (Params, bool)
	Record(sig string, p Params)
	Entries() map[string]Params
}

// MemoryStore is a Store backed by a map. Last writer wins.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Params
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Params)}
}

func (s *MemoryStore) Lookup(sig string) (Params, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.entries[sig]
	return p, ok
}

func (s *MemoryStore) Record(sig string, p Params) {
	s.mu.Lock()
	s.entries[sig] = p
	s.mu.Unlock()
}

// Entries returns a copy of every recorded result.
func (s *MemoryStore) Entries() map[string]Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.entries)
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

const fileVersion = 1

type fileDocument struct {
	Version int               `json:"version"`
	Entries map[string]Params `json:"entries"`
}

// FileStore is a MemoryStore persisted as a JSON document.
type FileStore struct {
	*MemoryStore
	path string
}

// OpenFileStore loads path if it exists. A missing file yields an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tuning file: %w", err)
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	if doc.Version != fileVersion {
		return nil, fmt.Errorf("tuning file %s: unsupported version %d", path, doc.Version)
	}
	for sig, p := range doc.Entries {
		s.entries[sig] = p
	}
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

// Save writes the store atomically: a temp file in the same directory is
// renamed over the target.
func (s *FileStore) Save() error {
	doc := fileDocument{Version: fileVersion, Entries: s.Entries()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode tuning file: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tuning dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tuning-*.json")
	if err != nil {
		return fmt.Errorf("create temp tuning file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write tuning file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close tuning file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace tuning file: %w", err)
	}
	return nil
}
