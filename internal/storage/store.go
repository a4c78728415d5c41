// Package storage persists per-bot state blobs. Components serialize
// themselves; the store only decides where the bytes live.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Keys of the per-bot blobs.
const (
	KeyTracker   = "tracker"
	KeyScheduler = "scheduler"
	KeyTrades    = "trades"
)

var ErrInvalidKey = errors.New("invalid storage key")

// Store is keyed by bot id, then blob key. Load returns nil, nil when nothing
// was saved yet.
type Store interface {
	Load(botID, key string) ([]byte, error)
	Save(botID, key string, data []byte) error
}

// FileStore writes <dir>/<botID>/<key>.json, replacing files atomically.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(botID, key string) (string, error) {
	for _, part := range []string{botID, key} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, part)
		}
	}
	return filepath.Join(s.dir, botID, key+".json"), nil
}

func (s *FileStore) Load(botID, key string) ([]byte, error) {
	p, err := s.path(botID, key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

func (s *FileStore) Save(botID, key string, data []byte) error {
	p, err := s.path(botID, key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// MemoryStore keeps blobs in memory. Used by the simulator and tests.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Load(botID, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[botID+"/"+key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemoryStore) Save(botID, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.blobs[botID+"/"+key] = buf
	return nil
}
