// Package localstore persists small integer counters on the client, most
// importantly the fallback credit balance kept while no identity exists.
// The value survives restarts and is never tied to an identity.
package localstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/wwc-network/wwc/internal/infra/sqlite"
)

// FallbackKey is the key the sync engine stores the local balance under.
const FallbackKey = "wwc_local_credits"

// Store is a durable int64 key/value store.
type Store interface {
	Get(key string) (int64, bool, error)
	Set(key string, value int64) error
}

// ─── Memory ─────────────────────────────────────────────────────────────────

// Memory is an in-process Store. FailWith, when set, fails every call.
type Memory struct {
	mu       sync.Mutex
	values   map[string]int64
	FailWith error
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]int64)}
}

func (m *Memory) Get(key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return 0, false, m.FailWith
	}
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Memory) Set(key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.values[key] = value
	return nil
}

// ─── SQLite ─────────────────────────────────────────────────────────────────

// SQLite stores counters in the client_state table of a wwc database.
type SQLite struct {
	db *sqlite.DB
}

// NewSQLite wraps an open database.
func NewSQLite(db *sqlite.DB) *SQLite { return &SQLite{db: db} }

func (s *SQLite) Get(key string) (int64, bool, error) {
	return s.db.GetInt(context.Background(), key)
}

func (s *SQLite) Set(key string, value int64) error {
	return s.db.SetInt(context.Background(), key, value)
}

// ─── TOML File ──────────────────────────────────────────────────────────────

// File keeps all counters in one TOML document, rewritten atomically on
// every Set.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile returns a File store at path. The file is created on first Set.
func NewFile(path string) *File { return &File{path: path} }

type fileDoc struct {
	Values map[string]int64 `toml:"values"`
}

func (f *File) load() (fileDoc, error) {
	doc := fileDoc{Values: make(map[string]int64)}
	if _, err := toml.DecodeFile(f.path, &doc); err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("read %s: %w", f.path, err)
	}
	if doc.Values == nil {
		doc.Values = make(map[string]int64)
	}
	return doc, nil
}

func (f *File) Get(key string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return 0, false, err
	}
	v, ok := doc.Values[key]
	return v, ok, nil
}

func (f *File) Set(key string, value int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.load()
	if err != nil {
		return err
	}
	doc.Values[key] = value

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".localstore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", f.path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
