// Package kvstore is the local key-value store for small device-side
// preferences.
package kvstore

import (
	"errors"
	"sync"

	"github.com/dgraph-io/badger"
	"golang.org/x/xerrors"
)

// KV stores string values by key.
type KV interface {
	// Get returns the value for key, and false if it was never set.
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Badger is a KV persisted in a Badger database directory.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (creating if needed) the Badger database in dir.
func OpenBadger(dir string) (*Badger, error) {
	db, err := badger.Open(badger.DefaultOptions(dir))
	if err != nil {
		return nil, xerrors.Errorf("while opening badger kv dir %q: %w", dir, err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Get(key string) (string, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Errorf("while reading key %q: %w", key, err)
	}
	return string(value), true, nil
}

func (b *Badger) Set(key, value string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return xerrors.Errorf("while writing key %q: %w", key, err)
	}
	return nil
}

func (b *Badger) Close() error {
	if err := b.db.Close(); err != nil {
		return xerrors.Errorf("while closing database: %w", err)
	}
	return nil
}

// Map is an in-memory KV.
type Map struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMap() *Map {
	return &Map{values: map[string]string{}}
}

func (m *Map) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *Map) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
