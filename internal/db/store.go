package db

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

var ErrKeyNotFound = errors.New("key not found")

// maxConflictRetries bounds how often Update re-runs a transaction that lost
// an optimistic-concurrency race inside badger.
const maxConflictRetries = 5

type Store struct {
	db *badger.DB
}

func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Sequence returns a monotonically increasing counter persisted under key.
func (s *Store) Sequence(key string, bandwidth uint64) (*badger.Sequence, error) {
	seq, err := s.db.GetSequence([]byte(key), bandwidth)
	if err != nil {
		return nil, fmt.Errorf("get sequence %s: %w", key, err)
	}
	return seq, nil
}

func (s *Store) View(fn func(txn *Txn) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn})
	})
}

// Update runs fn in a read-write transaction, retrying on write conflicts.
func (s *Store) Update(fn func(txn *Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = s.db.Update(func(txn *badger.Txn) error {
			return fn(&Txn{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

type Txn struct {
	txn *badger.Txn
}

func (t *Txn) Get(key string) ([]byte, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *Txn) Set(key string, value []byte) error {
	return t.txn.Set([]byte(key), value)
}

func (t *Txn) Delete(key string) error {
	return t.txn.Delete([]byte(key))
}

// Scan walks keys under prefix, newest key first when reverse is set, and
// stops as soon as fn returns false.
func (t *Txn) Scan(prefix string, reverse bool, fn func(key, value []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	seek := []byte(prefix)
	if reverse {
		seek = append(bytes.Clone(seek), 0xff)
	}

	for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		more, err := fn(item.KeyCopy(nil), value)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
