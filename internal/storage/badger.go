package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v3"
)

// BadgerBackend stores objects in an embedded badger database
type BadgerBackend struct {
	db     *badger.DB
	prefix string
}

// NewBadgerBackend opens (or creates) a badger database at dir
func NewBadgerBackend(dir, prefix string) (*BadgerBackend, error) {
	if dir == "" {
		return nil, fmt.Errorf("badger backend needs a path")
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}
	return &BadgerBackend{db: db, prefix: prefix}, nil
}

func (b *BadgerBackend) key(name string) []byte {
	return []byte(b.prefix + name)
}

// Get retrieves a blob
func (b *BadgerBackend) Get(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to get %s: %w", name, err)
	}
	return data, nil
}

// Put stores a blob
func (b *BadgerBackend) Put(ctx context.Context, name string, data []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(name), data)
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", name, err)
	}
	return nil
}

// Size returns the value size recorded for a blob
func (b *BadgerBackend) Size(ctx context.Context, name string) (int64, error) {
	var size int64
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(name))
		if err != nil {
			return err
		}
		size = item.ValueSize()
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return 0, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	return size, nil
}

// List iterates keys starting with prefix
func (b *BadgerBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	full := b.key(prefix)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = full
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			names = append(names, string(it.Item().KeyCopy(nil)[len(b.prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the database
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
