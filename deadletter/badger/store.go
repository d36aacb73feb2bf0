// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger archives dead letters in a local BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxsub/deadletter"
	"github.com/dgraph-io/badger/v4"
)

var _ deadletter.Archive = (*Store)(nil)

// Key format:
//   - Entry: dl/{route}/{dead_lettered_at unix nanos, zero padded}/{id}
//   - Index: idx/{id} -> entry key
const (
	entryPrefix = "dl/"
	indexPrefix = "idx/"
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string
	GCInterval time.Duration
}

// Store is a dead-letter archive backed by BadgerDB.
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens the archive in cfg.Dir.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.NumVersionsToKeep = 1
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter archive: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC(interval)

	return s, nil
}

func entryKey(e deadletter.Entry) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", entryPrefix, e.Route, e.DeadLetteredAt.UnixNano(), e.ID))
}

// Put archives e.
func (s *Store) Put(_ context.Context, e deadletter.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	key := entryKey(e)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(indexPrefix+e.ID), key)
	})
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (deadletter.Entry, error) {
	var e deadletter.Entry

	err := s.db.View(func(txn *badger.Txn) error {
		key, err := lookup(txn, id)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return deadletter.Entry{}, err
	}

	return e, nil
}

// List returns entries oldest first. An empty route lists every route.
// limit <= 0 means no limit.
func (s *Store) List(route string, limit int) ([]deadletter.Entry, error) {
	prefix := entryPrefix
	if route != "" {
		prefix += route + "/"
	}

	var entries []deadletter.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(entries) >= limit {
				return nil
			}
			err := it.Item().Value(func(val []byte) error {
				var e deadletter.Entry
				if err := json.Unmarshal(val, &e); err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal dead letter: %w", err)
			}
		}
		return nil
	})

	return entries, err
}

// Delete removes the entry with the given id.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key, err := lookup(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete([]byte(indexPrefix + id))
	})
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func lookup(txn *badger.Txn, id string) ([]byte, error) {
	item, err := txn.Get([]byte(indexPrefix + id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, deadletter.ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
