// Package kvstore is the embedded backend: pool, sessions, exams and the
// event ledger in a single badger database. Badger's optimistic
// transactions give the pool its compare-and-swap semantics: a swap that
// loses a race aborts with badger.ErrConflict and reports false.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/examgate/proctor-control-plane/internal/model"
)

const (
	prefixMachine      = "machine/"
	prefixMachineOwner = "machine-owner/"
	prefixExam         = "exam/"
	prefixSession      = "session/"
	prefixSessionUX    = "session-ux/"
	prefixSessionExam  = "session-exam/"
	prefixEvent        = "event/"
	prefixEventSession = "event-session/"
	prefixEventExam    = "event-exam/"
	keyEventSeq        = "seq/event"
)

type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

type Options struct {
	Dir      string
	InMemory bool
}

func Open(opts Options) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(filepath.Clean(opts.Dir)).WithValueLogFileSize(1 << 24)
	}
	bopts = bopts.WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger: %w", model.ErrStorage, err)
	}
	seq, err := db.GetSequence([]byte(keyEventSeq), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: event sequence: %w", model.ErrStorage, err)
	}
	return &Store{db: db, seq: seq}, nil
}

func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}

func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("%w: badger closed", model.ErrStorage)
	}
	return nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", model.ErrStorage, op, err)
}

func getJSON(txn *badger.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.ErrNotFound
		}
		return err
	}
	return item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), b)
}

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return "", model.ErrNotFound
		}
		return "", err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// scan calls fn for every key under prefix in key order. Values are
// decoded lazily by fn through item.
func scan(txn *badger.Txn, prefix string, fn func(item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		if err := fn(it.Item()); err != nil {
			return err
		}
	}
	return nil
}
