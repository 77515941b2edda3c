// Package history keeps accepted comparison results on disk so the last
// verdict survives restarts.
package history

import (
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/audiolibrelab/voicecheck/internal/compare"
)

const resultPrefix = "result/"

// ErrEmpty is returned by Latest when nothing has been recorded.
var ErrEmpty = errors.New("history: no comparison recorded")

// Options configures the store.
type Options struct {
	// Dir is the directory for BadgerDB data files. Required unless
	// InMemory is set.
	Dir string

	// InMemory runs BadgerDB without disk persistence, for tests.
	InMemory bool
}

// Store is a BadgerDB-backed log of comparison results, ordered by time.
type Store struct {
	db *badger.DB
}

func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("history: Options.Dir is required for on-disk mode")
	}

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(slogLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	return &Store{db: db}, nil
}

// resultKey sorts by comparison time, then by id.
func resultKey(r *compare.Result) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", resultPrefix, r.ComparedAt.UnixNano(), r.ID))
}

// Put records a result.
func (s *Store) Put(r *compare.Result) error {
	if r == nil {
		return errors.New("history: nil result")
	}
	data, err := msgpack.Marshal(r)
	if err != nil {
		return fmt.Errorf("history: encode result: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(resultKey(r), data)
	})
}

// Latest returns the most recent result.
func (s *Store) Latest() (*compare.Result, error) {
	results, err := s.List(1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrEmpty
	}
	return results[0], nil
}

// List returns up to limit results, newest first. limit <= 0 means all.
func (s *Store) List(limit int) ([]*compare.Result, error) {
	var out []*compare.Result
	prefix := []byte(resultPrefix)

	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.Reverse = true
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		// Reverse iteration starts at the last key <= seek
		seek := append([]byte(resultPrefix), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var r compare.Result
			if err := msgpack.Unmarshal(val, &r); err != nil {
				return fmt.Errorf("history: decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, &r)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clear removes every recorded result.
func (s *Store) Clear() error {
	return s.db.DropPrefix([]byte(resultPrefix))
}

func (s *Store) Close() error {
	return s.db.Close()
}

// slogLogger routes badger's warnings and errors to slog and drops the
// rest.
type slogLogger struct{}

func (slogLogger) Errorf(f string, v ...interface{}) {
	slog.Error(fmt.Sprintf("[badger] "+f, v...))
}
func (slogLogger) Warningf(f string, v ...interface{}) {
	slog.Warn(fmt.Sprintf("[badger] "+f, v...))
}
func (slogLogger) Infof(string, ...interface{})  {}
func (slogLogger) Debugf(string, ...interface{}) {}
