package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"almlp/internal/model"
)

const (
	parentCallPrefix = "call/"
	runPrefix        = "run/"
)

// BadgerStore keeps zstd-compressed JSON records in a badger database. Parent
// call keys sort by run and then by zero-padded sequence number.
type BadgerStore struct {
	path     string
	inMemory bool
	logger   *slog.Logger

	mu sync.RWMutex
	db *badger.DB
}

// NewBadgerStore opens a store under path; an empty path keeps everything in
// memory.
func NewBadgerStore(path string, logger *slog.Logger) *BadgerStore {
	return &BadgerStore{path: path, inMemory: path == "", logger: logger}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (s *BadgerStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	var opts badger.Options
	if s.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.path, 0o750); err != nil {
			return fmt.Errorf("create badger directory %s: %w", s.path, err)
		}
		opts = badger.DefaultOptions(s.path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if s.logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: s.logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger database: %w", err)
	}
	s.db = db
	return nil
}

func parentCallKey(runID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", parentCallPrefix, runID, seq))
}

func (s *BadgerStore) AppendParentCall(_ context.Context, record model.ParentCallRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := EncodeParentCall(record)
	if err != nil {
		return err
	}
	key := parentCallKey(record.RunID, record.Seq)
	return db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%w: run=%s seq=%d", ErrDuplicateRecord, record.RunID, record.Seq)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, compressPayload(payload))
	})
}

func (s *BadgerStore) ListParentCalls(_ context.Context, runID string) ([]model.ParentCallRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var out []model.ParentCallRecord
	err = db.View(func(txn *badger.Txn) error {
		prefix := []byte(parentCallPrefix + runID + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			payload, err := decompressPayload(raw)
			if err != nil {
				return err
			}
			record, err := DecodeParentCall(payload)
			if err != nil {
				return fmt.Errorf("decode parent call %s: %w", it.Item().Key(), err)
			}
			out = append(out, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortParentCalls(out)
	return out, nil
}

func (s *BadgerStore) SaveRun(_ context.Context, run model.RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runPrefix+run.RunID), compressPayload(payload))
	})
}

func (s *BadgerStore) GetRun(_ context.Context, runID string) (model.RunRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunRecord{}, false, err
	}
	var (
		run   model.RunRecord
		found bool
	)
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runPrefix + runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		payload, err := decompressPayload(raw)
		if err != nil {
			return err
		}
		run, err = DecodeRun(payload)
		if err != nil {
			return fmt.Errorf("decode run %s: %w", runID, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return model.RunRecord{}, false, err
	}
	return run, found, nil
}

func (s *BadgerStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var out []model.RunRecord
	err = db.View(func(txn *badger.Txn) error {
		prefix := []byte(runPrefix)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			payload, err := decompressPayload(raw)
			if err != nil {
				return err
			}
			run, err := DecodeRun(payload)
			if err != nil {
				return fmt.Errorf("decode run %s: %w", it.Item().Key(), err)
			}
			out = append(out, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRuns(out)
	return out, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BadgerStore) getDB() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}
