// Package badgerstore is an embedded key-value profile backend built on
// BadgerDB.
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/matt-riley/bucketz/internal/profile"
)

var keyPrefix = []byte("profile/")

var errMalformedKey = errors.New("malformed profile key")

// Config controls how the database is opened.
type Config struct {
	// Path is the data directory; ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

type Store struct {
	db *badger.DB
}

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context) ([]profile.Record, error) {
	records := make([]profile.Record, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = keyPrefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			userID, experimentID, err := decodeKey(item.KeyCopy(nil))
			if err != nil {
				return err
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read profile value: %w", err)
			}
			records = append(records, profile.Record{
				UserID:       userID,
				ExperimentID: experimentID,
				VariationID:  string(value),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}

	profile.SortRecords(records)
	return records, nil
}

func (s *Store) Put(ctx context.Context, record profile.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeKey(record.UserID, record.ExperimentID), []byte(record.VariationID))
	})
	if err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, userID, experimentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(encodeKey(userID, experimentID))
	})
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

// RunGC reclaims value log space; badger returns ErrNoRewrite when there is
// nothing to collect.
func (s *Store) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Keys are prefix | uvarint(len(user)) | user | experiment.
func encodeKey(userID, experimentID string) []byte {
	key := make([]byte, 0, len(keyPrefix)+binary.MaxVarintLen64+len(userID)+len(experimentID))
	key = append(key, keyPrefix...)
	key = binary.AppendUvarint(key, uint64(len(userID)))
	key = append(key, userID...)
	key = append(key, experimentID...)
	return key
}

func decodeKey(key []byte) (string, string, error) {
	if len(key) < len(keyPrefix) {
		return "", "", errMalformedKey
	}
	rest := key[len(keyPrefix):]
	userLen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < userLen {
		return "", "", errMalformedKey
	}
	rest = rest[n:]
	return string(rest[:userLen]), string(rest[userLen:]), nil
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

var _ profile.Backend = (*Store)(nil)
