package prefsync

import (
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// BadgerConfig configures a BadgerStorage.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps all data in RAM. Useful for tests.
	InMemory bool
	// SyncWrites fsyncs every write before returning.
	SyncWrites bool
	// GCInterval is how often value log garbage collection runs.
	// Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the minimum discardable fraction before a value log
	// file is rewritten.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns durable defaults for a database at path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// BadgerStorage is a Storage backed by an embedded BadgerDB.
type BadgerStorage struct {
	db     *badger.DB
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// OpenBadgerStorage opens (creating if needed) a BadgerStorage.
// The caller must Close it.
func OpenBadgerStorage(cfg BadgerConfig) (*BadgerStorage, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required for a persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, errors.Wrapf(err, "creating database directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(log.WithField("component", "badger"))

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening badger database")
	}

	s := &BadgerStorage{db: db, stopCh: make(chan struct{})}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		s.wg.Add(1)
		go s.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *BadgerStorage) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.Wrapf(err, "reading %q", key)
	}
	return value, true, nil
}

func (s *BadgerStorage) Set(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	return errors.Wrapf(err, "writing %q", key)
}

func (s *BadgerStorage) Remove(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	return errors.Wrapf(err, "removing %q", key)
}

// Close stops garbage collection and closes the database.
func (s *BadgerStorage) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.db.Close()
}

func (s *BadgerStorage) gcLoop(interval time.Duration, ratio float64) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			// Rewrite files until there is nothing left to reclaim.
			for {
				if err := s.db.RunValueLogGC(ratio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						log.WithField("err", err).Warn("badger value log GC failed")
					}
					break
				}
			}
		}
	}
}
