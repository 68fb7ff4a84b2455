package prefsync

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Envelope is the persisted shape of a versioned store.
type Envelope struct {
	Version int             `json:"version"`
	State   json.RawMessage `json:"state"`
}

// MigrationFunc upgrades a raw state from one schema version to the next.
// It must be pure.
type MigrationFunc func(state json.RawMessage) (json.RawMessage, error)

// ResetMigration returns a MigrationFunc which discards the old state in
// favor of def. Use it where no mapping to a current value is defined.
func ResetMigration[T any](def T) MigrationFunc {
	return func(json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(def)
	}
}

// VersionedConfig describes one versioned store.
type VersionedConfig[T any] struct {
	// Key is the storage key the envelope lives under.
	Key string
	// Version is the current schema version.
	Version int
	// Default returns the empty state.
	Default func() T
	// Migrations maps a source version v to the step producing version v+1.
	Migrations map[int]MigrationFunc
	// Validate rejects decoded states outside the store's domain. Optional.
	Validate func(T) error
}

// VersionedStore holds a state of type T in memory and mirrors it to a
// Storage as a versioned Envelope.
//
// Memory is authoritative for the session: Save never fails, and persistence
// failures are logged rather than returned.
type VersionedStore[T any] struct {
	cfg     VersionedConfig[T]
	storage Storage
	log     *log.Entry

	mu       sync.Mutex
	state    T
	loaded   bool
	pending  []byte // Latest encoded envelope awaiting flush.
	seq      uint64 // Incremented by every Save.
	flushed  uint64 // Highest seq written (or abandoned).
	flushing bool
	idle     chan struct{} // Closed when the current flusher exits.
}

// NewVersionedStore returns a VersionedStore. Nothing is read from storage
// until first access.
func NewVersionedStore[T any](storage Storage, cfg VersionedConfig[T]) *VersionedStore[T] {
	if cfg.Default == nil {
		cfg.Default = func() T {
			var zero T
			return zero
		}
	}
	return &VersionedStore[T]{
		cfg:     cfg,
		storage: storage,
		log:     log.WithField("key", cfg.Key),
	}
}

// Load returns the current state, hydrating from storage on first access.
func (s *VersionedStore[T]) Load() T {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		s.state = s.hydrate()
		s.loaded = true
	}
	return s.state
}

// Save installs state in memory and schedules an asynchronous flush.
// Callers must not mutate state after handing it over.
func (s *VersionedStore[T]) Save(state T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state, s.loaded = state, true

	raw, err := s.encode(state)
	if err != nil {
		s.log.WithField("err", err).Warn("failed to encode state; keeping it in memory only")
		return
	}
	s.pending = raw
	s.seq++

	if !s.flushing {
		s.flushing = true
		s.idle = make(chan struct{})
		go s.flushLoop()
	}
}

// Reset installs and saves the default state.
func (s *VersionedStore[T]) Reset() {
	s.Save(s.cfg.Default())
}

// Flush blocks until every previously saved state has been written
// (or its write has failed).
func (s *VersionedStore[T]) Flush() {
	s.mu.Lock()
	flushing, idle := s.flushing, s.idle
	s.mu.Unlock()

	if flushing {
		<-idle
	}
}

// flushLoop writes the latest pending envelope until it catches up with
// Save. Intermediate states are coalesced, so an older state is never
// written after a newer one.
func (s *VersionedStore[T]) flushLoop() {
	for {
		s.mu.Lock()
		if s.flushed == s.seq {
			s.flushing = false
			s.pending = nil
			close(s.idle)
			s.mu.Unlock()
			return
		}
		seq, raw := s.seq, s.pending
		s.mu.Unlock()

		if err := s.storage.Set(s.cfg.Key, raw); err != nil {
			flushFailuresTotal.Inc()
			s.log.WithField("err", err).Warn("failed to flush state")
		}

		s.mu.Lock()
		s.flushed = seq
		s.mu.Unlock()
	}
}

func (s *VersionedStore[T]) encode(state T) ([]byte, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(err, "encoding state")
	}
	return json.Marshal(Envelope{Version: s.cfg.Version, State: body})
}

// hydrate reads the stored envelope. Any unreadable, unrecognized or invalid
// envelope is discarded in favor of the default state.
func (s *VersionedStore[T]) hydrate() T {
	raw, ok, err := s.storage.Get(s.cfg.Key)
	if err != nil {
		s.log.WithField("err", err).Warn("failed to read stored state; using default")
		return s.cfg.Default()
	} else if !ok {
		return s.cfg.Default()
	}

	state, from, err := s.decode(raw)
	if err != nil {
		s.log.WithField("err", err).Debug("discarding stored state")
		if err := s.storage.Remove(s.cfg.Key); err != nil {
			s.log.WithField("err", err).Warn("failed to remove discarded state")
		}
		return s.cfg.Default()
	}

	if from != s.cfg.Version {
		s.log.WithFields(log.Fields{"from": from, "to": s.cfg.Version}).Info("migrated stored state")

		if migrated, err := s.encode(state); err != nil {
			s.log.WithField("err", err).Warn("failed to encode migrated state")
		} else if err = s.storage.Set(s.cfg.Key, migrated); err != nil {
			flushFailuresTotal.Inc()
			s.log.WithField("err", err).Warn("failed to persist migrated state")
		}
	}
	return state
}

// decode parses raw, migrating it forward to the current version. It
// returns the version the envelope was stored with.
func (s *VersionedStore[T]) decode(raw []byte) (T, int, error) {
	var zero T
	var env Envelope

	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, 0, errors.Wrap(err, "decoding envelope")
	} else if env.Version < 0 || env.Version > s.cfg.Version {
		return zero, 0, errors.Errorf("unrecognized version %d (current is %d)", env.Version, s.cfg.Version)
	}

	var state = env.State
	for v := env.Version; v != s.cfg.Version; v++ {
		step, ok := s.cfg.Migrations[v]
		if !ok {
			return zero, 0, errors.Errorf("no migration from version %d", v)
		}
		var err error
		if state, err = step(state); err != nil {
			return zero, 0, errors.Wrapf(err, "migrating from version %d", v)
		}
	}

	var out T
	if len(state) == 0 {
		return zero, 0, errors.New("envelope has no state")
	} else if err := json.Unmarshal(state, &out); err != nil {
		return zero, 0, errors.Wrap(err, "decoding state")
	}
	if s.cfg.Validate != nil {
		if err := s.cfg.Validate(out); err != nil {
			return zero, 0, errors.Wrap(err, "validating state")
		}
	}
	return out, env.Version, nil
}
