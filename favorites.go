package prefsync

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

const (
	// FavoritesKey is the storage key of the favorites envelope.
	FavoritesKey = "favoritesStore"
	// FavoritesVersion is the current favorites schema version.
	FavoritesVersion = 1
)

// FavoritesState is the persisted favorites payload.
type FavoritesState struct {
	IDs []string `json:"ids"`
	// Owner is the user the ids were last synchronized for. Empty for
	// favorites collected while anonymous.
	Owner string `json:"owner,omitempty"`
}

// favoritesV0 is the payload written before schema versioning: a bare list
// which could hold duplicates.
type favoritesV0 struct {
	Favorites []string `json:"favorites"`
}

var favoritesMigrations = map[int]MigrationFunc{
	0: func(raw json.RawMessage) (json.RawMessage, error) {
		var old favoritesV0
		if err := json.Unmarshal(raw, &old); err != nil {
			return nil, err
		}
		return json.Marshal(FavoritesState{IDs: dedupe(old.Favorites)})
	},
}

func validateFavorites(s FavoritesState) error {
	var seen = make(map[string]struct{}, len(s.IDs))
	for _, id := range s.IDs {
		if id == "" {
			return errors.New("empty favorite id")
		} else if _, ok := seen[id]; ok {
			return errors.Errorf("duplicate favorite id %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// NewFavoritesVersionedStore returns the VersionedStore backing a
// FavoritesStore.
func NewFavoritesVersionedStore(storage Storage) *VersionedStore[FavoritesState] {
	return NewVersionedStore(storage, VersionedConfig[FavoritesState]{
		Key:        FavoritesKey,
		Version:    FavoritesVersion,
		Default:    func() FavoritesState { return FavoritesState{IDs: []string{}} },
		Migrations: favoritesMigrations,
		Validate:   validateFavorites,
	})
}

// FavoritesStore is the visitor's set of favorited product ids, held in
// memory and mirrored to Storage.
//
// Membership is unknown until Hydrate has run: callers must check Loaded
// before treating a false Contains as "not favorited".
type FavoritesStore struct {
	persist *VersionedStore[FavoritesState]

	mu        sync.Mutex
	ids       []string
	index     map[string]struct{}
	loaded    bool
	owner     string
	rev       uint64            // Incremented by every user mutation.
	touched   map[string]uint64 // Revision of each id's latest user mutation.
	observers []func(id string)
}

// NewFavoritesStore returns an unhydrated FavoritesStore over storage.
func NewFavoritesStore(storage Storage) *FavoritesStore {
	return &FavoritesStore{
		persist: NewFavoritesVersionedStore(storage),
		index:   make(map[string]struct{}),
		touched: make(map[string]uint64),
	}
}

// Hydrate loads persisted favorites. Only the first call has an effect.
func (f *FavoritesStore) Hydrate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hydrateLocked()
}

func (f *FavoritesStore) hydrateLocked() {
	if f.loaded {
		return
	}
	var state = f.persist.Load()
	var ids = append([]string{}, state.IDs...)
	var index = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		index[id] = struct{}{}
	}
	f.ids, f.index, f.owner, f.loaded = ids, index, state.Owner, true
}

// Loaded reports whether persisted favorites have been hydrated.
func (f *FavoritesStore) Loaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

// Contains reports whether id is favorited. It returns false before
// hydration.
func (f *FavoritesStore) Contains(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.index[id]
	return ok
}

// IDs returns the favorited ids in insertion order.
func (f *FavoritesStore) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

// Len returns the number of favorited ids.
func (f *FavoritesStore) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

// Toggle removes id if it is favorited and adds it otherwise, returning the
// new membership. The decision is made against current state under the
// store's lock, so two immediate toggles always cancel out.
func (f *FavoritesStore) Toggle(id string) bool {
	if id == "" {
		return false
	}
	f.mu.Lock()
	f.hydrateLocked()

	_, on := f.index[id]
	if on {
		f.removeLocked(id)
	} else {
		f.addLocked(id)
	}
	f.markLocked(id)
	f.saveLocked()
	observers := f.observers
	f.mu.Unlock()

	f.notify(observers, id)
	return !on
}

// Add favorites id, returning whether membership changed.
func (f *FavoritesStore) Add(id string) bool {
	return f.set(id, true)
}

// Remove unfavorites id, returning whether membership changed.
func (f *FavoritesStore) Remove(id string) bool {
	return f.set(id, false)
}

func (f *FavoritesStore) set(id string, want bool) bool {
	if id == "" {
		return false
	}
	f.mu.Lock()
	f.hydrateLocked()

	if _, on := f.index[id]; on == want {
		f.mu.Unlock()
		return false
	} else if want {
		f.addLocked(id)
	} else {
		f.removeLocked(id)
	}
	f.markLocked(id)
	f.saveLocked()
	observers := f.observers
	f.mu.Unlock()

	f.notify(observers, id)
	return true
}

// Owner returns the user the favorites belong to, or "" if they were
// collected anonymously.
func (f *FavoritesStore) Owner() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hydrateLocked()
	return f.owner
}

// SetOwner records userID as the owner of the current favorites.
func (f *FavoritesStore) SetOwner(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hydrateLocked()

	if f.owner != userID {
		f.owner = userID
		f.saveLocked()
	}
}

// Revision returns the count of user mutations applied so far.
func (f *FavoritesStore) Revision() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rev
}

// TouchedSince returns ids mutated by the user after revision rev.
func (f *FavoritesStore) TouchedSince(rev uint64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for id, r := range f.touched {
		if r > rev {
			out = append(out, id)
		}
	}
	return out
}

// ReplaceAll installs ids as the favorited set. Ids mutated by the user after
// revision since keep their current membership, so that a merge computed
// from an older snapshot never overwrites a newer local mutation.
// Observers are not notified.
func (f *FavoritesStore) ReplaceAll(ids []string, since uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hydrateLocked()

	var next = make([]string, 0, len(ids))
	var index = make(map[string]struct{}, len(ids))
	var add = func(id string) {
		if _, ok := index[id]; !ok && id != "" {
			next = append(next, id)
			index[id] = struct{}{}
		}
	}

	// Preserve the existing order of ids which remain.
	var incoming = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		incoming[id] = struct{}{}
	}
	for _, id := range f.ids {
		if _, ok := incoming[id]; ok || f.touched[id] > since {
			add(id)
		}
	}
	for _, id := range ids {
		if f.touched[id] > since {
			continue // Locally removed after the snapshot.
		}
		add(id)
	}

	f.ids, f.index = next, index
	f.saveLocked()
}

// Reset clears all favorites, their owner, and mutation history.
func (f *FavoritesStore) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ids = []string{}
	f.owner = ""
	f.index = make(map[string]struct{})
	f.touched = make(map[string]uint64)
	f.loaded = true
	f.saveLocked()
}

// Flush blocks until pending writes to storage have settled.
func (f *FavoritesStore) Flush() {
	f.persist.Flush()
}

// OnToggle registers fn to be called after every user mutation of an id.
// fn is called outside the store's lock and should read current membership
// through Contains rather than assume an order of delivery.
func (f *FavoritesStore) OnToggle(fn func(id string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(append([]func(string){}, f.observers...), fn)
}

func (f *FavoritesStore) addLocked(id string) {
	f.ids = append(f.ids, id)
	f.index[id] = struct{}{}
}

func (f *FavoritesStore) removeLocked(id string) {
	delete(f.index, id)
	for i, v := range f.ids {
		if v == id {
			f.ids = append(f.ids[:i:i], f.ids[i+1:]...)
			break
		}
	}
}

func (f *FavoritesStore) markLocked(id string) {
	f.rev++
	f.touched[id] = f.rev
}

func (f *FavoritesStore) saveLocked() {
	f.persist.Save(FavoritesState{IDs: append([]string{}, f.ids...), Owner: f.owner})
}

func (f *FavoritesStore) notify(observers []func(string), id string) {
	for _, fn := range observers {
		fn(id)
	}
}

func dedupe(ids []string) []string {
	var out = make([]string, 0, len(ids))
	var seen = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
