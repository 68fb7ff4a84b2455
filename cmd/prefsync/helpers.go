package main

import (
	"fmt"
	"io"
	"sync"

	prefsync "github.com/Vannakem2021/ecommerce-last-sub005"
)

// local is the on-disk preference store of this machine.
type local struct {
	storage   *prefsync.BadgerStorage
	favorites *prefsync.FavoritesStore
	color     *prefsync.ColorStore
}

// openLocal opens the badger database under the configured data directory.
func openLocal(cfg *Config) (*local, error) {
	storage, err := prefsync.OpenBadgerStorage(prefsync.DefaultBadgerConfig(cfg.Client.DataDir))
	if err != nil {
		return nil, fmt.Errorf("cannot open local store at %s: %w", cfg.Client.DataDir, err)
	}
	var l = &local{
		storage:   storage,
		favorites: prefsync.NewFavoritesStore(storage),
		color:     prefsync.NewColorStore(storage),
	}
	l.favorites.Hydrate()
	return l, nil
}

// Close flushes pending writes and closes the database.
func (l *local) Close() error {
	l.favorites.Flush()
	l.color.Flush()
	return l.storage.Close()
}

// identity returns the configured identity, if the client is signed in.
func identity(cfg *Config) (prefsync.Identity, bool) {
	if cfg.Client.UserID == "" || cfg.Client.Token == "" {
		return prefsync.Identity{}, false
	}
	return prefsync.Identity{UserID: cfg.Client.UserID, Token: cfg.Client.Token}, true
}

// newEngine returns an Engine over l's favorites which prints sync warnings
// to out.
func newEngine(cfg *Config, l *local, out io.Writer) *prefsync.Engine {
	var engine = prefsync.NewEngine(l.favorites, prefsync.NewClient(cfg.Client.BaseURL), nil)

	var mu sync.Mutex
	var warn = func(event string, payload any) {
		mu.Lock()
		defer mu.Unlock()
		if w, ok := payload.(prefsync.SyncWarning); ok {
			if w.ProductID != "" {
				fmt.Fprintf(out, "warning: %s %s failed after %d attempt(s): %v\n", w.Op, w.ProductID, w.Attempts, w.Err)
			} else {
				fmt.Fprintf(out, "warning: %s: %v\n", event, w.Err)
			}
		}
	}
	engine.On(prefsync.EventSyncError, warn)
	engine.On(prefsync.EventOutboxFailed, warn)
	engine.On(prefsync.EventAuthRequired, warn)
	return engine
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if key == "" {
		return ""
	} else if len(key) <= 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
