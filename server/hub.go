package server

import (
	"sync"

	prefsync "github.com/Vannakem2021/ecommerce-last-sub005"
	log "github.com/sirupsen/logrus"
)

// subscriberBuffer is the number of undelivered changes a subscriber may
// lag by before further changes to it are dropped.
const subscriberBuffer = 64

// Hub fans favorites changes out to the feed subscribers of each user.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	userID string
	ch     chan prefsync.FavoriteChange
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscription]struct{})}
}

// Subscribe registers a subscriber of userID's changes. The returned cancel
// function unregisters it and closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan prefsync.FavoriteChange, func()) {
	var sub = &subscription{userID: userID, ch: make(chan prefsync.FavoriteChange, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscription]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()
	feedSubscribers.Inc()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], sub)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			close(sub.ch)
			h.mu.Unlock()
			feedSubscribers.Dec()
		})
	}
}

// Publish delivers change to every subscriber of change.UserID without
// blocking. A subscriber whose buffer is full misses the change.
func (h *Hub) Publish(change prefsync.FavoriteChange) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[change.UserID] {
		select {
		case sub.ch <- change:
		default:
			feedDroppedTotal.Inc()
			log.WithFields(log.Fields{"user": change.UserID, "product": change.ProductID}).
				Warn("feed subscriber is lagging; dropped change")
		}
	}
}

// Subscribers returns the number of subscribers of userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}
