package prefsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// FeedConfig configures a FeedClient.
type FeedConfig struct {
	// MaxReconnectAttempts bounds consecutive failed connection attempts.
	// Zero means unbounded.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval is the period of websocket pings on an idle feed.
	HeartbeatInterval time.Duration
}

func (c *FeedConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// FeedState is the connection state of a FeedClient.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
)

// ============================================================================
// FeedClient
// ============================================================================

// FeedClient subscribes to the favorites change feed of one identity. The
// server announces changes made by any device; wire OnChanged to
// Engine.HandleFeedEvent to keep a synced store current.
type FeedClient struct {
	baseURL  string
	identity Identity
	config   FeedConfig

	mu        sync.Mutex
	state     FeedState
	onChanged []func(FavoriteChange)
	onState   []func(FeedState)
}

// NewFeedClient returns a FeedClient for the favorites API at baseURL.
func NewFeedClient(baseURL string, id Identity, cfg *FeedConfig) *FeedClient {
	var c FeedConfig
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	return &FeedClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		identity: id,
		config:   c,
		state:    FeedDisconnected,
	}
}

// OnChanged registers a handler of favorites.changed events.
func (fc *FeedClient) OnChanged(h func(FavoriteChange)) {
	fc.mu.Lock()
	fc.onChanged = append(fc.onChanged, h)
	fc.mu.Unlock()
}

// OnState registers a handler of connection state transitions.
func (fc *FeedClient) OnState(h func(FeedState)) {
	fc.mu.Lock()
	fc.onState = append(fc.onState, h)
	fc.mu.Unlock()
}

// State returns the current connection state.
func (fc *FeedClient) State() FeedState {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.state
}

// Run connects and consumes the feed until ctx is done, reconnecting with
// backoff when the connection drops. It returns nil when ctx is cancelled,
// ErrAuthRequired if the server refuses the identity, or the last dial error
// once MaxReconnectAttempts consecutive attempts have failed.
func (fc *FeedClient) Run(ctx context.Context) error {
	var b = backoff{baseDelay: fc.config.ReconnectBaseDelay, maxDelay: fc.config.ReconnectMaxDelay}
	defer fc.setState(FeedDisconnected)

	for {
		fc.setState(FeedConnecting)
		conn, err := fc.dial(ctx)

		if err == nil {
			b.reset()
			fc.setState(FeedConnected)
			err = fc.consume(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		} else if errors.Is(err, ErrAuthRequired) {
			return err
		} else if fc.config.MaxReconnectAttempts != 0 && b.attempt >= fc.config.MaxReconnectAttempts {
			return errors.WithMessagef(err, "giving up after %d attempts", b.attempt)
		}

		var delay = b.nextDelay()
		fc.setState(FeedReconnecting)
		log.WithFields(log.Fields{"err": err, "delay": delay, "attempt": b.attempt}).
			Warn("favorites feed disconnected; reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// dial opens the websocket and waits for the server's authenticated message.
func (fc *FeedClient) dial(ctx context.Context) (*websocket.Conn, error) {
	if fc.identity.Token == "" {
		return nil, ErrAuthRequired
	}
	var wsURL = strings.Replace(fc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/favorites/feed?token=" + url.QueryEscape(fc.identity.Token)

	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuthRequired
		}
		return nil, errors.Wrap(err, "websocket dial")
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, errors.Wrap(err, "read auth message")
	}
	var env FeedEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != FeedAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, errors.Errorf("expected %q, got %q", FeedAuthenticated, env.Type)
	}
	return conn, nil
}

// consume reads events until the connection fails or ctx is done.
func (fc *FeedClient) consume(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "client disconnect")

	go fc.heartbeat(ctx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env FeedEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type != FeedFavoritesChanged {
			continue
		}
		var change FavoriteChange
		if err := json.Unmarshal(env.Payload, &change); err != nil {
			log.WithField("err", err).Debug("dropping malformed feed event")
			continue
		}
		fc.dispatch(change)
	}
}

func (fc *FeedClient) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(fc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()

			if err != nil {
				// Unblocks the reader, which reconnects.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (fc *FeedClient) dispatch(change FavoriteChange) {
	fc.mu.Lock()
	handlers := fc.onChanged
	fc.mu.Unlock()

	for _, h := range handlers {
		h(change)
	}
}

func (fc *FeedClient) setState(s FeedState) {
	fc.mu.Lock()
	if fc.state == s {
		fc.mu.Unlock()
		return
	}
	fc.state = s
	handlers := fc.onState
	fc.mu.Unlock()

	for _, h := range handlers {
		h(s)
	}
}
