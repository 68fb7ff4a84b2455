package prefsync

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Data Types
// ============================================================================

// Remote is the authoritative favorites collection, keyed by identity.
// Create and Delete are idempotent.
type Remote interface {
	List(ctx context.Context, id Identity) ([]string, error)
	Create(ctx context.Context, id Identity, productID string) error
	Delete(ctx context.Context, id Identity, productID string) error
}

// Phase is the engine's synchronization state.
type Phase string

const (
	PhaseAnonymous   Phase = "anonymous"
	PhaseReconciling Phase = "reconciling"
	PhaseSynced      Phase = "synced"
)

// Engine events.
const (
	EventIdentityChanged = "identity.changed"
	EventSyncStart       = "sync.start"
	EventSyncComplete    = "sync.complete"
	EventSyncError       = "sync.error"
	EventAuthRequired    = "sync.auth_required"
	EventOutboxFailed    = "outbox.failed"
)

// SyncWarning is the payload of failure events. Failures never change
// local state.
type SyncWarning struct {
	Op        string // "list", "create" or "delete".
	UserID    string
	ProductID string
	Attempts  int
	Err       error
}

// SyncComplete is the payload of EventSyncComplete.
type SyncComplete struct {
	UserID  string
	Merged  int // Size of the local set after reconciliation.
	Created int // Ids pushed because only the local side had them.
	Deleted int // Ids pushed because the user removed them during the pull.
}

// EngineOptions configures the Engine.
type EngineOptions struct {
	// MaxRetries bounds the attempts of each pull or push.
	MaxRetries int
	// RetryBaseDelay is the first retry delay; later delays double.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps a single retry delay.
	RetryMaxDelay time.Duration
	// RequestTimeout bounds each individual Remote call.
	RequestTimeout time.Duration
}

func (o *EngineOptions) defaults() {
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.RetryBaseDelay == 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.RetryMaxDelay == 0 {
		o.RetryMaxDelay = 30 * time.Second
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 15 * time.Second
	}
}

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler handles engine events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{"event": event, "panic": r}).Error("event handler panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

// ============================================================================
// Backoff
// ============================================================================

type backoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	attempt   int
}

func (b *backoff) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(b.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.baseDelay)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.maxDelay),
	))
	b.attempt++
	return delay
}

func (b *backoff) reset() { b.attempt = 0 }

// ============================================================================
// Engine
// ============================================================================

// Engine keeps a FavoritesStore convergent with a Remote for the current
// identity.
//
// Local mutations are never rolled back: the store is the source of truth
// for the session, and failures to reach the server surface as warning
// events (see On).
//
// Every identity transition starts a new epoch. Work started under an older
// epoch is discarded on completion. Within an epoch each product id has a
// lane with at most one request in flight; when it completes the lane
// re-reads the store and sends again only if the server still differs, so the
// last local mutation always wins.
type Engine struct {
	emitter
	store  *FavoritesStore
	remote Remote
	opts   EngineOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	flight singleflight.Group

	mu          sync.Mutex
	phase       Phase
	identity    Identity
	epoch       uint64
	base        uint64            // Store revision when the epoch began.
	known       map[string]bool   // Server membership as last observed.
	lanes       map[string]*lane  // Per product id, for the current epoch.
	reconciling bool              // A reconcile loop is running for epoch.
	settleSeq   uint64            // Incremented by every successful push.
	settled     map[string]uint64 // settleSeq of each id's latest successful push.
}

type lane struct {
	running bool
}

// NewEngine returns an Engine for store and remote. It starts anonymous.
func NewEngine(store *FavoritesStore, remote Remote, opts *EngineOptions) *Engine {
	var o EngineOptions
	if opts != nil {
		o = *opts
	}
	o.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		emitter: emitter{listeners: make(map[string][]EventHandler)},
		store:   store,
		remote:  remote,
		opts:    o,
		ctx:     ctx,
		cancel:  cancel,
		phase:   PhaseAnonymous,
		known:   make(map[string]bool),
		lanes:   make(map[string]*lane),
		settled: make(map[string]uint64),
	}
	store.OnToggle(e.onToggle)
	return e
}

// Attach subscribes the engine to session transitions and applies the
// session's current identity.
func (e *Engine) Attach(s Session) {
	s.OnChange(e.SetIdentity)
	e.SetIdentity(s.CurrentIdentity())
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Identity returns the identity being synchronized, if any.
func (e *Engine) Identity() (Identity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity, e.phase != PhaseAnonymous
}

// SetIdentity applies an identity transition. Signing out, or signing in as
// a different user, first resets the local store so that one user's
// favorites never leak into another's session. The previous user is taken
// from the store's persisted owner when this engine has not seen one, so the
// rule holds across restarts.
//
// A new token for the current user keeps the epoch. If reconciliation has
// not completed it is retried with the new token, and ids the server still
// disagrees on are pushed again.
func (e *Engine) SetIdentity(id Identity, ok bool) {
	if ok && id.UserID == "" {
		ok = false
	}

	e.mu.Lock()
	var prev, hadPrev = e.identity, e.phase != PhaseAnonymous

	if ok && hadPrev && prev.UserID == id.UserID {
		e.refreshCredentialsLocked(id)
		return
	}

	e.store.Hydrate()
	var owner = prev.UserID
	if !hadPrev {
		owner = e.store.Owner()
	}
	if !ok && owner == "" {
		e.mu.Unlock()
		return
	}

	e.epoch++
	e.known = make(map[string]bool)
	e.lanes = make(map[string]*lane)
	e.settled = make(map[string]uint64)

	if owner != "" && (!ok || owner != id.UserID) {
		e.store.Reset()
	}
	e.base = e.store.Revision()

	if ok {
		e.store.SetOwner(id.UserID)
		e.identity, e.phase, e.reconciling = id, PhaseReconciling, true
	} else {
		e.identity, e.phase, e.reconciling = Identity{}, PhaseAnonymous, false
	}
	var epoch = e.epoch
	e.mu.Unlock()

	log.WithFields(log.Fields{"from": owner, "to": id.UserID, "epoch": epoch}).Info("identity changed")
	e.emit(EventIdentityChanged, id)

	if ok {
		e.spawn(func() { e.reconcile(epoch) })
	}
}

// refreshCredentialsLocked installs a new token for the current user and
// restarts work which stopped for lack of valid credentials. It releases e.mu.
func (e *Engine) refreshCredentialsLocked(id Identity) {
	e.identity = id
	var epoch = e.epoch
	var retry = e.phase == PhaseReconciling && !e.reconciling
	var pending []string

	if retry {
		e.reconciling = true
	} else if e.phase == PhaseSynced {
		pending = e.divergedLocked()
	}
	e.mu.Unlock()

	if retry {
		log.WithFields(log.Fields{"user": id.UserID, "epoch": epoch}).Info("credentials refreshed; retrying reconciliation")
		e.spawn(func() { e.reconcile(epoch) })
	}
	for _, pid := range pending {
		e.enqueue(epoch, pid)
	}
}

// Resync restarts reconciliation for the current identity, as after a pull
// which ultimately failed. It blocks until the attempt completes.
func (e *Engine) Resync(ctx context.Context) error {
	e.mu.Lock()
	if e.phase == PhaseAnonymous {
		e.mu.Unlock()
		return ErrAuthRequired
	}
	var epoch, id = e.epoch, e.identity
	e.phase = PhaseReconciling
	e.mu.Unlock()

	return e.reconcileOnce(ctx, epoch, id)
}

// Wait blocks until all background work has settled.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels background work and waits for it to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) current(epoch uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch == epoch
}

// identityFor returns the current credentials, if epoch is still current.
func (e *Engine) identityFor(epoch uint64) (Identity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity, e.epoch == epoch
}

// ── Reconciliation ────────────────────────────────────────

func (e *Engine) reconcile(epoch uint64) {
	defer func() {
		e.mu.Lock()
		if e.epoch == epoch {
			e.reconciling = false
		}
		e.mu.Unlock()
	}()
	var b = backoff{baseDelay: e.opts.RetryBaseDelay, maxDelay: e.opts.RetryMaxDelay}

	for attempt := 1; ; attempt++ {
		id, ok := e.identityFor(epoch)
		if !ok {
			return
		}
		err := e.reconcileOnce(e.ctx, epoch, id)
		if err == nil || errors.Is(err, errStale) {
			return
		}

		var warning = SyncWarning{Op: "list", UserID: id.UserID, Attempts: attempt, Err: err}
		if errors.Is(err, ErrAuthRequired) {
			if e.stopUnlessRefreshed(epoch, id) {
				continue // Credentials were refreshed during the attempt.
			}
			log.WithField("user", id.UserID).Warn("favorites sync refused: authentication required")
			e.emit(EventAuthRequired, warning)
			return
		} else if !IsRetryable(err) || attempt >= e.opts.MaxRetries {
			log.WithFields(log.Fields{"user": id.UserID, "attempts": attempt, "err": err}).
				Warn("failed to pull favorites; continuing with local state")
			e.emit(EventSyncError, warning)
			return
		}

		var delay = b.nextDelay()
		log.WithFields(log.Fields{"user": id.UserID, "delay": delay, "err": err}).Debug("retrying favorites pull")

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

var errStale = errors.New("superseded by a newer identity")

// stopUnlessRefreshed marks the reconcile loop of epoch as stopped, unless
// the credentials changed since id was read. It reports whether to retry.
func (e *Engine) stopUnlessRefreshed(epoch uint64, id Identity) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.epoch != epoch {
		return false
	} else if e.identity.Token != id.Token {
		return true
	}
	e.reconciling = false
	return false
}

// reconcileOnce pulls the server set, installs local ∪ server into the store,
// and pushes whatever the server lacks.
func (e *Engine) reconcileOnce(ctx context.Context, epoch uint64, id Identity) error {
	if !e.current(epoch) {
		return errStale
	}
	e.emit(EventSyncStart, id.UserID)

	var mark = e.settleMark()
	server, err := e.list(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		pullTotal.WithLabelValues(resultDiscarded).Inc()
		return errStale
	}
	var base = e.base
	var merged = append(e.store.IDs(), server...)
	e.store.ReplaceAll(merged, base)

	e.observeLocked(server, mark)
	e.phase = PhaseSynced

	// Candidates: everything local, plus ids the user touched during the pull
	// which the server may hold.
	var candidates = append(e.store.IDs(), e.store.TouchedSince(base)...)
	var complete = SyncComplete{UserID: id.UserID, Merged: e.store.Len()}
	var toPush []string

	var seen = make(map[string]struct{}, len(candidates))
	for _, pid := range candidates {
		var want, has = e.store.Contains(pid), e.known[pid]
		if _, dup := seen[pid]; dup || want == has {
			continue
		} else if want {
			complete.Created++
		} else {
			complete.Deleted++
		}
		seen[pid] = struct{}{}
		toPush = append(toPush, pid)
	}
	e.mu.Unlock()

	reconcileTotal.Inc()
	log.WithFields(log.Fields{
		"user":    id.UserID,
		"merged":  complete.Merged,
		"created": complete.Created,
		"deleted": complete.Deleted,
	}).Info("reconciled favorites")

	for _, pid := range toPush {
		e.enqueue(epoch, pid)
	}
	e.emit(EventSyncComplete, complete)
	return nil
}

func (e *Engine) list(ctx context.Context, id Identity) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	server, err := e.remote.List(ctx, id)
	if err != nil {
		pullTotal.WithLabelValues(resultFailed).Inc()
		return nil, err
	}
	pullTotal.WithLabelValues(resultOK).Inc()
	return server, nil
}

// ── Refresh ───────────────────────────────────────────────

// Refresh re-pulls the server set while synced and applies changes made
// elsewhere. An id seen on the server before but missing now is removed
// locally, and an id new on the server is added, unless the user mutated it
// or a push for it is in flight or landed after the pull was requested.
// Concurrent calls share one pull.
func (e *Engine) Refresh(ctx context.Context) error {
	_, err, _ := e.flight.Do("refresh", func() (any, error) {
		return nil, e.refresh(ctx)
	})
	return err
}

// HandleFeedEvent schedules a Refresh in response to a change feed event.
func (e *Engine) HandleFeedEvent(change FavoriteChange) {
	e.mu.Lock()
	var synced = e.phase == PhaseSynced && e.identity.UserID == change.UserID
	e.mu.Unlock()

	if synced {
		e.spawn(func() {
			if err := e.Refresh(e.ctx); err != nil {
				log.WithField("err", err).Debug("feed-triggered refresh failed")
			}
		})
	}
}

func (e *Engine) refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.phase != PhaseSynced {
		e.mu.Unlock()
		return nil
	}
	var epoch, id, mark = e.epoch, e.identity, e.settleSeq
	e.mu.Unlock()

	var since = e.store.Revision()
	server, err := e.list(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.epoch != epoch || e.phase != PhaseSynced {
		pullTotal.WithLabelValues(resultDiscarded).Inc()
		return nil
	}

	var now = make(map[string]struct{}, len(server))
	for _, pid := range server {
		now[pid] = struct{}{}
	}

	var next []string
	for _, pid := range e.store.IDs() {
		if _, ok := now[pid]; !ok && e.known[pid] && !e.pushedLocked(pid, mark) {
			continue // Removed elsewhere.
		}
		next = append(next, pid)
	}
	for _, pid := range server {
		if !e.known[pid] && !e.pushedLocked(pid, mark) {
			next = append(next, pid) // Added elsewhere.
		}
	}
	e.store.ReplaceAll(next, since)
	e.observeLocked(server, mark)
	return nil
}

// settleMark snapshots the push sequence ahead of a List call.
func (e *Engine) settleMark() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settleSeq
}

// observeLocked records server, listed after mark, as the server's
// membership. Ids pushed since mark are skipped: the listing may predate them.
func (e *Engine) observeLocked(server []string, mark uint64) {
	for pid := range e.known {
		if !e.pushedLocked(pid, mark) {
			delete(e.known, pid)
		}
	}
	for _, pid := range server {
		if !e.pushedLocked(pid, mark) {
			e.known[pid] = true
		}
	}
}

// pushedLocked reports whether pid has a push in flight or one which
// completed after mark.
func (e *Engine) pushedLocked(pid string, mark uint64) bool {
	if l, ok := e.lanes[pid]; ok && l.running {
		return true
	}
	return e.settled[pid] > mark
}

// divergedLocked returns ids whose local membership differs from the
// server's last observed one.
func (e *Engine) divergedLocked() []string {
	var out []string
	for _, pid := range e.store.IDs() {
		if !e.known[pid] {
			out = append(out, pid)
		}
	}
	for pid, has := range e.known {
		if has && !e.store.Contains(pid) {
			out = append(out, pid)
		}
	}
	return out
}

// ── Outbox lanes ──────────────────────────────────────────

func (e *Engine) onToggle(pid string) {
	e.mu.Lock()
	var synced, epoch = e.phase == PhaseSynced, e.epoch
	e.mu.Unlock()

	if synced {
		e.enqueue(epoch, pid)
	}
	// Otherwise the mutation is picked up by reconciliation, which merges
	// everything touched since the epoch began.
}

// enqueue ensures pid's lane is draining under epoch.
func (e *Engine) enqueue(epoch uint64, pid string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.epoch != epoch {
		return
	}
	l, ok := e.lanes[pid]
	if !ok {
		l = &lane{}
		e.lanes[pid] = l
	}
	if l.running {
		return // The running drain re-reads the store when it completes.
	}
	l.running = true
	e.spawn(func() { e.drain(epoch, pid) })
}

// drain sends pid's desired membership until the server view matches the
// store, one request at a time.
func (e *Engine) drain(epoch uint64, pid string) {
	for {
		e.mu.Lock()
		if e.epoch != epoch {
			e.mu.Unlock()
			return
		}
		var l = e.lanes[pid]
		var want = e.store.Contains(pid)
		if e.known[pid] == want {
			l.running = false
			e.mu.Unlock()
			return
		}
		var id = e.identity
		e.mu.Unlock()

		err := e.push(epoch, id, pid, want)

		e.mu.Lock()
		if e.epoch != epoch {
			e.mu.Unlock()
			return
		}
		if err == nil {
			e.known[pid] = want
			e.settleSeq++
			e.settled[pid] = e.settleSeq
			e.mu.Unlock()
			continue
		} else if errors.Is(err, errSuperseded) {
			e.mu.Unlock()
			continue
		} else if errors.Is(err, ErrAuthRequired) && e.identity.Token != id.Token {
			e.mu.Unlock()
			continue // Credentials were refreshed during the push.
		}
		// Retries exhausted. Stop until the next mutation of pid.
		l.running = false
		e.mu.Unlock()
		return
	}
}

var errSuperseded = errors.New("superseded by a newer local mutation")

// push sends one create or delete with retries. It gives up early with
// errSuperseded if the store no longer wants the membership being sent.
func (e *Engine) push(epoch uint64, id Identity, pid string, want bool) error {
	var op, call = "delete", e.remote.Delete
	if want {
		op, call = "create", e.remote.Create
	}
	var b = backoff{baseDelay: e.opts.RetryBaseDelay, maxDelay: e.opts.RetryMaxDelay}

	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.RequestTimeout)
		err := call(ctx, id, pid)
		cancel()

		if err == nil {
			pushTotal.WithLabelValues(op, resultOK).Inc()
			return nil
		}

		var warning = SyncWarning{Op: op, UserID: id.UserID, ProductID: pid, Attempts: attempt, Err: err}
		if errors.Is(err, ErrAuthRequired) {
			pushTotal.WithLabelValues(op, resultFailed).Inc()
			log.WithFields(log.Fields{"user": id.UserID, "product": pid}).
				Warn("favorite push refused: authentication required")
			e.emit(EventAuthRequired, warning)
			return err
		} else if !IsRetryable(err) || attempt >= e.opts.MaxRetries || e.ctx.Err() != nil {
			pushTotal.WithLabelValues(op, resultFailed).Inc()
			log.WithFields(log.Fields{"user": id.UserID, "product": pid, "op": op, "attempts": attempt, "err": err}).
				Warn("failed to push favorite; local state is kept")
			e.emit(EventOutboxFailed, warning)
			return err
		}

		select {
		case <-e.ctx.Done():
		case <-time.After(b.nextDelay()):
		}

		if !e.current(epoch) || e.store.Contains(pid) != want {
			pushTotal.WithLabelValues(op, resultSuperseded).Inc()
			return errSuperseded
		}
	}
}
