package prefsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake remote
// ============================================================================

type remoteCall struct {
	Op, UserID, ProductID string
}

type fakeRemote struct {
	mu       sync.Mutex
	sets     map[string][]string
	calls    []remoteCall
	lists    int
	started  int
	inflight map[string]int
	maxIn    int

	listErrs []error                    // Returned by successive List calls.
	pushErr  func(op, pid string) error // Consulted by every Create/Delete.
	gate     chan struct{}              // If set, List blocks until closed.
	pushGate chan struct{}              // If set, Create/Delete block until closed.
	delay    time.Duration              // Latency of Create/Delete.
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{sets: make(map[string][]string), inflight: make(map[string]int)}
}

func (r *fakeRemote) seed(userID string, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[userID] = append([]string(nil), ids...)
}

func (r *fakeRemote) ids(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.sets[userID]...)
}

func (r *fakeRemote) callsOf(op string) []remoteCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []remoteCall
	for _, c := range r.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (r *fakeRemote) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRemote) listCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lists
}

func (r *fakeRemote) listStarted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// List answers with the set as of the call, even if the gate delays it.
func (r *fakeRemote) List(ctx context.Context, id Identity) ([]string, error) {
	r.mu.Lock()
	var gate = r.gate
	var snapshot = append([]string{}, r.sets[id.UserID]...)
	r.started++
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists++

	if id.Token == "bad" {
		return nil, ErrAuthRequired
	}
	if len(r.listErrs) != 0 {
		var err = r.listErrs[0]
		r.listErrs = r.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return snapshot, nil
}

func (r *fakeRemote) Create(ctx context.Context, id Identity, pid string) error {
	return r.push(id, "create", pid)
}

func (r *fakeRemote) Delete(ctx context.Context, id Identity, pid string) error {
	return r.push(id, "delete", pid)
}

func (r *fakeRemote) push(id Identity, op, pid string) error {
	r.mu.Lock()
	r.inflight[pid]++
	if r.inflight[pid] > r.maxIn {
		r.maxIn = r.inflight[pid]
	}
	r.calls = append(r.calls, remoteCall{op, id.UserID, pid})
	var delay, pushErr, gate = r.delay, r.pushErr, r.pushGate
	r.mu.Unlock()

	time.Sleep(delay)
	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight[pid]--

	if id.Token == "bad" {
		return ErrAuthRequired
	} else if pushErr != nil {
		if err := pushErr(op, pid); err != nil {
			return err
		}
	}

	var set = r.sets[id.UserID]
	var idx = -1
	for i, v := range set {
		if v == pid {
			idx = i
		}
	}
	if op == "create" && idx == -1 {
		r.sets[id.UserID] = append(set, pid)
	} else if op == "delete" && idx != -1 {
		r.sets[id.UserID] = append(set[:idx:idx], set[idx+1:]...)
	}
	return nil
}

// ============================================================================
// Test helpers
// ============================================================================

type eventLog struct {
	mu     sync.Mutex
	events map[string][]any
}

func recordEvents(e *Engine, names ...string) *eventLog {
	var l = &eventLog{events: make(map[string][]any)}
	for _, name := range names {
		e.On(name, func(event string, payload any) {
			l.mu.Lock()
			l.events[event] = append(l.events[event], payload)
			l.mu.Unlock()
		})
	}
	return l
}

func (l *eventLog) get(name string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.events[name]...)
}

func newTestEngine(t *testing.T, remote Remote) (*Engine, *FavoritesStore) {
	t.Helper()
	return newEngineOn(t, NewMemoryStorage(), remote)
}

// newEngineOn returns an engine over a fresh FavoritesStore on storage, as a
// restarted process would build it.
func newEngineOn(t *testing.T, storage Storage, remote Remote) (*Engine, *FavoritesStore) {
	t.Helper()
	var store = NewFavoritesStore(storage)
	var engine = NewEngine(store, remote, &EngineOptions{
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})
	t.Cleanup(engine.Close)
	return engine, store
}

func user(id string) Identity { return Identity{UserID: id, Token: "token-" + id} }

func laneIdle(e *Engine, pid string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.lanes[pid]
	return !ok || !l.running
}

// ============================================================================
// Reconciliation
// ============================================================================

func TestReconcileUnionsAndPushesLocalOnly(t *testing.T) {
	var remote = newFakeRemote()
	remote.seed("u1", "B", "C")
	var engine, store = newTestEngine(t, remote)
	var events = recordEvents(engine, EventSyncComplete)

	store.Toggle("A")
	store.Toggle("B")
	assert.Equal(t, PhaseAnonymous, engine.Phase())
	assert.Empty(t, remote.callsOf("create"), "anonymous mutations stay local")

	engine.SetIdentity(user("u1"), true)
	engine.Wait()

	assert.Equal(t, PhaseSynced, engine.Phase())
	assert.ElementsMatch(t, []string{"A", "B", "C"}, store.IDs())
	assert.Equal(t, []remoteCall{{"create", "u1", "A"}}, remote.callsOf("create"))
	assert.Empty(t, remote.callsOf("delete"))
	assert.ElementsMatch(t, []string{"A", "B", "C"}, remote.ids("u1"))

	require.Len(t, events.get(EventSyncComplete), 1)
	assert.Equal(t, SyncComplete{UserID: "u1", Merged: 3, Created: 1}, events.get(EventSyncComplete)[0])
}

func TestReconcileHonorsMutationsDuringPull(t *testing.T) {
	var remote = newFakeRemote()
	remote.seed("u1", "B", "C")
	remote.gate = make(chan struct{})
	var engine, store = newTestEngine(t, remote)

	store.Toggle("A")
	store.Toggle("B")
	engine.SetIdentity(user("u1"), true)
	assert.Equal(t, PhaseReconciling, engine.Phase())

	store.Toggle("B") // Off while the pull is in flight.
	store.Toggle("E")
	close(remote.gate)
	engine.Wait()

	assert.ElementsMatch(t, []string{"A", "C", "E"}, store.IDs())
	assert.ElementsMatch(t, []string{"A", "C", "E"}, remote.ids("u1"))
	assert.Equal(t, []remoteCall{{"delete", "u1", "B"}}, remote.callsOf("delete"))
}

func TestIdentitySwitchDoesNotLeak(t *testing.T) {
	var remote = newFakeRemote()
	remote.seed("u2", "D")
	var engine, store = newTestEngine(t, remote)

	store.Toggle("A")
	engine.SetIdentity(user("u1"), true)
	engine.Wait()
	assert.Equal(t, []string{"A"}, store.IDs())

	engine.SetIdentity(user("u2"), true)
	engine.Wait()

	assert.Equal(t, []string{"D"}, store.IDs())
	assert.Equal(t, []string{"D"}, remote.ids("u2"))
	assert.Equal(t, []string{"A"}, remote.ids("u1"))
}

func TestSignOutClearsAndStopsSync(t *testing.T) {
	var remote = newFakeRemote()
	remote.seed("u1", "A")
	var engine, store = newTestEngine(t, remote)

	engine.SetIdentity(user("u1"), true)
	engine.Wait()
	require.Equal(t, []string{"A"}, store.IDs())

	engine.SetIdentity(Identity{}, false)
	assert.Equal(t, PhaseAnonymous, engine.Phase())
	assert.Empty(t, store.IDs())

	store.Toggle("Z")
	engine.Wait()
	assert.Empty(t, remote.callsOf("create"))
	assert.Equal(t, []string{"A"}, remote.ids("u1"))
}

func TestSameUserNewTokenKeepsState(t *testing.T) {
	var remote = newFakeRemote()
	remote.seed("u1", "A")
	var engine, store = newTestEngine(t, remote)

	engine.SetIdentity(user("u1"), true)
	engine.Wait()
	engine.SetIdentity(Identity{UserID: "u1", Token: "rotated"}, true)
	engine.Wait()

	assert.Equal(t, 1, remote.listCount())
	assert.Equal(t, PhaseSynced, engine.Phase())
	assert.Equal(t, []string{"A"}, store.IDs())

	id, ok := engine.Identity()
	assert.True(t, ok)
	assert.Equal(t, "rotated", id.Token)
}

func TestStalePullIsDiscarded(t *testing.T) {
	var remote = newFakeRemote()
	remote.seed("u1", "X")
	remote.seed("u2", "D")
	remote.gate = make(chan struct{})
	var engine, store = newTestEngine(t, remote)

	engine.SetIdentity(user("u1"), true)
	engine.SetIdentity(user("u2"), true)
	close(remote.gate)
	engine.Wait()

	assert.Equal(t, []string{"D"}, store.IDs())
	assert.Equal(t, []string{"D"}, remote.ids("u2"))
	assert.Empty(t, remote.callsOf("create"))
}

func TestRestartUnderAnotherUserDoesNotLeak(t *testing.T) {
	var remote = newFakeRemote()
	remote.seed("u2", "D")
	var storage = NewMemoryStorage()

	var first, store = newEngineOn(t, storage, remote)
	store.Toggle("A")
	first.SetIdentity(user("u1"), true)
	first.Wait()
	store.Flush()
	first.Close()
	require.Equal(t, []string{"A"}, remote.ids("u1"))

	t.Run("same user keeps favorites", func(t *testing.T) {
		var engine, store = newEngineOn(t, storage, remote)
		engine.SetIdentity(user("u1"), true)
		engine.Wait()
		assert.Equal(t, []string{"A"}, store.IDs())
		store.Flush()
	})

	t.Run("different user starts empty", func(t *testing.T) {
		var engine, store = newEngineOn(t, storage, remote)
		engine.SetIdentity(user("u2"), true)
		engine.Wait()
		store.Flush()

		assert.Equal(t, []string{"D"}, store.IDs())
		assert.Equal(t, []string{"D"}, remote.ids("u2"))
		assert.Equal(t, "u2", store.Owner())
	})

	t.Run("anonymous start clears the signed-out user", func(t *testing.T) {
		var engine, store = newEngineOn(t, storage, remote)
		engine.Attach(NewSessionHolder())
		store.Flush()

		assert.Empty(t, store.IDs())
		assert.Empty(t, store.Owner())
		assert.Equal(t, PhaseAnonymous, engine.Phase())
	})
}

func TestAttachFollowsSession(t *testing.T) {
	var remote = newFakeRemote()
	remote.seed("u1", "A")
	var engine, store = newTestEngine(t, remote)
	var session = NewSessionHolder()

	engine.Attach(session)
	assert.Equal(t, PhaseAnonymous, engine.Phase())

	session.SignIn(user("u1"))
	engine.Wait()
	assert.Equal(t, []string{"A"}, store.IDs())

	session.SignOut()
	assert.Empty(t, store.IDs())
	assert.Equal(t, PhaseAnonymous, engine.Phase())
}

// ============================================================================
// Synced mutations
// ============================================================================

func TestRacingTogglesConvergeToLastMutation(t *testing.T) {
	var remote = newFakeRemote()
	remote.delay = 2 * time.Millisecond
	var engine, store = newTestEngine(t, remote)

	engine.SetIdentity(user("u1"), true)
	engine.Wait()

	for n := 1; n <= 7; n++ {
		for i := 0; i != n; i++ {
			store.Toggle("x")
		}
		engine.Wait()

		assert.Equal(t, store.Contains("x"), len(remote.ids("u1")) == 1, "after %d toggles", n)
		assert.LessOrEqual(t, len(remote.ids("u1")), 1, "never duplicated")
	}

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, 1, remote.maxIn, "at most one request in flight per id")
	assert.Less(t, len(remote.calls), 28, "superseded toggles are coalesced")
}

func TestDifferentIDsProceedIndependently(t *testing.T) {
	var remote = newFakeRemote()
	var engine, store = newTestEngine(t, remote)

	engine.SetIdentity(user("u1"), true)
	engine.Wait()

	for _, pid := range []string{"a", "b", "c", "d"} {
		store.Toggle(pid)
	}
	store.Toggle("b")
	engine.Wait()

	assert.ElementsMatch(t, []string{"a", "c", "d"}, remote.ids("u1"))
	assert.ElementsMatch(t, store.IDs(), remote.ids("u1"))
}

// ============================================================================
// Failures
// ============================================================================

func TestPullRetriesThenSucceeds(t *testing.T) {
	var remote = newFakeRemote()
	remote.seed("u1", "A")
	remote.listErrs = []error{
		&APIError{Status: 503, Code: "UNAVAILABLE"},
		errors.New("connection reset"),
	}
	var engine, store = newTestEngine(t, remote)
	var events = recordEvents(engine, EventSyncError)

	engine.SetIdentity(user("u1"), true)
	engine.Wait()

	assert.Equal(t, 3, remote.listCount())
	assert.Equal(t, PhaseSynced, engine.Phase())
	assert.Equal(t, []string{"A"}, store.IDs())
	assert.Empty(t, events.get(EventSyncError))
}

func TestPullFailureKeepsLocalAndWarns(t *testing.T) {
	var remote = newFakeRemote()
	remote.seed("u1", "S")
	var unavailable = &APIError{Status: 503, Code: "UNAVAILABLE"}
	remote.listErrs = []error{unavailable, unavailable, unavailable}
	var engine, store = newTestEngine(t, remote)
	var events = recordEvents(engine, EventSyncError)

	store.Toggle("A")
	engine.SetIdentity(user("u1"), true)
	engine.Wait()

	assert.Equal(t, PhaseReconciling, engine.Phase())
	assert.Equal(t, []string{"A"}, store.IDs())
	require.Len(t, events.get(EventSyncError), 1)
	var warning = events.get(EventSyncError)[0].(SyncWarning)
	assert.Equal(t, "list", warning.Op)
	assert.Equal(t, 3, warning.Attempts)
	assert.ErrorIs(t, warning.Err, unavailable)

	// Local mutations are still accepted, and picked up by a later resync.
	store.Toggle("B")
	require.NoError(t, engine.Resync(context.Background()))
	engine.Wait()

	assert.Equal(t, PhaseSynced, engine.Phase())
	assert.ElementsMatch(t, []string{"A", "B", "S"}, store.IDs())
	assert.ElementsMatch(t, []string{"A", "B", "S"}, remote.ids("u1"))
}

func TestNonRetryablePullFailsFast(t *testing.T) {
	var remote = newFakeRemote()
	remote.listErrs = []error{&APIError{Status: 400, Code: "BAD_REQUEST"}}
	var engine, _ = newTestEngine(t, remote)
	var events = recordEvents(engine, EventSyncError)

	engine.SetIdentity(user("u1"), true)
	engine.Wait()

	assert.Equal(t, 1, remote.listCount())
	assert.Len(t, events.get(EventSyncError), 1)
}

func TestAuthRequiredIsNotRetried(t *testing.T) {
	var remote = newFakeRemote()
	var engine, store = newTestEngine(t, remote)
	var events = recordEvents(engine, EventAuthRequired, EventSyncError)

	store.Toggle("A")
	engine.SetIdentity(Identity{UserID: "u1", Token: "bad"}, true)
	engine.Wait()

	assert.Equal(t, 1, remote.listCount())
	assert.Len(t, events.get(EventAuthRequired), 1)
	assert.Empty(t, events.get(EventSyncError))
	assert.Equal(t, []string{"A"}, store.IDs())
	assert.Equal(t, PhaseReconciling, engine.Phase())
}

func TestRefreshedCredentialsRetryReconciliation(t *testing.T) {
	var remote = newFakeRemote()
	remote.seed("u1", "S")
	var engine, store = newTestEngine(t, remote)

	store.Toggle("A")
	engine.SetIdentity(Identity{UserID: "u1", Token: "bad"}, true)
	engine.Wait()
	require.Equal(t, PhaseReconciling, engine.Phase())

	store.Toggle("L")
	engine.SetIdentity(user("u1"), true)
	engine.Wait()

	assert.Equal(t, PhaseSynced, engine.Phase())
	assert.Equal(t, 2, remote.listCount())
	assert.ElementsMatch(t, []string{"S", "A", "L"}, store.IDs())
	assert.ElementsMatch(t, []string{"S", "A", "L"}, remote.ids("u1"))

	store.Toggle("M")
	engine.Wait()
	assert.ElementsMatch(t, []string{"S", "A", "L", "M"}, remote.ids("u1"))
}

func TestRefreshedCredentialsRetryRefusedPushes(t *testing.T) {
	var remote = newFakeRemote()
	var engine, store = newTestEngine(t, remote)
	var events = recordEvents(engine, EventAuthRequired)

	engine.SetIdentity(user("u1"), true)
	engine.Wait()

	engine.SetIdentity(Identity{UserID: "u1", Token: "bad"}, true)
	store.Toggle("P")
	engine.Wait()
	require.Len(t, events.get(EventAuthRequired), 1)
	require.Empty(t, remote.ids("u1"))

	engine.SetIdentity(user("u1"), true)
	engine.Wait()
	assert.Equal(t, []string{"P"}, remote.ids("u1"))
	assert.Equal(t, 1, remote.listCount(), "a synced engine does not pull again")
}

func TestPushFailureWarnsAndKeepsLocal(t *testing.T) {
	var remote = newFakeRemote()
	var attempts int
	remote.pushErr = func(op, pid string) error {
		attempts++
		if pid == "fatal" {
			return &APIError{Status: 400, Code: "INVALID_INPUT"}
		}
		return &APIError{Status: 500, Code: "INTERNAL"}
	}
	var engine, store = newTestEngine(t, remote)
	var events = recordEvents(engine, EventOutboxFailed)

	engine.SetIdentity(user("u1"), true)
	engine.Wait()

	assert.True(t, store.Toggle("x"))
	engine.Wait()

	assert.True(t, store.Contains("x"), "local state is not rolled back")
	assert.Equal(t, 3, attempts)
	require.Len(t, events.get(EventOutboxFailed), 1)
	var warning = events.get(EventOutboxFailed)[0].(SyncWarning)
	assert.Equal(t, SyncWarning{Op: "create", UserID: "u1", ProductID: "x", Attempts: 3, Err: warning.Err}, warning)

	store.Toggle("fatal")
	engine.Wait()
	assert.Equal(t, 4, attempts, "client errors are not retried")
	assert.Len(t, events.get(EventOutboxFailed), 2)
}

func TestPushRecoversOnNextMutation(t *testing.T) {
	var remote = newFakeRemote()
	var failing = true
	remote.pushErr = func(string, string) error {
		if failing {
			return &APIError{Status: 503}
		}
		return nil
	}
	var engine, store = newTestEngine(t, remote)

	engine.SetIdentity(user("u1"), true)
	engine.Wait()

	store.Toggle("x")
	engine.Wait()
	assert.Empty(t, remote.ids("u1"))

	remote.mu.Lock()
	failing = false
	remote.mu.Unlock()

	store.Toggle("y")
	store.Toggle("x")
	store.Toggle("x")
	engine.Wait()
	assert.ElementsMatch(t, []string{"x", "y"}, remote.ids("u1"))
}

// ============================================================================
// Refresh
// ============================================================================

func TestRefreshAppliesRemoteChanges(t *testing.T) {
	var remote = newFakeRemote()
	remote.seed("u1", "A", "B")
	var engine, store = newTestEngine(t, remote)

	store.Toggle("L")
	engine.SetIdentity(user("u1"), true)
	engine.Wait()
	require.ElementsMatch(t, []string{"A", "B", "L"}, store.IDs())

	// Another device removes A and adds C.
	remote.seed("u1", "B", "L", "C")
	require.NoError(t, engine.Refresh(context.Background()))

	assert.ElementsMatch(t, []string{"B", "L", "C"}, store.IDs())
}

func TestRefreshSkipsIDsPushedDuringListing(t *testing.T) {
	for _, tc := range []struct {
		name   string
		server []string
		want   bool
	}{
		{"delete lands while listing", []string{"X"}, false},
		{"create lands while listing", nil, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var remote = newFakeRemote()
			remote.seed("u1", tc.server...)
			var engine, store = newTestEngine(t, remote)

			engine.SetIdentity(user("u1"), true)
			engine.Wait()

			var pushGate, listGate = make(chan struct{}), make(chan struct{})
			remote.mu.Lock()
			remote.pushGate = pushGate
			remote.mu.Unlock()

			require.Equal(t, tc.want, store.Toggle("X"))
			require.Eventually(t, func() bool { return remote.callCount() == 1 }, time.Second, time.Millisecond)

			// The listing is taken before the push lands, and answered after.
			remote.mu.Lock()
			remote.gate = listGate
			remote.mu.Unlock()
			var done = make(chan error, 1)
			go func() { done <- engine.Refresh(context.Background()) }()
			require.Eventually(t, func() bool { return remote.listStarted() == 2 }, time.Second, time.Millisecond)

			close(pushGate)
			require.Eventually(t, func() bool { return laneIdle(engine, "X") }, time.Second, time.Millisecond)
			close(listGate)
			require.NoError(t, <-done)
			engine.Wait()

			assert.Equal(t, tc.want, store.Contains("X"))
			assert.Equal(t, tc.want, len(remote.ids("u1")) == 1)

			// The engine's view of the server is still accurate.
			require.NoError(t, engine.Refresh(context.Background()))
			engine.Wait()
			assert.Equal(t, tc.want, store.Contains("X"))
			assert.Equal(t, 1, remote.callCount())
		})
	}
}

func TestRefreshWhileAnonymousIsNoop(t *testing.T) {
	var remote = newFakeRemote()
	var engine, _ = newTestEngine(t, remote)

	require.NoError(t, engine.Refresh(context.Background()))
	assert.Equal(t, 0, remote.listCount())
}

func TestHandleFeedEventRefreshes(t *testing.T) {
	var remote = newFakeRemote()
	var engine, store = newTestEngine(t, remote)

	engine.SetIdentity(user("u1"), true)
	engine.Wait()

	remote.seed("u1", "P")
	engine.HandleFeedEvent(FavoriteChange{UserID: "u2", ProductID: "P", Favorited: true})
	engine.Wait()
	assert.Empty(t, store.IDs(), "events of other users are ignored")

	engine.HandleFeedEvent(FavoriteChange{UserID: "u1", ProductID: "P", Favorited: true})
	engine.Wait()
	assert.Equal(t, []string{"P"}, store.IDs())
}

// ============================================================================
// Emitter and backoff
// ============================================================================

func TestEmitterIsolatesPanics(t *testing.T) {
	var e = emitter{listeners: make(map[string][]EventHandler)}
	var called bool
	e.On("x", func(string, any) { panic("boom") })
	e.On("x", func(string, any) { called = true })

	assert.NotPanics(t, func() { e.emit("x", nil) })
	assert.True(t, called)
}

func TestBackoffBounds(t *testing.T) {
	var b = backoff{baseDelay: 10 * time.Millisecond, maxDelay: 50 * time.Millisecond}

	var first = b.nextDelay()
	assert.GreaterOrEqual(t, first, 10*time.Millisecond)
	assert.Less(t, first, 15*time.Millisecond)

	for i := 0; i != 10; i++ {
		assert.LessOrEqual(t, b.nextDelay(), 50*time.Millisecond)
	}
	b.reset()
	assert.Equal(t, 0, b.attempt)
}
