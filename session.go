package prefsync

import "sync"

// Session supplies the authenticated identity, if any, and notifies on
// transitions. Authentication itself happens elsewhere.
type Session interface {
	CurrentIdentity() (Identity, bool)
	// OnChange registers fn to be called after every identity transition.
	OnChange(fn func(id Identity, ok bool))
}

// SessionHolder is an in-process Session.
type SessionHolder struct {
	mu        sync.Mutex
	id        Identity
	ok        bool
	observers []func(Identity, bool)
}

// NewSessionHolder returns an anonymous SessionHolder.
func NewSessionHolder() *SessionHolder {
	return &SessionHolder{}
}

// CurrentIdentity returns the signed-in identity, or false if anonymous.
func (s *SessionHolder) CurrentIdentity() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.ok
}

// OnChange registers fn to be called after every sign-in or sign-out which
// changes the identity.
func (s *SessionHolder) OnChange(fn func(Identity, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// SignIn sets the current identity.
func (s *SessionHolder) SignIn(id Identity) {
	s.set(id, true)
}

// SignOut clears the current identity.
func (s *SessionHolder) SignOut() {
	s.set(Identity{}, false)
}

func (s *SessionHolder) set(id Identity, ok bool) {
	s.mu.Lock()
	if s.ok == ok && s.id == id {
		s.mu.Unlock()
		return
	}
	s.id, s.ok = id, ok
	observers := append([]func(Identity, bool){}, s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(id, ok)
	}
}
