package locale

import "sync"

// Ambient is a process-wide locale for collaborators that cannot take a
// context (legacy template helpers, formatting libraries).
//
// Writers must go through Enter: the scope lock serializes dispatches that
// switch the ambient value, and Close restores the value seen on entry.
type Ambient struct {
	scope sync.Mutex

	mu  sync.RWMutex
	cur ID
}

func NewAmbient(initial ID) *Ambient {
	return &Ambient{cur: initial}
}

func (a *Ambient) Current() ID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cur
}

// Scope is an exclusive hold on the ambient locale.
type Scope struct {
	a      *Ambient
	saved  ID
	closed bool
}

// Enter blocks until no other scope is open and returns one.
// Callers must defer Close.
func (a *Ambient) Enter() *Scope {
	a.scope.Lock()
	return &Scope{a: a, saved: a.Current()}
}

// Activate sets the ambient locale until the next Activate or Close.
func (s *Scope) Activate(id ID) {
	if s.closed {
		return
	}
	s.a.mu.Lock()
	s.a.cur = id
	s.a.mu.Unlock()
}

// Close restores the locale seen by Enter and releases the scope. Safe to call twice.
func (s *Scope) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.a.mu.Lock()
	s.a.cur = s.saved
	s.a.mu.Unlock()
	s.a.scope.Unlock()
}
