package eventbus

import "sync"

// Scope tracks the subscriptions made on behalf of one owning region so they
// can be released together when the region is torn down. It preserves the
// bus's simple synchronous delivery while removing the manual-unsubscribe
// footgun: a module that subscribes through its scope cannot leak handlers
// past its own unmount.
type Scope struct {
	mu       sync.Mutex
	bus      *Bus
	owner    string
	subs     []*Subscription
	released bool
}

// ScopeFor creates a subscription scope for an owning region.
func (b *Bus) ScopeFor(owner string) *Scope {
	return &Scope{bus: b, owner: owner}
}

// Owner returns the owning region name.
func (s *Scope) Owner() string { return s.owner }

// Subscribe registers a handler tracked by this scope. Subscribing on a
// released scope returns nil: the owner is already torn down.
func (s *Scope) Subscribe(topic string, handler Handler) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil
	}
	sub := s.bus.Subscribe(topic, handler)
	s.subs = append(s.subs, sub)
	return sub
}

// Publish publishes on the underlying bus. Publishing is not tracked by the
// scope: envelopes outlive their publisher.
func (s *Scope) Publish(topic string, payload any) Envelope {
	return s.bus.Publish(topic, payload)
}

// Release unsubscribes every subscription made through this scope. Safe to
// call more than once.
func (s *Scope) Release() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.released = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Active returns the number of live subscriptions in the scope.
func (s *Scope) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
