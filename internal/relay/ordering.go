package relay

import "sync"

// sessionOrder serializes dispatch and delivery per session so peers observe
// frames in the order the relay received them.
type sessionOrder struct {
	mu      sync.Mutex
	entries map[string]*orderEntry
}

type orderEntry struct {
	mu      sync.Mutex
	waiters int
}

func newSessionOrder() *sessionOrder {
	return &sessionOrder{entries: make(map[string]*orderEntry)}
}

func (o *sessionOrder) lock(sessionID string) func() {
	o.mu.Lock()
	entry, ok := o.entries[sessionID]
	if !ok {
		entry = &orderEntry{}
		o.entries[sessionID] = entry
	}
	entry.waiters++
	o.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		o.mu.Lock()
		entry.waiters--
		if entry.waiters == 0 {
			delete(o.entries, sessionID)
		}
		o.mu.Unlock()
	}
}
