package session

import "sync"

// Registry maps each identity to its single live Client.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]*Client
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byIdentity: make(map[string]*Client)}
}

// Register makes c the live client for its identity. The last registration
// wins: the previously registered client, if any, is returned so the caller
// can notify and close it.
func (r *Registry) Register(c *Client) (replaced *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.byIdentity[c.Identity]
	r.byIdentity[c.Identity] = c
	if prev == c {
		return nil
	}
	return prev
}

// Unregister removes c if it is still the live client for its identity. A
// stale client that was already replaced cannot evict its successor.
func (r *Registry) Unregister(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byIdentity[c.Identity] != c {
		return false
	}
	delete(r.byIdentity, c.Identity)
	return true
}

// Get returns the live client for identity, or nil.
func (r *Registry) Get(identity string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byIdentity[identity]
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}

// All returns a snapshot of all registered clients, safe to iterate without
// holding the lock.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.byIdentity))
	for _, c := range r.byIdentity {
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	return clients
}

// Broadcast enqueues msg for every registered client.
func (r *Registry) Broadcast(msg []byte) {
	for _, c := range r.All() {
		c.Enqueue(msg)
	}
}
