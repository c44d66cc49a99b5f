// Package session tracks connected clients. A Client is the in-memory state of
// one authenticated connection; the Registry maps identities to their live
// Client; the optional Redis Store mirrors presence for external tooling.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campchat/chat-relay/internal/protocol"
)

// DefaultSendBuffer is the outbound queue depth used when none is configured.
const DefaultSendBuffer = 64

// Client is one authenticated connection. Profile, filters and room reference
// are guarded by the client's own mutex; only the connection's handlers and
// the room manager mutate them.
type Client struct {
	ID          string // connection id (UUID)
	Identity    string // verified token subject
	ConnectedAt time.Time

	mu         sync.Mutex
	profile    protocol.Profile
	filters    protocol.Filters
	hasProfile bool
	roomID     string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a Client with a bounded outbound queue of sendBuffer
// frames.
func NewClient(identity string, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &Client{
		ID:          uuid.New().String(),
		Identity:    identity,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
	}
}

// Enqueue places msg on the outbound queue without blocking. A client whose
// queue is full is too slow to keep up and is closed; the normal disconnect
// cleanup then runs. Returns false if the message was not queued.
func (c *Client) Enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		c.Close()
		return false
	}
}

// Send encodes a server message and enqueues it.
func (c *Client) Send(msgType string, payload interface{}) bool {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return false
	}
	return c.Enqueue(data)
}

// Outbound is drained by the connection's writer.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close marks the client closed. Frames already queued are still flushed by
// the writer before the socket closes. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Profile returns a copy of the client's profile.
func (c *Client) Profile() protocol.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// Filters returns a copy of the client's filters.
func (c *Client) Filters() protocol.Filters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters
}

// HasProfile reports whether SetProfile has been called.
func (c *Client) HasProfile() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasProfile
}

// SetProfile replaces the profile and filters.
func (c *Client) SetProfile(p protocol.Profile, f protocol.Filters) {
	c.mu.Lock()
	c.profile = p
	c.filters = f
	c.hasProfile = true
	c.mu.Unlock()
}

// UpdateFilters applies fn to the client's filters under the client lock.
func (c *Client) UpdateFilters(fn func(f *protocol.Filters)) {
	c.mu.Lock()
	fn(&c.filters)
	c.mu.Unlock()
}

// RoomID returns the current room id, or "" when idle.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// SetRoomID sets the current room reference.
func (c *Client) SetRoomID(id string) {
	c.mu.Lock()
	c.roomID = id
	c.mu.Unlock()
}

// ClearRoomID clears the room reference only if it still points at id.
func (c *Client) ClearRoomID(id string) {
	c.mu.Lock()
	if c.roomID == id {
		c.roomID = ""
	}
	c.mu.Unlock()
}
