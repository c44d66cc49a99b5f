package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for all presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL is the time-to-live for presence keys in Redis.
	PresenceTTL = 1 * time.Hour

	// Status constants for the presence state machine.
	StatusIdle     = "idle"
	StatusWaiting  = "waiting"
	StatusChatting = "chatting"
)

// Presence is a connected identity's state as mirrored in Redis.
type Presence struct {
	Identity    string `redis:"identity"`
	ConnID      string `redis:"conn_id"`
	Status      string `redis:"status"`  // idle | waiting | chatting
	RoomID      string `redis:"room_id"` // empty if not in a room
	Server      string `redis:"server"`  // which relay instance
	ConnectedAt int64  `redis:"connected_at"`
	LastActive  int64  `redis:"last_active"`
}

// deleteIfOwner removes the presence hash only when it still belongs to the
// given connection, so a replaced connection cannot erase its successor.
var deleteIfOwner = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store mirrors client presence in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a new presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores presence for a newly registered client with idle status.
func (s *Store) Create(ctx context.Context, c *Client) error {
	key := PresencePrefix + c.Identity
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"identity":     c.Identity,
		"conn_id":      c.ID,
		"status":       StatusIdle,
		"room_id":      "",
		"server":       s.serverName,
		"connected_at": c.ConnectedAt.Unix(),
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("session: create presence: %w", err)
	}
	return nil
}

// Get retrieves presence for identity. Returns nil if not found.
func (s *Store) Get(ctx context.Context, identity string) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, PresencePrefix+identity).Scan(&p); err != nil {
		return nil, err
	}
	if p.Identity == "" {
		return nil, nil
	}
	return &p, nil
}

// SetStatus updates the status and room reference and refreshes the TTL.
func (s *Store) SetStatus(ctx context.Context, identity, status, roomID string) error {
	key := PresencePrefix + identity
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", status, "room_id", roomID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes presence for c unless a newer connection has taken over the
// identity.
func (s *Store) Delete(ctx context.Context, c *Client) error {
	return deleteIfOwner.Run(ctx, s.client, []string{PresencePrefix + c.Identity}, c.ID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
