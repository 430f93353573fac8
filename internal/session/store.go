// Package session mirrors live relay connections into Redis so that operators
// and sibling relay instances can see who is connected where. Records are
// advisory: the in-memory registry stays authoritative.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all connection records.
	KeyPrefix = "session:"

	// DefaultTTL bounds how long a record outlives its connection if the
	// relay dies without detaching it.
	DefaultTTL = 1 * time.Minute
)

// ErrNotFound is returned by Touch when the record has already expired or
// been removed.
var ErrNotFound = errors.New("session: not found")

// Record describes one live connection.
type Record struct {
	ConnID      string `redis:"conn_id"`
	UserID      string `redis:"user_id"`
	Username    string `redis:"username"`
	Server      string `redis:"server"`       // which relay instance
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastPong    int64  `redis:"last_pong"`    // unix timestamp
}

// Store manages connection records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
	now        func() time.Time
}

// NewStore creates a Store on an existing client. A non-positive ttl selects
// DefaultTTL.
func NewStore(client *redis.Client, serverName string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, serverName: serverName, ttl: ttl, now: time.Now}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// Create writes the record for a freshly attached connection.
func (s *Store) Create(ctx context.Context, connID, userID, username string) error {
	key := KeyPrefix + connID
	now := s.now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, Record{
		ConnID:      connID,
		UserID:      userID,
		Username:    username,
		Server:      s.serverName,
		ConnectedAt: now,
		LastPong:    now,
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Touch records a pong and extends the record's TTL. Records that have
// already been removed are not recreated.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := KeyPrefix + connID

	ok, err := s.client.Expire(ctx, key, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("session: touch %s: %w", connID, err)
	}
	if !ok {
		return ErrNotFound
	}
	if err := s.client.HSet(ctx, key, "last_pong", s.now().Unix()).Err(); err != nil {
		return fmt.Errorf("session: touch %s: %w", connID, err)
	}
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, connID string) error {
	if err := s.client.Del(ctx, KeyPrefix+connID).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}
