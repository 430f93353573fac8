package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewStore(client, "test-relay", 30*time.Second)
}

// readRecord loads the raw hash for connID.
func readRecord(t *testing.T, s *Store, connID string) (Record, bool) {
	t.Helper()
	ctx := context.Background()
	n, err := s.client.Exists(ctx, KeyPrefix+connID).Result()
	require.NoError(t, err)
	if n == 0 {
		return Record{}, false
	}
	var rec Record
	require.NoError(t, s.client.HGetAll(ctx, KeyPrefix+connID).Scan(&rec))
	return rec, true
}

func TestStore_Lifecycle(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)
	ctx := context.Background()
	connID := uuid.NewString()

	req.NoError(s.Create(ctx, connID, "u1", "alice"))

	rec, ok := readRecord(t, s, connID)
	req.True(ok)
	req.Equal(connID, rec.ConnID)
	req.Equal("u1", rec.UserID)
	req.Equal("alice", rec.Username)
	req.Equal("test-relay", rec.Server)
	req.NotZero(rec.ConnectedAt)

	ttl, err := s.client.TTL(ctx, KeyPrefix+connID).Result()
	req.NoError(err)
	req.Greater(ttl, time.Duration(0))

	later := time.Now().Add(time.Hour)
	s.now = func() time.Time { return later }
	req.NoError(s.Touch(ctx, connID))
	rec, ok = readRecord(t, s, connID)
	req.True(ok)
	req.Equal(later.Unix(), rec.LastPong)

	req.NoError(s.Delete(ctx, connID))
	_, ok = readRecord(t, s, connID)
	req.False(ok)

	req.NoError(s.Delete(ctx, connID))
}

func TestStore_TouchMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	connID := uuid.NewString()

	require.ErrorIs(t, s.Touch(ctx, connID), ErrNotFound)
	_, ok := readRecord(t, s, connID)
	require.False(t, ok, "touch must not recreate the record")
}
