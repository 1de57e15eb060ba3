package session

import (
	"context"
	"fmt"
	"time"

	"github.com/elweshaq/El-WeshaqBot/internal/cache"
)

// Store keeps admin sessions in Redis keyed by user id, each with its own TTL.
// Sessions expire server-side; there is no in-process session state.
type Store struct {
	redis *cache.Redis
	ttl   time.Duration
}

type record struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a session store with the given TTL.
func New(redis *cache.Redis, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{redis: redis, ttl: ttl}
}

// Open creates or refreshes a session for the user.
func (s *Store) Open(ctx context.Context, userID string) error {
	rec := record{UserID: userID, CreatedAt: time.Now()}
	return s.redis.SetJSON(ctx, key(userID), rec, s.ttl)
}

// Valid reports whether the user currently holds a live session.
func (s *Store) Valid(ctx context.Context, userID string) (bool, error) {
	var rec record
	return s.redis.GetJSON(ctx, key(userID), &rec)
}

// Close terminates the session, if any.
func (s *Store) Close(ctx context.Context, userID string) error {
	return s.redis.Delete(ctx, key(userID))
}

func key(userID string) string {
	return fmt.Sprintf("admin_session:%s", userID)
}
