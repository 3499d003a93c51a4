// Package session keeps an ephemeral record of each live socket session in
// Redis: which server holds it and which identity, if any, is bound to it.
// Room membership is deliberately absent; clients rejoin after reconnecting.
package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session is a socket session as stored in Redis. UserID is zero until an
// identity is bound.
type Session struct {
	ID         string `redis:"id"`
	Server     string `redis:"server"` // which server instance holds the socket
	UserID     int64  `redis:"user_id"`
	Role       string `redis:"role"`
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new anonymous session with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"id", sessionID,
		"server", s.serverName,
		"user_id", 0,
		"role", "",
		"created_at", now,
		"last_active", now,
	)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	if err := s.client.HGetAll(ctx, key).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// BindUser records the identity bound to the session and refreshes the TTL.
func (s *Store) BindUser(ctx context.Context, sessionID string, userID int64, role string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"user_id", strconv.FormatInt(userID, 10),
		"role", role,
		"last_active", time.Now().Unix(),
	)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch marks the session active and extends its TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, SessionPrefix+sessionID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
