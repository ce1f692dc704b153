package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/camlink/config"
	"github.com/redis/go-redis/v9"
)

const (
	valueReserved = "reserved"
	valueAssigned = "assigned"
	presenceTTL   = 24 * time.Hour
)

// Store keeps pairing code reservations and room presence in Redis.
// It implements codes.Store and registry.Presence.
type Store struct {
	client *redis.Client
}

// Connect initializes the Redis client and checks the connection
func Connect(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client), nil
}

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func codeKey(code string) string {
	return "code:" + code
}

func membersKey(code string) string {
	return "room:" + code + ":members"
}

// Reserve stores the code with a TTL unless it is already held.
func (s *Store) Reserve(ctx context.Context, code string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, codeKey(code), valueReserved, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", code, err)
	}
	return ok, nil
}

// Claim marks a reserved code as assigned and holds it for ttl. The hold
// is refreshed while the room is in use, so a crashed server's codes
// still expire.
func (s *Store) Claim(ctx context.Context, code string, ttl time.Duration) (bool, error) {
	// SET XX only succeeds while the reservation or assignment exists.
	ok, err := s.client.SetXX(ctx, codeKey(code), valueAssigned, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", code, err)
	}
	return ok, nil
}

// Refresh restarts the hold on an assigned code.
func (s *Store) Refresh(ctx context.Context, code string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, codeKey(code), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("refresh %s: %w", code, err)
	}
	return ok, nil
}

// Release deletes the code and the room's presence set.
func (s *Store) Release(ctx context.Context, code string) error {
	if err := s.client.Del(ctx, codeKey(code), membersKey(code)).Err(); err != nil {
		return fmt.Errorf("release %s: %w", code, err)
	}
	return nil
}

// AddMember mirrors a member into the room's presence set.
func (s *Store) AddMember(ctx context.Context, code, memberID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, membersKey(code), memberID)
	pipe.Expire(ctx, membersKey(code), presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add member %s to %s: %w", memberID, code, err)
	}
	return nil
}

// RemoveMember drops a member from the room's presence set.
func (s *Store) RemoveMember(ctx context.Context, code, memberID string) error {
	if err := s.client.SRem(ctx, membersKey(code), memberID).Err(); err != nil {
		return fmt.Errorf("remove member %s from %s: %w", memberID, code, err)
	}
	return nil
}
