package codes

import (
	"context"
	"sync"
	"time"
)

type reservation struct {
	expiresAt time.Time
	assigned  bool
}

func (r reservation) live(now time.Time) bool {
	return now.Before(r.expiresAt)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.Mutex
	codes map[string]reservation
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes: make(map[string]reservation),
		now:   time.Now,
	}
}

func (s *MemoryStore) Reserve(ctx context.Context, code string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.codes[code]; ok && r.live(s.now()) {
		return false, nil
	}
	s.codes[code] = reservation{expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Claim(ctx context.Context, code string, ttl time.Duration) (bool, error) {
	return s.hold(ctx, code, ttl, false)
}

func (s *MemoryStore) Refresh(ctx context.Context, code string, ttl time.Duration) (bool, error) {
	return s.hold(ctx, code, ttl, true)
}

// hold extends a live code to ttl from now. With assignedOnly, bare
// reservations are left alone.
func (s *MemoryStore) hold(ctx context.Context, code string, ttl time.Duration, assignedOnly bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r, ok := s.codes[code]
	if !ok || !r.live(now) {
		delete(s.codes, code)
		return false, nil
	}
	if assignedOnly && !r.assigned {
		return false, nil
	}
	s.codes[code] = reservation{expiresAt: now.Add(ttl), assigned: true}
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}
