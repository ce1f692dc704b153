package codes

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedStore rejects the first n reservations.
type scriptedStore struct {
	*MemoryStore
	reject   int
	attempts int
}

func (s *scriptedStore) Reserve(ctx context.Context, code string, ttl time.Duration) (bool, error) {
	s.attempts++
	if s.attempts <= s.reject {
		return false, nil
	}
	return s.MemoryStore.Reserve(ctx, code, ttl)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("482913"))
	assert.True(t, Valid("000000"))
	assert.False(t, Valid("48291"))
	assert.False(t, Valid("4829134"))
	assert.False(t, Valid("48a913"))
	assert.False(t, Valid(""))
}

func TestGenerator_Generate(t *testing.T) {
	store := NewMemoryStore()
	g := NewGenerator(store, time.Minute, discardLogger())

	code, err := g.Generate(context.Background())
	require.NoError(t, err)
	assert.True(t, Valid(code.Value), "generated code %q should be six digits", code.Value)
	assert.Equal(t, time.Minute, code.ExpiresAt.Sub(code.CreatedAt))

	// The code is now reserved and cannot be handed out twice.
	ok, err := store.Reserve(context.Background(), code.Value, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerator_RetriesOnCollision(t *testing.T) {
	store := &scriptedStore{MemoryStore: NewMemoryStore(), reject: 3}
	g := NewGenerator(store, time.Minute, discardLogger())

	_, err := g.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, store.attempts)
}

func TestGenerator_Exhausted(t *testing.T) {
	store := &scriptedStore{MemoryStore: NewMemoryStore(), reject: maxAttempts}
	g := NewGenerator(store, time.Minute, discardLogger())

	_, err := g.Generate(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }

	ok, err := store.Claim(ctx, "123456", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "unreserved code cannot be claimed")

	ok, err = store.Reserve(ctx, "123456", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Claim(ctx, "123456", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	// Assigned codes outlive the reservation window.
	now = now.Add(30 * time.Minute)
	ok, err = store.Claim(ctx, "123456", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Reserve(ctx, "123456", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "assigned code is not handed out again")

	require.NoError(t, store.Release(ctx, "123456"))
	ok, err = store.Claim(ctx, "123456", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_RefreshExtendsAssignment(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }

	ok, err := store.Reserve(ctx, "246810", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Refresh(ctx, "246810", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "a bare reservation is not refreshed into an assignment")

	ok, err = store.Claim(ctx, "246810", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(50 * time.Minute)
	ok, err = store.Refresh(ctx, "246810", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(50 * time.Minute)
	ok, err = store.Reserve(ctx, "246810", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "refreshed code is still held")

	// Without refreshes the hold lapses and the code is free again.
	now = now.Add(2 * time.Hour)
	ok, err = store.Refresh(ctx, "246810", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.Reserve(ctx, "246810", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_ReservationExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }

	ok, err := store.Reserve(ctx, "654321", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)

	ok, err = store.Claim(ctx, "654321", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "expired reservation must not admit a join")

	ok, err = store.Reserve(ctx, "654321", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired code is free again")
}
