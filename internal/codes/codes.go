// Package codes issues the 6-digit pairing codes that key rooms.
package codes

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/mossy-p/camlink/internal/models"
)

const (
	// Length is the number of digits in a pairing code.
	Length = 6

	codeSpace   = 1_000_000
	maxAttempts = 64
)

var (
	ErrExhausted   = errors.New("pairing code space exhausted")
	ErrInvalidCode = errors.New("invalid pairing code")
)

// Store keeps track of which codes are reserved or assigned to an open room.
type Store interface {
	// Reserve marks code as handed out until ttl elapses. It reports false
	// when the code is already reserved or assigned.
	Reserve(ctx context.Context, code string, ttl time.Duration) (bool, error)
	// Claim converts a live reservation into an assignment held for ttl.
	// It reports false when the code was never reserved or the reservation
	// expired. Claiming an assigned code succeeds and restarts its ttl.
	Claim(ctx context.Context, code string, ttl time.Duration) (bool, error)
	// Refresh restarts the ttl of an assigned code while its room is in
	// use. It reports false when the code is no longer held.
	Refresh(ctx context.Context, code string, ttl time.Duration) (bool, error)
	// Release frees the code once its room is closed.
	Release(ctx context.Context, code string) error
}

// Valid reports whether code is exactly six ASCII digits.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// Generator hands out codes that are not held by any reservation or room.
type Generator struct {
	store  Store
	ttl    time.Duration
	log    *slog.Logger
	random io.Reader
	now    func() time.Time
}

// NewGenerator creates a generator whose codes stay reserved for ttl.
func NewGenerator(store Store, ttl time.Duration, log *slog.Logger) *Generator {
	return &Generator{
		store:  store,
		ttl:    ttl,
		log:    log.With(slog.String("component", "codes")),
		random: rand.Reader,
		now:    time.Now,
	}
}

// Generate reserves and returns a fresh code, retrying on collision.
func (g *Generator) Generate(ctx context.Context) (models.PairingCode, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := g.randomCode()
		if err != nil {
			return models.PairingCode{}, err
		}

		ok, err := g.store.Reserve(ctx, code, g.ttl)
		if err != nil {
			return models.PairingCode{}, fmt.Errorf("reserve code: %w", err)
		}
		if !ok {
			g.log.Debug("code collision", slog.String("code", code), slog.Int("attempt", attempt))
			continue
		}

		now := g.now()
		g.log.Info("code generated", slog.String("code", code))
		return models.PairingCode{
			Value:     code,
			CreatedAt: now,
			ExpiresAt: now.Add(g.ttl),
		}, nil
	}
	return models.PairingCode{}, ErrExhausted
}

func (g *Generator) randomCode() (string, error) {
	n, err := rand.Int(g.random, big.NewInt(codeSpace))
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
