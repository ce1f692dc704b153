// Package registry is the single source of truth for who is in which room.
// Each open room is owned by one goroutine; every membership change and the
// broadcast it causes run inside that goroutine, so a joiner never observes
// a stale membership count and relays from one sender stay in order.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/camlink/internal/codes"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/token"
)

var (
	ErrInvalidCode   = errors.New("invalid or expired room code")
	ErrInvalidRole   = errors.New("invalid role")
	ErrRoomFull      = errors.New("room is full")
	ErrNotInRoom     = errors.New("connection is not in a room")
	ErrAlreadyInRoom = errors.New("connection is already in a room")
	ErrTimeout       = errors.New("timed out validating room code")
	ErrNotRelayable  = errors.New("message type is not relayed")

	errRoomClosed = errors.New("room closed")
)

const joinAttempts = 3

// Sink delivers encoded messages to one connection. Send must not block;
// it reports false when the message was dropped.
type Sink interface {
	Send(data []byte) bool
}

// Presence mirrors room membership outside the process.
type Presence interface {
	AddMember(ctx context.Context, code, memberID string) error
	RemoveMember(ctx context.Context, code, memberID string) error
}

// Tokens issues and verifies rejoin tokens.
type Tokens interface {
	Issue(roomCode string, role models.Role, memberID string) (string, error)
	Parse(tokenString string) (*token.Claims, error)
}

type Options struct {
	MaxMembers  int
	IdleTimeout time.Duration
	JoinTimeout time.Duration
	// AllowAdhoc admits joins with well-formed codes that were never generated.
	AllowAdhoc bool
	// ReserveTTL bounds re-reservation when a rejoin recreates a room.
	ReserveTTL time.Duration
	// ClaimTTL is how long an open room's code stays held without a
	// refresh. Rooms with members refresh it on every sweep.
	ClaimTTL time.Duration
}

// JoinRequest describes one connection asking to become a room member.
type JoinRequest struct {
	Code   string
	Role   models.Role
	ConnID string
	Sink   Sink
	// MemberID is set when re-attaching an existing member.
	MemberID string
}

// JoinResult is what the joiner learns on admission.
type JoinResult struct {
	RoomCode     string
	MemberID     string
	TotalMembers int
	// Replaced is set when a stale connection of the same member was evicted.
	Replaced bool
}

type binding struct {
	code       string
	memberID   string
	subscriber bool
}

type Registry struct {
	store    codes.Store
	tokens   Tokens
	presence Presence
	opts     Options
	log      *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
	conns map[string]binding
}

// New creates a registry. presence may be nil.
func New(store codes.Store, tokens Tokens, presence Presence, opts Options, log *slog.Logger) *Registry {
	if opts.MaxMembers < 2 {
		opts.MaxMembers = 2
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 5 * time.Second
	}
	if opts.ReserveTTL <= 0 {
		opts.ReserveTTL = 10 * time.Minute
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = time.Hour
		if opts.IdleTimeout > 0 {
			opts.ClaimTTL = 2 * opts.IdleTimeout
		}
	}
	return &Registry{
		store:    store,
		tokens:   tokens,
		presence: presence,
		opts:     opts,
		log:      log.With(slog.String("component", "registry")),
		rooms:    make(map[string]*room),
		conns:    make(map[string]binding),
	}
}

// Join admits the connection to the room keyed by req.Code.
func (reg *Registry) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	return reg.join(ctx, req, false)
}

// Rejoin re-attaches the holder of a rejoin token to its previous room and
// role. A stale connection still registered for the same member is evicted
// so the membership count is unchanged by the reload. If the room closed in
// the meantime it is opened again, provided its code is still free.
func (reg *Registry) Rejoin(ctx context.Context, tokenString, connID string, sink Sink) (JoinResult, error) {
	claims, err := reg.tokens.Parse(tokenString)
	if err != nil {
		return JoinResult{}, err
	}
	return reg.join(ctx, JoinRequest{
		Code:     claims.RoomCode,
		Role:     claims.Role,
		ConnID:   connID,
		Sink:     sink,
		MemberID: claims.MemberID,
	}, true)
}

func (reg *Registry) join(ctx context.Context, req JoinRequest, recreate bool) (JoinResult, error) {
	if !codes.Valid(req.Code) {
		return JoinResult{}, ErrInvalidCode
	}
	if !req.Role.Valid() {
		return JoinResult{}, ErrInvalidRole
	}
	if _, ok := reg.lookup(req.ConnID); ok {
		return JoinResult{}, ErrAlreadyInRoom
	}

	ctx, cancel := context.WithTimeout(ctx, reg.opts.JoinTimeout)
	defer cancel()

	m := &Member{
		ID:       req.MemberID,
		Role:     req.Role,
		RoomCode: req.Code,
		JoinedAt: time.Now(),
		connID:   req.ConnID,
		sink:     req.Sink,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	for attempt := 0; attempt < joinAttempts; attempt++ {
		rm, err := reg.roomFor(ctx, req.Code, recreate)
		if err != nil {
			return JoinResult{}, err
		}

		var (
			res     JoinResult
			joinErr error
		)
		err = rm.do(ctx, func() { res, joinErr = rm.join(reg, m) })
		switch {
		case errors.Is(err, errRoomClosed):
			continue
		case errors.Is(err, context.DeadlineExceeded):
			return JoinResult{}, ErrTimeout
		case err != nil:
			return JoinResult{}, err
		}
		return res, joinErr
	}
	return JoinResult{}, ErrInvalidCode
}

// roomFor returns the open room for code, opening it when the code holds a
// live reservation.
func (reg *Registry) roomFor(ctx context.Context, code string, recreate bool) (*room, error) {
	reg.mu.Lock()
	rm, ok := reg.rooms[code]
	reg.mu.Unlock()
	if ok {
		return rm, nil
	}

	if err := reg.admit(ctx, code, recreate); err != nil {
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if rm, ok := reg.rooms[code]; ok {
		return rm, nil
	}
	rm = newRoom(code, reg.log)
	reg.rooms[code] = rm
	go rm.run(reg, reg.opts.IdleTimeout)
	reg.log.Info("room opened", slog.String("room", code))
	return rm, nil
}

func (reg *Registry) admit(ctx context.Context, code string, recreate bool) error {
	ok, err := reg.store.Claim(ctx, code, reg.opts.ClaimTTL)
	if err != nil {
		return reg.storeError(err)
	}
	if ok {
		return nil
	}
	if !recreate && !reg.opts.AllowAdhoc {
		return ErrInvalidCode
	}

	reserved, err := reg.store.Reserve(ctx, code, reg.opts.ReserveTTL)
	if err != nil {
		return reg.storeError(err)
	}
	if !reserved {
		return ErrInvalidCode
	}
	if ok, err = reg.store.Claim(ctx, code, reg.opts.ClaimTTL); err != nil {
		return reg.storeError(err)
	}
	if !ok {
		return ErrInvalidCode
	}
	return nil
}

func (reg *Registry) storeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return fmt.Errorf("validate code: %w", err)
}

// Leave removes the connection from its room, if any.
func (reg *Registry) Leave(ctx context.Context, connID string) {
	b, ok := reg.lookup(connID)
	if !ok {
		return
	}
	rm := reg.room(b.code)
	if rm == nil {
		return
	}
	_ = rm.do(ctx, func() { rm.leave(reg, connID) })
}

// Relay forwards raw verbatim to every other connection of the sender's room.
// Fallback frames also reach fallback subscribers; subscribers may only send
// fallback frames.
func (reg *Registry) Relay(ctx context.Context, connID string, msgType models.SignalType, raw []byte) error {
	msgType = msgType.Canonical()
	if !msgType.Relayed() {
		return ErrNotRelayable
	}
	b, ok := reg.lookup(connID)
	if !ok {
		return ErrNotInRoom
	}
	if b.subscriber && msgType != models.SignalTypeFallbackFrame {
		return ErrNotRelayable
	}
	rm := reg.room(b.code)
	if rm == nil {
		return ErrNotInRoom
	}
	return rm.do(ctx, func() { rm.relay(connID, msgType, raw) })
}

// SubscribeFallback attaches a connection to a room's fallback frames
// without making it a member.
func (reg *Registry) SubscribeFallback(ctx context.Context, code, connID string, role models.Role, sink Sink) error {
	if !codes.Valid(code) {
		return ErrInvalidCode
	}
	if _, ok := reg.lookup(connID); ok {
		return ErrAlreadyInRoom
	}
	rm := reg.room(code)
	if rm == nil {
		return ErrInvalidCode
	}
	var err error
	if doErr := rm.do(ctx, func() { err = rm.subscribe(reg, connID, role, sink) }); doErr != nil {
		if errors.Is(doErr, errRoomClosed) {
			return ErrInvalidCode
		}
		return doErr
	}
	return err
}

// Close shuts a room down, notifying everyone in it.
func (reg *Registry) Close(ctx context.Context, code, reason string) error {
	rm := reg.room(code)
	if rm == nil {
		return ErrInvalidCode
	}
	err := rm.do(ctx, func() { rm.shutdown(reg, reason) })
	if errors.Is(err, errRoomClosed) {
		return ErrInvalidCode
	}
	return err
}

// Info returns the public view of an open room.
func (reg *Registry) Info(ctx context.Context, code string) (models.RoomInfo, error) {
	rm := reg.room(code)
	if rm == nil {
		return models.RoomInfo{}, ErrInvalidCode
	}
	var info models.RoomInfo
	if err := rm.do(ctx, func() { info = rm.info() }); err != nil {
		if errors.Is(err, errRoomClosed) {
			return models.RoomInfo{}, ErrInvalidCode
		}
		return models.RoomInfo{}, err
	}
	return info, nil
}

// RoomOf reports the room code a connection belongs to.
func (reg *Registry) RoomOf(connID string) (string, bool) {
	b, ok := reg.lookup(connID)
	return b.code, ok
}

// Len returns the number of open rooms.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Shutdown closes every open room.
func (reg *Registry) Shutdown(ctx context.Context) {
	reg.mu.Lock()
	open := make([]*room, 0, len(reg.rooms))
	for _, rm := range reg.rooms {
		open = append(open, rm)
	}
	reg.mu.Unlock()

	for _, rm := range open {
		_ = rm.do(ctx, func() { rm.shutdown(reg, "server shutting down") })
	}
}

func (reg *Registry) room(code string) *room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.rooms[code]
}

func (reg *Registry) lookup(connID string) (binding, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	b, ok := reg.conns[connID]
	return b, ok
}

func (reg *Registry) bind(connID string, b binding) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.conns[connID] = b
}

func (reg *Registry) unbind(connID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.conns, connID)
}

// forget drops a closed room and frees its code.
func (reg *Registry) forget(rm *room) {
	reg.mu.Lock()
	if reg.rooms[rm.code] == rm {
		delete(reg.rooms, rm.code)
	}
	reg.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), reg.opts.JoinTimeout)
	defer cancel()
	if err := reg.store.Release(ctx, rm.code); err != nil {
		reg.log.Warn("failed to release code", slog.String("room", rm.code), slog.Any("error", err))
	}
	reg.log.Info("room closed", slog.String("room", rm.code))
}

// refreshCode keeps an in-use room's code held.
func (reg *Registry) refreshCode(code string) {
	ctx, cancel := context.WithTimeout(context.Background(), reg.opts.JoinTimeout)
	defer cancel()
	ok, err := reg.store.Refresh(ctx, code, reg.opts.ClaimTTL)
	switch {
	case err != nil:
		reg.log.Warn("failed to refresh code", slog.String("room", code), slog.Any("error", err))
	case !ok:
		reg.log.Warn("code hold lapsed while room open", slog.String("room", code))
	}
}

func (reg *Registry) presenceAdd(code, memberID string) {
	if reg.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reg.opts.JoinTimeout)
	defer cancel()
	if err := reg.presence.AddMember(ctx, code, memberID); err != nil {
		reg.log.Warn("presence add failed", slog.String("room", code), slog.Any("error", err))
	}
}

func (reg *Registry) presenceRemove(code, memberID string) {
	if reg.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reg.opts.JoinTimeout)
	defer cancel()
	if err := reg.presence.RemoveMember(ctx, code, memberID); err != nil {
		reg.log.Warn("presence remove failed", slog.String("room", code), slog.Any("error", err))
	}
}
