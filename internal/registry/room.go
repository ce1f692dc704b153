package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mossy-p/camlink/internal/models"
)

// Member is one connected participant of a room. It is owned by its room.
type Member struct {
	ID       string
	Role     models.Role
	RoomCode string
	JoinedAt time.Time

	connID string
	sink   Sink
}

type subscriber struct {
	role models.Role
	sink Sink
}

// room is only ever touched from its own run goroutine.
type room struct {
	code         string
	createdAt    time.Time
	lastActivity time.Time
	members      map[string]*Member
	subscribers  map[string]*subscriber
	closed       bool

	inbox chan func()
	done  chan struct{}
	log   *slog.Logger
}

func newRoom(code string, log *slog.Logger) *room {
	now := time.Now()
	return &room{
		code:         code,
		createdAt:    now,
		lastActivity: now,
		members:      make(map[string]*Member),
		subscribers:  make(map[string]*subscriber),
		inbox:        make(chan func()),
		done:         make(chan struct{}),
		log:          log.With(slog.String("room", code)),
	}
}

func sweepInterval(idle time.Duration) time.Duration {
	interval := time.Minute
	if idle > 0 && idle/4 < interval {
		interval = idle / 4
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

func (r *room) run(reg *Registry, idle time.Duration) {
	defer close(r.done)

	sweep := time.NewTicker(sweepInterval(idle))
	defer sweep.Stop()

	emptyGrace := 2 * reg.opts.JoinTimeout

	for {
		select {
		case op := <-r.inbox:
			op()
		case now := <-sweep.C:
			switch {
			case len(r.members) == 0 && now.Sub(r.createdAt) > emptyGrace:
				// Opened for a join that never completed.
				r.shutdown(reg, "")
			case idle > 0 && now.Sub(r.lastActivity) >= idle:
				r.log.Info("closing idle room")
				r.shutdown(reg, "room idle")
			case len(r.members) > 0:
				reg.refreshCode(r.code)
			}
		}
		if r.closed {
			return
		}
	}
}

// do runs fn on the room goroutine and waits for it to finish.
func (r *room) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}

	select {
	case r.inbox <- op:
	case <-r.done:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (r *room) join(reg *Registry, m *Member) (JoinResult, error) {
	old, replaced := r.members[m.ID]
	if replaced {
		reg.unbind(old.connID)
		r.log.Info("member reattached", slog.String("member", m.ID), slog.String("role", string(m.Role)))
	} else if len(r.members) >= reg.opts.MaxMembers {
		return JoinResult{}, ErrRoomFull
	}

	hadOthers := len(r.members) > 0
	if replaced {
		hadOthers = len(r.members) > 1
	}

	r.members[m.ID] = m
	reg.bind(m.connID, binding{code: r.code, memberID: m.ID})
	reg.presenceAdd(r.code, m.ID)
	r.lastActivity = time.Now()

	welcome := models.SignalMessage{
		Type:     models.SignalTypeJoinRoomSuccess,
		RoomCode: r.code,
		MemberID: m.ID,
	}
	if reg.tokens != nil {
		rejoin, err := reg.tokens.Issue(r.code, m.Role, m.ID)
		if err != nil {
			r.log.Warn("failed to issue rejoin token", slog.String("member", m.ID), slog.Any("error", err))
		}
		welcome.RejoinToken = rejoin
	}
	r.send(m.sink, welcome)

	// Existing members hear about the arrival before the new count, so a
	// camera starts exactly one negotiation per arrival.
	if hadOthers {
		arrived := models.SignalMessage{
			Type:     models.SignalTypeViewerJoined,
			RoomCode: r.code,
			Role:     m.Role,
		}
		for id, other := range r.members {
			if id != m.ID {
				r.send(other.sink, arrived)
			}
		}
	}
	r.broadcastUpdate()

	r.log.Info("member joined",
		slog.String("member", m.ID),
		slog.String("role", string(m.Role)),
		slog.Int("total_members", len(r.members)))

	return JoinResult{
		RoomCode:     r.code,
		MemberID:     m.ID,
		TotalMembers: len(r.members),
		Replaced:     replaced,
	}, nil
}

func (r *room) leave(reg *Registry, connID string) {
	if _, ok := r.subscribers[connID]; ok {
		delete(r.subscribers, connID)
		reg.unbind(connID)
		return
	}

	m := r.memberByConn(connID)
	if m == nil {
		// Already replaced by a newer connection of the same member.
		reg.unbind(connID)
		return
	}

	delete(r.members, m.ID)
	reg.unbind(connID)
	reg.presenceRemove(r.code, m.ID)
	r.log.Info("member left",
		slog.String("member", m.ID),
		slog.String("role", string(m.Role)),
		slog.Int("total_members", len(r.members)))

	if len(r.members) == 0 {
		r.shutdown(reg, "")
		return
	}
	r.broadcastUpdate()
}

func (r *room) relay(connID string, msgType models.SignalType, raw []byte) {
	r.lastActivity = time.Now()

	for _, m := range r.members {
		if m.connID == connID {
			continue
		}
		if !m.sink.Send(raw) {
			r.log.Warn("dropped relayed message", slog.String("member", m.ID), slog.String("type", string(msgType)))
		}
	}

	if msgType != models.SignalTypeFallbackFrame {
		return
	}
	for id, sub := range r.subscribers {
		if id == connID {
			continue
		}
		if !sub.sink.Send(raw) {
			r.log.Debug("dropped fallback frame", slog.String("subscriber", id))
		}
	}
}

func (r *room) subscribe(reg *Registry, connID string, role models.Role, sink Sink) error {
	if len(r.subscribers) >= 2*reg.opts.MaxMembers {
		return ErrRoomFull
	}
	r.subscribers[connID] = &subscriber{role: role, sink: sink}
	reg.bind(connID, binding{code: r.code, subscriber: true})
	r.log.Info("fallback subscriber attached", slog.String("role", string(role)))
	return nil
}

// shutdown notifies everyone left in the room, unbinds them and frees the
// code. An empty reason closes silently.
func (r *room) shutdown(reg *Registry, reason string) {
	closing := models.SignalMessage{
		Type:     models.SignalTypeRoomClosed,
		RoomCode: r.code,
		Message:  reason,
	}
	for _, m := range r.members {
		if reason != "" {
			r.send(m.sink, closing)
		}
		reg.unbind(m.connID)
		reg.presenceRemove(r.code, m.ID)
	}
	for id, sub := range r.subscribers {
		r.send(sub.sink, closing)
		reg.unbind(id)
	}
	r.members = map[string]*Member{}
	r.subscribers = map[string]*subscriber{}
	r.closed = true
	reg.forget(r)
}

func (r *room) info() models.RoomInfo {
	info := models.RoomInfo{
		RoomCode:     r.code,
		TotalMembers: len(r.members),
		Status:       models.StatusFor(len(r.members)),
		Subscribers:  len(r.subscribers),
		CreatedAt:    r.createdAt,
	}
	for _, m := range r.members {
		switch m.Role {
		case models.RoleCamera:
			info.Cameras++
		case models.RoleViewer:
			info.Viewers++
		}
	}
	return info
}

func (r *room) memberByConn(connID string) *Member {
	for _, m := range r.members {
		if m.connID == connID {
			return m
		}
	}
	return nil
}

func (r *room) broadcastUpdate() {
	update := models.NewRoomUpdate(r.code, len(r.members))
	for _, m := range r.members {
		r.send(m.sink, update)
	}
}

func (r *room) send(sink Sink, msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("failed to marshal message", slog.Any("error", err))
		return
	}
	if !sink.Send(data) {
		r.log.Warn("failed to deliver message, buffer full", slog.String("type", string(msg.Type)))
	}
}
