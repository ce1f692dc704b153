package viewer

import (
	"errors"
	"log/slog"

	"github.com/mossy-p/camlink/internal/fallback"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/signal"
)

var ErrNoRoomCode = errors.New("fallback watch needs a room code")

// WatchChannel is the signaling channel as a fallback-only watcher uses it.
type WatchChannel interface {
	Send(msg models.SignalMessage) error
	On(t models.SignalType, h signal.Handler)
	OnReconnect(fn func())
}

// Watcher receives a room's fallback frames without taking a member slot.
// It never negotiates, so every frame is painted.
type Watcher struct {
	ch      WatchChannel
	code    string
	display *fallback.Display
	log     *slog.Logger
}

func NewWatcher(ch WatchChannel, code string, renderer fallback.Renderer, log *slog.Logger) *Watcher {
	log = log.With(slog.String("component", "watcher"), slog.String("room", code))
	w := &Watcher{
		ch:      ch,
		code:    code,
		display: fallback.NewDisplay(code, renderer, log),
		log:     log,
	}
	w.display.Activate()

	ch.On(models.SignalTypeFallbackFrame, func(msg models.SignalMessage) {
		w.display.Handle(msg)
	})
	ch.On(models.SignalTypeJoinRoomError, func(msg models.SignalMessage) {
		w.log.Warn("fallback subscription refused", slog.String("reason", msg.Message))
	})
	ch.On(models.SignalTypeRoomClosed, func(msg models.SignalMessage) {
		w.log.Info("room closed", slog.String("reason", msg.Message))
		w.display.Deactivate()
	})
	// Subscriptions die with the connection.
	ch.OnReconnect(func() {
		if err := w.Subscribe(); err != nil {
			w.log.Warn("resubscribe failed", slog.Any("error", err))
		}
	})
	return w
}

// Subscribe asks the server to forward the room's fallback frames.
func (w *Watcher) Subscribe() error {
	if w.code == "" {
		return ErrNoRoomCode
	}
	w.display.Activate()
	w.log.Info("subscribing to fallback frames")
	return w.ch.Send(models.SignalMessage{
		Type:     models.SignalTypeJoinFallbackRoom,
		RoomCode: w.code,
		Role:     models.RoleViewer,
	})
}

func (w *Watcher) Rendered() int {
	return w.display.Rendered()
}

func (w *Watcher) Last() (fallback.Frame, bool) {
	return w.display.Last()
}
