package fallback

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mossy-p/camlink/internal/models"
)

// Renderer paints a fallback frame in place of live video.
type Renderer interface {
	Render(frame Frame) error
}

// Display is the viewer half of the fallback channel. Frames are painted only
// while it is active.
type Display struct {
	roomCode string
	renderer Renderer
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	active   bool
	rendered int
	last     Frame
}

func NewDisplay(roomCode string, renderer Renderer, log *slog.Logger) *Display {
	return &Display{
		roomCode: roomCode,
		renderer: renderer,
		log:      log.With(slog.String("component", "fallback"), slog.String("room", roomCode)),
		now:      time.Now,
	}
}

// Activate starts painting incoming frames.
func (d *Display) Activate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		d.log.Info("showing fallback video")
	}
	d.active = true
}

// Deactivate stops painting; live video takes over.
func (d *Display) Deactivate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		d.log.Info("fallback video stopped", slog.Int("rendered", d.rendered))
	}
	d.active = false
}

func (d *Display) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Rendered is the number of frames painted so far.
func (d *Display) Rendered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rendered
}

// Last returns the most recently painted frame.
func (d *Display) Last() (Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.rendered > 0
}

// Handle paints a fallback_frame message. It reports whether the frame was
// rendered.
func (d *Display) Handle(msg models.SignalMessage) bool {
	if msg.RoomCode != "" && msg.RoomCode != d.roomCode {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return false
	}

	frame, err := FromMessage(msg, d.now())
	if err != nil {
		d.log.Debug("dropping frame", slog.Any("error", err))
		return false
	}
	if err := d.renderer.Render(frame); err != nil {
		d.log.Warn("failed to render frame", slog.Any("error", err))
		return false
	}
	d.rendered++
	d.last = frame
	return true
}

// FileRenderer writes each frame over latest.jpg in a directory.
type FileRenderer struct {
	Dir string
}

func (r FileRenderer) Render(frame Frame) error {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return fmt.Errorf("create frame dir: %w", err)
	}
	tmp := filepath.Join(r.Dir, "latest.jpg.tmp")
	if err := os.WriteFile(tmp, frame.Data, 0o644); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return os.Rename(tmp, filepath.Join(r.Dir, "latest.jpg"))
}
