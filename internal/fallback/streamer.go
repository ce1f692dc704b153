package fallback

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/camlink/internal/models"
)

// FrameSource yields the current outgoing picture.
type FrameSource interface {
	Snapshot() (image.Image, error)
}

// Sender relays a message into the room.
type Sender interface {
	Send(msg models.SignalMessage) error
}

type StreamerConfig struct {
	RoomCode string
	Source   FrameSource
	Sender   Sender
	// Interval between captures, DefaultInterval when zero.
	Interval time.Duration
	// Depth of the delay buffer, DefaultDepth when zero. The end-to-end delay
	// is Depth * Interval.
	Depth   int
	Quality int
	Log     *slog.Logger
}

type bufferedFrame struct {
	image      string
	capturedAt time.Time
	width      int
	height     int
}

// Streamer captures stills at a fixed rate and relays each one after a fixed
// delay. It is the camera half of the fallback channel.
type Streamer struct {
	cfg StreamerConfig
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	buffer  []bufferedFrame
	sent    int
}

func NewStreamer(cfg StreamerConfig) *Streamer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	if cfg.Quality <= 0 {
		cfg.Quality = DefaultQuality
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Streamer{
		cfg: cfg,
		log: log.With(slog.String("component", "fallback"), slog.String("room", cfg.RoomCode)),
		now: time.Now,
	}
}

// Start begins capturing. Starting a running streamer is a no-op.
func (s *Streamer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.buffer = nil

	s.log.Info("fallback stream started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("depth", s.cfg.Depth))
	go s.loop(ctx, s.done)
}

// Stop halts capturing and drops buffered frames. It waits for the capture
// loop to exit.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	s.buffer = nil
	s.mu.Unlock()
	s.log.Info("fallback stream stopped")
}

func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Sent is the number of frames relayed since creation.
func (s *Streamer) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *Streamer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick captures one frame and relays the oldest once the buffer is over
// depth.
func (s *Streamer) tick() {
	img, err := s.cfg.Source.Snapshot()
	if err != nil {
		s.log.Debug("snapshot failed", slog.Any("error", err))
		return
	}
	encoded, err := EncodeImage(img, s.cfg.Quality)
	if err != nil {
		s.log.Warn("failed to encode frame", slog.Any("error", err))
		return
	}
	bounds := img.Bounds()

	s.mu.Lock()
	s.buffer = append(s.buffer, bufferedFrame{
		image:      encoded,
		capturedAt: s.now(),
		width:      bounds.Dx(),
		height:     bounds.Dy(),
	})
	if len(s.buffer) <= s.cfg.Depth {
		s.mu.Unlock()
		return
	}
	oldest := s.buffer[0]
	s.buffer = s.buffer[1:]
	s.mu.Unlock()

	err = s.cfg.Sender.Send(models.SignalMessage{
		Type:      models.SignalTypeFallbackFrame,
		RoomCode:  s.cfg.RoomCode,
		Image:     oldest.image,
		Timestamp: oldest.capturedAt.UnixMilli(),
		Width:     oldest.width,
		Height:    oldest.height,
	})
	if err != nil {
		s.log.Debug("failed to relay frame", slog.Any("error", err))
		return
	}

	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
}
