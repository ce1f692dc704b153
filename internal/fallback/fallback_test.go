package fallback

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/camlink/internal/logger"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type solidSource struct{}

func (solidSource) Snapshot() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for x := 0; x < 64; x++ {
		for y := 0; y < 48; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	return img, nil
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []models.SignalMessage
}

func (r *recordingSender) Send(msg models.SignalMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type recordingRenderer struct {
	frames []Frame
	err    error
}

func (r *recordingRenderer) Render(f Frame) error {
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, f)
	return nil
}

// fakeClock advances by step on every call.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	now := start
	return func() time.Time {
		t := now
		now = now.Add(step)
		return t
	}
}

func TestStreamer_DelaysByDepth(t *testing.T) {
	sender := &recordingSender{}
	s := NewStreamer(StreamerConfig{
		RoomCode: "482913",
		Source:   solidSource{},
		Sender:   sender,
		Log:      logger.Discard(),
	})
	start := time.UnixMilli(1_700_000_000_000)
	s.now = fakeClock(start, DefaultInterval)

	for i := 0; i < DefaultDepth; i++ {
		s.tick()
	}
	assert.Zero(t, sender.count(), "nothing leaves until the buffer is over depth")

	s.tick()
	require.Equal(t, 1, sender.count())

	msg := sender.msgs[0]
	assert.Equal(t, models.SignalTypeFallbackFrame, msg.Type)
	assert.Equal(t, "482913", msg.RoomCode)
	assert.Equal(t, start.UnixMilli(), msg.Timestamp)
	assert.Equal(t, 64, msg.Width)
	assert.Equal(t, 48, msg.Height)

	// Each further capture releases the next oldest frame.
	s.tick()
	require.Equal(t, 2, sender.count())
	assert.Equal(t, start.Add(DefaultInterval).UnixMilli(), sender.msgs[1].Timestamp)
	assert.Len(t, s.buffer, DefaultDepth)
}

func TestStreamer_StartStop(t *testing.T) {
	sender := &recordingSender{}
	s := NewStreamer(StreamerConfig{
		RoomCode: "482913",
		Source:   solidSource{},
		Sender:   sender,
		Interval: 5 * time.Millisecond,
		Depth:    2,
		Log:      logger.Discard(),
	})

	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.Running())

	require.Eventually(t, func() bool { return sender.count() >= 3 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())
	n := sender.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, sender.count(), "no frames after Stop")
	assert.Equal(t, n, s.Sent())
}

func TestDisplay_RendersOnlyWhileActive(t *testing.T) {
	encoded, err := EncodeImage(mustSnapshot(t), DefaultQuality)
	require.NoError(t, err)

	captured := time.UnixMilli(1_700_000_000_000)
	msg := models.SignalMessage{
		Type:      models.SignalTypeFallbackFrame,
		RoomCode:  "482913",
		Image:     encoded,
		Timestamp: captured.UnixMilli(),
		Width:     64,
		Height:    48,
	}

	renderer := &recordingRenderer{}
	d := NewDisplay("482913", renderer, logger.Discard())
	d.now = func() time.Time { return captured.Add(time.Second) }

	assert.False(t, d.Handle(msg), "inactive display drops frames")

	d.Activate()
	assert.True(t, d.Handle(msg))
	require.Len(t, renderer.frames, 1)
	assert.Equal(t, time.Second, renderer.frames[0].Delay())
	assert.Equal(t, 64, renderer.frames[0].Width)

	other := msg
	other.RoomCode = "111111"
	assert.False(t, d.Handle(other))

	d.Deactivate()
	assert.False(t, d.Handle(msg))
	assert.Equal(t, 1, d.Rendered())

	last, ok := d.Last()
	require.True(t, ok)
	assert.Equal(t, "482913", last.RoomCode)
}

func TestDisplay_MalformedAndRenderErrors(t *testing.T) {
	renderer := &recordingRenderer{}
	d := NewDisplay("482913", renderer, logger.Discard())
	d.Activate()

	assert.False(t, d.Handle(models.SignalMessage{Type: models.SignalTypeFallbackFrame, Image: "not-a-url"}))

	encoded, err := EncodeImage(mustSnapshot(t), DefaultQuality)
	require.NoError(t, err)
	renderer.err = errors.New("screen gone")
	assert.False(t, d.Handle(models.SignalMessage{Type: models.SignalTypeFallbackFrame, Image: encoded}))
	assert.Zero(t, d.Rendered())
}

func TestFromMessage(t *testing.T) {
	_, err := FromMessage(models.SignalMessage{Image: dataURLPrefix + "%%%"}, time.Now())
	assert.ErrorIs(t, err, ErrMalformedFrame)

	encoded, err := EncodeImage(mustSnapshot(t), 50)
	require.NoError(t, err)
	frame, err := FromMessage(models.SignalMessage{Image: encoded, RoomCode: "482913"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, frame.Data[:2], "JPEG start of image marker")
}

func TestFileRenderer(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames")
	r := FileRenderer{Dir: dir}

	require.NoError(t, r.Render(Frame{Data: []byte("one")}))
	require.NoError(t, r.Render(Frame{Data: []byte("two")}))

	data, err := os.ReadFile(filepath.Join(dir, "latest.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func mustSnapshot(t *testing.T) image.Image {
	t.Helper()
	img, err := solidSource{}.Snapshot()
	require.NoError(t, err)
	return img
}
