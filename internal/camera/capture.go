package camera

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

var ErrCaptureDenied = errors.New("camera capture denied")

// Capturer produces the outgoing video track.
type Capturer interface {
	Start() (webrtc.TrackLocal, error)
	Stop()
}

func newVideoTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camlink")
}

// FileCapturer loops a VP8 IVF file into the track at the file's frame rate.
type FileCapturer struct {
	path string
	log  *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewFileCapturer(path string, log *slog.Logger) *FileCapturer {
	return &FileCapturer{
		path: path,
		log:  log.With(slog.String("component", "capture"), slog.String("file", path)),
	}
}

func (f *FileCapturer) Start() (webrtc.TrackLocal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil {
		return nil, errors.New("capture already started")
	}

	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureDenied, err)
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrCaptureDenied, err)
	}
	if header.FourCC != "VP80" {
		file.Close()
		return nil, fmt.Errorf("%w: unsupported codec %q", ErrCaptureDenied, header.FourCC)
	}

	track, err := newVideoTrack()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create track: %w", err)
	}

	interval := time.Second / 30
	if header.TimebaseDenominator > 0 {
		interval = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.pump(file, reader, track, interval, f.stop, f.done)

	f.log.Info("capture started", slog.Duration("frame_interval", interval))
	return track, nil
}

func (f *FileCapturer) Stop() {
	f.mu.Lock()
	stop, done := f.stop, f.done
	f.stop, f.done = nil, nil
	f.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	f.log.Info("capture stopped")
}

func (f *FileCapturer) pump(file *os.File, reader *ivfreader.IVFReader, track *webrtc.TrackLocalStaticSample,
	interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	defer func() { file.Close() }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			// Loop the clip.
			file.Close()
			if file, err = os.Open(f.path); err != nil {
				f.log.Error("failed to reopen clip", slog.Any("error", err))
				return
			}
			if reader, _, err = ivfreader.NewWith(file); err != nil {
				f.log.Error("failed to reread clip", slog.Any("error", err))
				return
			}
			continue
		}
		if err != nil {
			f.log.Error("failed to read frame", slog.Any("error", err))
			return
		}

		if err := track.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
			f.log.Debug("failed to write sample", slog.Any("error", err))
		}
	}
}

// TestPattern stands in for a camera when no clip is configured. Its track
// carries no samples; its stills feed the fallback stream.
type TestPattern struct {
	Width  int
	Height int

	start time.Time
	once  sync.Once
}

func (p *TestPattern) Start() (webrtc.TrackLocal, error) {
	p.once.Do(func() { p.start = time.Now() })
	return newVideoTrack()
}

func (p *TestPattern) Stop() {}

// Snapshot draws a gradient with a bar that sweeps once per second.
func (p *TestPattern) Snapshot() (image.Image, error) {
	p.once.Do(func() { p.start = time.Now() })

	w, h := p.Width, p.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	elapsed := time.Since(p.start)
	bar := int(elapsed%time.Second) * w / int(time.Second)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 96, A: 255}
			if x >= bar && x < bar+w/20 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}
