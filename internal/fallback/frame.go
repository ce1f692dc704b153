package fallback

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"time"

	"github.com/mossy-p/camlink/internal/models"
)

const (
	DefaultInterval = 100 * time.Millisecond
	DefaultDepth    = 10
	DefaultQuality  = 70

	dataURLPrefix = "data:image/jpeg;base64,"
)

var ErrMalformedFrame = errors.New("malformed fallback frame")

// Frame is one still image on the fallback channel.
type Frame struct {
	RoomCode string
	// JPEG bytes
	Data       []byte
	CapturedAt time.Time
	ReceivedAt time.Time
	Width      int
	Height     int
}

// Delay is how long after capture the frame arrived.
func (f Frame) Delay() time.Duration {
	return f.ReceivedAt.Sub(f.CapturedAt)
}

// EncodeImage renders img as a JPEG data URL.
func EncodeImage(img image.Image, quality int) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// FromMessage decodes a fallback_frame message.
func FromMessage(msg models.SignalMessage, receivedAt time.Time) (Frame, error) {
	if !strings.HasPrefix(msg.Image, dataURLPrefix) {
		return Frame{}, fmt.Errorf("%w: not a jpeg data url", ErrMalformedFrame)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(msg.Image, dataURLPrefix))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return Frame{
		RoomCode:   msg.RoomCode,
		Data:       data,
		CapturedAt: time.UnixMilli(msg.Timestamp),
		ReceivedAt: receivedAt,
		Width:      msg.Width,
		Height:     msg.Height,
	}, nil
}
