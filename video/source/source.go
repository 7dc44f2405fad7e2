package source

import (
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"camshm/config"
	"camshm/video/pixel"
)

var (
	ErrDeviceOpen        = errors.New("unable to open capture device")
	ErrFormatNegotiation = errors.New("capture format negotiation failed")
	ErrBufferAllocation  = errors.New("capture buffer allocation failed")
	ErrStreamStart       = errors.New("unable to start capture stream")

	// ErrTransientCapture marks a failed acquire the loop should shrug off.
	ErrTransientCapture = errors.New("transient capture error")
	ErrTimeout          = errors.New("timed out waiting for a frame")

	ErrNotFilled   = errors.New("buffer is not filled")
	ErrOutstanding = errors.New("a filled buffer has not been released")
)

// Capture is a filled buffer on loan from a Source. Data aliases the
// source's memory and is only valid until the capture is released.
type Capture struct {
	Index int
	Data  []byte
	Time  time.Time
}

// Source is a stream of frames, such as a camera.
//
// The call order is Open, NegotiateFormat, Start, then any number of
// AcquireFilled/Release pairs, then Close. At most one capture may be
// outstanding at a time.
type Source interface {
	Open() error

	// NegotiateFormat requests a resolution, format and frame rate. Drivers
	// that substitute a different size or format fail negotiation.
	NegotiateFormat(width, height int, f pixel.Format, fps float64) error

	Start() error

	// AcquireFilled waits up to timeout for the next frame. Errors wrapping
	// ErrTransientCapture can be retried.
	AcquireFilled(timeout time.Duration) (Capture, error)

	// Release hands a capture back to the source.
	Release(c Capture) error

	Format() pixel.Format
	Size() image.Point

	// Stride is the length of a row in bytes for packed formats, or zero.
	Stride() int

	// Close stops streaming and frees up all resources.
	Close() error
}

// FrameOf wraps a capture with the source's geometry.
func FrameOf(s Source, c Capture) pixel.Frame {
	sz := s.Size()
	return pixel.Frame{
		Width:  sz.X,
		Height: sz.Y,
		Format: s.Format(),
		Stride: s.Stride(),
		Data:   c.Data,
		Time:   c.Time,
	}
}

const (
	patternPrefix = "pattern:"
	opencvPrefix  = "opencv:"
)

// New picks a source implementation from the configured identifier:
//
//	/dev/videoN or N     V4L2 device
//	opencv:<id>          OpenCV capture (device index, file or stream address)
//	pattern:<format>     synthetic test bars
//	rtsp://..., file.mp4 OpenCV capture
func New(cfg *config.Config) (Source, error) {
	id := strings.TrimSpace(cfg.Source)
	switch {
	case id == "":
		return nil, fmt.Errorf("%w: no source configured", ErrDeviceOpen)
	case strings.HasPrefix(id, patternPrefix):
		f := cfg.FormatHint
		if rest := strings.TrimPrefix(id, patternPrefix); rest != "" {
			var err error
			if f, err = pixel.ParseFormat(rest); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDeviceOpen, err)
			}
		}
		return NewPattern(f, cfg.PoolSize), nil
	case strings.HasPrefix(id, opencvPrefix):
		return NewVideoCapture(strings.TrimPrefix(id, opencvPrefix), cfg.FormatHint), nil
	}
	if path, ok := devicePath(id); ok {
		return NewV4L2(path, cfg.PoolSize), nil
	}
	return NewVideoCapture(id, cfg.FormatHint), nil
}

// devicePath recognizes V4L2 device nodes and bare device numbers.
func devicePath(id string) (string, bool) {
	if n, err := strconv.Atoi(id); err == nil && n >= 0 {
		return fmt.Sprintf("/dev/video%d", n), true
	}
	if strings.HasPrefix(id, "/dev/video") {
		return id, true
	}
	return "", false
}
