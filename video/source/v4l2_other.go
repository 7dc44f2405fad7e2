//go:build !linux || !(amd64 || arm64)

package source

import (
	"fmt"
	"image"
	"runtime"
	"time"

	"camshm/video/pixel"
)

// V4L2 is only available on 64 bit Linux.
type V4L2 struct {
	Path     string
	PoolSize int
}

func NewV4L2(path string, poolSize int) *V4L2 {
	return &V4L2{Path: path, PoolSize: poolSize}
}

func (v *V4L2) Open() error {
	return fmt.Errorf("%w: %s: V4L2 capture is not supported on %s/%s", ErrDeviceOpen, v.Path, runtime.GOOS, runtime.GOARCH)
}

func (v *V4L2) NegotiateFormat(int, int, pixel.Format, float64) error {
	return ErrFormatNegotiation
}
func (v *V4L2) Start() error { return ErrStreamStart }
func (v *V4L2) AcquireFilled(time.Duration) (Capture, error) {
	return Capture{}, ErrTransientCapture
}
func (v *V4L2) Release(Capture) error { return ErrNotFilled }
func (v *V4L2) Format() pixel.Format  { return pixel.FormatUnknown }
func (v *V4L2) Size() image.Point     { return image.Point{} }
func (v *V4L2) Stride() int           { return 0 }
func (v *V4L2) Close() error          { return nil }
