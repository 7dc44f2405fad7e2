//go:build linux && (amd64 || arm64)

package source

import (
	"errors"
	"fmt"
	"image"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
	"golang.org/x/sys/unix"

	"camshm/video/pixel"
)

const (
	bufTypeVideoCapture = 1
	memoryMMap          = 1

	bufFlagTimestampMask      = 0x0000e000
	bufFlagTimestampMonotonic = 0x00002000
)

type requestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	Reserved     [3]uint8
}

type timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

type buffer struct {
	Index     uint32
	Type      uint32
	Bytesused uint32
	Flags     uint32
	Field     uint32
	Timestamp unix.Timeval
	Timecode  timecode
	Sequence  uint32
	Memory    uint32
	Offset    uint32
	_         uint32 // rest of the m union
	Length    uint32
	Reserved2 uint32
	RequestFD int32
}

// Kernel ABI sizes on 64 bit targets.
var (
	_ [0]struct{} = [unsafe.Sizeof(requestBuffers{}) - 20]struct{}{}
	_ [0]struct{} = [unsafe.Sizeof(buffer{}) - 88]struct{}{}
)

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | uintptr('V')<<8 | nr
}

var (
	vidiocReqbufs   = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(requestBuffers{}))
	vidiocQuerybuf  = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(buffer{}))
	vidiocQbuf      = ioc(iocRead|iocWrite, 15, unsafe.Sizeof(buffer{}))
	vidiocDqbuf     = ioc(iocRead|iocWrite, 17, unsafe.Sizeof(buffer{}))
	vidiocStreamon  = ioc(iocWrite, 18, unsafe.Sizeof(uint32(0)))
	vidiocStreamoff = ioc(iocWrite, 19, unsafe.Sizeof(uint32(0)))
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		}
		return errno
	}
}

func fourcc(a, b, c, d byte) v4l2.FourCCType {
	return v4l2.FourCCType(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var pixelFormats = map[pixel.Format]v4l2.FourCCType{
	pixel.YUYV:  v4l2.PixelFmtYUYV,
	pixel.MJPEG: v4l2.PixelFmtMJPEG,
	pixel.RGB24: v4l2.PixelFmtRGB24,
	pixel.BGR24: fourcc('B', 'G', 'R', '3'),
	pixel.I420:  fourcc('Y', 'U', '1', '2'),
	pixel.GRAY8: fourcc('G', 'R', 'E', 'Y'),
}

// v4l2Queue drives the kernel buffer queue of an open device.
type v4l2Queue struct {
	fd int
	// wallOffset converts driver monotonic timestamps to wall clock time.
	wallOffset time.Duration
}

func (q *v4l2Queue) request(count int) (int, error) {
	req := requestBuffers{Count: uint32(count), Type: bufTypeVideoCapture, Memory: memoryMMap}
	if err := ioctl(q.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("VIDIOC_REQBUFS(%d): %w", count, err)
	}
	return int(req.Count), nil
}

func (q *v4l2Queue) mapBuffer(index int) ([]byte, error) {
	buf := buffer{Index: uint32(index), Type: bufTypeVideoCapture, Memory: memoryMMap}
	if err := ioctl(q.fd, vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
		return nil, fmt.Errorf("VIDIOC_QUERYBUF(%d): %w", index, err)
	}
	data, err := unix.Mmap(q.fd, int64(buf.Offset), int(buf.Length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap buffer %d: %w", index, err)
	}
	return data, nil
}

func (q *v4l2Queue) unmapBuffer(index int, data []byte) error {
	return unix.Munmap(data)
}

func (q *v4l2Queue) queue(index int) error {
	buf := buffer{Index: uint32(index), Type: bufTypeVideoCapture, Memory: memoryMMap}
	if err := ioctl(q.fd, vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("VIDIOC_QBUF(%d): %w", index, err)
	}
	return nil
}

func (q *v4l2Queue) dequeue() (int, int, time.Time, error) {
	buf := buffer{Type: bufTypeVideoCapture, Memory: memoryMMap}
	if err := ioctl(q.fd, vidiocDqbuf, unsafe.Pointer(&buf)); err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("VIDIOC_DQBUF: %w", err)
	}
	return int(buf.Index), int(buf.Bytesused), q.timestamp(&buf), nil
}

func (q *v4l2Queue) timestamp(buf *buffer) time.Time {
	sec, nsec := buf.Timestamp.Unix()
	if sec == 0 && nsec == 0 {
		return time.Now()
	}
	t := time.Unix(sec, nsec)
	if buf.Flags&bufFlagTimestampMask == bufFlagTimestampMonotonic {
		t = t.Add(q.wallOffset)
	}
	return t
}

func (q *v4l2Queue) waitReadable(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(q.fd), Events: unix.POLLIN}}
	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return false, fmt.Errorf("poll: device error (revents %#x)", fds[0].Revents)
		}
		return true, nil
	}
}

func (q *v4l2Queue) streamOn() error {
	q.wallOffset = monotonicToWall()
	typ := uint32(bufTypeVideoCapture)
	if err := ioctl(q.fd, vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON: %w", err)
	}
	return nil
}

func (q *v4l2Queue) streamOff() error {
	typ := uint32(bufTypeVideoCapture)
	if err := ioctl(q.fd, vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMOFF: %w", err)
	}
	return nil
}

func monotonicToWall() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return time.Duration(time.Now().UnixNano() - ts.Nano())
}

// V4L2 captures from a video4linux device with memory mapped streaming.
type V4L2 struct {
	Path     string
	PoolSize int

	dev    *device.Device
	q      *v4l2Queue
	pool   *BufferPool
	format pixel.Format
	size   image.Point
	stride int
}

func NewV4L2(path string, poolSize int) *V4L2 {
	return &V4L2{Path: path, PoolSize: poolSize}
}

func (v *V4L2) Open() error {
	dev, err := device.Open(v.Path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceOpen, v.Path, err)
	}
	caps := dev.Capability()
	if !caps.IsVideoCaptureSupported() || !caps.IsStreamingSupported() {
		dev.Close()
		return fmt.Errorf("%w: %s does not support streaming video capture", ErrDeviceOpen, v.Path)
	}
	v.dev = dev
	v.q = &v4l2Queue{fd: int(dev.Fd())}
	log.Infof("Opened %s (%s, driver %s)", v.Path, caps.Card, caps.Driver)
	return nil
}

func (v *V4L2) NegotiateFormat(width, height int, f pixel.Format, fps float64) error {
	if v.dev == nil {
		return fmt.Errorf("%w: device not open", ErrFormatNegotiation)
	}
	code, ok := pixelFormats[f]
	if !ok {
		return fmt.Errorf("%w: no V4L2 pixel format for %v", ErrFormatNegotiation, f)
	}
	want := v4l2.PixFormat{
		Width:       uint32(width),
		Height:      uint32(height),
		PixelFormat: code,
		Field:       v4l2.FieldNone,
	}
	if err := v.dev.SetPixFormat(want); err != nil {
		return fmt.Errorf("%w: set format %dx%d %v: %v", ErrFormatNegotiation, width, height, f, err)
	}
	got, err := v.dev.GetPixFormat()
	if err != nil {
		return fmt.Errorf("%w: get format: %v", ErrFormatNegotiation, err)
	}
	if int(got.Width) != width || int(got.Height) != height || got.PixelFormat != code {
		return fmt.Errorf("%w: driver chose %dx%d fourcc %#x instead of %dx%d %v",
			ErrFormatNegotiation, got.Width, got.Height, uint32(got.PixelFormat), width, height, f)
	}

	if fps > 0 {
		if err := v.dev.SetFrameRate(uint32(fps + 0.5)); err != nil {
			log.Warnf("Driver rejected %v fps on %s: %v", fps, v.Path, err)
		} else if actual, err := v.dev.GetFrameRate(); err == nil && float64(actual) != fps {
			log.Warnf("Driver rounded frame rate on %s to %d fps", v.Path, actual)
		}
	}

	v.format = f
	v.size = image.Pt(width, height)
	switch {
	case f.Planar() || f.Compressed():
		v.stride = 0
	case got.BytesPerLine != 0:
		v.stride = int(got.BytesPerLine)
	default:
		v.stride = width * f.PackedBytes()
	}
	log.Infof("Negotiated %dx%d %v on %s (stride %d)", width, height, f, v.Path, v.stride)
	return nil
}

func (v *V4L2) Start() error {
	if v.dev == nil {
		return fmt.Errorf("%w: device not open", ErrStreamStart)
	}
	v.pool = newBufferPool(v.q)
	if err := v.pool.Initialize(v.PoolSize); err != nil {
		return err
	}
	if err := v.pool.EnqueueAll(); err != nil {
		v.pool.Teardown()
		return err
	}
	return nil
}

func (v *V4L2) AcquireFilled(timeout time.Duration) (Capture, error) {
	if v.pool == nil {
		return Capture{}, fmt.Errorf("%w: not started", ErrTransientCapture)
	}
	return v.pool.AcquireFilled(timeout)
}

func (v *V4L2) Release(c Capture) error {
	if v.pool == nil {
		return fmt.Errorf("%w: not started", ErrNotFilled)
	}
	return v.pool.Release(c.Index)
}

func (v *V4L2) Format() pixel.Format { return v.format }
func (v *V4L2) Size() image.Point    { return v.size }
func (v *V4L2) Stride() int          { return v.stride }

func (v *V4L2) Counts() Counts {
	if v.pool == nil {
		return Counts{}
	}
	return v.pool.Counts()
}

func (v *V4L2) Close() error {
	var err error
	if v.pool != nil {
		err = v.pool.Teardown()
		v.pool = nil
	}
	if v.dev != nil {
		if cerr := v.dev.Close(); cerr != nil && err == nil {
			err = cerr
		}
		v.dev = nil
	}
	return err
}
