package source

import (
	"fmt"
	"image"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"camshm/video/pixel"
)

const videoCaptureMats = 3

type filledMat struct {
	mat gocv.Mat
	ts  time.Time
}

// VideoCapture reads frames through OpenCV: device indices, files and
// stream addresses. Frames are BGR24 unless a yuyv422 hint turns off
// OpenCV's colour conversion.
type VideoCapture struct {
	URI  string
	Hint pixel.Format

	cap    *gocv.VideoCapture
	pool   *MatPool
	format pixel.Format
	size   image.Point

	filled chan filledMat
	stop   chan struct{}
	done   chan struct{}

	mu          sync.Mutex
	outstanding map[int]gocv.Mat
	next        int
}

func NewVideoCapture(uri string, hint pixel.Format) *VideoCapture {
	return &VideoCapture{
		URI:         uri,
		Hint:        hint,
		outstanding: make(map[int]gocv.Mat),
	}
}

func (v *VideoCapture) Open() error {
	var dev interface{} = v.URI
	if n, err := strconv.Atoi(v.URI); err == nil {
		dev = n
	}
	cap, err := gocv.OpenVideoCapture(dev)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceOpen, v.URI, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("%w: %s", ErrDeviceOpen, v.URI)
	}
	v.cap = cap
	log.Infof("Opened video capture %q", v.URI)
	return nil
}

func (v *VideoCapture) NegotiateFormat(width, height int, f pixel.Format, fps float64) error {
	if v.cap == nil {
		return fmt.Errorf("%w: capture not open", ErrFormatNegotiation)
	}
	v.format = pixel.BGR24
	if f == pixel.YUYV || v.Hint == pixel.YUYV {
		v.cap.Set(gocv.VideoCaptureFOURCC, v.cap.ToCodec("YUYV"))
		v.cap.Set(gocv.VideoCaptureConvertRGB, 0)
		v.format = pixel.YUYV
	} else if f == pixel.MJPEG {
		v.cap.Set(gocv.VideoCaptureFOURCC, v.cap.ToCodec("MJPG"))
	}
	v.cap.Set(gocv.VideoCaptureFrameWidth, float64(width))
	v.cap.Set(gocv.VideoCaptureFrameHeight, float64(height))
	if fps > 0 {
		v.cap.Set(gocv.VideoCaptureFPS, fps)
	}

	gw := int(v.cap.Get(gocv.VideoCaptureFrameWidth))
	gh := int(v.cap.Get(gocv.VideoCaptureFrameHeight))
	if gw != width || gh != height {
		return fmt.Errorf("%w: capture delivers %dx%d, wanted %dx%d", ErrFormatNegotiation, gw, gh, width, height)
	}
	if got := v.cap.Get(gocv.VideoCaptureFPS); fps > 0 && got != fps {
		log.Warnf("Video capture %q runs at %v fps, wanted %v", v.URI, got, fps)
	}
	v.size = image.Pt(width, height)
	return nil
}

func (v *VideoCapture) Start() error {
	if v.cap == nil || v.size.X == 0 {
		return fmt.Errorf("%w: capture not negotiated", ErrStreamStart)
	}
	v.pool = NewMatPool(videoCaptureMats)
	v.filled = make(chan filledMat, 1)
	v.stop = make(chan struct{})
	v.done = make(chan struct{})
	go v.read(v.stop)
	return nil
}

func (v *VideoCapture) read(stop <-chan struct{}) {
	defer close(v.done)
	failures := 0
	for {
		m, ok := v.pool.Get(stop)
		if !ok {
			return
		}
		ts := time.Now()
		if ok := v.cap.Read(&m); !ok || m.Empty() {
			v.pool.Put(m)
			failures++
			if failures == 1 || failures%100 == 0 {
				log.Warnf("Read failure on %q (%d in a row)", v.URI, failures)
			}
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		failures = 0
		select {
		case v.filled <- filledMat{mat: m, ts: ts}:
		case <-stop:
			v.pool.Put(m)
			return
		}
	}
}

func (v *VideoCapture) AcquireFilled(timeout time.Duration) (Capture, error) {
	if v.filled == nil {
		return Capture{}, fmt.Errorf("%w: not started", ErrTransientCapture)
	}
	v.mu.Lock()
	n := len(v.outstanding)
	v.mu.Unlock()
	if n > 0 {
		return Capture{}, ErrOutstanding
	}

	var f filledMat
	select {
	case f = <-v.filled:
	case <-time.After(timeout):
		return Capture{}, fmt.Errorf("%w: %w after %v", ErrTransientCapture, ErrTimeout, timeout)
	}

	channels := 3
	if v.format == pixel.YUYV {
		channels = 2
	}
	if f.mat.Cols() != v.size.X || f.mat.Rows() != v.size.Y || f.mat.Channels() != channels {
		v.pool.Put(f.mat)
		return Capture{}, fmt.Errorf("%w: frame is %dx%d with %d channels, expected %dx%d with %d",
			ErrTransientCapture, f.mat.Cols(), f.mat.Rows(), f.mat.Channels(), v.size.X, v.size.Y, channels)
	}
	data, err := f.mat.DataPtrUint8()
	if err != nil {
		v.pool.Put(f.mat)
		return Capture{}, fmt.Errorf("%w: %v", ErrTransientCapture, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.next++
	v.outstanding[v.next] = f.mat
	return Capture{Index: v.next, Data: data, Time: f.ts}, nil
}

func (v *VideoCapture) Release(c Capture) error {
	v.mu.Lock()
	m, ok := v.outstanding[c.Index]
	delete(v.outstanding, c.Index)
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: capture %d", ErrNotFilled, c.Index)
	}
	v.pool.Put(m)
	return nil
}

func (v *VideoCapture) Format() pixel.Format { return v.format }
func (v *VideoCapture) Size() image.Point    { return v.size }

func (v *VideoCapture) Stride() int {
	return v.size.X * v.format.PackedBytes()
}

func (v *VideoCapture) Close() error {
	if v.stop != nil {
		close(v.stop)
		v.stop = nil
		select {
		case <-v.done:
		case <-time.After(2 * time.Second):
			// Closing the capture under a blocked Read would crash OpenCV.
			return fmt.Errorf("video capture %q: reader did not stop, leaking capture", v.URI)
		}
	}
	var err error
	if v.cap != nil {
		err = v.cap.Close()
		v.cap = nil
	}
	if v.pool != nil {
		v.mu.Lock()
		for i, m := range v.outstanding {
			v.pool.Put(m)
			delete(v.outstanding, i)
		}
		v.mu.Unlock()
		select {
		case f := <-v.filled:
			v.pool.Put(f.mat)
		default:
		}
		v.pool.Close()
	}
	return err
}
