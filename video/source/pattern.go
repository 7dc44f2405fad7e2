package source

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"camshm/video/pixel"
)

// Pattern is a synthetic source drawing scrolling colour bars. Frames
// travel through the same buffer pool as a real device, backed by memory.
type Pattern struct {
	format   pixel.Format
	poolSize int
	size     image.Point
	fps      float64

	rgb  []byte
	q    *memQueue
	pool *BufferPool
}

func NewPattern(f pixel.Format, poolSize int) *Pattern {
	return &Pattern{format: f, poolSize: poolSize}
}

func (p *Pattern) Open() error {
	log.Infof("Opened synthetic pattern source")
	return nil
}

func (p *Pattern) NegotiateFormat(width, height int, f pixel.Format, fps float64) error {
	if p.format == pixel.FormatUnknown {
		p.format = f
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: invalid size %dx%d", ErrFormatNegotiation, width, height)
	}
	if fps <= 0 {
		return fmt.Errorf("%w: frame rate must be positive, got %v", ErrFormatNegotiation, fps)
	}
	switch {
	case p.format == pixel.YUYV:
		if width%2 != 0 {
			return fmt.Errorf("%w: yuyv422 needs an even width, got %d", ErrFormatNegotiation, width)
		}
	case p.format == pixel.MJPEG || p.format == pixel.FormatUnknown:
		return fmt.Errorf("%w: pattern cannot produce %v", ErrFormatNegotiation, p.format)
	default:
		if _, err := pixel.NewConverter(pixel.RGB24, p.format); err != nil {
			return fmt.Errorf("%w: %v", ErrFormatNegotiation, err)
		}
		if p.format.Subsampled420() && (width%2 != 0 || height%2 != 0) {
			return fmt.Errorf("%w: %v needs even dimensions, got %dx%d", ErrFormatNegotiation, p.format, width, height)
		}
	}
	p.size = image.Pt(width, height)
	p.fps = fps
	return nil
}

func (p *Pattern) Start() error {
	if p.fps <= 0 {
		return fmt.Errorf("%w: format not negotiated", ErrStreamStart)
	}
	p.rgb = make([]byte, pixel.FrameSize(pixel.RGB24, p.size.X, p.size.Y))
	period := time.Duration(float64(time.Second) / p.fps)
	p.q = newMemQueue(pixel.FrameSize(p.format, p.size.X, p.size.Y), period, p.draw)
	p.pool = newBufferPool(p.q)
	if err := p.pool.Initialize(p.poolSize); err != nil {
		return err
	}
	if err := p.pool.EnqueueAll(); err != nil {
		p.pool.Teardown()
		return err
	}
	log.Infof("Streaming %dx%d %v test pattern at %.1f fps", p.size.X, p.size.Y, p.format, p.fps)
	return nil
}

func (p *Pattern) AcquireFilled(timeout time.Duration) (Capture, error) {
	if p.pool == nil {
		return Capture{}, fmt.Errorf("%w: not started", ErrTransientCapture)
	}
	return p.pool.AcquireFilled(timeout)
}

func (p *Pattern) Release(c Capture) error {
	if p.pool == nil {
		return fmt.Errorf("%w: not started", ErrNotFilled)
	}
	return p.pool.Release(c.Index)
}

func (p *Pattern) Format() pixel.Format { return p.format }
func (p *Pattern) Size() image.Point    { return p.size }

func (p *Pattern) Stride() int {
	if p.format.Planar() {
		return 0
	}
	return p.size.X * p.format.PackedBytes()
}

func (p *Pattern) Close() error {
	if p.pool == nil {
		return nil
	}
	return p.pool.Teardown()
}

// Counts exposes the pool census.
func (p *Pattern) Counts() Counts {
	if p.pool == nil {
		return Counts{}
	}
	return p.pool.Counts()
}

var barColours = [8][3]byte{
	{235, 235, 235},
	{235, 235, 16},
	{16, 235, 235},
	{16, 235, 16},
	{235, 16, 235},
	{235, 16, 16},
	{16, 16, 235},
	{16, 16, 16},
}

// draw renders frame n: bars shift left four pixels per frame.
func (p *Pattern) draw(dst []byte, n int) {
	w, h := p.size.X, p.size.Y
	barw := w / len(barColours)
	if barw == 0 {
		barw = 1
	}
	shift := n * 4
	row := p.rgb[:w*3]
	for x := 0; x < w; x++ {
		c := barColours[((x+shift)/barw)%len(barColours)]
		copy(row[x*3:], c[:])
	}
	for y := 1; y < h; y++ {
		copy(p.rgb[y*w*3:(y+1)*w*3], row)
	}

	if p.format == pixel.YUYV {
		for y := 0; y < h; y++ {
			in := p.rgb[y*w*3:]
			out := dst[y*w*2:]
			for x := 0; x+1 < w; x += 2 {
				y0, u, v := pixel.RGBToYUV(in[x*3], in[x*3+1], in[x*3+2])
				y1, _, _ := pixel.RGBToYUV(in[x*3+3], in[x*3+4], in[x*3+5])
				out[x*2], out[x*2+1], out[x*2+2], out[x*2+3] = y0, u, y1, v
			}
		}
		return
	}
	if err := pixel.Convert(p.rgb, pixel.RGB24, w, h, dst, p.format); err != nil {
		log.Errorf("Failed to render test pattern: %v", err)
	}
}

type readyBuffer struct {
	index int
	ts    time.Time
}

// memQueue is a bufferQueue over plain memory. A frame is produced into
// the oldest queued buffer each period.
type memQueue struct {
	frameSize int
	period    time.Duration
	fill      func(dst []byte, n int)

	mu        sync.Mutex
	buffers   [][]byte
	queued    []int
	ready     []readyBuffer
	streaming bool
	next      time.Time
	frames    int
}

func newMemQueue(frameSize int, period time.Duration, fill func([]byte, int)) *memQueue {
	return &memQueue{frameSize: frameSize, period: period, fill: fill}
}

func (q *memQueue) request(count int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.streaming {
		return 0, errors.New("busy: streaming")
	}
	q.buffers = make([][]byte, count)
	for i := range q.buffers {
		q.buffers[i] = make([]byte, q.frameSize)
	}
	q.queued, q.ready = nil, nil
	return count, nil
}

func (q *memQueue) mapBuffer(index int) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.buffers) {
		return nil, fmt.Errorf("no buffer %d", index)
	}
	return q.buffers[index], nil
}

func (q *memQueue) unmapBuffer(index int, data []byte) error { return nil }

func (q *memQueue) queue(index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.buffers) {
		return fmt.Errorf("no buffer %d", index)
	}
	q.queued = append(q.queued, index)
	return nil
}

func (q *memQueue) dequeue() (int, int, time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return 0, 0, time.Time{}, errors.New("no filled buffer")
	}
	r := q.ready[0]
	q.ready = q.ready[1:]
	return r.index, q.frameSize, r.ts, nil
}

func (q *memQueue) waitReadable(timeout time.Duration) (bool, error) {
	q.mu.Lock()
	if len(q.ready) > 0 {
		q.mu.Unlock()
		return true, nil
	}
	if !q.streaming {
		q.mu.Unlock()
		return false, errors.New("not streaming")
	}
	wait := time.Until(q.next)
	starved := len(q.queued) == 0
	q.mu.Unlock()

	if starved || wait > timeout {
		time.Sleep(timeout)
		return false, nil
	}
	if wait > 0 {
		time.Sleep(wait)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queued) == 0 {
		return false, nil
	}
	idx := q.queued[0]
	q.queued = q.queued[1:]
	q.fill(q.buffers[idx], q.frames)
	q.frames++
	now := time.Now()
	q.ready = append(q.ready, readyBuffer{index: idx, ts: now})
	q.next = q.next.Add(q.period)
	if q.next.Before(now) {
		// Fell behind; do not try to catch up.
		q.next = now.Add(q.period)
	}
	return true, nil
}

func (q *memQueue) streamOn() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.streaming = true
	q.next = time.Now()
	return nil
}

func (q *memQueue) streamOff() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.streaming = false
	q.queued, q.ready = nil, nil
	return nil
}
