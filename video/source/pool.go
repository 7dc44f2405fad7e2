package source

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// bufferQueue is the driver side of the buffer exchange: V4L2 ioctls for
// devices, plain memory for synthetic sources.
type bufferQueue interface {
	// request asks for count buffers and returns how many were granted.
	// A count of zero frees the driver's buffers.
	request(count int) (int, error)
	mapBuffer(index int) ([]byte, error)
	unmapBuffer(index int, data []byte) error
	queue(index int) error
	// dequeue returns a filled buffer's index, its payload length and the
	// capture time.
	dequeue() (index int, used int, ts time.Time, err error)
	// waitReadable reports whether a filled buffer is ready within timeout.
	waitReadable(timeout time.Duration) (bool, error)
	streamOn() error
	streamOff() error
}

type bufferState int

const (
	stateFree bufferState = iota
	stateQueued
	stateFilled
)

func (s bufferState) String() string {
	switch s {
	case stateFree:
		return "free"
	case stateQueued:
		return "queued"
	case stateFilled:
		return "filled"
	}
	return fmt.Sprintf("bufferState(%d)", int(s))
}

type captureBuffer struct {
	index int
	data  []byte
	state bufferState
}

// Counts is a census of buffer states. The fields always sum to the pool
// size.
type Counts struct {
	Free, Queued, Filled int
}

// BufferPool cycles a fixed set of mapped capture buffers between the
// driver and the application. Only one buffer may be filled (lent to the
// application) at a time.
type BufferPool struct {
	q bufferQueue

	mu        sync.Mutex
	buffers   []*captureBuffer
	filled    int
	streaming bool
}

func newBufferPool(q bufferQueue) *BufferPool {
	return &BufferPool{q: q, filled: -1}
}

// Initialize requests count buffers and maps each one. On failure nothing
// stays mapped or requested.
func (p *BufferPool) Initialize(count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffers) > 0 {
		return fmt.Errorf("%w: pool already initialized with %d buffers", ErrBufferAllocation, len(p.buffers))
	}
	if count < 2 {
		return fmt.Errorf("%w: need at least 2 buffers, asked for %d", ErrBufferAllocation, count)
	}

	granted, err := p.q.request(count)
	if err != nil {
		return fmt.Errorf("%w: requesting %d buffers: %v", ErrBufferAllocation, count, err)
	}
	if granted < 2 {
		p.q.request(0)
		return fmt.Errorf("%w: driver granted %d buffers", ErrBufferAllocation, granted)
	}
	if granted < count {
		log.Warnf("Requested %d capture buffers, driver granted %d", count, granted)
	}

	buffers := make([]*captureBuffer, 0, granted)
	for i := 0; i < granted; i++ {
		data, err := p.q.mapBuffer(i)
		if err != nil {
			for _, b := range buffers {
				p.q.unmapBuffer(b.index, b.data)
			}
			p.q.request(0)
			return fmt.Errorf("%w: mapping buffer %d: %v", ErrBufferAllocation, i, err)
		}
		buffers = append(buffers, &captureBuffer{index: i, data: data})
	}
	p.buffers = buffers
	log.Debugf("Mapped %d capture buffers", len(buffers))
	return nil
}

// EnqueueAll hands every free buffer to the driver and starts streaming.
func (p *BufferPool) EnqueueAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffers) == 0 {
		return fmt.Errorf("%w: pool is not initialized", ErrBufferAllocation)
	}
	for _, b := range p.buffers {
		if b.state != stateFree {
			continue
		}
		if err := p.q.queue(b.index); err != nil {
			return fmt.Errorf("%w: queueing buffer %d: %v", ErrBufferAllocation, b.index, err)
		}
		b.state = stateQueued
	}
	if !p.streaming {
		if err := p.q.streamOn(); err != nil {
			return fmt.Errorf("%w: %v", ErrStreamStart, err)
		}
		p.streaming = true
	}
	return nil
}

// AcquireFilled waits for the driver to fill a buffer and lends it out.
func (p *BufferPool) AcquireFilled(timeout time.Duration) (Capture, error) {
	p.mu.Lock()
	if !p.streaming {
		p.mu.Unlock()
		return Capture{}, fmt.Errorf("%w: not streaming", ErrTransientCapture)
	}
	if p.filled >= 0 {
		idx := p.filled
		p.mu.Unlock()
		return Capture{}, fmt.Errorf("%w: buffer %d", ErrOutstanding, idx)
	}
	p.requeueFree()
	p.mu.Unlock()

	ready, err := p.q.waitReadable(timeout)
	if err != nil {
		return Capture{}, fmt.Errorf("%w: waiting for frame: %v", ErrTransientCapture, err)
	}
	if !ready {
		return Capture{}, fmt.Errorf("%w: %w after %v", ErrTransientCapture, ErrTimeout, timeout)
	}

	index, used, ts, err := p.q.dequeue()
	if err != nil {
		return Capture{}, fmt.Errorf("%w: dequeue: %v", ErrTransientCapture, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.buffers) {
		return Capture{}, fmt.Errorf("%w: driver returned unknown buffer %d", ErrTransientCapture, index)
	}
	b := p.buffers[index]
	if b.state != stateQueued {
		// Hand it back so the driver does not run dry.
		state := b.state
		if err := p.q.queue(index); err == nil {
			b.state = stateQueued
		}
		return Capture{}, fmt.Errorf("%w: driver returned buffer %d in state %v", ErrTransientCapture, index, state)
	}
	if used <= 0 || used > len(b.data) {
		used = len(b.data)
	}
	b.state = stateFilled
	p.filled = index
	return Capture{Index: index, Data: b.data[:used], Time: ts}, nil
}

// requeueFree retries buffers whose earlier requeue failed. Buffers that
// fail again stay free for the next attempt. p.mu must be held.
func (p *BufferPool) requeueFree() {
	for _, b := range p.buffers {
		if b.state != stateFree {
			continue
		}
		if err := p.q.queue(b.index); err != nil {
			log.Warnf("Requeueing capture buffer %d: %v", b.index, err)
			continue
		}
		b.state = stateQueued
	}
}

// Release returns a filled buffer to the driver. If that fails the buffer
// is left free and requeued by the next AcquireFilled.
func (p *BufferPool) Release(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.buffers) || p.buffers[index].state != stateFilled {
		return fmt.Errorf("%w: buffer %d", ErrNotFilled, index)
	}
	b := p.buffers[index]
	p.filled = -1
	if err := p.q.queue(index); err != nil {
		b.state = stateFree
		return fmt.Errorf("requeueing buffer %d: %w", index, err)
	}
	b.state = stateQueued
	return nil
}

// Teardown stops streaming, unmaps every buffer and frees them in the
// driver. It is safe to call more than once.
func (p *BufferPool) Teardown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result *multierror.Error
	if p.streaming {
		if err := p.q.streamOff(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stream off: %w", err))
		}
		p.streaming = false
	}
	if len(p.buffers) == 0 {
		return result.ErrorOrNil()
	}
	for _, b := range p.buffers {
		if err := p.q.unmapBuffer(b.index, b.data); err != nil {
			result = multierror.Append(result, fmt.Errorf("unmap buffer %d: %w", b.index, err))
		}
	}
	if _, err := p.q.request(0); err != nil {
		result = multierror.Append(result, fmt.Errorf("free buffers: %w", err))
	}
	p.buffers = nil
	p.filled = -1
	return result.ErrorOrNil()
}

func (p *BufferPool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()
	var c Counts
	for _, b := range p.buffers {
		switch b.state {
		case stateFree:
			c.Free++
		case stateQueued:
			c.Queued++
		case stateFilled:
			c.Filled++
		}
	}
	return c
}

func (p *BufferPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}
