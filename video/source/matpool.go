package source

import (
	"sync"

	"gocv.io/x/gocv"
)

// MatPool lends out a fixed number of Mats. Get blocks while all of them
// are out, so a consumer that forgets to release stalls the producer
// instead of growing memory.
type MatPool struct {
	free chan gocv.Mat

	mu     sync.Mutex
	closed bool
}

func NewMatPool(size int) *MatPool {
	p := &MatPool{free: make(chan gocv.Mat, size)}
	for i := 0; i < size; i++ {
		p.free <- gocv.NewMat()
	}
	return p
}

// Get waits for a free Mat. It returns false if stop is closed first.
func (p *MatPool) Get(stop <-chan struct{}) (gocv.Mat, bool) {
	select {
	case m := <-p.free:
		return m, true
	case <-stop:
		return gocv.Mat{}, false
	}
}

// Put returns a Mat. Mats returned after Close are freed.
func (p *MatPool) Put(m gocv.Mat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		m.Close()
		return
	}
	p.free <- m
}

// Close frees the Mats currently in the pool.
func (p *MatPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for {
		select {
		case m := <-p.free:
			m.Close()
		default:
			return
		}
	}
}
