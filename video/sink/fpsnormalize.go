package sink

import (
	"time"

	"camshm/video/pixel"
)

// FPSLimit wraps another Sink so that at most fps frames per second reach
// it. Frames that arrive before the next slot are dropped. Slots are taken
// from frame timestamps, not the wall clock.
type FPSLimit struct {
	// sink is the wrapped Sink which will receive the limited stream.
	sink Sink

	frameDur time.Duration
	next     time.Time
}

// NewFPSLimit creates an FPSLimit, wrapping the provided sink.
func NewFPSLimit(sink Sink, fps float64) *FPSLimit {
	return &FPSLimit{
		sink:     sink,
		frameDur: time.Duration(float64(time.Second) / fps),
	}
}

func (f *FPSLimit) Put(frame pixel.Frame) {
	t := frame.Time
	if t.IsZero() {
		t = time.Now()
	}
	if !f.next.IsZero() && t.Before(f.next) {
		return
	}
	f.next = f.next.Add(f.frameDur)
	if f.next.Before(t) {
		// Fell behind; don't burst to catch up.
		f.next = t.Add(f.frameDur)
	}
	f.sink.Put(frame)
}

func (f *FPSLimit) Close() {
	f.sink.Close()
}
