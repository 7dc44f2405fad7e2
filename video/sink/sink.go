package sink

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"camshm/video"
	"camshm/video/pixel"
)

var mirrorDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "camshm",
	Name:      "mirror_frames_dropped_total",
	Help:      "Published frames replaced before a busy mirror sink could take them.",
}, []string{"channel"})

// Sink defines a destination for a stream of frames, such as a window or an
// HTTP stream.
type Sink interface {
	// Put hands a frame to the sink. The sink must not keep a reference to
	// frame.Data after returning.
	Put(frame pixel.Frame)

	// Close should be called to finalize the Sink.
	Close()
}

// Mirror feeds the frames published on one channel to a sink from its own
// goroutine, so a slow sink never stalls acquisition. A frame arriving while
// the sink is busy replaces the pending one.
type Mirror struct {
	Channel string

	sink    Sink
	mu      sync.Mutex
	pending *pixel.Frame
	spare   []byte
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewMirror(channel string, s Sink) *Mirror {
	m := &Mirror{
		Channel: channel,
		sink:    s,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Published implements video.Listener.
func (m *Mirror) Published(e video.PublishEvent) {
	if e.Channel != m.Channel {
		return
	}
	m.mu.Lock()
	buf := m.spare
	m.spare = nil
	if m.pending != nil {
		buf = m.pending.Data
		mirrorDropped.WithLabelValues(m.Channel).Inc()
	}
	f := e.Frame
	f.Data = append(buf[:0], e.Frame.Data...)
	m.pending = &f
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	defer m.sink.Close()
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
		}
		m.mu.Lock()
		f := m.pending
		m.pending = nil
		m.mu.Unlock()
		if f == nil {
			continue
		}
		m.sink.Put(*f)

		m.mu.Lock()
		m.spare = f.Data
		m.mu.Unlock()
	}
}

// Close stops the mirror and closes the sink.
func (m *Mirror) Close() {
	m.once.Do(func() {
		close(m.stop)
		<-m.done
		log.WithField("channel", m.Channel).Debugf("Mirror stopped")
	})
}
