package video

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"camshm/config"
	"camshm/util"
	"camshm/video/pixel"
	"camshm/video/shm"
	"camshm/video/source"
)

// PublishEvent describes one frame written to one channel. Frame.Data is
// the loop's scratch buffer and is only valid during the Published call.
type PublishEvent struct {
	Channel string
	Frame   pixel.Frame
	Header  shm.Header
}

// Listener is told about every publish. Published runs on the acquisition
// goroutine and must not block.
type Listener interface {
	Published(e PublishEvent)
}

// ChannelStatus is a snapshot of one output channel.
type ChannelStatus struct {
	Name       string
	Format     pixel.Format
	Capacity   int
	Generation uint64
	Timestamp  time.Time
	Session    string
}

type output struct {
	name string
	conv *pixel.Converter
	ch   *shm.Channel
	buf  []byte
	log  *log.Entry
}

// Loop moves frames from a source into shared memory channels: acquire,
// convert per output, publish, release.
type Loop struct {
	Source  source.Source
	Outputs []config.Output

	Width, Height int
	// Format is requested from the source.
	Format pixel.Format
	Freq   float64

	// Timeout bounds each wait for a frame, and so shutdown latency.
	Timeout   time.Duration
	Listeners []Listener
	Session   string

	mu      sync.Mutex
	outputs []*output
}

// NewLoop builds a loop from the configuration. Call Prepare before
// running it.
func NewLoop(src source.Source, cfg *config.Config, session string) (*Loop, error) {
	outputs, err := cfg.AllOutputs()
	if err != nil {
		return nil, err
	}
	return &Loop{
		Source:  src,
		Outputs: outputs,
		Width:   cfg.Width,
		Height:  cfg.Height,
		Format:  cfg.FormatHint,
		Freq:    cfg.Freq,
		Timeout: cfg.Timeout(),
		Session: session,
	}, nil
}

// Prepare opens and starts the source and creates every channel. Any
// error is fatal; what was already set up is torn down again.
func (l *Loop) Prepare() (err error) {
	defer func() {
		if err != nil {
			if cerr := l.Close(); cerr != nil {
				log.Warnf("Cleanup after failed start: %v", cerr)
			}
		}
	}()
	if err := l.Source.Open(); err != nil {
		return err
	}
	if err := l.Source.NegotiateFormat(l.Width, l.Height, l.Format, l.Freq); err != nil {
		return err
	}
	for _, o := range l.Outputs {
		conv, err := pixel.NewConverter(l.Source.Format(), o.Format)
		if err != nil {
			return fmt.Errorf("channel %s: %w", o.Name, err)
		}
		size := pixel.FrameSize(o.Format, l.Width, l.Height)
		ch, err := shm.Open(o.Name, size)
		if err != nil {
			return err
		}
		out := &output{
			name: o.Name,
			conv: conv,
			ch:   ch,
			buf:  make([]byte, size),
			log:  log.WithField("channel", o.Name),
		}
		l.mu.Lock()
		l.outputs = append(l.outputs, out)
		l.mu.Unlock()
		out.log.Infof("Publishing %v (%d bytes per frame) via %v", o.Format, size, conv)
	}
	if err := l.Source.Start(); err != nil {
		return err
	}
	return nil
}

// Cycle processes at most one frame, waiting up to timeout for it.
// Transient capture errors and per-channel failures are logged and
// counted; only errors that make further cycles pointless are returned.
func (l *Loop) Cycle(timeout time.Duration) error {
	c, err := l.Source.AcquireFilled(timeout)
	if err != nil {
		if errors.Is(err, source.ErrTransientCapture) {
			if errors.Is(err, source.ErrTimeout) {
				transientErrors.WithLabelValues("timeout").Inc()
				log.Debugf("No frame within %v", timeout)
			} else {
				transientErrors.WithLabelValues("capture").Inc()
				log.Warnf("Capture failed: %v", err)
			}
			return nil
		}
		return err
	}
	defer func() {
		if err := l.Source.Release(c); err != nil {
			log.Errorf("Failed to release capture buffer %d: %v", c.Index, err)
		}
	}()
	framesCaptured.Inc()

	start := time.Now()
	frame := source.FrameOf(l.Source, c)
	for _, o := range l.outputs {
		if err := o.conv.Convert(o.buf, frame); err != nil {
			conversionErrors.WithLabelValues(o.name).Inc()
			o.log.Warnf("Dropping frame: %v", err)
			continue
		}
		h, err := o.ch.Publish(o.buf, frame.Time)
		if err != nil {
			publishErrors.WithLabelValues(o.name).Inc()
			o.log.Errorf("Publish failed: %v", err)
			continue
		}
		framesPublished.WithLabelValues(o.name).Inc()
		channelGeneration.WithLabelValues(o.name).Set(float64(h.Generation))

		ev := PublishEvent{
			Channel: o.name,
			Header:  h,
			Frame: pixel.Frame{
				Width:  frame.Width,
				Height: frame.Height,
				Format: o.conv.Dst,
				Data:   o.buf,
				Time:   frame.Time,
			},
		}
		for _, lis := range l.Listeners {
			lis.Published(ev)
		}
	}
	cycleDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Run cycles as frames arrive until cancelled. Cancellation is noticed
// within one wait timeout.
func (l *Loop) Run(cancel *util.Cancellation) error {
	log.Infof("Acquisition started (session %s)", l.Session)
	for !cancel.Cancelled() {
		if err := l.Cycle(l.Timeout); err != nil {
			return err
		}
	}
	log.Infof("Acquisition stopped")
	return nil
}

// RunTimed runs one cycle per tick at freq Hz until cancelled.
func (l *Loop) RunTimed(cancel *util.Cancellation, freq float64) error {
	if freq <= 0 {
		return fmt.Errorf("frequency must be larger than 0; found %v", freq)
	}
	period := time.Duration(float64(time.Second) / freq)
	timeout := l.Timeout
	if period < timeout {
		timeout = period
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	log.Infof("Timed acquisition started at %.2f Hz (session %s)", freq, l.Session)
	for {
		select {
		case <-cancel.Done():
			log.Infof("Acquisition stopped")
			return nil
		case <-ticker.C:
			if err := l.Cycle(timeout); err != nil {
				return err
			}
		}
	}
}

// Status snapshots every channel.
func (l *Loop) Status() []ChannelStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ChannelStatus
	for _, o := range l.outputs {
		st := ChannelStatus{
			Name:     o.name,
			Format:   o.conv.Dst,
			Capacity: o.ch.Capacity(),
			Session:  l.Session,
		}
		if h, err := o.ch.Header(); err == nil {
			st.Generation = h.Generation
			if h.Generation > 0 {
				st.Timestamp = h.Timestamp.Time()
			}
		}
		out = append(out, st)
	}
	return out
}

// Close stops the source and closes every channel.
func (l *Loop) Close() error {
	var result *multierror.Error
	if err := l.Source.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("source: %w", err))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.outputs {
		if err := o.ch.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("channel %s: %w", o.name, err))
		}
	}
	l.outputs = nil
	return result.ErrorOrNil()
}
