package sink

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"camshm/video"
	"camshm/video/pixel"
)

type collector struct {
	mu     sync.Mutex
	frames []pixel.Frame
	block  chan struct{}
	closed bool
}

func (c *collector) Put(f pixel.Frame) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	f.Data = append([]byte(nil), f.Data...)
	c.frames = append(c.frames, f)
}

func (c *collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func event(channel string, fill byte) video.PublishEvent {
	return video.PublishEvent{
		Channel: channel,
		Frame: pixel.Frame{
			Width: 2, Height: 1, Format: pixel.RGB24,
			Data: []byte{fill, fill, fill, fill, fill, fill},
			Time: time.Now(),
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMirrorCopiesFrames(t *testing.T) {
	c := &collector{}
	m := NewMirror("video0", c)

	e := event("video0", 7)
	m.Published(e)
	// The publisher reuses its buffer right away.
	e.Frame.Data[0] = 99
	m.Published(event("other", 1))

	waitFor(t, func() bool { return c.count() == 1 })
	m.Close()
	m.Close()
	if !c.closed {
		t.Fatalf("sink not closed")
	}
	if got := c.frames[0].Data[0]; got != 7 {
		t.Fatalf("mirror saw %d, want a copy of the published frame", got)
	}
}

func TestMirrorKeepsLatest(t *testing.T) {
	c := &collector{block: make(chan struct{})}
	m := NewMirror("video0", c)
	defer m.Close()

	m.Published(event("video0", 1))
	// Wait until the sink is busy with the first frame.
	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.pending == nil
	})
	for i := 2; i <= 5; i++ {
		m.Published(event("video0", byte(i)))
	}
	close(c.block)

	waitFor(t, func() bool { return c.count() == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := c.count(); n != 2 {
		t.Fatalf("sink got %d frames", n)
	}
	if got := c.frames[1].Data[0]; got != 5 {
		t.Fatalf("second frame is %d, want the latest", got)
	}
}

func TestFPSLimit(t *testing.T) {
	c := &collector{}
	l := NewFPSLimit(c, 10)
	start := time.Unix(1000, 0)
	for i := 0; i < 20; i++ {
		l.Put(pixel.Frame{Time: start.Add(time.Duration(i) * 25 * time.Millisecond)})
	}
	if n := c.count(); n != 5 {
		t.Fatalf("forwarded %d of 20 frames at 40fps, want 5", n)
	}
	l.Close()
	if !c.closed {
		t.Fatalf("wrapped sink not closed")
	}
}

func TestMJPEGRequests(t *testing.T) {
	s := NewMJPEGServer()
	if _, err := s.NewStream("video0"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewStream("video0"); err == nil {
		t.Fatalf("duplicate stream accepted")
	}

	for _, tt := range []struct {
		url  string
		code int
	}{
		{"/mjpeg", http.StatusBadRequest},
		{"/mjpeg?name=nope", http.StatusNotFound},
	} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest("GET", tt.url, nil))
		if rec.Code != tt.code {
			t.Errorf("%s: status %d, want %d", tt.url, rec.Code, tt.code)
		}
	}
}

func TestMJPEGStream(t *testing.T) {
	s := NewMJPEGServer()
	stream, err := s.NewStream("video0")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/?name=video0")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("content type %q", ct)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		f := pixel.Frame{Width: 64, Height: 48, Format: pixel.GRAY8, Data: make([]byte, 64*48), Time: time.Unix(12, 345000)}
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				stream.Put(f)
			}
		}
	}()

	r := bufio.NewReader(resp.Body)
	var sawType, sawTime bool
	for !(sawType && sawTime) {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		switch strings.TrimSpace(line) {
		case "Content-Type: image/jpeg":
			sawType = true
		case "X-Timestamp: 12.000345":
			sawTime = true
		}
	}
}

func TestMotion(t *testing.T) {
	debug := &collector{}
	m := NewMotion("motion-video0", debug)
	level := func() float64 { return testutil.ToFloat64(motionLevel.WithLabelValues("motion-video0")) }
	const w, h = 64, 48

	still := pixel.Frame{Width: w, Height: h, Format: pixel.GRAY8, Data: make([]byte, w*h)}
	for i := 0; i < 30; i++ {
		m.Put(still)
	}
	if l := level(); l > 0.05 {
		t.Fatalf("static scene has motion level %v", l)
	}

	moved := pixel.Frame{Width: w, Height: h, Format: pixel.GRAY8, Data: make([]byte, w*h)}
	for i := range moved.Data[:w*h/2] {
		moved.Data[i] = 255
	}
	m.Put(moved)
	if l := level(); l < 0.2 {
		t.Fatalf("half the frame changed but motion level is %v", l)
	}

	if n := debug.count(); n != 31 {
		t.Fatalf("debug stream got %d masks", n)
	}
	if f := debug.frames[30]; f.Format != pixel.GRAY8 || len(f.Data) != w*h {
		t.Fatalf("mask %v", f)
	}
	m.Close()
	if !debug.closed {
		t.Fatalf("debug sink not closed")
	}
}
