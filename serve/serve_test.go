package serve

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"camshm/video"
	"camshm/video/pixel"
	"camshm/video/shm"
)

type fixedStatus []video.ChannelStatus

func (f fixedStatus) Status() []video.ChannelStatus { return f }

func TestStatus(t *testing.T) {
	s := &StatusServer{Provider: fixedStatus{
		{Name: "video0", Format: pixel.RGB24, Capacity: 921600, Generation: 42, Timestamp: time.Unix(10, 500000000), Session: "abc"},
		{Name: "video0.i420", Format: pixel.I420, Capacity: 460800},
	}}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type %q", ct)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Channels) != 2 {
		t.Fatalf("%d channels", len(resp.Channels))
	}
	c := resp.Channels[0]
	if c.Name != "video0" || c.Format != "rgb24" || c.Capacity != 921600 || c.Generation != 42 || c.Timestamp != 10.5 || c.Session != "abc" {
		t.Fatalf("entry %+v", c)
	}
	if resp.Channels[1].Timestamp != 0 {
		t.Fatalf("unpublished channel has timestamp %v", resp.Channels[1].Timestamp)
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("POST", "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST gave %d", rec.Code)
	}
}

func TestStatusEmpty(t *testing.T) {
	s := &StatusServer{Provider: fixedStatus(nil)}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	if !strings.Contains(rec.Body.String(), `"Channels":[]`) {
		t.Fatalf("body %s", rec.Body.String())
	}
}

func TestStatusUpdater(t *testing.T) {
	m := NewStatusUpdater()
	// Publishing without clients must not block.
	m.Published(video.PublishEvent{Channel: "video0"})

	srv := httptest.NewServer(m)
	defer srv.Close()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		var gen uint64
		for {
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
			}
			gen++
			m.Published(video.PublishEvent{
				Channel: "video0",
				Frame:   pixel.Frame{Width: 640, Height: 480, Format: pixel.RGB24},
				Header:  shm.Header{Generation: gen, Timestamp: shm.Timestamp{Seconds: 3, Microseconds: 7}},
			})
		}
	}()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var msg PublishMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Channel != "video0" || msg.Format != "rgb24" || msg.Width != 640 || msg.Generation == 0 || msg.Timestamp != "3.000007" {
		t.Fatalf("message %+v", msg)
	}
}
