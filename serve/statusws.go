package serve

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"camshm/video"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second
)

// PublishMessage is sent to websocket clients for each published frame.
type PublishMessage struct {
	Channel    string
	Format     string
	Width      int
	Height     int
	Generation uint64
	Timestamp  string
}

// client holds at most one undelivered message; newer ones replace it.
type client struct {
	mu      sync.Mutex
	pending []byte
	wake    chan struct{}
}

func (c *client) offer(msg []byte) {
	c.mu.Lock()
	c.pending = msg
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *client) take() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := c.pending
	c.pending = nil
	return msg
}

// StatusUpdater streams publish events to websocket clients. Slow clients
// only ever see the latest event.
type StatusUpdater struct {
	upgrader websocket.Upgrader

	mu sync.Mutex
	cs map[*client]bool
}

func NewStatusUpdater() *StatusUpdater {
	return &StatusUpdater{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cs: make(map[*client]bool),
	}
}

func (m *StatusUpdater) clients() []*client {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*client
	for c := range m.cs {
		out = append(out, c)
	}
	return out
}

// Published implements video.Listener.
func (m *StatusUpdater) Published(e video.PublishEvent) {
	cs := m.clients()
	if len(cs) == 0 {
		return
	}
	msg, err := json.Marshal(&PublishMessage{
		Channel:    e.Channel,
		Format:     e.Frame.Format.String(),
		Width:      e.Frame.Width,
		Height:     e.Frame.Height,
		Generation: e.Header.Generation,
		Timestamp:  e.Header.Timestamp.String(),
	})
	if err != nil {
		log.Errorf("Failed to encode publish event: %v", err)
		return
	}
	for _, c := range cs {
		c.offer(msg)
	}
}

func (m *StatusUpdater) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for status stream: %v", err)
		}
		return
	}
	go m.serve(ws)
}

func (m *StatusUpdater) serve(ws *websocket.Conn) {
	clog := log.WithField("addr", ws.RemoteAddr())
	clog.Info("connected to status socket")
	defer func() {
		ws.Close()
		clog.Info("disconnected from status socket")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	c := &client{wake: make(chan struct{}, 1)}
	m.mu.Lock()
	m.cs[c] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cs, c)
		m.mu.Unlock()
	}()

	// Even though we don't care about incoming messages, we need to read from
	// the socket in order to process control messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.wake:
			msg := c.take()
			if msg == nil {
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}
