package sink

import (
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"camshm/video/pixel"
)

// MJPEG multi-streaming, based on implementation by saljam:
// https://github.com/saljam/mjpeg/blob/master/stream.go

const boundaryWord = "MJPEGBOUNDARY"
const headerf = "\r\n" +
	"--" + boundaryWord + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: %d\r\n" +
	"X-Timestamp: %d.%06d\r\n" +
	"\r\n"

// MJPEGServer serves one multipart JPEG stream per channel, selected with
// the "name" query parameter.
type MJPEGServer struct {
	m map[string]*MJPEGStream

	lock sync.Mutex
}

func NewMJPEGServer() *MJPEGServer {
	return &MJPEGServer{
		m: make(map[string]*MJPEGStream),
	}
}

// NewStream registers the stream for a channel. Registering a channel twice
// is an error.
func (s *MJPEGServer) NewStream(name string) (*MJPEGStream, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.m[name]; ok {
		return nil, fmt.Errorf("a stream for %s already exists", name)
	}

	ms := &MJPEGStream{
		name:   name,
		m:      make(map[chan []byte]bool),
		parent: s,
	}

	s.m[name] = ms
	return ms, nil
}

func (s *MJPEGServer) getStream(name string) *MJPEGStream {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.m[name]
}

// ServeHTTP implements http.Handler interface, serving MJPEG.
func (s *MJPEGServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	name := r.Form.Get("name")
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}

	stream := s.getStream(name)
	if stream == nil {
		http.Error(w, "unknown stream", http.StatusNotFound)
		return
	}

	clog := log.WithField("addr", r.RemoteAddr)
	clog.Infof("MJPEG stream connected to %s", name)
	w.Header().Add("Content-Type", "multipart/x-mixed-replace;boundary="+boundaryWord)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	c := make(chan []byte, 1)
	stream.lock.Lock()
	stream.m[c] = true
	stream.lock.Unlock()

	defer func() {
		stream.lock.Lock()
		delete(stream.m, c)
		stream.lock.Unlock()
		clog.Infof("MJPEG stream disconnected from %s", name)
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case b := <-c:
			if _, err := w.Write(b); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// MJPEGStream is the Sink side of one channel's stream.
type MJPEGStream struct {
	name string
	m    map[chan []byte]bool
	b    matBuilder

	parent *MJPEGServer
	lock   sync.Mutex
}

func (s *MJPEGStream) clients() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.m)
}

func (s *MJPEGStream) Put(frame pixel.Frame) {
	if s.clients() == 0 {
		// Nobody is listening; don't bother encoding.
		return
	}

	img, err := s.b.mat(frame)
	if err != nil {
		log.Errorf("Cannot convert %v for MJPEG stream %s: %v", frame, s.name, err)
		return
	}
	DrawTimestamp(s.name, frame.Time, &img)
	jpeg, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	img.Close()
	if err != nil {
		log.Errorf("Error encoding to JPG for MJPEG stream %s: %v", s.name, err)
		return
	}
	defer jpeg.Close()
	data := jpeg.GetBytes()

	var sec, usec int64
	if !frame.Time.IsZero() {
		sec, usec = frame.Time.Unix(), int64(frame.Time.Nanosecond()/1000)
	}
	header := fmt.Sprintf(headerf, len(data), sec, usec)
	// Clients may still be writing the previous part.
	part := make([]byte, len(header)+len(data))
	copy(part, header)
	copy(part[len(header):], data)

	s.lock.Lock()
	defer s.lock.Unlock()
	for c := range s.m {
		select {
		case c <- part:
		default:
			// Skip listeners not ready for next frame.
		}
	}
}

func (s *MJPEGStream) Close() {
	s.parent.lock.Lock()
	defer s.parent.lock.Unlock()
	delete(s.parent.m, s.name)
}
