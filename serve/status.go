package serve

import (
	"encoding/json"
	"net/http"
	"time"

	"camshm/video"
)

// StatusProvider reports the channels being published.
type StatusProvider interface {
	Status() []video.ChannelStatus
}

type ChannelEntry struct {
	Name       string
	Format     string
	Capacity   int
	Generation uint64
	// Timestamp of the latest frame in seconds, zero before the first publish.
	Timestamp float64
	Session   string
}

type StatusResponse struct {
	Channels []*ChannelEntry
	Now      float64
}

func seconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

func toChannelEntry(s video.ChannelStatus) *ChannelEntry {
	return &ChannelEntry{
		Name:       s.Name,
		Format:     s.Format.String(),
		Capacity:   s.Capacity,
		Generation: s.Generation,
		Timestamp:  seconds(s.Timestamp),
		Session:    s.Session,
	}
}

type StatusServer struct {
	Provider StatusProvider
}

func (s *StatusServer) BuildResponse() *StatusResponse {
	resp := &StatusResponse{
		Channels: []*ChannelEntry{},
		Now:      seconds(time.Now()),
	}
	for _, st := range s.Provider.Status() {
		resp.Channels = append(resp.Channels, toChannelEntry(st))
	}
	return resp
}

func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	js, err := json.Marshal(s.BuildResponse())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}
