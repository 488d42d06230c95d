// Package httpapi exposes a small read-only status/debug surface over
// gorilla/mux, in the style of the storage-node status handler in the
// pack's distributed-storage example: one route per concern, JSON
// bodies written by hand rather than through a framework.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/DurantVivado/cloudraidfs"
)

// Server answers /status debug queries against a running mount. It
// never mutates state.
type Server struct {
	cache    *cloudraidfs.ChunkCache
	uploader *cloudraidfs.AsyncUploader
	router   *mux.Router
}

// New builds the router. uploader may be nil if the mount writes
// synchronously.
func New(cache *cloudraidfs.ChunkCache, uploader *cloudraidfs.AsyncUploader) *Server {
	s := &Server{cache: cache, uploader: uploader, router: mux.NewRouter()}
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cs := s.cache.Stats()
	body := map[string]interface{}{
		"status":            "online",
		"cache_hits":        cs.Hits,
		"cache_misses":      cs.Misses,
		"cache_bytes_inuse": cs.BytesInUse,
	}
	if s.uploader != nil {
		us := s.uploader.Stats()
		body["uploaded"] = us.Uploaded
		body["failed"] = us.Failed
		body["queue_depth"] = us.QueueDepth
		body["pending_stripes"] = us.PendingStripes
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
