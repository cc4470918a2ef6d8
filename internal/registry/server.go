package registry

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Registration is one entry in the registry's roster.
type Registration struct {
	URL          string    `json:"url"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Server is the standalone name registry: peers POST /register on startup
// and any peer's failure detector can GET /peers?prefix=Peer to discover
// the current roster, per spec.md §6's name registry contract.
type Server struct {
	mu    sync.RWMutex
	peers map[string]Registration
	log   logrus.FieldLogger
}

// NewServer returns an empty registry.
func NewServer(log logrus.FieldLogger) *Server {
	return &Server{
		peers: make(map[string]Registration),
		log:   log,
	}
}

// Router builds the registry's HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/peers", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/peers/{name}", s.handleDeregister).Methods(http.MethodDelete)
	return r
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		http.Error(w, "invalid registration", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.peers[body.Name] = Registration{URL: body.URL, RegisteredAt: time.Now()}
	s.mu.Unlock()

	s.log.WithField("peer", body.Name).Info("registered peer")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	s.mu.RLock()
	out := make(map[string]string)
	for name, reg := range s.peers {
		if prefix == "" || strings.HasPrefix(name, prefix) {
			out[name] = reg.URL
		}
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Peers map[string]string `json:"peers"`
	}{out})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.Lock()
	delete(s.peers, name)
	s.mu.Unlock()
	s.log.WithField("peer", name).Info("deregistered peer")
	w.WriteHeader(http.StatusOK)
}
