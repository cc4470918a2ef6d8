package transport

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// NewRouter builds the inbound HTTP surface for a peer, dispatching to
// inbound's Hello/OnRequest/OnReply/OnHeartbeat exactly as the teacher's
// main.go wires handleInternalMessage into gorilla/mux, but with one route
// per RPC method instead of a single envelope endpoint.
func NewRouter(inbound Inbound, log logrus.FieldLogger) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/rpc/hello", func(w http.ResponseWriter, r *http.Request) {
		if err := inbound.Hello(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	r.HandleFunc("/rpc/request_resource", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Timestamp uint64 `json:"timestamp"`
			Name      string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		granted := inbound.OnRequest(body.Timestamp, body.Name)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Granted bool `json:"granted"`
		}{granted})
	}).Methods(http.MethodPost)

	r.HandleFunc("/rpc/receive_reply", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			From string `json:"from"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		inbound.OnReply(body.From)
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	r.HandleFunc("/rpc/receive_heartbeat", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			From string `json:"from"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		inbound.OnHeartbeat(body.From)
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.WithField("path", r.URL.Path).Debug("inbound rpc")
			next.ServeHTTP(w, r)
		})
	})

	return r
}
