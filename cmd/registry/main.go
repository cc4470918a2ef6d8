// Command registry runs the standalone name registry service: the Go
// analogue of the Python original's Pyro5 nameserver
// (original_source/nameserver.py), stripped to the operations every peer
// actually needs: register, look peers up by prefix, and deregister.
package main

import (
	"net/http"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sincronizacion-distribuida/ricart-agrawala-peer/internal/registry"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	addr := os.Getenv("REGISTRY_LISTEN_ADDR")
	if addr == "" {
		addr = ":8500"
	}

	srv := registry.NewServer(log)
	log.WithField("addr", addr).Info("starting name registry")
	if err := http.ListenAndServe(addr, srv.Router()); err != nil {
		log.WithError(err).Fatal("registry server exited")
	}
}
