package service

import (
	"bytes"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mosaicnetworks/prism/src/peers"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// Node is the part of a node the service reports on.
type Node interface {
	GetStats() map[string]string
	GetPeers() []peers.Info
}

// Service exposes the status of a node over HTTP.
type Service struct {
	bindAddress string
	node        Node
	metrics     http.Handler
	logger      *logrus.Entry

	router chi.Router
	server *http.Server
}

// NewService creates a Service for n. metrics, if not nil, is served under
// /metrics.
func NewService(bindAddress string, n Node, metrics http.Handler, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		metrics:     metrics,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Prism API handlers")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/stats", s.GetStats)
	r.Get("/peers", s.GetPeers)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	s.router = r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// Handler returns the router, for mounting in another server.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Prism API")

	s.server = &http.Server{
		Addr:    s.bindAddress,
		Handler: s.router,
	}

	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		s.logger.Error(err)
	}
}

// Close stops a server started with Serve.
func (s *Service) Close() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

// GetStats returns the node's stats as a JSON object.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.node.GetStats())
}

// GetPeers returns the node's children and parent as a JSON array.
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	infos := s.node.GetPeers()
	if infos == nil {
		infos = []peers.Info{}
	}
	s.writeJSON(w, infos)
}

func (s *Service) writeJSON(w http.ResponseWriter, v interface{}) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		s.logger.WithError(err).Error("Encoding response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}
