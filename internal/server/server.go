package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"astrostack/internal/pipeline"
	"astrostack/internal/storage"
	"astrostack/internal/web"

	"github.com/gorilla/mux"
)

// Dispatcher accepts jobs and publishes their results and progress.
// *pipeline.Pipeline satisfies it.
type Dispatcher interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
	SubscribeProgress() (<-chan pipeline.Progress, func())
}

// Server exposes the job queue over HTTP, SSE and websockets
type Server struct {
	addr   string
	store  *storage.Store
	jobs   Dispatcher
	hub    *web.Hub
	log    *slog.Logger
	server *http.Server
}

// NewServer creates a server for the given store and dispatcher
func NewServer(addr string, store *storage.Store, jobs Dispatcher, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:  addr,
		store: store,
		jobs:  jobs,
		hub:   web.NewHub(log),
		log:   log,
	}
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	s.setupJobRoutes(r)
	return r
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.relay(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Serve builds a Server and runs it until ctx is cancelled
func Serve(ctx context.Context, addr string, store *storage.Store, jobs Dispatcher, log *slog.Logger) error {
	return NewServer(addr, store, jobs, log).Start(ctx)
}

// setupRoutes configures health, streaming and websocket routes
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.Handle("/ws", s.hub).Methods("GET")
}

// envelope tags streamed payloads so clients can tell results from progress
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// relay forwards pipeline output to websocket clients
func (s *Server) relay(ctx context.Context) {
	results, unsubResults := s.jobs.Subscribe()
	defer unsubResults()
	progress, unsubProgress := s.jobs.SubscribeProgress()
	defer unsubProgress()

	for {
		var msg envelope
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			msg = envelope{Type: "result", Data: res}
		case pr, ok := <-progress:
			if !ok {
				return
			}
			msg = envelope{Type: "progress", Data: pr}
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			s.log.Warn("failed to encode stream message", "error", err)
			continue
		}
		s.hub.Broadcast(payload)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resCh, unsubscribe := s.jobs.Subscribe()
	defer unsubscribe()
	progCh, unsubProgress := s.jobs.SubscribeProgress()
	defer unsubProgress()

	for {
		var (
			event string
			data  any
		)
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			event, data = "result", res
		case pr, ok := <-progCh:
			if !ok {
				return
			}
			event, data = "progress", pr
		}
		payload, err := json.Marshal(data)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		flusher.Flush()
	}
}
