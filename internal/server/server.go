// Package server exposes the run ledger and live subtraction progress over
// HTTP. Events published by the subtract runner fan out to SSE and
// websocket subscribers.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/AmazonRF/pyem/internal/store"
	"github.com/AmazonRF/pyem/internal/subtract"
)

// Server wraps the HTTP server monitoring subtraction runs.
type Server struct {
	addr   string
	store  *store.Store
	log    *slog.Logger
	server *http.Server
	hub    *wsHub

	mu        sync.Mutex
	subs      map[int]chan subtract.Event
	nextSubID int
}

// NewServer creates a monitor server backed by the given run ledger.
// The store may be nil, in which case the API reports empty history.
func NewServer(addr string, st *store.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:  addr,
		store: st,
		log:   log,
		hub:   newWSHub(log),
		subs:  make(map[int]chan subtract.Event),
	}
}

// Publish fans a runner event out to all stream and websocket subscribers.
// Slow consumers lose events rather than stall the runner.
func (s *Server) Publish(ev subtract.Event) {
	s.mu.Lock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn("dropping event for slow stream subscriber", "subscriber", id, "stage", ev.Stage)
		}
	}
	s.mu.Unlock()

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case s.hub.broadcast <- payload:
	default:
		s.log.Warn("dropping event for websocket hub", "stage", ev.Stage)
	}
}

// Subscribe registers an event channel for SSE handlers. The returned
// function unsubscribes.
func (s *Server) Subscribe() (<-chan subtract.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan subtract.Event, 64)
	s.subs[id] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Start begins serving and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.routes(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down monitor server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("monitor server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/runs/{id:[0-9]+}", s.handleRun).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []store.RunRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

type runDetail struct {
	Run    *store.RunRecord    `json:"run"`
	Stacks []store.StackRecord `json:"stacks"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "bad run id", http.StatusBadRequest)
		return
	}

	run, err := s.store.Run(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.NotFound(w, r)
		return
	}

	stacks, err := s.store.RunStacks(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if stacks == nil {
		stacks = []store.StackRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runDetail{Run: run, Stacks: stacks})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	evCh, unsubscribe := s.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
