package output

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/khaledhikmat/perception-go/service/lgr"
)

// server is an HTTP listener shared by every pipeline's sink of one kind.
// Requests under /pipelines/{pipeline} go to that pipeline's handler.
type server struct {
	addr  string
	bound string
	srv   *http.Server

	mu       sync.RWMutex
	handlers map[string]http.Handler
}

var (
	serversMu sync.Mutex
	servers   = map[string]*server{}
)

// mount starts the listener on addr if needed and routes the pipeline's
// requests to h. The returned func unmounts it and stops the listener after
// the last pipeline leaves.
func mount(addr, pipelineName string, h http.Handler) (func() error, error) {
	serversMu.Lock()
	defer serversMu.Unlock()

	s, ok := servers[addr]
	if !ok {
		var err error
		if s, err = listen(addr); err != nil {
			return nil, err
		}
		servers[addr] = s
	}

	s.mu.Lock()
	if _, taken := s.handlers[pipelineName]; taken {
		s.mu.Unlock()
		return nil, errors.New("pipeline already mounted on " + addr)
	}
	s.handlers[pipelineName] = h
	s.mu.Unlock()

	return func() error {
		serversMu.Lock()
		defer serversMu.Unlock()

		s.mu.Lock()
		delete(s.handlers, pipelineName)
		left := len(s.handlers)
		s.mu.Unlock()
		if left > 0 {
			return nil
		}

		delete(servers, addr)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.srv.Shutdown(ctx)
	}, nil
}

func listen(addr string) (*server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &server{addr: addr, bound: ln.Addr().String(), handlers: map[string]http.Handler{}}
	router := mux.NewRouter()
	router.HandleFunc("/pipelines", s.index).Methods(http.MethodGet)
	router.PathPrefix("/pipelines/{pipeline}").HandlerFunc(s.dispatch)
	s.srv = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lgr.Logger.Error("sink server stopped", slog.String("address", addr), slog.Any("error", err))
		}
	}()
	lgr.Logger.Info("sink server listening", slog.String("address", s.bound))
	return s, nil
}

func (s *server) index(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

func (s *server) dispatch(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h, ok := s.handlers[mux.Vars(r)["pipeline"]]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
