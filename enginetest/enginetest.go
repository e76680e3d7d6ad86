package enginetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Server is a scriptable stand-in for the engine's sdkserver mode. The
// zero value is not usable; construct with [New]. Operations without a
// registered handler answer 404, the health check always answers 200.
type Server struct {
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests []string
	srv      *httptest.Server
}

// New starts a fake engine listening on an ephemeral local address.
// The caller must Close it.
func New() *Server {
	s := &Server{handlers: make(map[string]http.HandlerFunc)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.dispatch))
	return s
}

// URL is the endpoint to hand to the client, typically via WithURL.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the server down and blocks until in-flight requests end.
func (s *Server) Close() { s.srv.Close() }

// Handle scripts one operation path, e.g. "run" or "confirm/auth-1".
func (s *Server) Handle(op string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers["/"+op] = h
}

// HandleJSON scripts an operation to answer with a fixed JSON document.
func (s *Server) HandleJSON(op string, v any) {
	s.Handle(op, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	})
}

// HandleStream scripts a run operation to answer with the given records
// as an SSE-framed stream followed by the termination sentinel.
func (s *Server) HandleStream(op string, lines ...string) {
	s.Handle(op, func(w http.ResponseWriter, r *http.Request) {
		WriteStream(w, lines...)
	})
}

// Requests returns the operation paths seen so far, in arrival order.
// The health check is not recorded.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Path)
	h, ok := s.handlers[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

// WriteStream writes records in the engine's stream framing: each line
// SSE-prefixed, then the termination sentinel. Useful inside custom
// Handle functions that need to interleave flushes or delays.
func WriteStream(w io.Writer, lines ...string) {
	for _, line := range lines {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "data: [DONE]\n")
}
