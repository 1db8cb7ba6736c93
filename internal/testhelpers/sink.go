package testhelpers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
)

// SinkPath is the ingestion route of the HostedGraphite HTTP API.
const SinkPath = "/api/v1/sink"

// SinkRequest is one POST captured by a SinkServer.
type SinkRequest struct {
	Body      string
	Username  string
	Password  string
	HasAuth   bool
	RequestID string
	Header    http.Header
}

// SinkServer is a fake HostedGraphite sink. Responses are served from a queue of
// status codes; once the queue is drained the last status repeats.
type SinkServer struct {
	server *httptest.Server

	mu       sync.Mutex
	statuses []int
	body     string
	requests []SinkRequest
}

// NewSinkServer starts a fake sink answering with statuses in order (202 when empty).
// body is written on every non-202 response. The server is closed on test cleanup.
func NewSinkServer(t testing.TB, body string, statuses ...int) *SinkServer {
	if len(statuses) == 0 {
		statuses = []int{http.StatusAccepted}
	}
	s := &SinkServer{statuses: statuses, body: body}

	router := mux.NewRouter()
	router.HandleFunc(SinkPath, s.handleSink).Methods(http.MethodPost)
	s.server = httptest.NewServer(router)
	t.Cleanup(s.server.Close)
	return s
}

// URL returns the full sink endpoint.
func (s *SinkServer) URL() string {
	return s.server.URL + SinkPath
}

// BaseURL returns the server root, for requests that should miss the sink route.
func (s *SinkServer) BaseURL() string {
	return s.server.URL
}

// Requests returns a copy of everything received so far.
func (s *SinkServer) Requests() []SinkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SinkRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *SinkServer) handleSink(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	user, pass, ok := r.BasicAuth()

	s.mu.Lock()
	s.requests = append(s.requests, SinkRequest{
		Body:      string(data),
		Username:  user,
		Password:  pass,
		HasAuth:   ok,
		RequestID: r.Header.Get("X-Request-ID"),
		Header:    r.Header.Clone(),
	})
	status := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	s.mu.Unlock()

	w.WriteHeader(status)
	if status != http.StatusAccepted {
		_, _ = io.WriteString(w, s.body)
	}
}
