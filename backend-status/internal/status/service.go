package status

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/openorb/orbcore/backend-status/pkg/watch"
	"github.com/openorb/orbcore/pkg/status"
)

// Service is the local control surface of the backend-status daemon: the
// update agent pushes progress events here, and the token receiver hands
// over the current auth token.
type Service struct {
	log      *slog.Logger
	reporter status.Reporter
	token    *watch.Value[string]
}

func NewService(log *slog.Logger, reporter status.Reporter, token *watch.Value[string]) *Service {
	return &Service{log: log, reporter: reporter, token: token}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/progress", s.serveProgress)
	mux.HandleFunc("POST /v1/token", s.serveToken)
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Serve serves the local API on the given listener, typically a unix
// socket.
func (s *Service) Serve(lis net.Listener) error {
	return http.Serve(lis, s.Handler())
}

func (s *Service) serveProgress(w http.ResponseWriter, r *http.Request) {
	var update status.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "failed to decode progress update", http.StatusBadRequest)
		return
	}
	s.reporter.UpdateProgress(update.Component, update.State)
	w.WriteHeader(http.StatusOK)
}

func (s *Service) serveToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "failed to decode token", http.StatusBadRequest)
		return
	}
	s.token.Set(body.Token)
	w.WriteHeader(http.StatusOK)
}
