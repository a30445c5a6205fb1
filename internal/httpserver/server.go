package httpserver

import "github.com/gorilla/mux"

// Server wraps the control API router so callers can attach middleware
// and extra endpoints before serving.
type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}
