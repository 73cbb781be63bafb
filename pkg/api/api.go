// Package api exposes the HTTP surface of the patch hub: patch
// submission, journal replay, container snapshots, the websocket stream
// and the admin endpoints. Authentication, CORS and rate limiting are
// handled upstream by the auth gateway middleware.
package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"patchcast/pkg/auth"
	"patchcast/pkg/session"
	"patchcast/pkg/stream"
)

// Server bundles the collaborators the HTTP handlers need.
type Server struct {
	manager *session.Manager
	hub     *stream.Hub
	// runRetention triggers an immediate journal trim; nil disables the
	// admin endpoint.
	runRetention func() (int, error)
}

func New(manager *session.Manager, hub *stream.Hub, runRetention func() (int, error)) *Server {
	return &Server{manager: manager, hub: hub, runRetention: runRetention}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{session}", s.closeSession).Methods(http.MethodDelete)
	v1.HandleFunc("/sessions/{session}/patches", s.submitPatch).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{session}/patches", s.listPatches).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{session}/snapshot", s.snapshotPage).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{session}/containers/{container}", s.snapshotContainer).Methods(http.MethodGet)
	v1.Handle("/sessions/{session}/stream",
		auth.RequireSignedViewer(http.HandlerFunc(s.streamPatches))).Methods(http.MethodGet)
	v1.HandleFunc("/_sign", s.signViewer).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/health", s.adminHealth).Methods(http.MethodGet)
	admin.HandleFunc("/stats", s.adminStats).Methods(http.MethodGet)
	admin.HandleFunc("/retention/run", s.adminRetentionRun).Methods(http.MethodPost)

	return r
}

func genPatchID() string {
	return fmt.Sprintf("p-%s", uuid.NewString())
}
