// Package server wires the HTTP surface: the websocket upgrade endpoint,
// the plain-text document read endpoint, and the stats endpoint. Routed
// with gorilla/mux, grounded on wingedpig-trellis's internal/api.Router,
// replacing the teacher's manual http.ServeMux prefix-stripping in
// pkg/server/server.go.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"

	"github.com/collabpad/core/internal/auth"
	"github.com/collabpad/core/internal/connection"
	"github.com/collabpad/core/internal/identifier"
	"github.com/collabpad/core/internal/registry"
	"github.com/collabpad/core/internal/session"
	"github.com/collabpad/core/internal/store"
	"github.com/collabpad/core/pkg/logger"
)

// Stats is the JSON body served from GET /api/stats.
type Stats struct {
	StartTime    int64   `json:"start_time"`
	NumDocuments int     `json:"num_documents"`
	DatabaseSize int     `json:"database_size"`
	User         *string `json:"user,omitempty"`
	Admin        bool    `json:"admin"`
}

// Server is the collaborative-editing HTTP surface.
type Server struct {
	registry *registry.Registry
	store    store.OpStore
	auth     auth.Provider

	startTime time.Time
	router    *mux.Router
}

// New constructs a Server backed by reg for live documents, st for the
// stats document count, and authProvider for resolving session cookies
// to users. authProvider may be auth.NoneProvider{} to disable
// authentication entirely.
func New(reg *registry.Registry, st store.OpStore, authProvider auth.Provider) *Server {
	s := &Server{
		registry:  reg,
		store:     st,
		auth:      authProvider,
		startTime: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/socket/{id}", s.handleSocket).Methods("GET")
	r.HandleFunc("/api/text/{id}", s.handleText).Methods("GET")
	r.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	s.router = r

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// userFromRequest resolves the caller's session cookie to a user, if any.
func (s *Server) userFromRequest(r *http.Request) *session.User {
	cookie, err := r.Cookie(session.CookieName)
	if err != nil {
		return nil
	}
	sess, err := session.FromCookie(cookie.Value)
	if err != nil {
		return nil
	}
	user, ok := s.auth.User(sess)
	if !ok {
		return nil
	}
	return &user
}

// handleSocket upgrades to a duplex websocket connection for document id,
// applying the visibility access gate before accepting the upgrade.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	id, err := identifier.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	engine, err := s.registry.GetOrHydrate(r.Context(), id)
	if err != nil {
		logger.Error("server: hydrate %s: %v", id, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	user := s.userFromRequest(r)
	role := auth.RoleFor(user)
	if !auth.CanAccess(role, engine.Visibility()) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Error("server: websocket upgrade %s: %v", id, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c := connection.New(engine, connection.NewWebSocketConn(conn), user, role)
	if err := c.Handle(r.Context()); err != nil {
		logger.Info("server: connection %s closed: %v", id, err)
	}
}

// handleText returns the current document text with its language header,
// applying the same visibility access gate as the socket endpoint.
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	id, err := identifier.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	engine, err := s.registry.GetOrHydrate(r.Context(), id)
	if err != nil {
		logger.Error("server: hydrate %s: %v", id, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	role := auth.RoleFor(s.userFromRequest(r))
	if !auth.CanAccess(role, engine.Visibility()) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	snapshot := engine.Snapshot()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Language", snapshot.Meta.Language)
	w.Write([]byte(snapshot.Text))
}

// handleStats reports process-wide statistics, including the caller's
// resolved identity when a valid session cookie is present.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	dbSize := 0
	if n, err := s.store.Count(r.Context()); err == nil {
		dbSize = n
	} else {
		logger.Error("server: count documents: %v", err)
	}

	stats := Stats{
		StartTime:    s.startTime.Unix(),
		NumDocuments: s.registry.Count(),
		DatabaseSize: dbSize,
	}
	if user := s.userFromRequest(r); user != nil {
		stats.User = &user.Name
		stats.Admin = user.Admin
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		logger.Error("server: encode stats: %v", err)
	}
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	logger.Info("server listening on %s", addr)
	return http.ListenAndServe(addr, s)
}
