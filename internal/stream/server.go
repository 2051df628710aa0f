package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/kestrel-voice/kestrel/internal/config"
	"github.com/kestrel-voice/kestrel/internal/logger"
	"github.com/kestrel-voice/kestrel/internal/registry"
	"github.com/kestrel-voice/kestrel/internal/vcs"
	"github.com/kestrel-voice/kestrel/internal/workspace"
)

// Server exposes the branch-management REST surface and the per-session
// websocket endpoint. Every route requires the shared auth token.
type Server struct {
	cfg        *config.Config
	store      *workspace.Store
	reg        *registry.Registry
	mux        *Multiplexer
	log        *logger.Logger
	router     *httprouter.Router
	httpServer *http.Server
}

// NewServer wires the HTTP surface over the given store, registry and
// multiplexer.
func NewServer(cfg *config.Config, store *workspace.Store, reg *registry.Registry, mux *Multiplexer, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	s := &Server{
		cfg:   cfg,
		store: store,
		reg:   reg,
		mux:   mux,
		log:   log.WithPrefix("server"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := httprouter.New()

	r.GET("/api/projects", s.authed(s.handleListProjects))
	r.POST("/api/projects", s.authed(s.handleCreateProject))
	r.DELETE("/api/projects/:project", s.authed(s.handleDeleteProject))
	r.GET("/api/projects/:project/branches", s.authed(s.handleListBranches))
	r.POST("/api/projects/:project/branches", s.authed(s.handleCreateBranch))
	r.POST("/api/projects/:project/branches/:branch/merge", s.authed(s.handleMergeBranch))
	r.POST("/api/projects/:project/branches/:branch/sync", s.authed(s.handleSyncBranch))
	r.DELETE("/api/projects/:project/branches/:branch", s.authed(s.handleDeleteBranch))

	r.GET("/api/sessions", s.authed(s.handleListSessions))
	r.POST("/api/sessions", s.authed(s.handleCreateSession))
	r.POST("/api/sessions/:id/rename", s.authed(s.handleRenameSession))
	r.DELETE("/api/sessions/:id", s.authed(s.handleDeleteSession))

	r.GET("/ws/:id", s.authed(s.handleWebSocket))

	s.router = r
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		s.log.Info("Listening on %s", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the HTTP server and all session channels down.
func (s *Server) Stop() error {
	s.mux.Shutdown()

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// authed checks the shared token, accepted either as a query parameter
// or a bearer header.
func (s *Server) authed(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.URL.Query().Get("token")
		if token == "" {
			auth := r.Header.Get("Authorization")
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if token != s.cfg.AuthToken {
			s.log.Warn("Rejected request to %s: invalid auth token", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		h(w, r, ps)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain failures onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var conflict *vcs.MergeConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "merge conflict",
			"detail": conflict.Output,
		})
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, workspace.ErrAlreadyExists), errors.Is(err, workspace.ErrConflict), errors.Is(err, registry.ErrBindingBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, workspace.ErrProtected):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, workspace.ErrInvalidName), errors.Is(err, registry.ErrInvalidWorkspace):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.log.Error("Internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	projects, err := s.store.ListProjects()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	project, err := s.store.CreateProject(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	project := ps.ByName("project")
	if err := s.store.DeleteProject(r.Context(), project); err != nil {
		s.writeError(w, err)
		return
	}
	s.invalidateSessions(r.Context(), project, "")
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// invalidateSessions tears down every session bound to the given
// workspace (all branches when branch is empty), so attached clients
// get the terminal close code instead of a dead socket.
func (s *Server) invalidateSessions(ctx context.Context, project, branch string) {
	for _, sess := range s.reg.List() {
		if sess.Project != project {
			continue
		}
		if branch != "" && sess.Branch != branch {
			continue
		}
		s.mux.Terminate(sess.ID)
		if _, err := s.reg.Delete(ctx, sess.ID, false); err != nil {
			s.log.Warn("Failed to remove session %s for deleted workspace: %v", sess.ID, err)
		}
	}
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	branches, err := s.store.ListBranches(ps.ByName("project"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"branches": branches})
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Name   string `json:"name"`
		Source string `json:"source"`
	}
	// Empty body is fine; the branch name gets generated.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	branch, err := s.store.CreateBranch(r.Context(), ps.ByName("project"), req.Name, req.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, branch)
}

func (s *Server) handleMergeBranch(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.store.MergeBranch(r.Context(), ps.ByName("project"), ps.ByName("branch")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"merged": true})
}

func (s *Server) handleSyncBranch(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.store.SyncBranch(r.Context(), ps.ByName("project"), ps.ByName("branch")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"synced": true})
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	degraded, err := s.store.DeleteBranch(r.Context(), ps.ByName("project"), ps.ByName("branch"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.invalidateSessions(r.Context(), ps.ByName("project"), ps.ByName("branch"))
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true, "degraded": degraded})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.reg.List()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Project string `json:"project"`
		Branch  string `json:"branch"`
		Path    string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	var (
		sess registry.Session
		err  error
	)
	switch {
	case req.Path != "":
		sess, err = s.reg.CreateForPath(req.Path)
	case req.Project != "" && req.Branch != "":
		sess, err = s.reg.CreateForBranch(req.Project, req.Branch)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "either path or project+branch required"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name required"})
		return
	}
	if err := s.reg.Rename(ps.ByName("id"), req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.reg.Get(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	deleteBranch := r.URL.Query().Get("delete_branch") == "true"

	// Close the live channel first so the client gets the terminal code.
	s.mux.Terminate(id)

	degraded, err := s.reg.Delete(r.Context(), id, deleteBranch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true, "degraded": degraded})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if _, err := s.reg.Get(id); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed: %v", err)
		return
	}

	client := newClient(id, s.mux, conn, s.cfg.MaxMessageBytes, s.log)
	if err := s.mux.Attach(id, client); err != nil {
		client.closeWith(CloseSessionGone, "session gone")
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
