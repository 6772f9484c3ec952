package compute

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/api"
	"github.com/wirelab/wirelab/pkg/observability"
	"github.com/wirelab/wirelab/pkg/rpcerr"
)

// ServerConfig configures the agent HTTP API.
type ServerConfig struct {
	// Version reported on the capabilities handshake.
	Version string

	// User/Password enable HTTP Basic auth when both are set.
	User     string
	Password string

	// ImagesDir is where uploaded disk images land.
	ImagesDir string
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.ImagesDir == "" {
		return fmt.Errorf("images directory is required")
	}
	return nil
}

// Server exposes the compute API consumed by the controller: capabilities,
// project and node lifecycle, project files and the notification stream.
type Server struct {
	config   ServerConfig
	registry *Registry
	hub      *Hub
	logger   *zap.Logger
	adapters map[string]NodeAdapter // node type -> adapter
}

// NewServer creates the agent HTTP API.
func NewServer(config ServerConfig, registry *Registry, hub *Hub, adapters []NodeAdapter, logger *zap.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	byType := make(map[string]NodeAdapter)
	for _, a := range adapters {
		for _, t := range a.Types() {
			byType[t] = a
		}
	}
	return &Server{
		config:   config,
		registry: registry,
		hub:      hub,
		logger:   logger,
		adapters: byType,
	}, nil
}

// Handler builds the /v3 router with the common middleware chain.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.StrictSlash(true)
	// Path cleaning would rewrite "../" segments before the file handlers
	// can refuse them; traversal detection needs the path as requested.
	router.SkipClean(true)

	v3 := router.PathPrefix("/v3").Subrouter()
	v3.HandleFunc("/capabilities", s.getCapabilities).Methods("GET")
	v3.HandleFunc("/projects", s.createProject).Methods("POST")
	v3.HandleFunc("/projects/{id}", s.getProject).Methods("GET")
	v3.HandleFunc("/projects/{id}", s.deleteProject).Methods("DELETE")
	v3.HandleFunc("/projects/{id}/close", s.closeProject).Methods("POST")
	v3.HandleFunc("/projects/{id}/{type}/nodes", s.createNode).Methods("POST")
	v3.HandleFunc("/projects/{id}/{type}/nodes/{node_id}", s.updateNode).Methods("PUT")
	v3.HandleFunc("/projects/{id}/{type}/nodes/{node_id}", s.deleteNode).Methods("DELETE")
	v3.HandleFunc("/projects/{id}/{type}/nodes/{node_id}/start", s.nodeAction("start")).Methods("POST")
	v3.HandleFunc("/projects/{id}/{type}/nodes/{node_id}/stop", s.nodeAction("stop")).Methods("POST")
	v3.HandleFunc("/projects/{id}/{type}/nodes/{node_id}/suspend", s.nodeAction("suspend")).Methods("POST")
	v3.HandleFunc("/projects/{id}/files/{path:.*}", s.getProjectFile).Methods("GET")
	v3.HandleFunc("/projects/{id}/files/{path:.*}", s.writeProjectFile).Methods("POST")
	v3.HandleFunc("/images/{name}", s.uploadImage).Methods("POST")
	v3.HandleFunc("/notifications/ws", s.hub.ServeWS).Methods("GET")

	var h http.Handler = router
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	h = handlers.CompressHandler(h)
	h = observability.RequestLogging(s.logger)(h)
	h = observability.RequestID(h)
	if s.config.User != "" && s.config.Password != "" {
		h = s.basicAuth(h)
	}
	return h
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The notification stream authenticates on upgrade like any call.
		user, password, ok := r.BasicAuth()
		if !ok || user != s.config.User || password != s.config.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="wirelab"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := api.Capabilities{
		Version:   s.config.Version,
		NodeTypes: make([]string, 0, len(s.adapters)),
		Platform:  runtime.GOOS,
		CPUCount:  runtime.NumCPU(),
	}
	for t := range s.adapters {
		caps.NodeTypes = append(caps.NodeTypes, t)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		caps.MemoryTotal = vm.Total
	}
	writeJSON(w, http.StatusOK, caps)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req api.ProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, &rpcerr.BadRequestError{Message: "invalid project body"})
		return
	}
	project, err := s.registry.CreateProject(req.ID, req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.ProjectResponse{
		ID:   project.ID(),
		Name: project.Name(),
		Path: project.Path(),
	})
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.registry.Project(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.ProjectResponse{
		ID:   project.ID(),
		Name: project.Name(),
		Path: project.Path(),
	})
}

func (s *Server) closeProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	project, err := s.registry.Project(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := project.Close(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.registry.RemoveProject(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	project, err := s.registry.Project(id)
	if err != nil {
		// Delete is idempotent from the controller's point of view.
		if rpcerr.IsNotFoundError(err) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeError(w, r, err)
		return
	}
	if err := project.Delete(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.registry.RemoveProject(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) adapterFor(nodeType string) (NodeAdapter, error) {
	adapter, ok := s.adapters[nodeType]
	if !ok {
		return nil, &rpcerr.BadRequestError{Message: fmt.Sprintf("unsupported node type %q", nodeType)}
	}
	return adapter, nil
}

func (s *Server) createNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	project, err := s.registry.Project(vars["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	adapter, err := s.adapterFor(vars["type"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req api.NodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, &rpcerr.BadRequestError{Message: "invalid node body"})
		return
	}
	req.NodeType = vars["type"]

	// Idempotent create: re-sending an id the adapter already owns returns
	// the existing node instead of erroring.
	if req.NodeID != "" && adapter.HasNode(project.ID(), req.NodeID) {
		resp, err := adapter.UpdateNode(r.Context(), project.ID(), req.NodeID, &req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp, err := adapter.CreateNode(r.Context(), project.ID(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.hub.Publish(api.ActionNodeCreated, resp)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) updateNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	project, err := s.registry.Project(vars["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	adapter, err := s.adapterFor(vars["type"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req api.NodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, &rpcerr.BadRequestError{Message: "invalid node body"})
		return
	}
	resp, err := adapter.UpdateNode(r.Context(), project.ID(), vars["node_id"], &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.hub.Publish(api.ActionNodeUpdated, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	project, err := s.registry.Project(vars["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	adapter, err := s.adapterFor(vars["type"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := adapter.DeleteNode(r.Context(), project.ID(), vars["node_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.hub.Publish(api.ActionNodeDeleted, map[string]string{
		"project_id": project.ID(),
		"node_id":    vars["node_id"],
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) nodeAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		project, err := s.registry.Project(vars["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		adapter, err := s.adapterFor(vars["type"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var resp *api.NodeResponse
		var event string
		switch action {
		case "start":
			resp, err = adapter.StartNode(r.Context(), project.ID(), vars["node_id"])
			event = api.ActionNodeStarted
		case "stop":
			resp, err = adapter.StopNode(r.Context(), project.ID(), vars["node_id"])
			event = api.ActionNodeStopped
		case "suspend":
			resp, err = adapter.SuspendNode(r.Context(), project.ID(), vars["node_id"])
			event = api.ActionNodeSuspended
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.hub.Publish(event, resp)
		writeJSON(w, http.StatusOK, resp)
	}
}

// resolveProjectFile normalizes a requested file path and rejects anything
// escaping the project directory before any filesystem access happens.
// Disallowed is 403, never 404.
func resolveProjectFile(projectDir, requested string) (string, error) {
	if filepath.IsAbs(requested) || strings.HasPrefix(requested, "/") {
		return "", &rpcerr.PathTraversalError{Path: requested}
	}
	clean := filepath.Clean(filepath.Join(projectDir, filepath.FromSlash(requested)))
	if clean != projectDir && !strings.HasPrefix(clean, projectDir+string(filepath.Separator)) {
		return "", &rpcerr.PathTraversalError{Path: requested}
	}
	return clean, nil
}

func (s *Server) getProjectFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	project, err := s.registry.Project(vars["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	path, err := resolveProjectFile(project.Path(), vars["path"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.writeError(w, r, &rpcerr.NotFoundError{Resource: "file:" + vars["path"]})
			return
		}
		s.writeError(w, r, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, f)
}

func (s *Server) writeProjectFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	project, err := s.registry.Project(vars["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	path, err := resolveProjectFile(project.Path(), vars["path"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := os.Create(path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()
	if _, err := io.Copy(f, r.Body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) uploadImage(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	// Image names are bare filenames; anything path-like is rejected up front.
	if name != filepath.Base(name) || name == "." || name == ".." {
		s.writeError(w, r, &rpcerr.PathTraversalError{Path: name})
		return
	}
	if err := os.MkdirAll(s.config.ImagesDir, 0o700); err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := os.Create(filepath.Join(s.config.ImagesDir, name))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()
	if _, err := io.Copy(f, r.Body); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Image uploaded", zap.String("image", name))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := rpcerr.StatusOf(err)
	if status >= http.StatusInternalServerError {
		observability.ContextLogger(r.Context(), s.logger).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, rpcerr.Body(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
