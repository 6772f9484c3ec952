package controller

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/api"
	"github.com/wirelab/wirelab/pkg/observability"
	"github.com/wirelab/wirelab/pkg/rpcerr"
)

// API is the controller's REST surface: agents, projects, nodes, links,
// drawings and the event stream. It is a thin shell over the Controller
// registry; everything stateful lives below it.
type API struct {
	controller *Controller
	logger     *zap.Logger
}

// NewAPI creates the controller HTTP API.
func NewAPI(c *Controller, logger *zap.Logger) *API {
	return &API{controller: c, logger: logger}
}

type computeView struct {
	ID          string            `json:"compute_id"`
	Protocol    string            `json:"protocol"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	State       string            `json:"state"`
	CPUUsage    float64           `json:"cpu_usage_percent"`
	MemoryUsage float64           `json:"memory_usage_percent"`
	LastError   string            `json:"last_error,omitempty"`
	Capability  *api.Capabilities `json:"capabilities,omitempty"`
}

type computeRequest struct {
	ID       string `json:"compute_id"`
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type projectView struct {
	ID     string `json:"project_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Path   string `json:"path"`
}

type nodeView struct {
	ID         string                 `json:"node_id"`
	AgentID    string                 `json:"compute_id"`
	Name       string                 `json:"name"`
	NodeType   string                 `json:"node_type"`
	Status     string                 `json:"status"`
	Console    int                    `json:"console,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

type nodeCreateRequest struct {
	AgentID    string                 `json:"compute_id"`
	Name       string                 `json:"name"`
	NodeID     string                 `json:"node_id"`
	NodeType   string                 `json:"node_type"`
	Properties map[string]interface{} `json:"properties"`
}

type linkView struct {
	ID    string         `json:"link_id"`
	Nodes []linkEndpoint `json:"nodes"`
}

type drawingRequest struct {
	ID       string `json:"drawing_id"`
	SVG      string `json:"svg"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Z        int    `json:"z"`
	Rotation int    `json:"rotation"`
	Locked   bool   `json:"locked"`
}

// Handler builds the /v3 router with the common middleware chain.
func (a *API) Handler() http.Handler {
	router := mux.NewRouter()
	router.StrictSlash(true)

	v3 := router.PathPrefix("/v3").Subrouter()
	v3.HandleFunc("/version", a.getVersion).Methods("GET")

	v3.HandleFunc("/computes", a.listComputes).Methods("GET")
	v3.HandleFunc("/computes", a.addCompute).Methods("POST")
	v3.HandleFunc("/computes/{id}", a.getCompute).Methods("GET")
	v3.HandleFunc("/computes/{id}", a.removeCompute).Methods("DELETE")

	v3.HandleFunc("/projects", a.listProjects).Methods("GET")
	v3.HandleFunc("/projects", a.createProject).Methods("POST")
	v3.HandleFunc("/projects/import", a.importProject).Methods("POST")
	v3.HandleFunc("/projects/{id}", a.getProject).Methods("GET")
	v3.HandleFunc("/projects/{id}", a.deleteProject).Methods("DELETE")
	v3.HandleFunc("/projects/{id}/open", a.openProject).Methods("POST")
	v3.HandleFunc("/projects/{id}/close", a.closeProject).Methods("POST")
	v3.HandleFunc("/projects/{id}/duplicate", a.duplicateProject).Methods("POST")
	v3.HandleFunc("/projects/{id}/export", a.exportProject).Methods("GET")

	v3.HandleFunc("/projects/{id}/nodes", a.listNodes).Methods("GET")
	v3.HandleFunc("/projects/{id}/nodes", a.addNode).Methods("POST")
	v3.HandleFunc("/projects/{id}/nodes/start", a.projectAction((*Project).StartAll)).Methods("POST")
	v3.HandleFunc("/projects/{id}/nodes/stop", a.projectAction((*Project).StopAll)).Methods("POST")
	v3.HandleFunc("/projects/{id}/nodes/suspend", a.projectAction((*Project).SuspendAll)).Methods("POST")
	v3.HandleFunc("/projects/{id}/nodes/{node_id}", a.getNode).Methods("GET")
	v3.HandleFunc("/projects/{id}/nodes/{node_id}", a.updateNode).Methods("PUT")
	v3.HandleFunc("/projects/{id}/nodes/{node_id}", a.deleteNode).Methods("DELETE")
	v3.HandleFunc("/projects/{id}/nodes/{node_id}/start", a.nodeAction((*Node).Start)).Methods("POST")
	v3.HandleFunc("/projects/{id}/nodes/{node_id}/stop", a.nodeAction((*Node).Stop)).Methods("POST")
	v3.HandleFunc("/projects/{id}/nodes/{node_id}/suspend", a.nodeAction((*Node).Suspend)).Methods("POST")

	v3.HandleFunc("/projects/{id}/links", a.listLinks).Methods("GET")
	v3.HandleFunc("/projects/{id}/links", a.addLink).Methods("POST")
	v3.HandleFunc("/projects/{id}/links/{link_id}", a.deleteLink).Methods("DELETE")

	v3.HandleFunc("/projects/{id}/drawings", a.addDrawing).Methods("POST")
	v3.HandleFunc("/projects/{id}/drawings/{drawing_id}", a.deleteDrawing).Methods("DELETE")

	v3.HandleFunc("/events", a.recentEvents).Methods("GET")
	v3.HandleFunc("/events/ws", a.streamEvents).Methods("GET")

	var h http.Handler = router
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	h = handlers.CompressHandler(h)
	h = observability.RequestLogging(a.logger)(h)
	h = observability.RequestID(h)
	return h
}

func (a *API) getVersion(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"version": a.controller.Version()})
}

func (a *API) computeView(ch *Channel) computeView {
	cpu, memory := ch.HostLoad()
	return computeView{
		ID:          ch.ID(),
		Protocol:    ch.config.Protocol,
		Host:        ch.config.Host,
		Port:        ch.config.Port,
		State:       ch.State(),
		CPUUsage:    cpu,
		MemoryUsage: memory,
		LastError:   errString(ch.LastError()),
		Capability:  ch.Capabilities(),
	}
}

func (a *API) listComputes(w http.ResponseWriter, r *http.Request) {
	agents := a.controller.Agents()
	out := make([]computeView, 0, len(agents))
	for _, ch := range agents {
		out = append(out, a.computeView(ch))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) addCompute(w http.ResponseWriter, r *http.Request) {
	var req computeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, &rpcerr.BadRequestError{Message: "invalid compute body"})
		return
	}
	ch, err := a.controller.AddAgent(ChannelConfig{
		ID:       req.ID,
		Protocol: req.Protocol,
		Host:     req.Host,
		Port:     req.Port,
		User:     req.User,
		Password: req.Password,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	// Kick the handshake off right away; failures surface on the view.
	// Not the request context: the handshake outlives this request.
	go ch.Connect(context.Background())
	a.writeJSON(w, http.StatusCreated, a.computeView(ch))
}

func (a *API) getCompute(w http.ResponseWriter, r *http.Request) {
	ch, err := a.controller.Agent(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.computeView(ch))
}

func (a *API) removeCompute(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.RemoveAgent(mux.Vars(r)["id"]); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) projectView(p *Project) projectView {
	return projectView{ID: p.ID(), Name: p.Name(), Status: p.Status(), Path: p.Path()}
}

func (a *API) listProjects(w http.ResponseWriter, r *http.Request) {
	projects := a.controller.Projects()
	out := make([]projectView, 0, len(projects))
	for _, p := range projects {
		out = append(out, a.projectView(p))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) createProject(w http.ResponseWriter, r *http.Request) {
	var req api.ProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, &rpcerr.BadRequestError{Message: "invalid project body"})
		return
	}
	p, err := a.controller.CreateProject(req.ID, req.Name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, a.projectView(p))
}

func (a *API) project(w http.ResponseWriter, r *http.Request) (*Project, bool) {
	p, err := a.controller.Project(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	return p, true
}

func (a *API) getProject(w http.ResponseWriter, r *http.Request) {
	p, ok := a.project(w, r)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, a.projectView(p))
}

func (a *API) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.DeleteProject(r.Context(), mux.Vars(r)["id"]); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) openProject(w http.ResponseWriter, r *http.Request) {
	p, ok := a.project(w, r)
	if !ok {
		return
	}
	if err := p.Open(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.projectView(p))
}

func (a *API) closeProject(w http.ResponseWriter, r *http.Request) {
	p, ok := a.project(w, r)
	if !ok {
		return
	}
	if err := p.Close(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.projectView(p))
}

func (a *API) duplicateProject(w http.ResponseWriter, r *http.Request) {
	p, ok := a.project(w, r)
	if !ok {
		return
	}
	var req api.ProjectRequest
	json.NewDecoder(r.Body).Decode(&req)
	clone, err := p.Duplicate(r.Context(), req.Name, req.Path)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, a.projectView(clone))
}

func (a *API) exportProject(w http.ResponseWriter, r *http.Request) {
	p, ok := a.project(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+p.Name()+`.zip"`)
	if err := p.Export(w); err != nil {
		a.logger.Error("Project export failed",
			zap.String("project_id", p.ID()),
			zap.Error(err),
		)
	}
}

func (a *API) importProject(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	archive, err := io.ReadAll(r.Body)
	if err != nil {
		a.writeError(w, r, &rpcerr.BadRequestError{Message: "could not read archive"})
		return
	}
	p, err := a.controller.ImportProject(name, r.URL.Query().Get("path"), archive)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, a.projectView(p))
}

func (a *API) nodeView(n *Node) nodeView {
	return nodeView{
		ID:         n.ID(),
		AgentID:    n.Channel().ID(),
		Name:       n.Name(),
		NodeType:   n.Type(),
		Status:     n.Status(),
		Console:    n.Console(),
		Properties: n.Properties(),
	}
}

func (a *API) listNodes(w http.ResponseWriter, r *http.Request) {
	p, ok := a.project(w, r)
	if !ok {
		return
	}
	nodes := p.Nodes()
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, a.nodeView(n))
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) addNode(w http.ResponseWriter, r *http.Request) {
	p, ok := a.project(w, r)
	if !ok {
		return
	}
	var req nodeCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, &rpcerr.BadRequestError{Message: "invalid node body"})
		return
	}
	ch, err := a.controller.Agent(req.AgentID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	node, err := p.AddNode(r.Context(), ch, req.Name, req.NodeID, req.NodeType, req.Properties)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, a.nodeView(node))
}

func (a *API) node(w http.ResponseWriter, r *http.Request) (*Node, bool) {
	p, ok := a.project(w, r)
	if !ok {
		return nil, false
	}
	n, err := p.Node(mux.Vars(r)["node_id"])
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	return n, true
}

func (a *API) getNode(w http.ResponseWriter, r *http.Request) {
	n, ok := a.node(w, r)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, a.nodeView(n))
}

func (a *API) updateNode(w http.ResponseWriter, r *http.Request) {
	n, ok := a.node(w, r)
	if !ok {
		return
	}
	var props map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
		a.writeError(w, r, &rpcerr.BadRequestError{Message: "invalid properties body"})
		return
	}
	if err := n.Update(r.Context(), props); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.nodeView(n))
}

func (a *API) deleteNode(w http.ResponseWriter, r *http.Request) {
	p, ok := a.project(w, r)
	if !ok {
		return
	}
	if err := p.DeleteNode(r.Context(), mux.Vars(r)["node_id"]); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) nodeAction(op func(*Node, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, ok := a.node(w, r)
		if !ok {
			return
		}
		if err := op(n, r.Context()); err != nil {
			a.writeError(w, r, err)
			return
		}
		a.writeJSON(w, http.StatusOK, a.nodeView(n))
	}
}

func (a *API) projectAction(op func(*Project, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := a.project(w, r)
		if !ok {
			return
		}
		if err := op(p, r.Context()); err != nil {
			a.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) listLinks(w http.ResponseWriter, r *http.Request) {
	p, ok := a.project(w, r)
	if !ok {
		return
	}
	links := p.Links()
	out := make([]linkView, 0, len(links))
	for _, l := range links {
		view := linkView{ID: l.ID}
		for _, ep := range l.Nodes {
			view.Nodes = append(view.Nodes, linkEndpoint{NodeID: ep.NodeID, Adapter: ep.Adapter, Port: ep.Port})
		}
		out = append(out, view)
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) addLink(w http.ResponseWriter, r *http.Request) {
	p, ok := a.project(w, r)
	if !ok {
		return
	}
	var req linkView
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, &rpcerr.BadRequestError{Message: "invalid link body"})
		return
	}
	endpoints := make([]LinkEndpoint, 0, len(req.Nodes))
	for _, ep := range req.Nodes {
		endpoints = append(endpoints, LinkEndpoint{NodeID: ep.NodeID, Adapter: ep.Adapter, Port: ep.Port})
	}
	link, err := p.AddLink(req.ID, endpoints)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	view := linkView{ID: link.ID}
	for _, ep := range link.Nodes {
		view.Nodes = append(view.Nodes, linkEndpoint{NodeID: ep.NodeID, Adapter: ep.Adapter, Port: ep.Port})
	}
	a.writeJSON(w, http.StatusCreated, view)
}

func (a *API) deleteLink(w http.ResponseWriter, r *http.Request) {
	p, ok := a.project(w, r)
	if !ok {
		return
	}
	if err := p.DeleteLink(mux.Vars(r)["link_id"]); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) addDrawing(w http.ResponseWriter, r *http.Request) {
	p, ok := a.project(w, r)
	if !ok {
		return
	}
	var req drawingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, &rpcerr.BadRequestError{Message: "invalid drawing body"})
		return
	}
	d, err := p.AddDrawing(&Drawing{
		ID: req.ID, SVG: req.SVG,
		X: req.X, Y: req.Y, Z: req.Z,
		Rotation: req.Rotation, Locked: req.Locked,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, drawingRequest{
		ID: d.ID, SVG: d.SVG,
		X: d.X, Y: d.Y, Z: d.Z,
		Rotation: d.Rotation, Locked: d.Locked,
	})
}

func (a *API) deleteDrawing(w http.ResponseWriter, r *http.Request) {
	p, ok := a.project(w, r)
	if !ok {
		return
	}
	if err := p.DeleteDrawing(mux.Vars(r)["drawing_id"]); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) recentEvents(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.controller.Bus().Recent(100))
}

var apiUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvents pushes controller events to a UI session over a websocket.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := apiUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	watcher := a.controller.Bus().Watch()
	defer a.controller.Bus().Unwatch(watcher)

	// Drain client frames so closes are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-watcher:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := rpcerr.StatusOf(err)
	if status >= http.StatusInternalServerError {
		observability.ContextLogger(r.Context(), a.logger).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	a.writeJSON(w, status, rpcerr.Body(err))
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
