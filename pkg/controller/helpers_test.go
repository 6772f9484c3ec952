package controller

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/api"
)

// fakeAgent is an in-process stand-in for a compute agent, just enough of
// the /v3 surface for channel and project tests.
type fakeAgent struct {
	t      *testing.T
	server *httptest.Server

	mu              sync.Mutex
	calls           []string
	uploadedImages  map[string]struct{}
	missingImage    string // node creates conflict until this image arrives
	failNodeCreate  bool
	failStartNodes  map[string]struct{}
	lastNodeRequest *api.NodeRequest

	startDelay     time.Duration
	createDelay    time.Duration
	inFlightStarts int64
	maxStarts      int64
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	a := &fakeAgent{
		t:              t,
		uploadedImages: make(map[string]struct{}),
		failStartNodes: make(map[string]struct{}),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v3/capabilities", a.capabilities).Methods("GET")
	router.HandleFunc("/v3/projects", a.createProject).Methods("POST")
	router.HandleFunc("/v3/projects/{id}/close", a.noContent).Methods("POST")
	router.HandleFunc("/v3/projects/{id}", a.noContent).Methods("DELETE")
	router.HandleFunc("/v3/projects/{id}/{type}/nodes", a.createNode).Methods("POST")
	router.HandleFunc("/v3/projects/{id}/{type}/nodes/{node_id}", a.updateNode).Methods("PUT")
	router.HandleFunc("/v3/projects/{id}/{type}/nodes/{node_id}", a.noContent).Methods("DELETE")
	router.HandleFunc("/v3/projects/{id}/{type}/nodes/{node_id}/start", a.startNode).Methods("POST")
	router.HandleFunc("/v3/projects/{id}/{type}/nodes/{node_id}/stop", a.nodeAction(api.NodeStatusStopped)).Methods("POST")
	router.HandleFunc("/v3/projects/{id}/{type}/nodes/{node_id}/suspend", a.nodeAction(api.NodeStatusSuspended)).Methods("POST")
	router.HandleFunc("/v3/images/{name}", a.uploadImage).Methods("POST")
	router.HandleFunc("/v3/notifications/ws", a.serveWS).Methods("GET")

	a.server = httptest.NewServer(a.record(router))
	t.Cleanup(a.server.Close)
	return a
}

func (a *fakeAgent) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.calls = append(a.calls, r.Method+" "+r.URL.Path)
		a.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (a *fakeAgent) countCalls(prefix string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, call := range a.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func (a *fakeAgent) channelConfig() ChannelConfig {
	u, err := url.Parse(a.server.URL)
	require.NoError(a.t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(a.t, err)
	return ChannelConfig{Host: u.Hostname(), Port: port}
}

func (a *fakeAgent) capabilities(w http.ResponseWriter, r *http.Request) {
	writeAgentJSON(w, http.StatusOK, api.Capabilities{
		Version:   "3.0.0",
		NodeTypes: []string{"qemu", "docker"},
	})
}

func (a *fakeAgent) createProject(w http.ResponseWriter, r *http.Request) {
	var req api.ProjectRequest
	json.NewDecoder(r.Body).Decode(&req)
	writeAgentJSON(w, http.StatusCreated, api.ProjectResponse{ID: req.ID, Name: req.Name})
}

func (a *fakeAgent) noContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (a *fakeAgent) createNode(w http.ResponseWriter, r *http.Request) {
	var req api.NodeRequest
	json.NewDecoder(r.Body).Decode(&req)

	a.mu.Lock()
	a.lastNodeRequest = &req
	fail := a.failNodeCreate
	missing := a.missingImage
	_, uploaded := a.uploadedImages[missing]
	delay := a.createDelay
	a.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		writeAgentJSON(w, http.StatusInternalServerError, api.ErrorBody{
			Message: "emulator exploded",
			Status:  http.StatusInternalServerError,
		})
		return
	}
	if missing != "" && !uploaded {
		writeAgentJSON(w, http.StatusConflict, api.ErrorBody{
			Message: "image " + missing + " is missing",
			Status:  http.StatusConflict,
			Reason:  api.ReasonMissingImage,
			Image:   missing,
		})
		return
	}

	id := req.NodeID
	if id == "" {
		id = uuid.New().String()
	}
	writeAgentJSON(w, http.StatusCreated, api.NodeResponse{
		Name:        req.Name,
		NodeID:      id,
		NodeType:    mux.Vars(r)["type"],
		Status:      api.NodeStatusStopped,
		Console:     5000,
		ConsoleType: "telnet",
		WorkingDir:  "/var/lib/wirelab/" + id,
	})
}

func (a *fakeAgent) updateNode(w http.ResponseWriter, r *http.Request) {
	var req api.NodeRequest
	json.NewDecoder(r.Body).Decode(&req)
	a.mu.Lock()
	a.lastNodeRequest = &req
	a.mu.Unlock()
	writeAgentJSON(w, http.StatusOK, api.NodeResponse{
		Name:   req.Name,
		NodeID: mux.Vars(r)["node_id"],
		Status: api.NodeStatusStopped,
	})
}

func (a *fakeAgent) startNode(w http.ResponseWriter, r *http.Request) {
	inFlight := atomic.AddInt64(&a.inFlightStarts, 1)
	defer atomic.AddInt64(&a.inFlightStarts, -1)
	for {
		peak := atomic.LoadInt64(&a.maxStarts)
		if inFlight <= peak || atomic.CompareAndSwapInt64(&a.maxStarts, peak, inFlight) {
			break
		}
	}
	a.mu.Lock()
	delay := a.startDelay
	a.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	nodeID := mux.Vars(r)["node_id"]
	a.mu.Lock()
	_, fail := a.failStartNodes[nodeID]
	a.mu.Unlock()
	if fail {
		writeAgentJSON(w, http.StatusInternalServerError, api.ErrorBody{
			Message: "node " + nodeID + " refused to start",
			Status:  http.StatusInternalServerError,
		})
		return
	}
	writeAgentJSON(w, http.StatusOK, api.NodeResponse{NodeID: nodeID, Status: api.NodeStatusStarted})
}

func (a *fakeAgent) nodeAction(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeAgentJSON(w, http.StatusOK, api.NodeResponse{
			NodeID: mux.Vars(r)["node_id"],
			Status: status,
		})
	}
}

// set mutates agent behavior from a test without racing the handlers.
func (a *fakeAgent) set(f func(a *fakeAgent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f(a)
}

func (a *fakeAgent) peakStarts() int64 {
	return atomic.LoadInt64(&a.maxStarts)
}

func (a *fakeAgent) uploadImage(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.uploadedImages[mux.Vars(r)["name"]] = struct{}{}
	a.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (a *fakeAgent) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeAgentJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newTestController(t *testing.T, imageDirs ...string) *Controller {
	t.Helper()
	c, err := New(&Config{
		Version:     "3.0.0",
		ProjectsDir: t.TempDir(),
		ImageDirs:   imageDirs,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	return c
}
