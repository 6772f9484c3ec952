package controller

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAPI(t *testing.T) (*httptest.Server, *Controller, *fakeAgent) {
	t.Helper()
	agent := newFakeAgent(t)
	c := newTestController(t)
	ts := httptest.NewServer(NewAPI(c, zap.NewNop()).Handler())
	t.Cleanup(ts.Close)
	return ts, c, agent
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPIVersion(t *testing.T) {
	ts, _, _ := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/v3/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "3.0.0", out["version"])
}

func TestAPIProjectAndNodeLifecycle(t *testing.T) {
	ts, c, agent := newTestAPI(t)
	cfg := agent.channelConfig()
	cfg.ID = "agent-1"
	_, err := c.AddAgent(cfg)
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/v3/projects", map[string]string{"name": "lab"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var project projectView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&project))
	assert.Equal(t, "lab", project.Name)

	resp = postJSON(t, ts.URL+"/v3/projects/"+project.ID+"/nodes", nodeCreateRequest{
		AgentID:  "agent-1",
		Name:     "PC{0}",
		NodeType: "qemu",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var node nodeView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&node))
	assert.Equal(t, "PC1", node.Name)
	assert.Equal(t, "agent-1", node.AgentID)

	resp, err = http.Get(ts.URL + "/v3/projects/" + project.ID + "/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	var nodes []nodeView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nodes))
	assert.Len(t, nodes, 1)

	req, err := http.NewRequest("DELETE", ts.URL+"/v3/projects/"+project.ID+"/nodes/"+node.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestAPIAddNodeUnknownAgent(t *testing.T) {
	ts, c, _ := newTestAPI(t)
	p, err := c.CreateProject("", "lab")
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/v3/projects/"+p.ID()+"/nodes", nodeCreateRequest{
		AgentID: "ghost", Name: "R1", NodeType: "qemu",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIUnknownProjectIs404(t *testing.T) {
	ts, _, _ := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/v3/projects/aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIComputes(t *testing.T) {
	ts, _, agent := newTestAPI(t)
	cfg := agent.channelConfig()

	resp := postJSON(t, ts.URL+"/v3/computes", computeRequest{
		ID: "agent-1", Host: cfg.Host, Port: cfg.Port,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	listResp, err := http.Get(ts.URL + "/v3/computes")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var computes []computeView
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&computes))
	require.Len(t, computes, 1)
	assert.Equal(t, "agent-1", computes[0].ID)

	req, err := http.NewRequest("DELETE", ts.URL+"/v3/computes/agent-1", nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
}
