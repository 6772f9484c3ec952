package compute

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/api"
)

func newTestServer(t *testing.T, config ServerConfig, adapters ...NodeAdapter) (*httptest.Server, *Registry) {
	t.Helper()
	if config.Version == "" {
		config.Version = "3.0.0"
	}
	if config.ImagesDir == "" {
		config.ImagesDir = t.TempDir()
	}

	pool, err := NewPortPool(PortPoolConfig{}, zap.NewNop())
	require.NoError(t, err)
	pool.probe = func(network, host string, port int) bool { return true }

	hub := NewHub(0, zap.NewNop())
	registry, err := NewRegistry(RegistryConfig{ProjectsDir: t.TempDir()}, pool, hub, adapters, zap.NewNop())
	require.NoError(t, err)

	server, err := NewServer(config, registry, hub, adapters, zap.NewNop())
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, registry
}

// rawGet issues a GET without the client-side path normalization that
// http.Get applies, so traversal sequences reach the server verbatim.
func rawGet(t *testing.T, base, rawPath string) *http.Response {
	t.Helper()
	u, err := url.Parse(base)
	require.NoError(t, err)
	req := &http.Request{
		Method: "GET",
		URL:    &url.URL{Scheme: u.Scheme, Host: u.Host, Opaque: rawPath},
		Host:   u.Host,
	}
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCapabilities(t *testing.T) {
	ts, _ := newTestServer(t, ServerConfig{Version: "3.1.2"}, newStubAdapter("qemu", "docker"))

	resp, err := http.Get(ts.URL + "/v3/capabilities")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var caps api.Capabilities
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&caps))
	assert.Equal(t, "3.1.2", caps.Version)
	assert.ElementsMatch(t, []string{"qemu", "docker"}, caps.NodeTypes)
	assert.NotZero(t, caps.CPUCount)
}

func TestBasicAuthRequired(t *testing.T) {
	ts, _ := newTestServer(t, ServerConfig{User: "admin", Password: "secret"})

	resp, err := http.Get(ts.URL + "/v3/capabilities")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest("GET", ts.URL+"/v3/capabilities", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProjectFileTraversalRefused(t *testing.T) {
	ts, registry := newTestServer(t, ServerConfig{})
	p, err := registry.CreateProject("", "lab")
	require.NoError(t, err)

	for _, raw := range []string{
		"/v3/projects/" + p.ID() + "/files/../../etc/passwd",
		"/v3/projects/" + p.ID() + "/files/..%2F..%2Fetc%2Fpasswd",
		"/v3/projects/" + p.ID() + "/files/a/../../../etc/passwd",
	} {
		resp := rawGet(t, ts.URL, raw)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "path %s", raw)
		assert.NotEqual(t, http.StatusNotFound, resp.StatusCode,
			"traversal must be refused outright, not reported missing")
	}
}

func TestProjectFileRoundTrip(t *testing.T) {
	ts, registry := newTestServer(t, ServerConfig{})
	p, err := registry.CreateProject("", "lab")
	require.NoError(t, err)

	body := []byte("hostname R1\n")
	resp, err := http.Post(ts.URL+"/v3/projects/"+p.ID()+"/files/configs/r1.cfg",
		"application/octet-stream", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v3/projects/" + p.ID() + "/files/configs/r1.cfg")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, body, buf.Bytes())
}

func TestProjectFileMissingIs404(t *testing.T) {
	ts, registry := newTestServer(t, ServerConfig{})
	p, err := registry.CreateProject("", "lab")
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/v3/projects/" + p.ID() + "/files/nope.cfg")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateNodeIdempotent(t *testing.T) {
	adapter := newStubAdapter("qemu")
	ts, registry := newTestServer(t, ServerConfig{}, adapter)
	p, err := registry.CreateProject("", "lab")
	require.NoError(t, err)

	payload, _ := json.Marshal(api.NodeRequest{Name: "R1", NodeID: "11111111-2222-3333-4444-555555555555"})

	resp, err := http.Post(ts.URL+"/v3/projects/"+p.ID()+"/qemu/nodes",
		"application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Re-sending the same node id returns the existing node, not an error.
	resp, err = http.Post(ts.URL+"/v3/projects/"+p.ID()+"/qemu/nodes",
		"application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateNodeUnknownType(t *testing.T) {
	ts, registry := newTestServer(t, ServerConfig{}, newStubAdapter("qemu"))
	p, err := registry.CreateProject("", "lab")
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/v3/projects/"+p.ID()+"/vmware/nodes",
		"application/json", bytes.NewReader([]byte(`{"name":"R1"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadImageRejectsPathyNames(t *testing.T) {
	imagesDir := t.TempDir()
	ts, _ := newTestServer(t, ServerConfig{ImagesDir: imagesDir})

	resp, err := http.Post(ts.URL+"/v3/images/..%2Fevil.img",
		"application/octet-stream", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v3/images/good.img",
		"application/octet-stream", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.FileExists(t, filepath.Join(imagesDir, "good.img"))
}

func TestDeleteProjectIdempotent(t *testing.T) {
	ts, registry := newTestServer(t, ServerConfig{})
	p, err := registry.CreateProject("", "lab")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		req, err := http.NewRequest("DELETE", ts.URL+"/v3/projects/"+p.ID(), nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
}

func TestResolveProjectFile(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name      string
		requested string
		wantErr   bool
	}{
		{"plain", "topology.json", false},
		{"nested", "configs/r1.cfg", false},
		{"dotdot", "../../etc/passwd", true},
		{"dotdot inside", "a/../../../etc/passwd", true},
		{"absolute", "/etc/passwd", true},
		{"self escape", "..", true},
		{"harmless dot", "./topology.json", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := resolveProjectFile(dir, tt.requested)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(resolved) || resolved == dir ||
				len(resolved) > len(dir), "resolved path stays under the project")
		})
	}
}
