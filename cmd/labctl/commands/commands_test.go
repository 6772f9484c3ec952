package commands

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRoot wires a command tree with the global flags the subcommands
// expect, pointed at the given controller address.
func newTestRoot(controller string, cmds ...*cobra.Command) *cobra.Command {
	root := &cobra.Command{Use: "labctl"}
	root.PersistentFlags().String("controller", controller, "")
	root.PersistentFlags().String("config", "/nonexistent/config.yaml", "")
	root.PersistentFlags().String("output", "json", "")
	for _, c := range cmds {
		root.AddCommand(c)
	}
	return root
}

func TestComputeListAgainstController(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v3/computes", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"compute_id":"agent-1","protocol":"http","host":"10.0.0.5","port":3081,"state":"connected"}]`))
	}))
	defer ts.Close()

	root := newTestRoot(ts.URL, NewComputeCommand())
	root.SetArgs([]string{"compute", "list"})
	assert.NoError(t, root.Execute())
}

func TestProjectCreatePostsName(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"project_id":"p1","name":"lab"}`))
	}))
	defer ts.Close()

	root := newTestRoot(ts.URL, NewProjectCommand())
	root.SetArgs([]string{"project", "create", "lab"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "POST /v3/projects", gotPath)
}

func TestNodeStartRoutes(t *testing.T) {
	var gotPath string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("single node", func(t *testing.T) {
		ts := httptest.NewServer(handler)
		defer ts.Close()

		root := newTestRoot(ts.URL, NewNodeCommand())
		root.SetArgs([]string{"node", "start", "p1", "n1"})
		require.NoError(t, root.Execute())
		assert.Equal(t, "POST /v3/projects/p1/nodes/n1/start", gotPath)
	})

	t.Run("all nodes", func(t *testing.T) {
		ts := httptest.NewServer(handler)
		defer ts.Close()

		root := newTestRoot(ts.URL, NewNodeCommand())
		root.SetArgs([]string{"node", "start", "p1", "--all"})
		require.NoError(t, root.Execute())
		assert.Equal(t, "POST /v3/projects/p1/nodes/start", gotPath)
	})
}

func TestNodeActionWithoutTargetFails(t *testing.T) {
	root := newTestRoot("http://127.0.0.1:1", NewNodeCommand())
	root.SetArgs([]string{"node", "stop", "p1"})
	root.SilenceErrors = true
	root.SilenceUsage = true
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NODE_ID")
}

func TestVersionCommand(t *testing.T) {
	cmd := NewVersionCommand("3.0.0", "2026-08-31T00:00:00Z", "abc123")
	require.NotNil(t, cmd)
	assert.Equal(t, "version", cmd.Use)
	assert.NoError(t, cmd.Execute())
}
