package compute

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloseSweepsLeakedPorts(t *testing.T) {
	registry := newTestRegistry(t)
	p, err := registry.CreateProject("", "lab")
	require.NoError(t, err)

	_, err = p.ReserveTCPPort(0)
	require.NoError(t, err)
	_, err = p.ReserveUDPPort(0)
	require.NoError(t, err)

	tcp, udp := registry.pool.Reserved()
	require.Equal(t, 1, tcp)
	require.Equal(t, 1, udp)

	require.NoError(t, p.Close(context.Background()))

	tcp, udp = registry.pool.Reserved()
	assert.Zero(t, tcp, "close must release every port the project held")
	assert.Zero(t, udp)
}

func TestCloseClearsTmpDir(t *testing.T) {
	registry := newTestRegistry(t)
	p, err := registry.CreateProject("", "lab")
	require.NoError(t, err)

	scratch := filepath.Join(p.TmpDir(), "scratch.bin")
	require.NoError(t, os.WriteFile(scratch, []byte("x"), 0o600))

	require.NoError(t, p.Close(context.Background()))

	_, err = os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))

	// The project directory itself survives a close.
	_, err = os.Stat(p.Path())
	assert.NoError(t, err)
}

func TestDeleteRemovesDirectory(t *testing.T) {
	registry := newTestRegistry(t)
	p, err := registry.CreateProject("", "lab")
	require.NoError(t, err)

	require.NoError(t, p.Delete(context.Background()))

	_, err = os.Stat(p.Path())
	assert.True(t, os.IsNotExist(err))

	// A racing node create must not resurrect the directory.
	_, err = p.NodesDir()
	assert.Error(t, err)
}

func TestCloseOnlyTouchesAdaptersWithNodes(t *testing.T) {
	hosting := newStubAdapter("qemu")
	idle := newStubAdapter("docker")
	registry := newTestRegistry(t, hosting, idle)

	p, err := registry.CreateProject("", "lab")
	require.NoError(t, err)
	hosting.addNode(p.ID(), "n1")

	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, []string{p.ID()}, hosting.closed)
	assert.Empty(t, idle.closed)
}

func TestCloseCollectsAdapterErrors(t *testing.T) {
	failing := newStubAdapter("qemu")
	failing.closeErr = errors.New("node refused to die")
	healthy := newStubAdapter("docker")
	registry := newTestRegistry(t, failing, healthy)

	p, err := registry.CreateProject("", "lab")
	require.NoError(t, err)
	failing.addNode(p.ID(), "n1")
	healthy.addNode(p.ID(), "n2")

	err = p.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node refused to die")
	// The healthy adapter was still asked to close despite the failure.
	assert.Equal(t, []string{p.ID()}, healthy.closed)
}

func TestNodeWorkingDirLayout(t *testing.T) {
	registry := newTestRegistry(t)
	p, err := registry.CreateProject("", "lab")
	require.NoError(t, err)

	dir, err := p.NodeWorkingDir("qemu", "node-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p.Path(), "project-files", "qemu", "node-1"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
