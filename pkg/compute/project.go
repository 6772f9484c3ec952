package compute

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/api"
)

// diskUsageWarnPercent is the partition fill level above which project
// creation emits a warning event.
const diskUsageWarnPercent = 90.0

// Project is the agent-local half of a topology: the working directories and
// the ports reserved on this host. It mirrors a controller project and is
// created lazily the first time this agent is asked to host one of its nodes.
type Project struct {
	id   string
	name string
	path string

	pool     *PortPool
	hub      *Hub
	adapters []NodeAdapter
	logger   *zap.Logger

	mu       sync.Mutex
	deleting bool // once set, working-directory creation is suppressed
}

func newProject(id, name, path string, pool *PortPool, hub *Hub, adapters []NodeAdapter, logger *zap.Logger) (*Project, error) {
	p := &Project{
		id:       id,
		name:     name,
		path:     path,
		pool:     pool,
		hub:      hub,
		adapters: adapters,
		logger:   logger.With(zap.String("project_id", id)),
	}

	if err := os.MkdirAll(p.path, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create project directory %s: %w", p.path, err)
	}
	if err := p.resetTmpDir(); err != nil {
		return nil, err
	}

	p.checkDiskSpace()
	return p, nil
}

// ID returns the project identifier.
func (p *Project) ID() string { return p.id }

// Name returns the project name.
func (p *Project) Name() string { return p.name }

// Path returns the project directory on this host.
func (p *Project) Path() string { return p.path }

// NodesDir returns the directory holding per-node working directories.
// Creation is refused once deletion has begun, so a racing node create
// cannot resurrect a directory the delete is about to remove.
func (p *Project) NodesDir() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleting {
		return "", fmt.Errorf("project %s is being deleted", p.id)
	}
	dir := filepath.Join(p.path, "project-files")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create node directory: %w", err)
	}
	return dir, nil
}

// NodeWorkingDir returns (and creates) the working directory for one node.
func (p *Project) NodeWorkingDir(nodeType, nodeID string) (string, error) {
	base, err := p.NodesDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, nodeType, nodeID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create node working directory: %w", err)
	}
	return dir, nil
}

// TmpDir returns the project's transient scratch directory. It is wiped at
// project creation and again at close.
func (p *Project) TmpDir() string {
	return filepath.Join(p.path, "tmp")
}

func (p *Project) resetTmpDir() error {
	tmp := p.TmpDir()
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("failed to clear tmp directory: %w", err)
	}
	if err := os.MkdirAll(tmp, 0o700); err != nil {
		return fmt.Errorf("failed to create tmp directory: %w", err)
	}
	return nil
}

// ReserveTCPPort reserves a TCP port on behalf of this project.
func (p *Project) ReserveTCPPort(preferred int) (int, error) {
	return p.pool.ReserveTCPPort(preferred, p.id)
}

// ReserveUDPPort reserves a UDP port on behalf of this project.
func (p *Project) ReserveUDPPort(preferred int) (int, error) {
	return p.pool.ReserveUDPPort(preferred, p.id)
}

// ReleaseTCPPort releases a TCP port. Idempotent.
func (p *Project) ReleaseTCPPort(port int) { p.pool.ReleaseTCPPort(port) }

// ReleaseUDPPort releases a UDP port. Idempotent.
func (p *Project) ReleaseUDPPort(port int) { p.pool.ReleaseUDPPort(port) }

// checkDiskSpace emits a warning event when the partition backing the
// project is nearly full. Failure to stat is logged, never fatal.
func (p *Project) checkDiskSpace() {
	usage, err := disk.Usage(p.path)
	if err != nil {
		p.logger.Warn("Could not check disk usage", zap.String("path", p.path), zap.Error(err))
		return
	}
	if usage.UsedPercent >= diskUsageWarnPercent {
		p.logger.Warn("Disk usage is high",
			zap.String("path", p.path),
			zap.Float64("used_percent", usage.UsedPercent),
		)
		if p.hub != nil {
			p.hub.Publish(api.ActionLogWarning, api.DiskUsageEvent{
				ProjectID:   p.id,
				Path:        p.path,
				UsedPercent: usage.UsedPercent,
			})
		}
	}
}

// Close shuts the project down on this agent but leaves its directory on
// disk. Every adapter holding a node of this project is asked to close;
// individual failures are collected, not fail-fast, so one broken node
// cannot leave the others running. Any port still reserved afterwards is
// force-released and logged as a leak.
func (p *Project) Close(ctx context.Context) error {
	err := p.closeNodes(ctx)

	if rmErr := os.RemoveAll(p.TmpDir()); rmErr != nil {
		err = multierror.Append(err, fmt.Errorf("failed to clear tmp directory: %w", rmErr))
	}

	p.sweepPorts()
	if p.hub != nil {
		p.hub.Publish(api.ActionProjectClosed, api.ProjectResponse{ID: p.id, Name: p.name, Path: p.path})
	}
	return err
}

// Delete closes the project and removes its directory from disk.
func (p *Project) Delete(ctx context.Context) error {
	p.mu.Lock()
	p.deleting = true
	p.mu.Unlock()

	err := p.closeNodes(ctx)
	p.sweepPorts()

	if rmErr := os.RemoveAll(p.path); rmErr != nil {
		err = multierror.Append(err, fmt.Errorf("failed to remove project directory: %w", rmErr))
	}
	if p.hub != nil {
		p.hub.Publish(api.ActionProjectDeleted, api.ProjectResponse{ID: p.id, Name: p.name})
	}
	return err
}

// closeNodes notifies each adapter that actually has a node in this project
// and waits for all of them, collecting errors.
func (p *Project) closeNodes(ctx context.Context) error {
	var result *multierror.Error
	for _, adapter := range p.adapters {
		if !adapter.HasNodes(p.id) {
			continue
		}
		if err := adapter.CloseProject(ctx, p.id); err != nil {
			p.logger.Error("Adapter failed to close project",
				zap.Strings("types", adapter.Types()),
				zap.Error(err),
			)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// sweepPorts force-releases anything the project's nodes forgot to release.
func (p *Project) sweepPorts() {
	tcp, udp := p.pool.ReleaseProject(p.id)
	if len(tcp) > 0 {
		p.logger.Warn("Leaked TCP ports released at project close", zap.Ints("ports", tcp))
	}
	if len(udp) > 0 {
		p.logger.Warn("Leaked UDP ports released at project close", zap.Ints("ports", udp))
	}
}
