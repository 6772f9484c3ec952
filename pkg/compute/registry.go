package compute

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/rpcerr"
)

// RegistryConfig configures the agent-side project registry.
type RegistryConfig struct {
	// ProjectsDir is the directory under which each project gets its own
	// working directory.
	ProjectsDir string
}

// Validate validates the registry configuration.
func (c *RegistryConfig) Validate() error {
	if c.ProjectsDir == "" {
		return fmt.Errorf("projects directory is required")
	}
	return nil
}

// Registry is the process-wide map from project id to Project on one agent.
// It is constructed explicitly and passed down, never a package-level
// singleton, so tests can run several isolated agents in one process.
type Registry struct {
	config   RegistryConfig
	pool     *PortPool
	hub      *Hub
	logger   *zap.Logger
	adapters []NodeAdapter

	mu       sync.RWMutex
	projects map[string]*Project
}

// NewRegistry creates a project registry.
func NewRegistry(config RegistryConfig, pool *PortPool, hub *Hub, adapters []NodeAdapter, logger *zap.Logger) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry configuration: %w", err)
	}
	return &Registry{
		config:   config,
		pool:     pool,
		hub:      hub,
		logger:   logger,
		adapters: adapters,
		projects: make(map[string]*Project),
	}, nil
}

// CreateProject returns the project registered under id, creating it first
// if needed. Creation is idempotent: a second call with the same id returns
// the same instance unchanged. An empty id allocates a fresh identifier.
func (r *Registry) CreateProject(id, name string) (*Project, error) {
	if id == "" {
		id = uuid.New().String()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, &rpcerr.BadRequestError{Message: fmt.Sprintf("invalid project id %q", id)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.projects[id]; ok {
		return existing, nil
	}

	path := filepath.Join(r.config.ProjectsDir, id)
	project, err := newProject(id, name, path, r.pool, r.hub, r.adapters, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create project %s: %w", id, err)
	}
	r.projects[id] = project

	r.logger.Info("Project created",
		zap.String("project_id", id),
		zap.String("path", path),
	)
	return project, nil
}

// Project looks up a registered project.
func (r *Registry) Project(id string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	project, ok := r.projects[id]
	if !ok {
		return nil, &rpcerr.NotFoundError{Resource: "project:" + id}
	}
	return project, nil
}

// RemoveProject forgets a project. Removing an unknown id is a no-op.
func (r *Registry) RemoveProject(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projects, id)
}

// Projects returns a snapshot of all registered projects.
func (r *Registry) Projects() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	return out
}
