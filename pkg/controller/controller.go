// Package controller implements the control-plane side of the platform:
// the agent channels, the project coordinator, the node proxies and the
// durable topology store. It never runs an emulator itself; execution is
// delegated to compute agents over the /v3 HTTP API and reconciled against
// what each agent reports.
package controller

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/observability"
	"github.com/wirelab/wirelab/pkg/rpcerr"
)

// Config represents the controller configuration.
type Config struct {
	// Version is this controller's own version, compared against every
	// agent at handshake.
	Version string

	// ProjectsDir is the directory under which each project gets its own
	// directory.
	ProjectsDir string

	// ImageDirs are searched, in order, when an agent reports a missing
	// disk image.
	ImageDirs []string

	Logger *zap.Logger
}

// Validate validates the controller configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("controller version is required")
	}
	if c.ProjectsDir == "" {
		return fmt.Errorf("projects directory is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Controller owns the process-wide registries: agents and projects. It is
// constructed explicitly and passed down (never a package singleton) so
// tests can run several isolated controllers in one process.
type Controller struct {
	config *Config
	logger *zap.Logger
	bus    *observability.EventBus

	mu       sync.RWMutex
	agents   map[string]*Channel
	projects map[string]*Project
}

// New creates a controller instance.
func New(config *Config) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	c := &Controller{
		config:   config,
		logger:   config.Logger,
		bus:      observability.NewEventBus(0, config.Logger),
		agents:   make(map[string]*Channel),
		projects: make(map[string]*Project),
	}
	config.Logger.Info("Controller initialized",
		zap.String("version", config.Version),
		zap.String("projects_dir", config.ProjectsDir),
	)
	return c, nil
}

// Bus returns the controller event bus.
func (c *Controller) Bus() *observability.EventBus { return c.bus }

// Version returns the controller version string.
func (c *Controller) Version() string { return c.config.Version }

// AddAgent registers a compute agent and returns its channel. No network
// call happens until the first request. Registering an id that already
// exists returns the existing channel.
func (c *Controller) AddAgent(cfg ChannelConfig) (*Channel, error) {
	cfg.ControllerVersion = c.config.Version

	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg.ID != "" {
		if existing, ok := c.agents[cfg.ID]; ok {
			return existing, nil
		}
	}

	ch, err := NewChannel(cfg, c.bus, c.logger)
	if err != nil {
		return nil, err
	}
	ch.onStrikeOut = c.closeProjectsOf
	ch.knownProject = c.hasProject
	c.agents[ch.ID()] = ch

	c.logger.Info("Agent registered",
		zap.String("agent_id", ch.ID()),
		zap.String("addr", ch.Addr()),
	)
	return ch, nil
}

// ResolveAgent returns the registered channel for the id, creating one from
// the config when the agent is not yet known (topology load path).
func (c *Controller) ResolveAgent(cfg ChannelConfig) (*Channel, error) {
	c.mu.RLock()
	existing, ok := c.agents[cfg.ID]
	c.mu.RUnlock()
	if ok {
		return existing, nil
	}
	return c.AddAgent(cfg)
}

// Agent looks an agent up by id.
func (c *Controller) Agent(id string) (*Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.agents[id]
	if !ok {
		return nil, &rpcerr.NotFoundError{Resource: "agent:" + id}
	}
	return ch, nil
}

// Agents returns a snapshot of all registered agents.
func (c *Controller) Agents() []*Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Channel, 0, len(c.agents))
	for _, ch := range c.agents {
		out = append(out, ch)
	}
	return out
}

// RemoveAgent closes an agent channel for good and forgets it.
func (c *Controller) RemoveAgent(id string) error {
	c.mu.Lock()
	ch, ok := c.agents[id]
	if ok {
		delete(c.agents, id)
	}
	c.mu.Unlock()
	if !ok {
		return &rpcerr.NotFoundError{Resource: "agent:" + id}
	}
	ch.Close()
	return nil
}

// CreateProject creates (or returns, when the id is already registered) a
// project. An empty id allocates a fresh identifier.
func (c *Controller) CreateProject(id, name string) (*Project, error) {
	return c.createProjectAt(id, name, "")
}

// createProjectAt creates a project with an explicit directory. An empty
// path falls back to ProjectsDir/<id>.
func (c *Controller) createProjectAt(id, name, path string) (*Project, error) {
	if id == "" {
		id = uuid.New().String()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, &rpcerr.BadRequestError{Message: fmt.Sprintf("invalid project id %q", id)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.projects[id]; ok {
		return existing, nil
	}
	if path == "" {
		path = filepath.Join(c.config.ProjectsDir, id)
	} else {
		path = filepath.Clean(path)
	}
	project := newControllerProject(id, name, path, c)
	c.projects[id] = project

	c.logger.Info("Project created",
		zap.String("project_id", id),
		zap.String("project_name", name),
	)
	return project, nil
}

// Project looks a project up by id.
func (c *Controller) Project(id string) (*Project, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.projects[id]
	if !ok {
		return nil, &rpcerr.NotFoundError{Resource: "project:" + id}
	}
	return p, nil
}

// Projects returns a snapshot of all projects.
func (c *Controller) Projects() []*Project {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Project, 0, len(c.projects))
	for _, p := range c.projects {
		out = append(out, p)
	}
	return out
}

// DeleteProject deletes a project everywhere and forgets it.
func (c *Controller) DeleteProject(ctx context.Context, id string) error {
	p, err := c.Project(id)
	if err != nil {
		return err
	}
	if err := p.Delete(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.projects, id)
	c.mu.Unlock()
	return nil
}

// hasProject is the late-event filter handed to every channel.
func (c *Controller) hasProject(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.projects[id]
	return ok
}

// closeProjectsOf closes every project hosting on an agent. Invoked when a
// channel strikes out: the agent's real state can no longer be trusted, so
// the controller stops pretending to know it.
func (c *Controller) closeProjectsOf(ch *Channel) {
	for _, p := range c.Projects() {
		if !p.HostedBy(ch.ID()) {
			continue
		}
		c.logger.Warn("Closing project because its agent is unreachable",
			zap.String("project_id", p.ID()),
			zap.String("agent_id", ch.ID()),
		)
		if err := p.Close(context.Background()); err != nil {
			c.logger.Error("Failed to close project of unreachable agent",
				zap.String("project_id", p.ID()),
				zap.Error(err),
			)
		}
	}
}
