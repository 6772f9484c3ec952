package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/api"
	"github.com/wirelab/wirelab/pkg/observability"
	"github.com/wirelab/wirelab/pkg/rpcerr"
)

// Project status values.
const (
	ProjectOpened = "opened"
	ProjectClosed = "closed"
)

// maxNameAllocationAttempts only guards against an infinite loop; it is not
// a realistic topology size.
const maxNameAllocationAttempts = 1_000_000

// topologyFileName is the persisted topology inside the project directory.
const topologyFileName = "project.wlab"

// Link connects two or more node endpoints in a topology. Its remote
// realization is out of core scope; the controller tracks it for cascade
// deletes and persistence.
type Link struct {
	ID    string
	Nodes []LinkEndpoint
}

// LinkEndpoint is one end of a link.
type LinkEndpoint struct {
	NodeID  string
	Adapter int
	Port    int
}

// Drawing is a canvas annotation; it never reaches an agent.
type Drawing struct {
	ID       string
	SVG      string
	X, Y, Z  int
	Rotation int
	Locked   bool
}

// Project is the authoritative, durable representation of one topology and
// its fan-out across agents.
type Project struct {
	id         string
	controller *Controller
	logger     *zap.Logger

	// linkMu serializes link deletion so concurrent node deletes cannot
	// race on a shared link.
	linkMu sync.Mutex

	mu             sync.Mutex
	name           string
	path           string
	status         string
	allocatedNames map[string]struct{}
	nodes          map[string]*Node
	pendingNodes   map[string]struct{} // ids reserved for an in-flight AddNode
	links          map[string]*Link
	drawings       map[string]*Drawing
	hosting        map[string]*Channel // agents with at least one extant node-creation call
}

func newControllerProject(id, name, path string, c *Controller) *Project {
	return &Project{
		id:             id,
		controller:     c,
		name:           name,
		path:           path,
		status:         ProjectClosed,
		allocatedNames: make(map[string]struct{}),
		nodes:          make(map[string]*Node),
		pendingNodes:   make(map[string]struct{}),
		links:          make(map[string]*Link),
		drawings:       make(map[string]*Drawing),
		hosting:        make(map[string]*Channel),
		logger: c.logger.With(
			zap.String("project_id", id),
			zap.String("project_name", name),
		),
	}
}

// ID returns the project identifier.
func (p *Project) ID() string { return p.id }

// Name returns the project name.
func (p *Project) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Path returns the project directory on the controller host.
func (p *Project) Path() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path
}

// Status returns opened or closed.
func (p *Project) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// TopologyPath returns the persisted topology file.
func (p *Project) TopologyPath() string {
	return filepath.Join(p.Path(), topologyFileName)
}

// Nodes returns a snapshot of the project's nodes.
func (p *Project) Nodes() []*Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, n)
	}
	return out
}

// Node looks a node up by id.
func (p *Project) Node(id string) (*Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[id]
	if !ok {
		return nil, &rpcerr.NotFoundError{Resource: "node:" + id}
	}
	return n, nil
}

// Links returns a snapshot of the project's links.
func (p *Project) Links() []*Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Link, 0, len(p.links))
	for _, l := range p.links {
		out = append(out, l)
	}
	return out
}

// Drawings returns a snapshot of the project's drawings.
func (p *Project) Drawings() []*Drawing {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Drawing, 0, len(p.drawings))
	for _, d := range p.drawings {
		out = append(out, d)
	}
	return out
}

// HostedBy reports whether the agent currently hosts part of this project.
func (p *Project) HostedBy(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.hosting[agentID]
	return ok
}

// hostingChannels snapshots the fan-out target set.
func (p *Project) hostingChannels() []*Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Channel, 0, len(p.hosting))
	for _, ch := range p.hosting {
		out = append(out, ch)
	}
	return out
}

// UpdateAllocatedNodeName allocates a unique node name from a base name. A
// base containing the {0} placeholder is instantiated with successive
// integers; a plain base gets integers appended on collision. The attempt
// bound exists only to prevent an infinite loop.
func (p *Project) UpdateAllocatedNodeName(base string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocateNameLocked(base)
}

func (p *Project) allocateNameLocked(base string) (string, error) {
	if strings.Contains(base, "{0}") {
		for i := 1; i <= maxNameAllocationAttempts; i++ {
			name := strings.ReplaceAll(base, "{0}", strconv.Itoa(i))
			if _, used := p.allocatedNames[name]; !used {
				p.allocatedNames[name] = struct{}{}
				return name, nil
			}
		}
		return "", &rpcerr.ConflictError{
			Resource: "node-name:" + base,
			Message:  fmt.Sprintf("could not allocate a name from template %q", base),
		}
	}

	if _, used := p.allocatedNames[base]; !used {
		p.allocatedNames[base] = struct{}{}
		return base, nil
	}
	for i := 1; i <= maxNameAllocationAttempts; i++ {
		name := base + strconv.Itoa(i)
		if _, used := p.allocatedNames[name]; !used {
			p.allocatedNames[name] = struct{}{}
			return name, nil
		}
	}
	return "", &rpcerr.ConflictError{
		Resource: "node-name:" + base,
		Message:  fmt.Sprintf("could not allocate a unique name for %q", base),
	}
}

// RemoveAllocatedNodeName frees a name for reuse.
func (p *Project) RemoveAllocatedNodeName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocatedNames, name)
}

// AddNode allocates a unique name, lazily creates the project on the agent
// the first time that agent is used, creates the node proxy and issues the
// remote create, then persists the topology. Re-adding an existing node id
// returns the existing node unchanged.
func (p *Project) AddNode(ctx context.Context, ch *Channel, name, nodeID, nodeType string, props map[string]interface{}) (*Node, error) {
	if nodeID == "" {
		nodeID = observability.GenerateRequestID()
	}

	p.mu.Lock()
	if existing, ok := p.nodes[nodeID]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	if _, busy := p.pendingNodes[nodeID]; busy {
		p.mu.Unlock()
		return nil, &rpcerr.ConflictError{
			Resource: "node:" + nodeID,
			Message:  "creation already in flight",
		}
	}
	allocated, err := p.allocateNameLocked(name)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	// Reserve the id so a concurrent create with the same id cannot pass
	// the idempotency check above and leak a second remote node.
	p.pendingNodes[nodeID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pendingNodes, nodeID)
		p.mu.Unlock()
	}()

	hosted, err := p.ensureHosted(ctx, ch)
	if err != nil {
		p.RemoveAllocatedNodeName(allocated)
		return nil, err
	}

	node := newNode(nodeID, allocated, nodeType, p, ch, props)
	if err := node.Create(ctx); err != nil {
		p.RemoveAllocatedNodeName(allocated)
		if hosted {
			p.unhostIfUnused(ch)
		}
		return nil, err
	}

	p.mu.Lock()
	p.nodes[nodeID] = node
	p.mu.Unlock()

	observability.NodesTotal.WithLabelValues(nodeType).Inc()
	if err := p.Persist(); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(map[string]string{
		"project_id": p.id,
		"node_id":    nodeID,
		"name":       allocated,
	})
	p.controller.bus.Publish(observability.ControllerEvent{
		Action:    api.ActionNodeCreated,
		AgentID:   ch.ID(),
		ProjectID: p.id,
		Event:     payload,
	})
	return node, nil
}

// ensureHosted sends the lazy project-create call the first time an agent
// hosts part of this project and records it in the hosting set. It reports
// whether this call added the agent, so a failed node create can take the
// agent back out.
func (p *Project) ensureHosted(ctx context.Context, ch *Channel) (bool, error) {
	p.mu.Lock()
	if _, ok := p.hosting[ch.ID()]; ok {
		p.mu.Unlock()
		return false, nil
	}
	p.mu.Unlock()

	req := api.ProjectRequest{ID: p.id, Name: p.Name()}
	var resp api.ProjectResponse
	if err := ch.Request(ctx, http.MethodPost, "/projects", req, &resp); err != nil {
		return false, fmt.Errorf("failed to create project on agent %s: %w", ch.ID(), err)
	}

	p.mu.Lock()
	p.hosting[ch.ID()] = ch
	p.mu.Unlock()
	return true, nil
}

// unhostIfUnused removes an agent from the hosting set when no node of this
// project lives on it, keeping the set an exact record of where nodes run.
func (p *Project) unhostIfUnused(ch *Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.nodes {
		if n.channel == ch {
			return
		}
	}
	delete(p.hosting, ch.ID())
}

// DeleteNode removes a node: first every link touching it (serialized so
// concurrent deletes cannot race on a shared link), then the allocated
// name, then the remote node.
func (p *Project) DeleteNode(ctx context.Context, id string) error {
	node, err := p.Node(id)
	if err != nil {
		return err
	}

	p.linkMu.Lock()
	p.mu.Lock()
	for linkID, link := range p.links {
		for _, ep := range link.Nodes {
			if ep.NodeID == id {
				delete(p.links, linkID)
				break
			}
		}
	}
	p.mu.Unlock()
	p.linkMu.Unlock()

	p.RemoveAllocatedNodeName(node.Name())

	if err := node.remoteDelete(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.nodes, id)
	p.mu.Unlock()

	observability.NodesTotal.WithLabelValues(node.Type()).Dec()
	return p.Persist()
}

// AddLink registers a link. Idempotent on the link id.
func (p *Project) AddLink(id string, endpoints []LinkEndpoint) (*Link, error) {
	if id == "" {
		id = observability.GenerateRequestID()
	}
	p.mu.Lock()
	if existing, ok := p.links[id]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	for _, ep := range endpoints {
		if _, ok := p.nodes[ep.NodeID]; !ok {
			p.mu.Unlock()
			return nil, &rpcerr.NotFoundError{Resource: "node:" + ep.NodeID}
		}
	}
	link := &Link{ID: id, Nodes: endpoints}
	p.links[id] = link
	p.mu.Unlock()
	return link, p.Persist()
}

// DeleteLink removes a link. Deleting an unknown link is a no-op.
func (p *Project) DeleteLink(id string) error {
	p.linkMu.Lock()
	p.mu.Lock()
	delete(p.links, id)
	p.mu.Unlock()
	p.linkMu.Unlock()
	return p.Persist()
}

// AddDrawing registers a drawing. Idempotent on the drawing id.
func (p *Project) AddDrawing(d *Drawing) (*Drawing, error) {
	if d.ID == "" {
		d.ID = observability.GenerateRequestID()
	}
	p.mu.Lock()
	if existing, ok := p.drawings[d.ID]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	p.drawings[d.ID] = d
	p.mu.Unlock()
	return d, p.Persist()
}

// DeleteDrawing removes a drawing.
func (p *Project) DeleteDrawing(id string) error {
	p.mu.Lock()
	delete(p.drawings, id)
	p.mu.Unlock()
	return p.Persist()
}

// Persist writes the topology file atomically.
func (p *Project) Persist() error {
	p.mu.Lock()
	t := p.snapshotLocked()
	path := filepath.Join(p.path, topologyFileName)
	p.mu.Unlock()
	return writeTopology(path, t)
}

func (p *Project) snapshotLocked() *topologyFile {
	t := &topologyFile{
		Revision:  TopologyRevision,
		Name:      p.name,
		ProjectID: p.id,
	}
	for _, ch := range p.hosting {
		t.Topology.Computes = append(t.Topology.Computes, computeRecord{
			ID:       ch.ID(),
			Protocol: ch.config.Protocol,
			Host:     ch.config.Host,
			Port:     ch.config.Port,
		})
	}
	for _, n := range p.nodes {
		t.Topology.Nodes = append(t.Topology.Nodes, nodeRecord{
			ID:          n.id,
			AgentID:     n.channel.ID(),
			Name:        n.Name(),
			NodeType:    n.nodeType,
			ConsoleType: n.consoleType,
			Properties:  n.Properties(),
		})
	}
	for _, l := range p.links {
		rec := linkRecord{ID: l.ID}
		for _, ep := range l.Nodes {
			rec.Nodes = append(rec.Nodes, linkEndpoint{NodeID: ep.NodeID, Adapter: ep.Adapter, Port: ep.Port})
		}
		t.Topology.Links = append(t.Topology.Links, rec)
	}
	for _, d := range p.drawings {
		t.Topology.Drawings = append(t.Topology.Drawings, drawingRecord{
			ID: d.ID, SVG: d.SVG, X: d.X, Y: d.Y, Z: d.Z, Rot: d.Rotation, Lock: d.Locked,
		})
	}
	return t
}

// Open transitions the project from closed to opened, re-creating every
// agent, node, link and drawing recorded in the persisted topology. The
// replay is idempotent. Any failure rolls the topology file back to its
// pre-open backup, closes every agent touched during the attempt and
// re-raises: a half-opened topology would leave agents holding nodes the
// controller does not track.
func (p *Project) Open(ctx context.Context) error {
	if p.Status() == ProjectOpened {
		return nil
	}

	path := p.TopologyPath()
	hasFile := false
	if _, err := os.Stat(path); err == nil {
		hasFile = true
		if err := backupTopology(path); err != nil {
			return err
		}
	}

	if err := p.replayTopology(ctx, hasFile, path); err != nil {
		p.logger.Error("Project open failed, rolling back", zap.Error(err))
		for _, ch := range p.hostingChannels() {
			closeErr := ch.Request(ctx, http.MethodPost, "/projects/"+p.id+"/close", nil, nil)
			if closeErr != nil {
				p.logger.Warn("Rollback close failed on agent",
					zap.String("agent_id", ch.ID()),
					zap.Error(closeErr),
				)
			}
		}
		if hasFile {
			if restoreErr := restoreTopologyBackup(path); restoreErr != nil {
				p.logger.Error("Could not restore topology backup", zap.Error(restoreErr))
			}
		}
		p.mu.Lock()
		p.status = ProjectClosed
		p.mu.Unlock()
		return fmt.Errorf("failed to open project %s: %w", p.id, err)
	}

	p.mu.Lock()
	p.status = ProjectOpened
	p.mu.Unlock()
	observability.ProjectsOpen.Inc()
	p.logger.Info("Project opened")
	return p.Persist()
}

func (p *Project) replayTopology(ctx context.Context, hasFile bool, path string) error {
	if !hasFile {
		return nil
	}
	t, err := readTopology(path)
	if err != nil {
		return err
	}

	channels := make(map[string]*Channel)
	for _, rec := range t.Topology.Computes {
		ch, err := p.controller.ResolveAgent(ChannelConfig{
			ID:       rec.ID,
			Protocol: rec.Protocol,
			Host:     rec.Host,
			Port:     rec.Port,
		})
		if err != nil {
			return err
		}
		channels[rec.ID] = ch
	}

	for _, rec := range t.Topology.Nodes {
		ch, ok := channels[rec.AgentID]
		if !ok {
			return fmt.Errorf("node %s references unknown agent %s", rec.ID, rec.AgentID)
		}
		if _, err := p.AddNode(ctx, ch, rec.Name, rec.ID, rec.NodeType, rec.Properties); err != nil {
			return err
		}
	}
	for _, rec := range t.Topology.Links {
		endpoints := make([]LinkEndpoint, 0, len(rec.Nodes))
		for _, ep := range rec.Nodes {
			endpoints = append(endpoints, LinkEndpoint{NodeID: ep.NodeID, Adapter: ep.Adapter, Port: ep.Port})
		}
		if _, err := p.AddLink(rec.ID, endpoints); err != nil {
			return err
		}
	}
	for _, rec := range t.Topology.Drawings {
		d := &Drawing{ID: rec.ID, SVG: rec.SVG, X: rec.X, Y: rec.Y, Z: rec.Z, Rotation: rec.Rot, Locked: rec.Lock}
		if _, err := p.AddDrawing(d); err != nil {
			return err
		}
	}
	return nil
}

// Close asks every hosting agent to close its half of the project. The
// project is going down regardless, so errors from unreachable agents are
// logged and swallowed. Orphaned drawing assets are purged from disk.
func (p *Project) Close(ctx context.Context) error {
	for _, ch := range p.hostingChannels() {
		if err := ch.Request(ctx, http.MethodPost, "/projects/"+p.id+"/close", nil, nil); err != nil {
			p.logger.Warn("Agent close failed during project close",
				zap.String("agent_id", ch.ID()),
				zap.Error(err),
			)
		}
	}

	p.purgeOrphanDrawingAssets()

	p.mu.Lock()
	wasOpen := p.status == ProjectOpened
	p.status = ProjectClosed
	p.mu.Unlock()
	if wasOpen {
		observability.ProjectsOpen.Dec()
	}

	p.controller.bus.Publish(observability.ControllerEvent{
		Action:    api.ActionProjectClosed,
		ProjectID: p.id,
		Event:     json.RawMessage(`{"project_id":"` + p.id + `"}`),
	})
	p.logger.Info("Project closed")
	return nil
}

// Delete closes the project on every hosting agent and removes the local
// project directory. Agent errors are swallowed like Close.
func (p *Project) Delete(ctx context.Context) error {
	for _, ch := range p.hostingChannels() {
		if err := ch.Request(ctx, http.MethodDelete, "/projects/"+p.id, nil, nil); err != nil {
			p.logger.Warn("Agent delete failed during project delete",
				zap.String("agent_id", ch.ID()),
				zap.Error(err),
			)
		}
	}

	p.mu.Lock()
	wasOpen := p.status == ProjectOpened
	p.status = ProjectClosed
	path := p.path
	p.mu.Unlock()
	if wasOpen {
		observability.ProjectsOpen.Dec()
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove project directory: %w", err)
	}

	p.controller.bus.Publish(observability.ControllerEvent{
		Action:    api.ActionProjectDeleted,
		ProjectID: p.id,
		Event:     json.RawMessage(`{"project_id":"` + p.id + `"}`),
	})
	p.logger.Info("Project deleted")
	return nil
}

// purgeOrphanDrawingAssets removes files in the drawings directory that no
// drawing references any more.
func (p *Project) purgeOrphanDrawingAssets() {
	dir := filepath.Join(p.Path(), "drawings")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	p.mu.Lock()
	referenced := make(map[string]struct{}, len(p.drawings))
	for id := range p.drawings {
		referenced[id] = struct{}{}
	}
	p.mu.Unlock()

	for _, entry := range entries {
		name := entry.Name()
		id := strings.TrimSuffix(name, filepath.Ext(name))
		if _, ok := referenced[id]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			p.logger.Warn("Could not purge orphaned drawing asset",
				zap.String("file", name),
				zap.Error(err),
			)
		}
	}
}

// StartAll starts every node through the bounded worker pool, collecting
// failures instead of aborting siblings.
func (p *Project) StartAll(ctx context.Context) error {
	return p.forEachNode(ctx, (*Node).Start)
}

// StopAll stops every node through the bounded worker pool.
func (p *Project) StopAll(ctx context.Context) error {
	return p.forEachNode(ctx, (*Node).Stop)
}

// SuspendAll suspends every node through the bounded worker pool.
func (p *Project) SuspendAll(ctx context.Context) error {
	return p.forEachNode(ctx, (*Node).Suspend)
}

func (p *Project) forEachNode(ctx context.Context, op func(*Node, context.Context) error) error {
	nodes := p.Nodes()
	tasks := make([]func(context.Context) error, 0, len(nodes))
	for _, n := range nodes {
		node := n
		tasks = append(tasks, func(ctx context.Context) error {
			return op(node, ctx)
		})
	}
	return RunBatch(ctx, batchConcurrency, tasks)
}
