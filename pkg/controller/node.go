package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/api"
	"github.com/wirelab/wirelab/pkg/observability"
	"github.com/wirelab/wirelab/pkg/rpcerr"
)

// maxCreateAttempts bounds the create/provision-image/retry cycle.
const maxCreateAttempts = 6

// nodeActionTimeout bounds start/stop/suspend, which can take as long as a
// VM boot.
const nodeActionTimeout = 4 * time.Minute

// controllerOnlyProperties never cross the controller/agent boundary: they
// describe the canvas, not the emulated machine. They are declared once
// here and validated at the boundary instead of filtered ad hoc per call.
var controllerOnlyProperties = map[string]struct{}{
	"x":            {},
	"y":            {},
	"z":            {},
	"locked":       {},
	"symbol":       {},
	"label":        {},
	"console_host": {},
}

// IsControllerOnlyProperty reports whether a property key stays local to
// the controller.
func IsControllerOnlyProperty(key string) bool {
	_, ok := controllerOnlyProperties[key]
	return ok
}

// Node is the controller-side stand-in for a node that physically lives on
// an agent. It holds the last-known property bag, forwards mutations over
// the agent channel and absorbs the one recoverable remote failure: a
// missing disk image that can be provisioned from a local image directory.
type Node struct {
	id       string
	nodeType string
	project  *Project
	channel  *Channel
	logger   *zap.Logger

	mu          sync.Mutex
	name        string
	status      string
	console     int
	consoleType string
	workingDir  string
	commandLine string
	properties  map[string]interface{}
}

func newNode(id, name, nodeType string, project *Project, channel *Channel, props map[string]interface{}) *Node {
	if props == nil {
		props = make(map[string]interface{})
	}
	return &Node{
		id:         id,
		name:       name,
		nodeType:   nodeType,
		project:    project,
		channel:    channel,
		status:     api.NodeStatusStopped,
		properties: props,
		logger: project.logger.With(
			zap.String("node_id", id),
			zap.String("node_name", name),
		),
	}
}

// ID returns the node identifier.
func (n *Node) ID() string { return n.id }

// Name returns the node's display name.
func (n *Node) Name() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.name
}

// Type returns the node type tag understood by the agent.
func (n *Node) Type() string { return n.nodeType }

// Status returns the last status reported by the agent.
func (n *Node) Status() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Console returns the console port assigned by the agent.
func (n *Node) Console() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.console
}

// Channel returns the agent channel hosting this node.
func (n *Node) Channel() *Channel { return n.channel }

// Properties returns a copy of the last-known property bag.
func (n *Node) Properties() map[string]interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]interface{}, len(n.properties))
	for k, v := range n.properties {
		out[k] = v
	}
	return out
}

// agentRequest builds the wire request, stripping controller-only keys and
// nil/empty values: an absent key means "emulator default", which is not
// the same statement as an explicit empty value.
func (n *Node) agentRequest() *api.NodeRequest {
	n.mu.Lock()
	defer n.mu.Unlock()

	props := make(map[string]interface{})
	for k, v := range n.properties {
		if IsControllerOnlyProperty(k) {
			continue
		}
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		props[k] = v
	}
	return &api.NodeRequest{
		Name:        n.name,
		NodeID:      n.id,
		NodeType:    n.nodeType,
		ConsoleType: n.consoleType,
		Properties:  props,
	}
}

// applyResponse overwrites local state with the server-owned fields of an
// agent response. The agent always wins for these.
func (n *Node) applyResponse(resp *api.NodeResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Status != "" {
		n.status = resp.Status
	}
	if resp.Console != 0 {
		n.console = resp.Console
	}
	if resp.ConsoleType != "" {
		n.consoleType = resp.ConsoleType
	}
	if resp.WorkingDir != "" {
		n.workingDir = resp.WorkingDir
	}
	if resp.CommandLine != "" {
		n.commandLine = resp.CommandLine
	}
}

func (n *Node) nodesPath() string {
	return fmt.Sprintf("/projects/%s/%s/nodes", n.project.ID(), n.nodeType)
}

func (n *Node) nodePath() string {
	return fmt.Sprintf("/projects/%s/%s/nodes/%s", n.project.ID(), n.nodeType, n.id)
}

// Create sends the node to its agent. A conflict tagged "missing image" is
// remedied by locating the image in the configured local directories,
// uploading it and retrying; any other failure, or running out of the
// attempt budget, propagates. The caller never observes the intermediate
// missing-image failures when provisioning succeeds.
func (n *Node) Create(ctx context.Context) error {
	ctx = observability.WithNodeID(observability.WithProjectID(ctx, n.project.ID()), n.id)

	var lastErr error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		var resp api.NodeResponse
		err := n.channel.RequestTimeout(ctx, http.MethodPost, n.nodesPath(), n.agentRequest(), &resp, nodeActionTimeout)
		if err == nil {
			n.applyResponse(&resp)
			return nil
		}
		lastErr = err

		image, missing := rpcerr.MissingImage(err)
		if !missing {
			return err
		}
		n.logger.Info("Agent is missing an image, provisioning it",
			zap.String("image", image),
			zap.Int("attempt", attempt+1),
		)
		if provErr := n.project.controller.provisionImage(ctx, n.channel, image); provErr != nil {
			// The image is nowhere to be found locally either; the
			// original conflict is the actionable error.
			n.logger.Warn("Could not provision missing image",
				zap.String("image", image),
				zap.Error(provErr),
			)
			return err
		}
	}
	return fmt.Errorf("node %s not created after %d attempts: %w", n.name, maxCreateAttempts, lastErr)
}

// Update applies a property change. Controller-only properties are applied
// locally and announced without any remote call, so moving a node on the
// canvas never talks to the agent. Anything else triggers a remote PUT.
func (n *Node) Update(ctx context.Context, props map[string]interface{}) error {
	remote := false
	n.mu.Lock()
	for k, v := range props {
		n.properties[k] = v
		if !IsControllerOnlyProperty(k) {
			remote = true
		}
	}
	n.mu.Unlock()

	if !remote {
		n.publishUpdated()
		return n.project.Persist()
	}

	ctx = observability.WithNodeID(observability.WithProjectID(ctx, n.project.ID()), n.id)
	var resp api.NodeResponse
	if err := n.channel.Request(ctx, http.MethodPut, n.nodePath(), n.agentRequest(), &resp); err != nil {
		return fmt.Errorf("failed to update node %s: %w", n.name, err)
	}
	n.applyResponse(&resp)
	n.publishUpdated()
	// An update survives a controller restart only through the topology
	// file; without this, Open would replay the pre-update properties.
	return n.project.Persist()
}

func (n *Node) publishUpdated() {
	payload, _ := json.Marshal(map[string]interface{}{
		"project_id": n.project.ID(),
		"node_id":    n.id,
		"name":       n.Name(),
		"status":     n.Status(),
	})
	n.project.controller.bus.Publish(observability.ControllerEvent{
		Action:    api.ActionNodeUpdated,
		ProjectID: n.project.ID(),
		Event:     payload,
	})
}

// Start boots the node on its agent.
func (n *Node) Start(ctx context.Context) error {
	return n.action(ctx, "start")
}

// Stop halts the node on its agent.
func (n *Node) Stop(ctx context.Context) error {
	return n.action(ctx, "stop")
}

// Suspend pauses the node on its agent.
func (n *Node) Suspend(ctx context.Context) error {
	return n.action(ctx, "suspend")
}

func (n *Node) action(ctx context.Context, verb string) error {
	ctx = observability.WithNodeID(observability.WithProjectID(ctx, n.project.ID()), n.id)
	var resp api.NodeResponse
	err := n.channel.RequestTimeout(ctx, http.MethodPost, n.nodePath()+"/"+verb, nil, &resp, nodeActionTimeout)
	if err != nil {
		return fmt.Errorf("failed to %s node %s: %w", verb, n.name, err)
	}
	n.applyResponse(&resp)
	return nil
}

// remoteDelete destroys the node on its agent. A not-found answer is fine:
// the node is gone either way.
func (n *Node) remoteDelete(ctx context.Context) error {
	err := n.channel.Request(ctx, http.MethodDelete, n.nodePath(), nil, nil)
	if err != nil && !rpcerr.IsNotFoundError(err) {
		return fmt.Errorf("failed to delete node %s on agent: %w", n.name, err)
	}
	return nil
}
