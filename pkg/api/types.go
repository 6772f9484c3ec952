// Package api defines the JSON wire types exchanged between the controller
// and compute agents. Every request and response body on the /v3 HTTP API
// is one of these types.
package api

import (
	"encoding/json"
	"time"
)

// Capabilities is the body of GET /v3/capabilities, the first call a
// controller makes to an agent. Version drives the compatibility gate.
type Capabilities struct {
	Version     string   `json:"version"`
	NodeTypes   []string `json:"node_types"`
	Platform    string   `json:"platform"`
	CPUCount    int      `json:"cpus"`
	MemoryTotal uint64   `json:"memory_total"`
}

// ProjectRequest creates or updates a project on an agent.
type ProjectRequest struct {
	ID   string `json:"project_id"`
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

// ProjectResponse describes a project as known by an agent.
type ProjectResponse struct {
	ID        string    `json:"project_id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// NodeRequest carries the agent-relevant property bag for node create/update.
// Controller-only properties (canvas coordinates, label, symbol) never appear
// here; the controller strips them before the call.
type NodeRequest struct {
	Name        string                 `json:"name"`
	NodeID      string                 `json:"node_id,omitempty"`
	NodeType    string                 `json:"node_type"`
	ConsoleType string                 `json:"console_type,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
}

// NodeResponse is the agent's view of a node after any mutation. Status,
// Console, WorkingDir and CommandLine are server-owned: the controller
// overwrites its local state with them on every response.
type NodeResponse struct {
	Name        string                 `json:"name"`
	NodeID      string                 `json:"node_id"`
	NodeType    string                 `json:"node_type"`
	Status      string                 `json:"status"`
	Console     int                    `json:"console,omitempty"`
	ConsoleType string                 `json:"console_type,omitempty"`
	WorkingDir  string                 `json:"node_directory,omitempty"`
	CommandLine string                 `json:"command_line,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
}

// Event is one frame on the notification stream.
type Event struct {
	Action string          `json:"action"`
	Event  json.RawMessage `json:"event"`
}

// PingEvent is the payload of the periodic "ping" action. It carries host
// load only; it is informational and is never forwarded past the channel.
type PingEvent struct {
	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
}

// DiskUsageEvent warns that the partition backing a project is nearly full.
type DiskUsageEvent struct {
	ProjectID   string  `json:"project_id"`
	Path        string  `json:"path"`
	UsedPercent float64 `json:"used_percent"`
}

// ErrorBody is the structured error payload returned on non-2xx responses.
// Reason is machine-readable and lets a caller distinguish remediable
// conflicts (e.g. ReasonMissingImage) from terminal ones.
type ErrorBody struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Image   string `json:"image,omitempty"`
}

// Machine-readable conflict reasons.
const (
	ReasonMissingImage = "missing_image"
)

// Node status values reported by agents.
const (
	NodeStatusStopped   = "stopped"
	NodeStatusStarted   = "started"
	NodeStatusSuspended = "suspended"
)

// Notification stream actions emitted by agents and re-published by the
// controller. The controller additionally tags re-published events with the
// originating agent id.
const (
	ActionPing           = "ping"
	ActionNodeCreated    = "node.created"
	ActionNodeUpdated    = "node.updated"
	ActionNodeDeleted    = "node.deleted"
	ActionNodeStarted    = "node.started"
	ActionNodeStopped    = "node.stopped"
	ActionNodeSuspended  = "node.suspended"
	ActionProjectClosed  = "project.closed"
	ActionProjectDeleted = "project.deleted"
	ActionLogWarning     = "log.warning"
)
