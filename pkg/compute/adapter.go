package compute

import (
	"context"
	"io"

	"github.com/wirelab/wirelab/pkg/api"
)

// NodeAdapter is the contract between the agent core and a per-emulator
// process supervisor. The core never runs an emulator itself; it forwards
// node lifecycle calls to the adapter registered for the node type and
// reports whatever the adapter answers.
type NodeAdapter interface {
	// Types lists the node types this adapter instantiates, e.g. "qemu".
	Types() []string

	CreateNode(ctx context.Context, projectID string, req *api.NodeRequest) (*api.NodeResponse, error)
	UpdateNode(ctx context.Context, projectID, nodeID string, req *api.NodeRequest) (*api.NodeResponse, error)
	DeleteNode(ctx context.Context, projectID, nodeID string) error
	StartNode(ctx context.Context, projectID, nodeID string) (*api.NodeResponse, error)
	StopNode(ctx context.Context, projectID, nodeID string) (*api.NodeResponse, error)
	SuspendNode(ctx context.Context, projectID, nodeID string) (*api.NodeResponse, error)

	// HasNode reports whether the adapter currently owns a node of the
	// project. Project close only notifies adapters that answer true.
	HasNode(projectID, nodeID string) bool
	HasNodes(projectID string) bool

	// CloseProject releases everything the adapter holds for the project.
	CloseProject(ctx context.Context, projectID string) error

	// ImageExists reports whether a disk image is available locally.
	ImageExists(name string) bool

	// WriteImage stores an uploaded disk image.
	WriteImage(name string, r io.Reader) error
}
