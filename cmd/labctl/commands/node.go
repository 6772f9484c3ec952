package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wirelab/wirelab/cmd/labctl/config"
)

// Node is a node as reported by the controller.
type Node struct {
	ID       string `json:"node_id"`
	AgentID  string `json:"compute_id"`
	Name     string `json:"name"`
	NodeType string `json:"node_type"`
	Status   string `json:"status"`
	Console  int    `json:"console,omitempty"`
}

// NewNodeCommand creates the node command
func NewNodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage project nodes",
		Long:  "Manage the nodes of a project including listing, starting, stopping and suspending",
	}

	cmd.AddCommand(newNodeListCommand())
	cmd.AddCommand(newNodeActionCommand("start", "Start nodes", "started"))
	cmd.AddCommand(newNodeActionCommand("stop", "Stop nodes", "stopped"))
	cmd.AddCommand(newNodeActionCommand("suspend", "Suspend nodes", "suspended"))

	return cmd
}

func newNodeListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list PROJECT_ID",
		Short: "List project nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeList(cmd, args[0])
		},
	}
}

func runNodeList(cmd *cobra.Command, projectID string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client := cfg.NewClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var nodes []Node
	if err := client.Get(ctx, "/projects/"+projectID+"/nodes", &nodes); err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	output, _ := cmd.Flags().GetString("output")
	out := config.NewOutputter(output)

	if out.IsTable() {
		return printNodeTable(out, nodes)
	}
	return out.Print(nodes)
}

func printNodeTable(out *config.Outputter, nodes []Node) error {
	headers := []string{"ID", "NAME", "TYPE", "COMPUTE", "STATUS", "CONSOLE"}
	rows := make([][]string, 0, len(nodes))

	for _, n := range nodes {
		console := ""
		if n.Console != 0 {
			console = strconv.Itoa(n.Console)
		}
		rows = append(rows, []string{
			n.ID,
			n.Name,
			n.NodeType,
			n.AgentID,
			n.Status,
			console,
		})
	}

	out.Table(headers, rows)
	fmt.Printf("\nTotal: %d nodes\n", len(nodes))
	return nil
}

// newNodeActionCommand builds start, stop and suspend. Each acts on a single
// node, or on every node in the project with --all.
func newNodeActionCommand(action, short, done string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " PROJECT_ID [NODE_ID]",
		Short: short,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all {
				return runNodeActionAll(cmd, args[0], action, done)
			}
			if len(args) != 2 {
				return fmt.Errorf("NODE_ID required unless --all is given")
			}
			return runNodeAction(cmd, args[0], args[1], action, done)
		},
	}

	cmd.Flags().Bool("all", false, short+" for every node in the project")

	return cmd
}

func runNodeAction(cmd *cobra.Command, projectID, nodeID, action, done string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client := cfg.NewClient()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	path := "/projects/" + projectID + "/nodes/" + nodeID + "/" + action
	if err := client.Post(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("failed to %s node: %w", action, err)
	}

	fmt.Printf("Node %s %s\n", nodeID, done)
	return nil
}

func runNodeActionAll(cmd *cobra.Command, projectID, action, done string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client := cfg.NewClient()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	path := "/projects/" + projectID + "/nodes/" + action
	if err := client.Post(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("failed to %s nodes: %w", action, err)
	}

	fmt.Printf("All nodes in %s %s\n", projectID, done)
	return nil
}
