package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wirelab/wirelab/cmd/labctl/config"
)

// Compute is a compute agent as reported by the controller.
type Compute struct {
	ID          string  `json:"compute_id"`
	Protocol    string  `json:"protocol"`
	Host        string  `json:"host"`
	Port        int     `json:"port"`
	State       string  `json:"state"`
	CPUUsage    float64 `json:"cpu_usage_percent"`
	MemoryUsage float64 `json:"memory_usage_percent"`
	LastError   string  `json:"last_error,omitempty"`
}

// NewComputeCommand creates the compute command
func NewComputeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Manage compute agents",
		Long:  "Manage compute agents registered with the controller",
	}

	cmd.AddCommand(newComputeListCommand())
	cmd.AddCommand(newComputeAddCommand())
	cmd.AddCommand(newComputeRemoveCommand())

	return cmd
}

func newComputeListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List compute agents",
		Long:  "List all compute agents with their connection state and host load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComputeList(cmd)
		},
	}
}

func runComputeList(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client := cfg.NewClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var computes []Compute
	if err := client.Get(ctx, "/computes", &computes); err != nil {
		return fmt.Errorf("failed to list computes: %w", err)
	}

	output, _ := cmd.Flags().GetString("output")
	out := config.NewOutputter(output)

	if out.IsTable() {
		return printComputeTable(out, computes)
	}
	return out.Print(computes)
}

func printComputeTable(out *config.Outputter, computes []Compute) error {
	headers := []string{"ID", "ADDRESS", "STATE", "CPU", "MEMORY", "LAST ERROR"}
	rows := make([][]string, 0, len(computes))

	for _, c := range computes {
		rows = append(rows, []string{
			c.ID,
			fmt.Sprintf("%s://%s:%d", c.Protocol, c.Host, c.Port),
			c.State,
			fmt.Sprintf("%.1f%%", c.CPUUsage),
			fmt.Sprintf("%.1f%%", c.MemoryUsage),
			c.LastError,
		})
	}

	out.Table(headers, rows)
	fmt.Printf("\nTotal: %d computes\n", len(computes))
	return nil
}

func newComputeAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add HOST",
		Short: "Register a compute agent",
		Long:  "Register a compute agent with the controller so projects can place nodes on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComputeAdd(cmd, args[0])
		},
	}

	cmd.Flags().Int("port", 3081, "Agent API port")
	cmd.Flags().String("id", "", "Compute ID (generated when empty)")
	cmd.Flags().String("user", "", "Agent API user")
	cmd.Flags().String("password", "", "Agent API password")

	return cmd
}

func runComputeAdd(cmd *cobra.Command, host string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client := cfg.NewClient()

	port, _ := cmd.Flags().GetInt("port")
	id, _ := cmd.Flags().GetString("id")
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")

	req := map[string]interface{}{
		"compute_id": id,
		"protocol":   "http",
		"host":       host,
		"port":       port,
		"user":       user,
		"password":   password,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var created Compute
	if err := client.Post(ctx, "/computes", req, &created); err != nil {
		return fmt.Errorf("failed to add compute: %w", err)
	}

	fmt.Printf("Compute %s registered\n", created.ID)
	return nil
}

func newComputeRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove COMPUTE_ID",
		Short: "Remove a compute agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComputeRemove(cmd, args[0])
		},
	}
}

func runComputeRemove(cmd *cobra.Command, id string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client := cfg.NewClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Delete(ctx, "/computes/"+id); err != nil {
		return fmt.Errorf("failed to remove compute: %w", err)
	}

	fmt.Printf("Compute %s removed\n", id)
	return nil
}
