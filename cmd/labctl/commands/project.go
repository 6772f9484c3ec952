package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wirelab/wirelab/cmd/labctl/config"
)

// Project is a project as reported by the controller.
type Project struct {
	ID     string `json:"project_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Path   string `json:"path"`
}

// NewProjectCommand creates the project command
func NewProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
		Long:  "Manage emulation projects including listing, creating, opening and closing",
	}

	cmd.AddCommand(newProjectListCommand())
	cmd.AddCommand(newProjectCreateCommand())
	cmd.AddCommand(newProjectOpenCommand())
	cmd.AddCommand(newProjectCloseCommand())
	cmd.AddCommand(newProjectDeleteCommand())

	return cmd
}

func newProjectListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjectList(cmd)
		},
	}
}

func runProjectList(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client := cfg.NewClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var projects []Project
	if err := client.Get(ctx, "/projects", &projects); err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}

	output, _ := cmd.Flags().GetString("output")
	out := config.NewOutputter(output)

	if out.IsTable() {
		return printProjectTable(out, projects)
	}
	return out.Print(projects)
}

func printProjectTable(out *config.Outputter, projects []Project) error {
	headers := []string{"ID", "NAME", "STATUS"}
	rows := make([][]string, 0, len(projects))

	for _, p := range projects {
		rows = append(rows, []string{p.ID, p.Name, p.Status})
	}

	out.Table(headers, rows)
	fmt.Printf("\nTotal: %d projects\n", len(projects))
	return nil
}

func newProjectCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjectCreate(cmd, args[0])
		},
	}

	cmd.Flags().String("id", "", "Project ID (generated when empty)")

	return cmd
}

func runProjectCreate(cmd *cobra.Command, name string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client := cfg.NewClient()

	id, _ := cmd.Flags().GetString("id")
	req := map[string]interface{}{
		"project_id": id,
		"name":       name,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var created Project
	if err := client.Post(ctx, "/projects", req, &created); err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	fmt.Printf("Project %s created (%s)\n", created.Name, created.ID)
	return nil
}

func newProjectOpenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "open PROJECT_ID",
		Short: "Open a project",
		Long:  "Open a project, replaying its persisted topology onto the compute agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjectAction(cmd, args[0], "open", "opened")
		},
	}
}

func newProjectCloseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "close PROJECT_ID",
		Short: "Close a project",
		Long:  "Close a project, tearing down its nodes on the compute agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjectAction(cmd, args[0], "close", "closed")
		},
	}
}

func runProjectAction(cmd *cobra.Command, id, action, done string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client := cfg.NewClient()

	// Open replays the whole topology, which can take a while on large projects.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := client.Post(ctx, "/projects/"+id+"/"+action, nil, nil); err != nil {
		return fmt.Errorf("failed to %s project: %w", action, err)
	}

	fmt.Printf("Project %s %s\n", id, done)
	return nil
}

func newProjectDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete PROJECT_ID",
		Short: "Delete a project",
		Long:  "Delete a project and everything stored under its directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjectDelete(cmd, args[0])
		},
	}
}

func runProjectDelete(cmd *cobra.Command, id string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client := cfg.NewClient()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := client.Delete(ctx, "/projects/"+id); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}

	fmt.Printf("Project %s deleted\n", id)
	return nil
}
