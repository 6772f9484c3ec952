package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wirelab/wirelab/pkg/observability"
)

// TopologyRevision is the current topology file revision. Older files are
// migrated by an external collaborator before this code sees them; newer
// files are a hard refusal to load.
const TopologyRevision = 3

// topologyFile is the persisted form of a project.
type topologyFile struct {
	Revision  int             `json:"revision"`
	Name      string          `json:"name"`
	ProjectID string          `json:"project_id"`
	Topology  topologyContent `json:"topology"`
}

type topologyContent struct {
	Computes []computeRecord `json:"computes"`
	Nodes    []nodeRecord    `json:"nodes"`
	Links    []linkRecord    `json:"links"`
	Drawings []drawingRecord `json:"drawings"`
}

type computeRecord struct {
	ID       string `json:"compute_id"`
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

type nodeRecord struct {
	ID          string                 `json:"node_id"`
	AgentID     string                 `json:"compute_id"`
	Name        string                 `json:"name"`
	NodeType    string                 `json:"node_type"`
	ConsoleType string                 `json:"console_type,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
}

type linkRecord struct {
	ID    string         `json:"link_id"`
	Nodes []linkEndpoint `json:"nodes"`
}

type linkEndpoint struct {
	NodeID  string `json:"node_id"`
	Adapter int    `json:"adapter_number"`
	Port    int    `json:"port_number"`
}

type drawingRecord struct {
	ID   string `json:"drawing_id"`
	SVG  string `json:"svg"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Z    int    `json:"z"`
	Rot  int    `json:"rotation"`
	Lock bool   `json:"locked"`
}

// writeTopology persists a topology atomically: the content goes to a
// temporary file in the same directory which is then renamed over the live
// file, so a crash mid-write can never leave a truncated topology behind.
func writeTopology(path string, t *topologyFile) error {
	raw, err := json.MarshalIndent(t, "", "    ")
	if err != nil {
		observability.TopologyWritesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to encode topology: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		observability.TopologyWritesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".topology-*.tmp")
	if err != nil {
		observability.TopologyWritesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to create temporary topology file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		observability.TopologyWritesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to write topology: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		observability.TopologyWritesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to sync topology: %w", err)
	}
	if err := tmp.Close(); err != nil {
		observability.TopologyWritesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to close topology: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		observability.TopologyWritesTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to replace topology file: %w", err)
	}

	observability.TopologyWritesTotal.WithLabelValues("success").Inc()
	return nil
}

// readTopology loads a topology file, refusing any revision newer than this
// build understands.
func readTopology(path string) (*topologyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	var t topologyFile
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("corrupt topology file %s: %w", path, err)
	}
	if t.Revision > TopologyRevision {
		return nil, fmt.Errorf("topology file %s has revision %d, newer than supported revision %d", path, t.Revision, TopologyRevision)
	}
	return &t, nil
}

// backupPath is the sibling copy taken before an open rewrites the file.
func backupPath(path string) string { return path + ".backup" }

// backupTopology copies the live topology file aside. Called before an open
// so a failed reconstruction can restore the last good state.
func backupTopology(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open topology for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(backupPath(path))
	if err != nil {
		return fmt.Errorf("failed to create topology backup: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy topology backup: %w", err)
	}
	return nil
}

// restoreTopologyBackup puts the pre-open backup back in place.
func restoreTopologyBackup(path string) error {
	if _, err := os.Stat(backupPath(path)); err != nil {
		return fmt.Errorf("no topology backup to restore: %w", err)
	}
	if err := os.Rename(backupPath(path), path); err != nil {
		return fmt.Errorf("failed to restore topology backup: %w", err)
	}
	return nil
}
