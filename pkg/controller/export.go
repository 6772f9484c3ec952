package controller

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Export writes the project as a zip archive: the topology file plus every
// project file. The transient tmp directory and the topology backup are
// left out. Export is the single serialization path; snapshots and
// Duplicate both ride on it so only one has to be correct.
func (p *Project) Export(w io.Writer) error {
	zw := zip.NewWriter(w)
	root := p.Path()

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			if rel == "tmp" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(rel, ".backup") || strings.HasPrefix(filepath.Base(rel), ".topology-") {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		_, err = io.Copy(entry, f)
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("failed to export project %s: %w", p.id, err)
	}
	return zw.Close()
}

// ImportProject creates a new project from an exported archive. The
// archive's topology is re-labeled with a fresh project id and the given
// name, so an import never collides with its origin. A non-empty location
// places the project there instead of under the projects directory.
func (c *Controller) ImportProject(name, location string, archive []byte) (*Project, error) {
	id := uuid.New().String()
	project, err := c.createProjectAt(id, name, location)
	if err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("invalid project archive: %w", err)
	}

	root := project.Path()
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}

	for _, entry := range zr.File {
		// An archive is untrusted input like any other path.
		dest, err := resolveArchivePath(root, entry.Name)
		if err != nil {
			return nil, err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o700); err != nil {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
			return nil, err
		}
		if err := extractFile(entry, dest); err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", entry.Name, err)
		}
	}

	if err := relabelTopology(filepath.Join(root, topologyFileName), id, name); err != nil {
		return nil, err
	}
	return project, nil
}

func resolveArchivePath(root, name string) (string, error) {
	clean := filepath.Clean(filepath.Join(root, filepath.FromSlash(name)))
	if clean != root && !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the project directory", name)
	}
	return clean, nil
}

func extractFile(entry *zip.File, dest string) error {
	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// relabelTopology rewrites project id and name in an imported topology.
func relabelTopology(path, id, name string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // archive without a topology is an empty project
		}
		return err
	}
	var t topologyFile
	if err := json.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("corrupt topology in archive: %w", err)
	}
	t.ProjectID = id
	t.Name = name
	return writeTopology(path, &t)
}

// Duplicate clones the project under a new id by exporting it and
// importing the archive back. A non-empty location places the clone in
// that directory instead of under the projects directory.
func (p *Project) Duplicate(ctx context.Context, name, location string) (*Project, error) {
	if name == "" {
		name = p.Name() + "-copy"
	}
	var buf bytes.Buffer
	if err := p.Export(&buf); err != nil {
		return nil, err
	}
	return p.controller.ImportProject(name, location, buf.Bytes())
}
