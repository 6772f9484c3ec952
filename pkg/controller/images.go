package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/wirelab/wirelab/pkg/rpcerr"
)

// FindImage searches the configured image directories, in order, for an
// exact filename. Image names are bare filenames; anything path-like is
// rejected before touching the filesystem.
func (c *Controller) FindImage(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", &rpcerr.PathTraversalError{Path: name}
	}
	for _, dir := range c.config.ImageDirs {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", &rpcerr.NotFoundError{Resource: "image:" + name}
}

// provisionImage locates a missing image locally and uploads it to the
// agent with no timeout; images run to gigabytes.
func (c *Controller) provisionImage(ctx context.Context, ch *Channel, name string) error {
	path, err := c.FindImage(name)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer f.Close()

	c.logger.Info("Uploading image to agent",
		zap.String("image", name),
		zap.String("agent_id", ch.ID()),
	)
	if err := ch.Upload(ctx, "/images/"+name, f); err != nil {
		return fmt.Errorf("failed to upload image %s: %w", name, err)
	}
	return nil
}
