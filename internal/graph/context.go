package graph

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/OpenBMB/ChatDev-sub003/internal/attachments"
)

// Config describes where a run executes and under what settings.
type Config struct {
	Definition *Definition
	// Name is the directory under OutputRoot holding all run output,
	// typically session_<id> or a batch task directory.
	Name       string
	OutputRoot string
	SourcePath string
	LogLevel   string
}

// Context binds a run to its workspace on disk. Node outputs land in
// per-node directories so the artifact hook can attribute files.
type Context struct {
	Config Config

	workspace string
	store     *attachments.Store
}

// NewContext creates the run workspace and its attachment store.
func NewContext(cfg Config) (*Context, error) {
	workspace := filepath.Join(cfg.OutputRoot, cfg.Name)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", workspace, err)
	}
	store, err := attachments.NewStore(filepath.Join(workspace, "code_workspace", "attachments"))
	if err != nil {
		return nil, err
	}
	return &Context{Config: cfg, workspace: workspace, store: store}, nil
}

// Workspace returns the run's root output directory.
func (c *Context) Workspace() string { return c.workspace }

// AttachmentStore returns the store artifacts and input files register into.
func (c *Context) AttachmentStore() *attachments.Store { return c.store }

// NodeDir returns (creating if needed) the output directory for a node.
func (c *Context) NodeDir(nodeID string) (string, error) {
	dir := filepath.Join(c.workspace, "nodes", nodeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create node dir %s: %w", dir, err)
	}
	return dir, nil
}

// Var resolves a template variable from the definition's vars block.
func (c *Context) Var(key string) (any, bool) {
	if c.Config.Definition == nil || c.Config.Definition.Vars == nil {
		return nil, false
	}
	v, ok := c.Config.Definition.Vars[key]
	return v, ok
}
