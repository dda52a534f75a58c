package graph

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// Artifact describes one file a node created or updated in the workspace.
type Artifact struct {
	NodeID        string
	AttachmentID  string
	FileName      string
	RelativePath  string
	WorkspacePath string
	MimeType      string
	Size          int64
	SHA256        string
	ChangeType    string // "created" or "updated"
}

// ArtifactSink receives artifacts as nodes finish.
type ArtifactSink func(artifacts []Artifact)

// workspaceWatcher diffs the workspace tree around node execution so new and
// modified files can be attributed to the node that produced them.
type workspaceWatcher struct {
	ctx  *Context
	sink ArtifactSink
	seen map[string]fileStamp
}

type fileStamp struct {
	size    int64
	modNano int64
}

func newWorkspaceWatcher(ctx *Context, sink ArtifactSink) *workspaceWatcher {
	w := &workspaceWatcher{ctx: ctx, sink: sink, seen: make(map[string]fileStamp)}
	w.scan(func(string, fileStamp) {})
	return w
}

// scan walks the workspace, updating the baseline and invoking onNew for
// files that changed since the previous scan. The attachment store's own
// subtree is excluded so registered copies do not re-trigger.
func (w *workspaceWatcher) scan(onNew func(path string, stamp fileStamp)) {
	root := w.ctx.Workspace()
	storeRoot := w.ctx.AttachmentStore().Root()
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(path, storeRoot) {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stamp := fileStamp{size: info.Size(), modNano: info.ModTime().UnixNano()}
		if prev, ok := w.seen[path]; !ok || prev != stamp {
			onNew(path, stamp)
		}
		w.seen[path] = stamp
		return nil
	})
}

// afterNode collects files the node touched, registers them as attachments
// and forwards them to the sink.
func (w *workspaceWatcher) afterNode(nodeID string) {
	if w.sink == nil {
		w.scan(func(string, fileStamp) {})
		return
	}
	var artifacts []Artifact
	store := w.ctx.AttachmentStore()
	root := w.ctx.Workspace()
	w.scan(func(path string, _ fileStamp) {
		changeType := "updated"
		if _, ok := w.seen[path]; !ok {
			changeType = "created"
		}
		record, err := store.RegisterFile(path, filepath.Base(path), "", map[string]any{
			"source":  "workflow_output",
			"node_id": nodeID,
		})
		if err != nil {
			return
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		artifacts = append(artifacts, Artifact{
			NodeID:        nodeID,
			AttachmentID:  record.AttachmentID,
			FileName:      filepath.Base(path),
			RelativePath:  filepath.ToSlash(rel),
			WorkspacePath: path,
			MimeType:      record.MimeType,
			Size:          record.Size,
			SHA256:        record.SHA256,
			ChangeType:    changeType,
		})
	})
	if len(artifacts) > 0 {
		w.sink(artifacts)
	}
}
