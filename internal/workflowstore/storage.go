// Package workflowstore manages the on-disk library of workflow YAML files
// behind the editor API. All file access goes through filename validation so
// request input can never escape the library directory.
package workflowstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/graph"
	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
)

var safeFilename = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateFilename rejects names that could address files outside the
// library. Only plain .yaml/.yml names survive.
func ValidateFilename(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.Validation("filename is required")
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return apperrors.Security("filename must not contain path traversal").
			WithDetail("filename", name)
	}
	if !safeFilename.MatchString(name) {
		return apperrors.Security("filename contains disallowed characters").
			WithDetail("filename", name)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".yaml" && ext != ".yml" {
		return apperrors.Validation("filename must end in .yaml or .yml").
			WithDetail("filename", name)
	}
	return nil
}

// SafeJoin validates name and returns its absolute path inside dir.
func SafeJoin(dir, name string) (string, error) {
	if err := ValidateFilename(name); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", apperrors.Generic("failed to resolve workflow directory").WithCause(err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", apperrors.Generic("failed to resolve workflow path").WithCause(err)
	}
	if absPath != absDir && !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
		return "", apperrors.Security("resolved path escapes the workflow directory").
			WithDetail("filename", name)
	}
	return absPath, nil
}

// Meta describes one stored workflow file.
type Meta struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Modified float64 `json:"modified"`
}

// Storage is the YAML library rooted at one directory.
type Storage struct {
	mu     sync.Mutex
	dir    string
	logger logging.Logger
}

// NewStorage opens the library, creating the directory when missing.
func NewStorage(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workflow dir %s: %w", dir, err)
	}
	return &Storage{dir: dir, logger: logging.NewComponentLogger("WorkflowStorage")}, nil
}

// Dir returns the library directory.
func (s *Storage) Dir() string { return s.dir }

// List returns metadata for every workflow file, sorted by name.
func (s *Storage) List() ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperrors.Generic("failed to list workflows").WithCause(err)
	}
	var out []Meta
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Meta{
			Name:     entry.Name(),
			Size:     info.Size(),
			Modified: float64(info.ModTime().UnixNano()) / 1e9,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Read returns the raw content of a workflow file.
func (s *Storage) Read(name string) (string, error) {
	path, err := SafeJoin(s.dir, name)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.NotFound("workflow not found").WithDetail("filename", name)
		}
		return "", apperrors.Generic("failed to read workflow").WithCause(err)
	}
	return string(data), nil
}

// Save validates and writes content. Without overwrite an existing file is a
// conflict.
func (s *Storage) Save(name, content string, overwrite bool) error {
	path, err := SafeJoin(s.dir, name)
	if err != nil {
		return err
	}
	if err := graph.ValidateContent([]byte(content)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return apperrors.Conflict("workflow already exists").WithDetail("filename", name)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return apperrors.Generic("failed to write workflow").WithCause(err)
	}
	s.logger.Info("Saved workflow %s", name)
	return nil
}

// Rename moves a workflow and rewrites its graph id to the new stem.
func (s *Storage) Rename(oldName, newName string) error {
	oldPath, err := SafeJoin(s.dir, oldName)
	if err != nil {
		return err
	}
	newPath, err := SafeJoin(s.dir, newName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(oldPath)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound("workflow not found").WithDetail("filename", oldName)
		}
		return apperrors.Generic("failed to read workflow").WithCause(err)
	}
	if _, err := os.Stat(newPath); err == nil {
		return apperrors.Conflict("target workflow already exists").WithDetail("filename", newName)
	}
	updated := rewriteGraphID(string(data), stem(oldName), stem(newName))
	if err := os.WriteFile(newPath, []byte(updated), 0o644); err != nil {
		return apperrors.Generic("failed to write workflow").WithCause(err)
	}
	if err := os.Remove(oldPath); err != nil {
		return apperrors.Generic("failed to remove old workflow").WithCause(err)
	}
	s.logger.Info("Renamed workflow %s to %s", oldName, newName)
	return nil
}

// Copy duplicates a workflow under a new name, rewriting the graph id.
func (s *Storage) Copy(srcName, dstName string) error {
	srcPath, err := SafeJoin(s.dir, srcName)
	if err != nil {
		return err
	}
	dstPath, err := SafeJoin(s.dir, dstName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound("workflow not found").WithDetail("filename", srcName)
		}
		return apperrors.Generic("failed to read workflow").WithCause(err)
	}
	if _, err := os.Stat(dstPath); err == nil {
		return apperrors.Conflict("target workflow already exists").WithDetail("filename", dstName)
	}
	updated := rewriteGraphID(string(data), stem(srcName), stem(dstName))
	if err := os.WriteFile(dstPath, []byte(updated), 0o644); err != nil {
		return apperrors.Generic("failed to write workflow").WithCause(err)
	}
	s.logger.Info("Copied workflow %s to %s", srcName, dstName)
	return nil
}

// Delete removes a workflow file.
func (s *Storage) Delete(name string) error {
	path, err := SafeJoin(s.dir, name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound("workflow not found").WithDetail("filename", name)
		}
		return apperrors.Generic("failed to delete workflow").WithCause(err)
	}
	s.logger.Info("Deleted workflow %s", name)
	return nil
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// rewriteGraphID replaces an `id: oldID` line with the new id, tolerating
// quoting and indentation. Other occurrences of the old id stay untouched.
func rewriteGraphID(content, oldID, newID string) string {
	if oldID == newID {
		return content
	}
	pattern := regexp.MustCompile(`(?m)^(\s*id:\s*)['"]?` + regexp.QuoteMeta(oldID) + `['"]?\s*$`)
	return pattern.ReplaceAllString(content, "${1}"+newID)
}
