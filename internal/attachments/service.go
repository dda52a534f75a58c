package attachments

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/OpenBMB/ChatDev-sub003/internal/errors"
	"github.com/OpenBMB/ChatDev-sub003/internal/logging"
)

// cleanupEnvFlag opts sessions into deleting attachment files on cleanup.
// Files are preserved by default so post-mortems can inspect them.
const cleanupEnvFlag = "MAC_AUTO_CLEAN_ATTACHMENTS"

// Service manages attachment lifecycle per session. Each session owns an
// isolated workspace subtree under the warehouse root.
type Service struct {
	root   string
	logger logging.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewService returns a service rooted at the warehouse directory.
func NewService(root string) *Service {
	return &Service{
		root:   root,
		logger: logging.NewComponentLogger("AttachmentService"),
		stores: make(map[string]*Store),
	}
}

// SessionDirName normalizes a session id into its workspace directory name.
func SessionDirName(sessionID string) string {
	if strings.HasPrefix(sessionID, "session_") {
		return sessionID
	}
	return "session_" + sessionID
}

// SessionRoot returns the session's workspace root (batch outputs, node
// output directories and the download endpoint all live under it).
func (s *Service) SessionRoot(sessionID string) string {
	return filepath.Join(s.root, SessionDirName(sessionID))
}

// WorkspacePath returns the attachment directory for a session.
func (s *Service) WorkspacePath(sessionID string) string {
	return filepath.Join(s.SessionRoot(sessionID), "code_workspace", "attachments")
}

// PrepareWorkspace idempotently creates the session's attachment directory
// and returns its path.
func (s *Service) PrepareWorkspace(sessionID string) (string, error) {
	store, err := s.StoreFor(sessionID)
	if err != nil {
		return "", err
	}
	return store.Root(), nil
}

// StoreFor returns (creating if needed) the session's attachment store.
func (s *Service) StoreFor(sessionID string) (*Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.stores[sessionID]; ok {
		return store, nil
	}
	store, err := NewStore(s.WorkspacePath(sessionID))
	if err != nil {
		return nil, apperrors.WorkflowExecution("failed to prepare attachment workspace").WithCause(err)
	}
	s.stores[sessionID] = store
	return store, nil
}

// SaveUpload persists an uploaded blob and returns its record.
func (s *Service) SaveUpload(sessionID, filename, mimeType string, content io.Reader) (*Record, error) {
	store, err := s.StoreFor(sessionID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(filename) == "" {
		filename = "upload.bin"
	}
	record, err := store.RegisterReader(filename, mimeType, content, map[string]any{
		"source":     "user_upload",
		"origin":     "web_upload",
		"session_id": sessionID,
	})
	if err != nil {
		return nil, apperrors.WorkflowExecution("failed to save upload").WithCause(err)
	}
	s.logger.Info("Saved upload %s (%s) for session %s", record.Name, record.AttachmentID, sessionID)
	return record, nil
}

// BuildAttachmentBlocks materializes message blocks for previously uploaded
// attachments. Unknown ids fail the whole call.
func (s *Service) BuildAttachmentBlocks(sessionID string, ids []string, target *Store) ([]MessageBlock, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	source, err := s.StoreFor(sessionID)
	if err != nil {
		return nil, err
	}
	blocks := make([]MessageBlock, 0, len(ids))
	for _, id := range ids {
		record := source.Get(id)
		if record == nil {
			return nil, apperrors.Validation("unknown attachment id").
				WithDetail("attachment_id", id).
				WithDetail("session_id", sessionID)
		}
		root := source.Root()
		if target != nil {
			ingested, err := target.IngestRecord(record, source.Root())
			if err != nil {
				return nil, apperrors.WorkflowExecution("failed to ingest attachment").WithCause(err)
			}
			record = ingested
			root = target.Root()
		}
		blocks = append(blocks, record.AsMessageBlock(root))
	}
	return blocks, nil
}

// ListAttachments returns the manifest projection for UX listings.
func (s *Service) ListAttachments(sessionID string) (map[string]any, error) {
	store, err := s.StoreFor(sessionID)
	if err != nil {
		return nil, err
	}
	return store.ExportManifest(), nil
}

// Cleanup releases in-memory state for the session. The workspace stays on
// disk unless the auto-clean flag is set.
func (s *Service) Cleanup(sessionID string) {
	s.mu.Lock()
	delete(s.stores, sessionID)
	s.mu.Unlock()

	flag := strings.ToLower(strings.TrimSpace(os.Getenv(cleanupEnvFlag)))
	if flag == "1" || flag == "true" || flag == "yes" {
		if err := os.RemoveAll(s.WorkspacePath(sessionID)); err == nil {
			s.logger.Info("Cleaned attachment directory for session %s", sessionID)
		}
		return
	}
	s.logger.Info("Attachment cleanup disabled; preserved files for session %s", sessionID)
}
