package attachments

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const manifestName = "manifest.json"

var fileSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeFileName converts an arbitrary name into a filesystem-safe value.
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = fileSanitizer.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._-")
	if name == "" {
		name = "upload.bin"
	}
	return name
}

// Store persists attachments for one directory and tracks them in a JSON
// manifest alongside the files. Duplicate content is deduplicated by hash.
type Store struct {
	mu      sync.Mutex
	root    string
	records map[string]*Record
	byHash  map[string]string // sha256 -> attachment id
}

// NewStore opens (or initializes) the store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	s := &Store{
		root:    dir,
		records: make(map[string]*Record),
		byHash:  make(map[string]string),
	}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the directory files are stored under.
func (s *Store) Root() string { return s.root }

// RegisterBytes stores data under a sanitized version of name and returns the
// record. Re-registering identical content returns the existing record.
func (s *Store) RegisterBytes(name, mimeType string, data []byte, extra map[string]any) (*Record, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHash[digest]; ok {
		return s.records[id], nil
	}

	safeName := SanitizeFileName(name)
	record := &Record{
		AttachmentID: strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:         safeName,
		MimeType:     GuessMimeType(mimeType, safeName),
		Size:         int64(len(data)),
		SHA256:       digest,
		RelativePath: safeName,
		CreatedAt:    float64(time.Now().UnixNano()) / float64(time.Second),
		Extra:        extra,
	}

	target := filepath.Join(s.root, record.RelativePath)
	// Avoid clobbering distinct content that shares a display name.
	if _, err := os.Stat(target); err == nil {
		record.RelativePath = record.AttachmentID[:8] + "_" + safeName
		target = filepath.Join(s.root, record.RelativePath)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}

	s.records[record.AttachmentID] = record
	s.byHash[digest] = record.AttachmentID
	if err := s.saveManifestLocked(); err != nil {
		return nil, err
	}
	return record, nil
}

// RegisterReader drains r into the store under name.
func (s *Store) RegisterReader(name, mimeType string, r io.Reader, extra map[string]any) (*Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return s.RegisterBytes(name, mimeType, data, extra)
}

// RegisterFile copies an existing file into the store.
func (s *Store) RegisterFile(path, displayName, mimeType string, extra map[string]any) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if displayName == "" {
		displayName = filepath.Base(path)
	}
	return s.RegisterBytes(displayName, mimeType, data, extra)
}

// Get returns the record for id, or nil when unknown. A miss re-reads the
// manifest so records registered through another handle on the same
// directory are found.
func (s *Store) Get(id string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[id]; ok {
		return record
	}
	_ = s.loadManifest()
	return s.records[id]
}

// AbsolutePath returns the on-disk location for a record.
func (s *Store) AbsolutePath(record *Record) string {
	return filepath.Join(s.root, record.RelativePath)
}

// DataURI inlines the file content when it fits under limit bytes. It returns
// an empty string for oversized or unreadable files.
func (s *Store) DataURI(record *Record, limit int64) string {
	if limit <= 0 {
		limit = DefaultInlineLimit
	}
	if record.Size > limit {
		return ""
	}
	data, err := os.ReadFile(s.AbsolutePath(record))
	if err != nil {
		return ""
	}
	return EncodeDataURI(record.MimeType, data)
}

// IngestRecord imports a record from another store, copying the file when the
// roots differ. Identical content already present is reused.
func (s *Store) IngestRecord(record *Record, sourceRoot string) (*Record, error) {
	s.mu.Lock()
	if id, ok := s.byHash[record.SHA256]; ok {
		existing := s.records[id]
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	if filepath.Clean(sourceRoot) == filepath.Clean(s.root) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.records[record.AttachmentID] = record
		s.byHash[record.SHA256] = record.AttachmentID
		return record, s.saveManifestLocked()
	}
	return s.RegisterFile(filepath.Join(sourceRoot, record.RelativePath), record.Name, record.MimeType, record.Extra)
}

// List returns all records keyed by attachment id.
func (s *Store) List() map[string]*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Record, len(s.records))
	for id, record := range s.records {
		out[id] = record
	}
	return out
}

// ExportManifest builds the manifest projection served to clients.
func (s *Store) ExportManifest() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]*Record, 0, len(s.records))
	for _, record := range s.records {
		items = append(items, record)
	}
	return map[string]any{
		"root":        s.root,
		"count":       len(items),
		"attachments": items,
	}
}

func (s *Store) manifestPath() string { return filepath.Join(s.root, manifestName) }

func (s *Store) loadManifest() error {
	data, err := os.ReadFile(s.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read manifest: %w", err)
	}
	var records map[string]*Record
	if err := json.Unmarshal(data, &records); err != nil {
		// A corrupt manifest should not brick the session; start fresh.
		return nil
	}
	for id, record := range records {
		s.records[id] = record
		s.byHash[record.SHA256] = id
	}
	return nil
}

func (s *Store) saveManifestLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(s.manifestPath(), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
