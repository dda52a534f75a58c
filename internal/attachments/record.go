// Package attachments manages per-session upload workspaces and the
// attachment records referenced by workflow inputs and artifacts.
package attachments

import (
	"encoding/base64"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// DefaultInlineLimit caps how large a file may be before data-URI inlining is
// skipped and only metadata is served.
const DefaultInlineLimit = 20 << 20 // 20 MiB

// BlockType tags a message block for graph consumption.
type BlockType string

const (
	BlockText  BlockType = "text"
	BlockImage BlockType = "image"
	BlockFile  BlockType = "file"
)

// BlockTypeForMime classifies an attachment by its mime type.
func BlockTypeForMime(mimeType string) BlockType {
	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return BlockImage
	}
	return BlockFile
}

// MessageBlock is one element of a multi-part task input.
type MessageBlock struct {
	Type         BlockType `json:"type"`
	Text         string    `json:"text,omitempty"`
	AttachmentID string    `json:"attachment_id,omitempty"`
	Name         string    `json:"name,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	Path         string    `json:"path,omitempty"`
}

// TextBlock builds a plain text block.
func TextBlock(text string) MessageBlock {
	return MessageBlock{Type: BlockText, Text: text}
}

// Record describes one stored attachment.
type Record struct {
	AttachmentID string         `json:"attachment_id"`
	Name         string         `json:"name"`
	MimeType     string         `json:"mime_type,omitempty"`
	Size         int64          `json:"size"`
	SHA256       string         `json:"sha256"`
	RelativePath string         `json:"relative_path"`
	CreatedAt    float64        `json:"created_at"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// AsMessageBlock projects the record into a block referencing the stored file.
func (r *Record) AsMessageBlock(root string) MessageBlock {
	return MessageBlock{
		Type:         BlockTypeForMime(r.MimeType),
		AttachmentID: r.AttachmentID,
		Name:         r.Name,
		MimeType:     r.MimeType,
		Path:         filepath.Join(root, r.RelativePath),
	}
}

// GuessMimeType resolves a mime type from an explicit value or the filename.
func GuessMimeType(explicit, filename string) string {
	if explicit != "" {
		return explicit
	}
	if guessed := mime.TypeByExtension(filepath.Ext(filename)); guessed != "" {
		return guessed
	}
	return "application/octet-stream"
}

// EncodeDataURI builds a data URI for small payloads.
func EncodeDataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}
