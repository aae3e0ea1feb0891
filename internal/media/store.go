// Package media persists downloaded attachments on the local filesystem.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// subdirs maps message types to their storage directory.
var subdirs = map[string]string{
	"image":    "images",
	"video":    "videos",
	"audio":    "audios",
	"sticker":  "stickers",
	"document": "documents",
}

// Store writes media files under a root directory, one subdirectory per
// message type, with random file names.
type Store struct {
	root string
}

// NewStore creates the root and all type subdirectories.
func NewStore(root string) (*Store, error) {
	for _, dir := range subdirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create media directory: %w", err)
		}
	}
	return &Store{root: root}, nil
}

// Save writes data for a message of the given type and returns the path of
// the stored file relative to the root, e.g. "images/3f2a….jpg".
func (s *Store) Save(messageType, mimetype string, data []byte) (string, error) {
	dir, ok := subdirs[messageType]
	if !ok {
		dir = subdirs["document"]
	}
	name := uuid.New().String() + ExtensionFor(mimetype)
	rel := filepath.Join(dir, name)
	if err := os.WriteFile(filepath.Join(s.root, rel), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write media file: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// ExtensionFor picks a file extension for a MIME type, defaulting to .bin.
func ExtensionFor(mimetype string) string {
	// Strip codec parameters like "audio/ogg; codecs=opus".
	if i := strings.IndexByte(mimetype, ';'); i >= 0 {
		mimetype = strings.TrimSpace(mimetype[:i])
	}
	switch mimetype {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "video/3gpp":
		return ".3gp"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	case "application/pdf":
		return ".pdf"
	default:
		if ext := strings.TrimPrefix(mimetype, "application/"); ext != mimetype && !strings.ContainsAny(ext, "/+.") && len(ext) <= 4 {
			return "." + ext
		}
		return ".bin"
	}
}
