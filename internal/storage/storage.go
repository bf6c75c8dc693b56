package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileStore keeps artifacts on the local filesystem and hands out public
// URLs under a configured prefix. Objects are laid out as <tenant>/<name>.
type FileStore struct {
	basePath  string
	publicURL string
}

func NewFileStore(basePath, publicURL string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{
		basePath:  basePath,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

func (s *FileStore) BasePath() string {
	return s.basePath
}

// Store writes data for tenantID and returns its public URL. When
// suggestedName is empty a random name is chosen, with an extension derived
// from contentType.
func (s *FileStore) Store(ctx context.Context, data []byte, tenantID, suggestedName, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if tenantID == "" {
		return "", errors.New("storage: tenant is required")
	}

	ext := path.Ext(suggestedName)
	if ext == "" {
		ext = extensionFor(contentType)
	}
	name := uuid.New().String() + ext

	key, err := sanitizeKey(tenantID + "/" + name)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	return s.publicURL + "/" + key, nil
}

// Delete removes the object behind publicURL. It reports false when the URL
// is not one of ours or the object does not exist.
func (s *FileStore) Delete(ctx context.Context, publicURL string) bool {
	full, ok := s.resolve(publicURL)
	if !ok {
		return false
	}
	if err := os.Remove(full); err != nil {
		return false
	}
	return true
}

func (s *FileStore) Exists(ctx context.Context, publicURL string) bool {
	full, ok := s.resolve(publicURL)
	if !ok {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && !info.IsDir()
}

func (s *FileStore) resolve(publicURL string) (string, bool) {
	prefix := s.publicURL + "/"
	if !strings.HasPrefix(publicURL, prefix) {
		return "", false
	}
	key, err := sanitizeKey(strings.TrimPrefix(publicURL, prefix))
	if err != nil {
		return "", false
	}
	return filepath.Join(s.basePath, filepath.FromSlash(key)), true
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "text/plain":
		return ".txt"
	case "":
		return ".bin"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
