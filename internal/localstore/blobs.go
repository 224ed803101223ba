package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
)

var (
	errMissingRoot = errors.New("localstore: photo directory is required")
	// ErrInvalidKey indicates a blob key that would escape the photo directory.
	ErrInvalidKey = errors.New("localstore: invalid blob key")
)

// DiskBlobs stores photos below a directory and serves them under a public base URL.
type DiskBlobs struct {
	root    string
	baseURL string
}

// NewDiskBlobs constructs the blob store. baseURL may be relative, e.g. /photos.
func NewDiskBlobs(root, baseURL string) (*DiskBlobs, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errMissingRoot
	}
	return &DiskBlobs{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root returns the directory holding the photos.
func (b *DiskBlobs) Root() string {
	return b.root
}

// Upload writes the bytes under key and refuses to replace an existing file.
func (b *DiskBlobs) Upload(_ context.Context, key string, data []byte, _ string) error {
	target, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", messages.ErrBlobExists, key)
	}
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()      //nolint:errcheck
		os.Remove(target) //nolint:errcheck
		return err
	}
	return file.Close()
}

// PublicURL joins the base URL and the key.
func (b *DiskBlobs) PublicURL(key string) (string, error) {
	if _, err := b.resolve(key); err != nil {
		return "", err
	}
	return b.baseURL + "/" + strings.TrimPrefix(path.Clean(key), "/"), nil
}

func (b *DiskBlobs) resolve(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" || strings.HasPrefix(trimmed, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(b.root, filepath.FromSlash(cleaned)), nil
}
