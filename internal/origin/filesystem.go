package origin

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem serves objects from a local directory root. Resolved paths
// escaping the root are rejected.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem origin rooted at root.
func NewFilesystem(root string) (*Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve filesystem root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat filesystem root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("filesystem root %q is not a directory", abs)
	}
	return &Filesystem{root: abs}, nil
}

// Resolve maps an origin-relative path inside the root, guarding
// against traversal.
func (f *Filesystem) Resolve(path string) (string, error) {
	cleaned := filepath.Clean("/" + strings.TrimPrefix(path, "/"))
	full := filepath.Join(f.root, cleaned)
	if full != f.root && !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes origin root", path)
	}
	return full, nil
}

// Fetch opens the file. The body is an *os.File, so the transport layer
// can seek for range requests.
func (f *Filesystem) Fetch(ctx context.Context, path string, _ http.Header) (*Object, error) {
	full, err := f.Resolve(path)
	if err != nil {
		return nil, ErrNotFound
	}

	file, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open %s: %w", full, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat %s: %w", full, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, ErrNotFound
	}

	hdr := make(http.Header)
	hdr.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	return &Object{
		Body:   file,
		Size:   info.Size(),
		Status: http.StatusOK,
		Header: hdr,
	}, nil
}

// Stat probes existence and size without opening, for file-check APIs.
func (f *Filesystem) Stat(_ context.Context, path string) (int64, bool, error) {
	full, err := f.Resolve(path)
	if err != nil {
		return 0, false, nil
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return 0, false, nil
	}
	return info.Size(), true, nil
}
