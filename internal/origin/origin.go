// Package origin abstracts the file source behind the proxy: a local
// filesystem root, an upstream HTTP server, or an S3 bucket.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hlsgate/hlsgate/internal/config"
)

// ErrNotFound signals a missing object in any mode.
var ErrNotFound = errors.New("origin: object not found")

// Object is one fetched resource. HTTP-mode origins apply Range
// upstream and return 206 with Content-Range in Header; the filesystem
// origin returns the whole object with a seekable body and leaves range
// slicing to the transport layer.
type Object struct {
	Body   io.ReadCloser
	Size   int64 // full object size when known, else -1
	Status int   // status suggested by the origin
	Header http.Header
}

// Seeker returns the body as a seeker when the origin supports it.
func (o *Object) Seeker() (io.ReadSeeker, bool) {
	rs, ok := o.Body.(io.ReadSeeker)
	return rs, ok
}

// Origin fetches objects by origin-relative path. reqHdr carries the
// inbound Range and conditional headers for modes that forward them.
type Origin interface {
	Fetch(ctx context.Context, path string, reqHdr http.Header) (*Object, error)
}

// Stater probes existence and size without transferring the body.
// All shipped origins implement it; file-check APIs depend on it.
type Stater interface {
	Stat(ctx context.Context, path string) (size int64, exists bool, err error)
}

// New constructs the origin selected by configuration.
func New(cfg *config.Config) (Origin, error) {
	switch cfg.Backend.Mode {
	case "filesystem":
		return NewFilesystem(cfg.Backend.FilesystemRoot)
	case "http":
		return NewHTTP(cfg.Backend, cfg.HTTPPool), nil
	case "s3":
		return NewS3(context.Background(), cfg.Backend.S3)
	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Backend.Mode)
	}
}
