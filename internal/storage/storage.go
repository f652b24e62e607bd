// Package storage defines the capability contract shared by all backing
// object stores and provides filesystem, in-memory, and S3 implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
)

// Not-found sentinels. Backends translate their native missing-entry
// conditions into errors wrapping these, so callers can classify with
// errors.Is or cerrdefs.IsNotFound without knowing the backend type.
var (
	ErrContainerNotFound = fmt.Errorf("container: %w", cerrdefs.ErrNotFound)
	ErrObjectNotFound    = fmt.Errorf("object: %w", cerrdefs.ErrNotFound)
)

// ObjectInfo describes an object without its payload.
type ObjectInfo struct {
	Name         string            `json:"name"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	VersionID    string            `json:"version_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Object is a payload stream together with its metadata. The caller owns
// Body and must close it.
type Object struct {
	Info ObjectInfo
	Body io.ReadCloser
}

// Close closes the payload stream.
func (o *Object) Close() error {
	if o.Body == nil {
		return nil
	}
	return o.Body.Close()
}

// Backend is the storage capability contract. Both backing stores of an
// overlay implement it; the overlay itself implements a superset (see the
// overlay package) so callers cannot distinguish it from a single store.
//
// All operations honor context cancellation. CreateContainer and
// RemoveObject are idempotent: creating an existing container and removing
// an absent object both succeed.
type Backend interface {
	ContainerExists(ctx context.Context, container string) (bool, error)
	CreateContainer(ctx context.Context, container string) error
	ListContainers(ctx context.Context) ([]string, error)

	ObjectExists(ctx context.Context, container, name string) (bool, error)
	GetObject(ctx context.Context, container, name string) (*Object, error)
	StatObject(ctx context.Context, container, name string) (*ObjectInfo, error)
	PutObject(ctx context.Context, container, name string, body io.Reader, info ObjectInfo) (*ObjectInfo, error)
	RemoveObject(ctx context.Context, container, name string) error
	ListObjects(ctx context.Context, container string) ([]ObjectInfo, error)
}

// IsNotFound reports whether err indicates a missing container or object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContainerNotFound) ||
		errors.Is(err, ErrObjectNotFound) ||
		cerrdefs.IsNotFound(err)
}
