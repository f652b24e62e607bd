package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memObject struct {
	info ObjectInfo
	data []byte
}

// MemoryBackend is an in-memory Backend. It is primarily used in tests and
// as a stand-in upstream when wiring an overlay without real storage.
type MemoryBackend struct {
	mu         sync.RWMutex
	containers map[string]map[string]memObject
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{containers: make(map[string]map[string]memObject)}
}

// ContainerExists reports whether a container exists.
func (b *MemoryBackend) ContainerExists(ctx context.Context, container string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.containers[container]
	return ok, nil
}

// CreateContainer creates a container. Creating an existing one is a no-op.
func (b *MemoryBackend) CreateContainer(ctx context.Context, container string) error {
	if err := validateName(container); err != nil {
		return fmt.Errorf("invalid container name: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.containers[container]; !ok {
		b.containers[container] = make(map[string]memObject)
	}
	return nil
}

// ListContainers returns all container names in sorted order.
func (b *MemoryBackend) ListContainers(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.containers))
	for name := range b.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ObjectExists reports whether an object is present.
func (b *MemoryBackend) ObjectExists(ctx context.Context, container, name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	objects, ok := b.containers[container]
	if !ok {
		return false, nil
	}
	_, ok = objects[name]
	return ok, nil
}

// GetObject returns an object payload and metadata.
func (b *MemoryBackend) GetObject(ctx context.Context, container, name string) (*Object, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	objects, ok := b.containers[container]
	if !ok {
		return nil, ErrContainerNotFound
	}
	obj, ok := objects[name]
	if !ok {
		return nil, ErrObjectNotFound
	}

	// Copy so callers cannot mutate the stored payload through the reader.
	data := make([]byte, len(obj.data))
	copy(data, obj.data)

	return &Object{Info: obj.info, Body: io.NopCloser(bytes.NewReader(data))}, nil
}

// StatObject returns object metadata without the payload.
func (b *MemoryBackend) StatObject(ctx context.Context, container, name string) (*ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	objects, ok := b.containers[container]
	if !ok {
		return nil, ErrContainerNotFound
	}
	obj, ok := objects[name]
	if !ok {
		return nil, ErrObjectNotFound
	}
	info := obj.info
	return &info, nil
}

// PutObject stores an object, replacing any existing one with the same name.
func (b *MemoryBackend) PutObject(ctx context.Context, container, name string, body io.Reader, info ObjectInfo) (*ObjectInfo, error) {
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("invalid object name: %w", err)
	}

	data, err := io.ReadAll(newContextReader(ctx, body))
	if err != nil {
		return nil, fmt.Errorf("read object data: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	objects, ok := b.containers[container]
	if !ok {
		return nil, ErrContainerNotFound
	}

	etag := info.ETag
	if etag == "" {
		sum := md5.Sum(data)
		etag = fmt.Sprintf("%q", hex.EncodeToString(sum[:]))
	}

	stored := memObject{
		info: ObjectInfo{
			Name:         name,
			Size:         int64(len(data)),
			ContentType:  info.ContentType,
			ETag:         etag,
			LastModified: time.Now().UTC(),
			VersionID:    uuid.NewString(),
			Metadata:     info.Metadata,
		},
		data: data,
	}
	objects[name] = stored

	result := stored.info
	return &result, nil
}

// RemoveObject deletes an object. Removing an absent object is a no-op.
func (b *MemoryBackend) RemoveObject(ctx context.Context, container, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	objects, ok := b.containers[container]
	if !ok {
		return ErrContainerNotFound
	}
	delete(objects, name)
	return nil
}

// ListObjects returns metadata for every object in a container, sorted by name.
func (b *MemoryBackend) ListObjects(ctx context.Context, container string) ([]ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	objects, ok := b.containers[container]
	if !ok {
		return nil, ErrContainerNotFound
	}

	infos := make([]ObjectInfo, 0, len(objects))
	for _, obj := range objects {
		infos = append(infos, obj.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

var _ Backend = (*MemoryBackend)(nil)
