package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// containerMeta is the sidecar file marking a container directory.
type containerMeta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// objectMeta is the on-disk metadata sidecar for an object.
type objectMeta struct {
	ObjectInfo
	Compressed bool `json:"compressed,omitempty"`
}

// FSBackend stores objects on the local filesystem.
// Directory structure:
//
//	{dataDir}/
//	  containers/
//	    {container}/
//	      _meta.json          # container metadata
//	      meta/
//	        {name}.json       # object metadata sidecar
//	      data/
//	        {name}            # payload, optionally zstd-compressed
type FSBackend struct {
	dataDir  string
	compress bool
	mu       sync.RWMutex
}

// FSOption configures an FSBackend.
type FSOption func(*FSBackend)

// WithCompression enables transparent zstd compression of stored payloads.
func WithCompression() FSOption {
	return func(b *FSBackend) {
		b.compress = true
	}
}

// NewFSBackend creates a filesystem backend rooted at dataDir.
func NewFSBackend(dataDir string, opts ...FSOption) (*FSBackend, error) {
	containersDir := filepath.Join(dataDir, "containers")
	if err := os.MkdirAll(containersDir, 0755); err != nil {
		return nil, fmt.Errorf("create containers dir: %w", err)
	}

	b := &FSBackend{dataDir: dataDir}
	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// DataDir returns the backend's root directory.
func (b *FSBackend) DataDir() string {
	return b.dataDir
}

// syncedWriteFile writes data to a file and calls fsync to ensure durability.
// Use this instead of os.WriteFile for metadata that must survive a crash.
// During tests fsync is skipped (BLOBMIRROR_TEST=1) since temp dirs are
// discarded anyway and fsync dominates test time on some platforms.
func syncedWriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return err
	}

	if os.Getenv("BLOBMIRROR_TEST") == "" {
		if err := f.Sync(); err != nil {
			return err
		}
	}

	return nil
}

// validateName validates a container or object name to prevent path
// traversal. This runs at the storage layer as defense in depth even when
// the caller has already validated the name.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("null bytes not allowed")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("invalid name")
	}
	// ".." as a path component is traversal; "..." and longer runs are valid.
	for _, sep := range []string{"/", "\\"} {
		for _, part := range strings.Split(name, sep) {
			if part == ".." {
				return fmt.Errorf("path traversal not allowed")
			}
		}
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return fmt.Errorf("absolute paths not allowed")
	}
	if strings.HasPrefix(name, "./") || strings.HasPrefix(name, ".\\") {
		return fmt.Errorf("relative paths not allowed")
	}
	return nil
}

func (b *FSBackend) containerPath(container string) string {
	return filepath.Join(b.dataDir, "containers", container)
}

func (b *FSBackend) containerMetaPath(container string) string {
	return filepath.Join(b.containerPath(container), "_meta.json")
}

func (b *FSBackend) objectMetaPath(container, name string) string {
	return filepath.Join(b.containerPath(container), "meta", name+".json")
}

func (b *FSBackend) objectDataPath(container, name string) string {
	return filepath.Join(b.containerPath(container), "data", name)
}

// ContainerExists reports whether a container directory with valid metadata exists.
func (b *FSBackend) ContainerExists(ctx context.Context, container string) (bool, error) {
	if err := validateName(container); err != nil {
		return false, fmt.Errorf("invalid container name: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	_, err := os.Stat(b.containerMetaPath(container))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat container meta: %w", err)
	}
	return true, nil
}

// CreateContainer creates a container. Creating an existing container is a no-op.
func (b *FSBackend) CreateContainer(ctx context.Context, container string) error {
	if err := validateName(container); err != nil {
		return fmt.Errorf("invalid container name: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	metaPath := b.containerMetaPath(container)
	if _, err := os.Stat(metaPath); err == nil {
		return nil
	}

	dir := b.containerPath(container)
	for _, sub := range []string{"meta", "data"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return fmt.Errorf("create container dirs: %w", err)
		}
	}

	meta := containerMeta{Name: container, CreatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal container meta: %w", err)
	}
	if err := syncedWriteFile(metaPath, data, 0644); err != nil {
		return fmt.Errorf("write container meta: %w", err)
	}

	return nil
}

// ListContainers returns the names of all containers.
func (b *FSBackend) ListContainers(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(b.dataDir, "containers"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read containers dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(b.containerMetaPath(entry.Name())); err != nil {
			continue // skip directories without container metadata
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// ObjectExists reports whether an object is present in a container.
func (b *FSBackend) ObjectExists(ctx context.Context, container, name string) (bool, error) {
	if err := validateName(container); err != nil {
		return false, fmt.Errorf("invalid container name: %w", err)
	}
	if err := validateName(name); err != nil {
		return false, fmt.Errorf("invalid object name: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	_, err := os.Stat(b.objectMetaPath(container, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object meta: %w", err)
	}
	return true, nil
}

// getObjectMeta reads an object metadata sidecar (caller must hold lock).
func (b *FSBackend) getObjectMeta(container, name string) (*objectMeta, error) {
	if _, err := os.Stat(b.containerMetaPath(container)); os.IsNotExist(err) {
		return nil, ErrContainerNotFound
	}

	data, err := os.ReadFile(b.objectMetaPath(container, name))
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object meta: %w", err)
	}

	var meta objectMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal object meta: %w", err)
	}
	return &meta, nil
}

// StatObject returns object metadata without the payload.
func (b *FSBackend) StatObject(ctx context.Context, container, name string) (*ObjectInfo, error) {
	if err := validateName(container); err != nil {
		return nil, fmt.Errorf("invalid container name: %w", err)
	}
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("invalid object name: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	meta, err := b.getObjectMeta(container, name)
	if err != nil {
		return nil, err
	}
	info := meta.ObjectInfo
	return &info, nil
}

// decompressReader wraps a zstd decoder so that closing it releases both the
// decoder and the underlying file.
type decompressReader struct {
	dec  *zstd.Decoder
	file *os.File
}

func (r *decompressReader) Read(p []byte) (int, error) { return r.dec.Read(p) }

func (r *decompressReader) Close() error {
	r.dec.Close()
	return r.file.Close()
}

// GetObject opens an object payload for reading.
func (b *FSBackend) GetObject(ctx context.Context, container, name string) (*Object, error) {
	if err := validateName(container); err != nil {
		return nil, fmt.Errorf("invalid container name: %w", err)
	}
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("invalid object name: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	meta, err := b.getObjectMeta(container, name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(b.objectDataPath(container, name))
	if os.IsNotExist(err) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object data: %w", err)
	}

	var body io.ReadCloser = f
	if meta.Compressed {
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		body = &decompressReader{dec: dec, file: f}
	}

	return &Object{Info: meta.ObjectInfo, Body: body}, nil
}

// PutObject writes an object, replacing any existing one with the same name.
// The payload is streamed to disk; peak memory does not depend on object size.
func (b *FSBackend) PutObject(ctx context.Context, container, name string, body io.Reader, info ObjectInfo) (*ObjectInfo, error) {
	if err := validateName(container); err != nil {
		return nil, fmt.Errorf("invalid container name: %w", err)
	}
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("invalid object name: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := os.Stat(b.containerMetaPath(container)); os.IsNotExist(err) {
		return nil, ErrContainerNotFound
	}

	dataPath := b.objectDataPath(container, name)
	metaPath := b.objectMetaPath(container, name)
	for _, p := range []string{dataPath, metaPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, fmt.Errorf("create object dirs: %w", err)
		}
	}

	// Write to a temp file first so a failed upload never clobbers the
	// previous payload.
	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	md5Hasher := md5.New()
	var dst io.Writer = tmp
	var zw *zstd.Encoder
	if b.compress {
		zw, err = zstd.NewWriter(tmp,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		dst = zw
	}

	// The hasher sees the uncompressed stream, so the ETag is stable whether
	// or not compression is enabled.
	written, err := io.Copy(io.MultiWriter(dst, md5Hasher), newContextReader(ctx, body))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("write object data: %w", err)
	}

	if zw != nil {
		if err := zw.Close(); err != nil {
			cleanup()
			return nil, fmt.Errorf("flush zstd encoder: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dataPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("rename object data: %w", err)
	}

	etag := info.ETag
	if etag == "" {
		etag = fmt.Sprintf("%q", hex.EncodeToString(md5Hasher.Sum(nil)))
	}

	meta := objectMeta{
		ObjectInfo: ObjectInfo{
			Name:         name,
			Size:         written,
			ContentType:  info.ContentType,
			ETag:         etag,
			LastModified: time.Now().UTC(),
			VersionID:    uuid.NewString(),
			Metadata:     info.Metadata,
		},
		Compressed: b.compress,
	}

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal object meta: %w", err)
	}
	if err := syncedWriteFile(metaPath, metaData, 0644); err != nil {
		return nil, fmt.Errorf("write object meta: %w", err)
	}

	result := meta.ObjectInfo
	return &result, nil
}

// RemoveObject deletes an object. Removing an absent object is a no-op.
func (b *FSBackend) RemoveObject(ctx context.Context, container, name string) error {
	if err := validateName(container); err != nil {
		return fmt.Errorf("invalid container name: %w", err)
	}
	if err := validateName(name); err != nil {
		return fmt.Errorf("invalid object name: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := os.Stat(b.containerMetaPath(container)); os.IsNotExist(err) {
		return ErrContainerNotFound
	}

	for _, p := range []string{b.objectMetaPath(container, name), b.objectDataPath(container, name)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove object: %w", err)
		}
	}
	return nil
}

// ListObjects returns metadata for every object in a container.
func (b *FSBackend) ListObjects(ctx context.Context, container string) ([]ObjectInfo, error) {
	if err := validateName(container); err != nil {
		return nil, fmt.Errorf("invalid container name: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, err := os.Stat(b.containerMetaPath(container)); os.IsNotExist(err) {
		return nil, ErrContainerNotFound
	}

	metaDir := filepath.Join(b.containerPath(container), "meta")

	var infos []ObjectInfo
	err := filepath.Walk(metaDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if fi.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil // sidecar vanished mid-walk
		}
		var meta objectMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil // skip corrupt sidecars
		}
		infos = append(infos, meta.ObjectInfo)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk container %s: %w", container, err)
	}

	return infos, nil
}

// contextReader aborts a streaming copy when its context is canceled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func newContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

var _ Backend = (*FSBackend)(nil)
