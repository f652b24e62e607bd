package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFSBackend(t *testing.T, opts ...FSOption) *FSBackend {
	t.Helper()
	t.Setenv("BLOBMIRROR_TEST", "1")

	b, err := NewFSBackend(t.TempDir(), opts...)
	require.NoError(t, err)
	return b
}

func putString(t *testing.T, b Backend, container, name, payload string) *ObjectInfo {
	t.Helper()
	info, err := b.PutObject(context.Background(), container, name, bytes.NewReader([]byte(payload)), ObjectInfo{
		Name:        name,
		ContentType: "text/plain",
	})
	require.NoError(t, err)
	return info
}

func getString(t *testing.T, b Backend, container, name string) string {
	t.Helper()
	obj, err := b.GetObject(context.Background(), container, name)
	require.NoError(t, err)
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	return string(data)
}

func TestFSContainerLifecycle(t *testing.T) {
	b := newTestFSBackend(t)
	ctx := context.Background()

	ok, err := b.ContainerExists(ctx, "docs")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.CreateContainer(ctx, "docs"))

	ok, err = b.ContainerExists(ctx, "docs")
	require.NoError(t, err)
	assert.True(t, ok)

	// Creating an existing container is a no-op.
	require.NoError(t, b.CreateContainer(ctx, "docs"))

	names, err := b.ListContainers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, names)
}

func TestFSPutGetRoundTrip(t *testing.T) {
	b := newTestFSBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateContainer(ctx, "docs"))
	written := putString(t, b, "docs", "a.txt", "hello filesystem")

	assert.Equal(t, int64(16), written.Size)
	assert.NotEmpty(t, written.ETag)
	assert.NotEmpty(t, written.VersionID)
	assert.False(t, written.LastModified.IsZero())

	assert.Equal(t, "hello filesystem", getString(t, b, "docs", "a.txt"))

	obj, err := b.GetObject(ctx, "docs", "a.txt")
	require.NoError(t, err)
	defer func() { _ = obj.Close() }()
	assert.Equal(t, written.ETag, obj.Info.ETag)
	assert.Equal(t, "text/plain", obj.Info.ContentType)
}

func TestFSPutReplacesExisting(t *testing.T) {
	b := newTestFSBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateContainer(ctx, "docs"))
	first := putString(t, b, "docs", "a.txt", "first")
	second := putString(t, b, "docs", "a.txt", "second version")

	assert.NotEqual(t, first.VersionID, second.VersionID)
	assert.Equal(t, "second version", getString(t, b, "docs", "a.txt"))
}

func TestFSPutMissingContainer(t *testing.T) {
	b := newTestFSBackend(t)

	_, err := b.PutObject(context.Background(), "nowhere", "a.txt", bytes.NewReader(nil), ObjectInfo{Name: "a.txt"})
	assert.ErrorIs(t, err, ErrContainerNotFound)
	assert.True(t, IsNotFound(err))
}

func TestFSGetAbsent(t *testing.T) {
	b := newTestFSBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateContainer(ctx, "docs"))

	_, err := b.GetObject(ctx, "docs", "missing.txt")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.True(t, IsNotFound(err))

	_, err = b.StatObject(ctx, "docs", "missing.txt")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = b.GetObject(ctx, "nowhere", "a.txt")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestFSRemoveObject(t *testing.T) {
	b := newTestFSBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateContainer(ctx, "docs"))
	putString(t, b, "docs", "a.txt", "content")

	require.NoError(t, b.RemoveObject(ctx, "docs", "a.txt"))

	ok, err := b.ObjectExists(ctx, "docs", "a.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing an absent object is a no-op.
	require.NoError(t, b.RemoveObject(ctx, "docs", "a.txt"))

	assert.ErrorIs(t, b.RemoveObject(ctx, "nowhere", "a.txt"), ErrContainerNotFound)
}

func TestFSListObjects(t *testing.T) {
	b := newTestFSBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateContainer(ctx, "docs"))
	putString(t, b, "docs", "a.txt", "a")
	putString(t, b, "docs", "nested/deep/b.txt", "bb")

	infos, err := b.ListObjects(ctx, "docs")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byName := make(map[string]ObjectInfo, len(infos))
	for _, info := range infos {
		byName[info.Name] = info
	}
	assert.Equal(t, int64(1), byName["a.txt"].Size)
	assert.Equal(t, int64(2), byName["nested/deep/b.txt"].Size)

	_, err = b.ListObjects(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}

func TestFSNestedNames(t *testing.T) {
	b := newTestFSBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateContainer(ctx, "docs"))
	putString(t, b, "docs", "photos/2024/cat.png", "png bytes")

	assert.Equal(t, "png bytes", getString(t, b, "docs", "photos/2024/cat.png"))

	require.NoError(t, b.RemoveObject(ctx, "docs", "photos/2024/cat.png"))
	ok, err := b.ObjectExists(ctx, "docs", "photos/2024/cat.png")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFSCompressionRoundTrip(t *testing.T) {
	b := newTestFSBackend(t, WithCompression())
	ctx := context.Background()

	require.NoError(t, b.CreateContainer(ctx, "docs"))

	payload := bytes.Repeat([]byte("compressible content "), 1024)
	info, err := b.PutObject(ctx, "docs", "big.txt", bytes.NewReader(payload), ObjectInfo{Name: "big.txt"})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size)

	assert.Equal(t, string(payload), getString(t, b, "docs", "big.txt"))

	// The on-disk payload really is zstd, and smaller than the original.
	onDisk, err := os.ReadFile(filepath.Join(b.DataDir(), "containers", "docs", "data", "big.txt"))
	require.NoError(t, err)
	assert.Less(t, len(onDisk), len(payload))

	dec, err := zstd.NewReader(bytes.NewReader(onDisk))
	require.NoError(t, err)
	defer dec.Close()
	decoded, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestFSETagStableAcrossCompression(t *testing.T) {
	plain := newTestFSBackend(t)
	compressed := newTestFSBackend(t, WithCompression())
	ctx := context.Background()

	require.NoError(t, plain.CreateContainer(ctx, "docs"))
	require.NoError(t, compressed.CreateContainer(ctx, "docs"))

	a := putString(t, plain, "docs", "a.txt", "identical payload")
	b := putString(t, compressed, "docs", "a.txt", "identical payload")

	// ETag hashes the logical payload, not the stored bytes.
	assert.Equal(t, a.ETag, b.ETag)
}

func TestFSPutCanceled(t *testing.T) {
	b := newTestFSBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateContainer(ctx, "docs"))

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := b.PutObject(canceled, "docs", "a.txt", bytes.NewReader([]byte("data")), ObjectInfo{Name: "a.txt"})
	assert.ErrorIs(t, err, context.Canceled)

	ok, err := b.ObjectExists(ctx, "docs", "a.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateName(t *testing.T) {
	valid := []string{
		"a.txt",
		"nested/path/obj.bin",
		"...dots",
		"with spaces.txt",
		"trailing.",
	}
	for _, name := range valid {
		assert.NoError(t, validateName(name), "expected %q to be valid", name)
	}

	invalid := []string{
		"",
		".",
		"..",
		"../escape",
		"nested/../escape",
		"nested\\..\\escape",
		"/absolute",
		"\\absolute",
		"./relative",
		"null\x00byte",
	}
	for _, name := range invalid {
		assert.Error(t, validateName(name), "expected %q to be rejected", name)
	}
}

func TestFSRejectsInvalidNames(t *testing.T) {
	b := newTestFSBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateContainer(ctx, "docs"))

	_, err := b.PutObject(ctx, "docs", "../escape", bytes.NewReader(nil), ObjectInfo{})
	assert.Error(t, err)

	_, err = b.GetObject(ctx, "..", "a.txt")
	assert.Error(t, err)

	assert.Error(t, b.CreateContainer(ctx, "bad/../container"))
}
