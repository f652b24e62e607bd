// Package overlay composes two backing object stores, a fast local store
// and a slower upstream store, into a single logical store. Reads are
// served locally when possible, writes land locally first, and deletes are
// honored through local tombstones even though upstream copies are never
// removed.
package overlay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/blobmirror/blobmirror/internal/storage"
)

// defaultDeleteWorkers bounds the worker pool used by batch delete.
const defaultDeleteWorkers = 8

// Overlay is the facade over the two backing stores. It implements
// storage.Backend, so callers cannot distinguish it from a single store.
type Overlay struct {
	local         storage.Backend
	upstream      storage.Backend
	mask          tombstonePolicy
	keys          *keyLock
	metrics       *Metrics
	deleteWorkers int
}

// Option configures an Overlay.
type Option func(*Overlay)

// WithMetrics attaches Prometheus metrics to the overlay.
func WithMetrics(m *Metrics) Option {
	return func(o *Overlay) {
		o.metrics = m
	}
}

// WithDeleteConcurrency sets the worker count for batch deletes.
func WithDeleteConcurrency(n int) Option {
	return func(o *Overlay) {
		if n > 0 {
			o.deleteWorkers = n
		}
	}
}

// New creates an overlay over a local and an upstream store. maskSuffix
// names the tombstone marker objects and must be non-empty; pick a string
// unlikely to collide with legitimate name endings in the workload.
func New(local, upstream storage.Backend, maskSuffix string, opts ...Option) (*Overlay, error) {
	if local == nil || upstream == nil {
		return nil, fmt.Errorf("overlay requires both a local and an upstream store")
	}
	if maskSuffix == "" {
		return nil, fmt.Errorf("mask suffix must not be empty")
	}

	o := &Overlay{
		local:         local,
		upstream:      upstream,
		mask:          tombstonePolicy{suffix: maskSuffix},
		keys:          newKeyLock(),
		deleteWorkers: defaultDeleteWorkers,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Local returns the local backing store. Tests and tooling use it to
// observe promotion and tombstone state directly.
func (o *Overlay) Local() storage.Backend {
	return o.local
}

// Upstream returns the upstream backing store.
func (o *Overlay) Upstream() storage.Backend {
	return o.upstream
}

// MaskSuffix returns the configured tombstone suffix.
func (o *Overlay) MaskSuffix() string {
	return o.mask.suffix
}

func lockKey(container, name string) string {
	return container + "\x00" + name
}

// observe records operation metrics when metrics are attached.
func (o *Overlay) observe(op string, start time.Time, err error) {
	if o.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case err == nil:
	case IsNotFound(err):
		status = "not_found"
	default:
		status = "error"
	}
	o.metrics.OperationsTotal.WithLabelValues(op, status).Inc()
	o.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// classify maps backing-store errors into the overlay taxonomy: not-found
// stays a first-class not-found result, anything else is a backend failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if storage.IsNotFound(err) {
		return ErrNotFound
	}
	return backendErr(op, err)
}

// isMasked reports whether a tombstone exists for name. A tombstone can
// only live in the local store, so a missing local container means the
// name is not masked.
func (o *Overlay) isMasked(ctx context.Context, container, name string) (bool, error) {
	ok, err := o.local.ContainerExists(ctx, container)
	if err != nil {
		return false, backendErr("container check", err)
	}
	if !ok {
		return false, nil
	}
	masked, err := o.local.ObjectExists(ctx, container, o.mask.tombstoneName(name))
	if err != nil {
		return false, backendErr("tombstone check", err)
	}
	return masked, nil
}

// ContainerExists reports whether the container exists in the overlay
// view, creating the local container when only upstream has it.
func (o *Overlay) ContainerExists(ctx context.Context, container string) (bool, error) {
	start := time.Now()
	ok, err := o.ensureContainer(ctx, container)
	o.observe("container_exists", start, err)
	return ok, err
}

// CreateContainer creates the container in the local store only.
func (o *Overlay) CreateContainer(ctx context.Context, container string) error {
	start := time.Now()
	err := o.local.CreateContainer(ctx, container)
	if err != nil {
		err = backendErr("create container", err)
	}
	o.observe("create_container", start, err)
	return err
}

// ObjectExists reports whether an object is visible in the overlay view:
// false when masked, true when either store holds it.
func (o *Overlay) ObjectExists(ctx context.Context, container, name string) (bool, error) {
	start := time.Now()
	ok, err := o.objectExists(ctx, container, name)
	o.observe("object_exists", start, err)
	return ok, err
}

func (o *Overlay) objectExists(ctx context.Context, container, name string) (bool, error) {
	unlock := o.keys.lock(lockKey(container, name))
	defer unlock()

	masked, err := o.isMasked(ctx, container, name)
	if err != nil {
		return false, err
	}
	if masked {
		return false, nil
	}

	localOK, err := o.local.ContainerExists(ctx, container)
	if err != nil {
		return false, backendErr("container check", err)
	}
	if localOK {
		ok, err := o.local.ObjectExists(ctx, container, name)
		if err != nil {
			return false, backendErr("object check", err)
		}
		if ok {
			return true, nil
		}
	}

	ok, err := o.upstream.ObjectExists(ctx, container, name)
	if err != nil {
		return false, backendErr("object check", err)
	}
	return ok, nil
}

// GetObject returns an object from the overlay view. Masked objects are a
// first-class not-found result; upstream-only objects are promoted to the
// local store and then served from it.
func (o *Overlay) GetObject(ctx context.Context, container, name string) (*storage.Object, error) {
	start := time.Now()
	obj, err := o.getObject(ctx, container, name)
	o.observe("get", start, err)
	return obj, err
}

func (o *Overlay) getObject(ctx context.Context, container, name string) (*storage.Object, error) {
	unlock := o.keys.lock(lockKey(container, name))
	defer unlock()

	ok, err := o.ensureContainer(ctx, container)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrContainerUnavailable
	}

	masked, err := o.isMasked(ctx, container, name)
	if err != nil {
		return nil, err
	}
	if masked {
		if o.metrics != nil {
			o.metrics.MaskedReadsTotal.Inc()
		}
		log.Debug().Str("container", container).Str("object", name).Msg("read masked by tombstone")
		return nil, ErrNotFound
	}

	ok, err = o.ensureLocal(ctx, container, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	obj, err := o.local.GetObject(ctx, container, name)
	if err != nil {
		return nil, classify("get", err)
	}
	return obj, nil
}

// StatObject returns object metadata, preferring the local copy and
// falling back to upstream without promoting.
func (o *Overlay) StatObject(ctx context.Context, container, name string) (*storage.ObjectInfo, error) {
	start := time.Now()
	info, err := o.statObject(ctx, container, name)
	o.observe("stat", start, err)
	return info, err
}

func (o *Overlay) statObject(ctx context.Context, container, name string) (*storage.ObjectInfo, error) {
	unlock := o.keys.lock(lockKey(container, name))
	defer unlock()

	masked, err := o.isMasked(ctx, container, name)
	if err != nil {
		return nil, err
	}
	if masked {
		if o.metrics != nil {
			o.metrics.MaskedReadsTotal.Inc()
		}
		return nil, ErrNotFound
	}

	localOK, err := o.local.ContainerExists(ctx, container)
	if err != nil {
		return nil, backendErr("container check", err)
	}
	if localOK {
		hasLocal, err := o.local.ObjectExists(ctx, container, name)
		if err != nil {
			return nil, backendErr("object check", err)
		}
		if hasLocal {
			info, err := o.local.StatObject(ctx, container, name)
			return info, classify("stat", err)
		}
	}

	hasUpstream, err := o.upstream.ObjectExists(ctx, container, name)
	if err != nil {
		return nil, backendErr("object check", err)
	}
	if !hasUpstream {
		return nil, ErrNotFound
	}
	info, err := o.upstream.StatObject(ctx, container, name)
	return info, classify("stat", err)
}

// DeleteContainer is not supported by this layer.
func (o *Overlay) DeleteContainer(ctx context.Context, container string) error {
	return fmt.Errorf("delete container: %w", ErrNotImplemented)
}

// CopyObject is not supported by this layer.
func (o *Overlay) CopyObject(ctx context.Context, srcContainer, srcName, dstContainer, dstName string) error {
	return fmt.Errorf("copy object: %w", ErrNotImplemented)
}

// ObjectACL is not supported by this layer.
func (o *Overlay) ObjectACL(ctx context.Context, container, name string) (string, error) {
	return "", fmt.Errorf("get object acl: %w", ErrNotImplemented)
}

// SetObjectACL is not supported by this layer.
func (o *Overlay) SetObjectACL(ctx context.Context, container, name, acl string) error {
	return fmt.Errorf("set object acl: %w", ErrNotImplemented)
}

var _ storage.Backend = (*Overlay)(nil)
