package overlay

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/blobmirror/blobmirror/internal/storage"
)

// ensureContainer reconciles container existence: a container that exists
// upstream but not locally is created locally before any local mutation
// proceeds. Returns false when neither store has the container. The local
// store treats creating an existing container as success, so two callers
// racing through the missing-container window are both fine.
func (o *Overlay) ensureContainer(ctx context.Context, container string) (bool, error) {
	ok, err := o.local.ContainerExists(ctx, container)
	if err != nil {
		return false, backendErr("container check", err)
	}
	if ok {
		return true, nil
	}

	ok, err = o.upstream.ContainerExists(ctx, container)
	if err != nil {
		return false, backendErr("container check", err)
	}
	if !ok {
		return false, nil
	}

	if err := o.local.CreateContainer(ctx, container); err != nil {
		return false, backendErr("create container", err)
	}
	log.Debug().Str("container", container).Msg("created local container from upstream")
	return true, nil
}

// PutObject writes an object to the local store, clearing any tombstone
// for the name first so a write always wins over a prior delete. Upstream
// is untouched.
func (o *Overlay) PutObject(ctx context.Context, container, name string, body io.Reader, info storage.ObjectInfo) (*storage.ObjectInfo, error) {
	start := time.Now()
	result, err := o.putObject(ctx, container, name, body, info)
	o.observe("put", start, err)
	return result, err
}

func (o *Overlay) putObject(ctx context.Context, container, name string, body io.Reader, info storage.ObjectInfo) (*storage.ObjectInfo, error) {
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
		if err := o.unmask(ctx, container, name); err != nil {
			return nil, err
		}
	}

	result, err := o.local.PutObject(ctx, container, name, body, info)
	if err != nil {
		return nil, backendErr("put", err)
	}
	return result, nil
}

// RemoveObject soft-deletes an object: a tombstone is written to the local
// store and any local copy is removed. Upstream copies are never deleted
// by this layer; the tombstone hides them from reads and listings.
func (o *Overlay) RemoveObject(ctx context.Context, container, name string) error {
	start := time.Now()
	err := o.removeObject(ctx, container, name)
	o.observe("delete", start, err)
	return err
}

func (o *Overlay) removeObject(ctx context.Context, container, name string) error {
	unlock := o.keys.lock(lockKey(container, name))
	defer unlock()

	ok, err := o.ensureContainer(ctx, container)
	if err != nil {
		return err
	}
	if !ok {
		return ErrContainerUnavailable
	}

	if err := o.maskObject(ctx, container, name); err != nil {
		return err
	}

	hasLocal, err := o.local.ObjectExists(ctx, container, name)
	if err != nil {
		return backendErr("object check", err)
	}
	if hasLocal {
		if err := o.local.RemoveObject(ctx, container, name); err != nil {
			return backendErr("delete", err)
		}
	}
	return nil
}

// RemoveObjects applies the single-delete algorithm independently per
// name. Deletes run on a bounded worker pool; one name failing does not
// block the rest, and the joined error reports every failure.
func (o *Overlay) RemoveObjects(ctx context.Context, container string, names []string) error {
	start := time.Now()

	p := pool.New().WithErrors().WithMaxGoroutines(o.deleteWorkers)
	for _, name := range names {
		name := name
		p.Go(func() error {
			return o.removeObject(ctx, container, name)
		})
	}
	err := p.Wait()

	o.observe("delete_batch", start, err)
	return err
}

// maskObject writes a tombstone for name. Re-masking an already-masked
// name is a no-op. A failed tombstone write aborts the enclosing delete:
// an unmasked name after a "successful" delete would violate the masking
// invariant.
func (o *Overlay) maskObject(ctx context.Context, container, name string) error {
	masked, err := o.isMasked(ctx, container, name)
	if err != nil {
		return err
	}
	if masked {
		log.Debug().Str("container", container).Str("object", name).Msg("object already masked")
		return nil
	}

	tombstone := o.mask.tombstoneName(name)
	if _, err := o.local.PutObject(ctx, container, tombstone, emptyReader{}, storage.ObjectInfo{Name: tombstone}); err != nil {
		return backendErr("mask", err)
	}

	if o.metrics != nil {
		o.metrics.TombstonesCreated.Inc()
	}
	log.Debug().Str("container", container).Str("object", name).Msg("object masked")
	return nil
}

// unmask removes the tombstone for name. A failed tombstone removal aborts
// the enclosing write for the same reason maskObject failures do.
func (o *Overlay) unmask(ctx context.Context, container, name string) error {
	if err := o.local.RemoveObject(ctx, container, o.mask.tombstoneName(name)); err != nil {
		return backendErr("unmask", err)
	}

	if o.metrics != nil {
		o.metrics.TombstonesCleared.Inc()
	}
	log.Debug().Str("container", container).Str("object", name).Msg("object unmasked")
	return nil
}

// ClearContainer removes every local entry in a container, tombstones
// included. Upstream is untouched.
func (o *Overlay) ClearContainer(ctx context.Context, container string) error {
	start := time.Now()
	err := o.clearContainer(ctx, container)
	o.observe("clear_container", start, err)
	return err
}

func (o *Overlay) clearContainer(ctx context.Context, container string) error {
	entries, err := o.local.ListObjects(ctx, container)
	if err != nil {
		return classify("clear container", err)
	}
	for _, entry := range entries {
		unlock := o.keys.lock(lockKey(container, o.mask.originalName(entry.Name)))
		err := o.local.RemoveObject(ctx, container, entry.Name)
		unlock()
		if err != nil {
			return backendErr("clear container", err)
		}
	}
	return nil
}

// emptyReader is the zero-length payload of a tombstone object.
type emptyReader struct{}

func (emptyReader) Read(p []byte) (int, error) { return 0, io.EOF }
