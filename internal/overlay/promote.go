package overlay

import (
	"context"

	"github.com/rs/zerolog/log"
)

// ensureLocal guarantees an object is present in the local store, copying
// it from upstream on first access. Returns false when neither store holds
// the object. The caller must hold the key lock, so at most one promotion
// runs per (container, object) at a time while unrelated keys proceed.
//
// The copy streams from the upstream reader into the local store and
// honors context cancellation, so a large promotion can be abandoned
// without buffering the payload in memory.
func (o *Overlay) ensureLocal(ctx context.Context, container, name string) (bool, error) {
	hasLocal, err := o.local.ObjectExists(ctx, container, name)
	if err != nil {
		return false, backendErr("object check", err)
	}
	if hasLocal {
		log.Debug().Str("container", container).Str("object", name).Msg("object locally available")
		return true, nil
	}

	hasUpstream, err := o.upstream.ObjectExists(ctx, container, name)
	if err != nil {
		return false, backendErr("object check", err)
	}
	if !hasUpstream {
		log.Debug().Str("container", container).Str("object", name).Msg("object absent from both stores")
		return false, nil
	}

	obj, err := o.upstream.GetObject(ctx, container, name)
	if err != nil {
		return false, classify("promote", err)
	}
	defer func() { _ = obj.Close() }()

	info, err := o.local.PutObject(ctx, container, name, obj.Body, obj.Info)
	if err != nil {
		return false, backendErr("promote", err)
	}

	if o.metrics != nil {
		o.metrics.PromotionsTotal.Inc()
		o.metrics.PromotionBytes.Add(float64(info.Size))
	}
	log.Debug().
		Str("container", container).
		Str("object", name).
		Int64("size", info.Size).
		Msg("promoted object from upstream")

	return true, nil
}
