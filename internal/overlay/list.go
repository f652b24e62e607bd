package overlay

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/blobmirror/blobmirror/internal/storage"
)

// ListObjects merges the local and upstream listings of a container into
// the single overlay namespace: tombstones are stripped, the names they
// mask are hidden, and entries present in both stores are deduplicated
// with the local entry winning, since local is authoritative.
func (o *Overlay) ListObjects(ctx context.Context, container string) ([]storage.ObjectInfo, error) {
	start := time.Now()
	entries, err := o.listObjects(ctx, container)
	o.observe("list", start, err)
	return entries, err
}

func (o *Overlay) listObjects(ctx context.Context, container string) ([]storage.ObjectInfo, error) {
	ok, err := o.ensureContainer(ctx, container)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrContainerUnavailable
	}

	var localEntries, upstreamEntries []storage.ObjectInfo
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		localEntries, err = o.local.ListObjects(gctx, container)
		return err
	})
	g.Go(func() error {
		var err error
		upstreamEntries, err = o.upstream.ListObjects(gctx, container)
		if err != nil && storage.IsNotFound(err) {
			// Container exists only locally; nothing upstream to merge.
			upstreamEntries, err = nil, nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, classify("list", err)
	}

	merged, masked := o.mask.merge(localEntries, upstreamEntries)
	if o.metrics != nil {
		o.metrics.ListMergedEntries.Add(float64(len(merged)))
		o.metrics.ListMaskedEntries.Add(float64(masked))
	}
	return merged, nil
}

// merge reconciles the two listings and reports how many entries were
// hidden by tombstones. Result order is by name; callers needing another
// order sort downstream.
func (p tombstonePolicy) merge(localEntries, upstreamEntries []storage.ObjectInfo) ([]storage.ObjectInfo, int) {
	maskedNames := make(map[string]struct{})
	byName := make(map[string]storage.ObjectInfo, len(localEntries)+len(upstreamEntries))

	// Local first: tombstones feed the masked-name set and are dropped,
	// ordinary local entries take precedence over same-named upstream ones.
	for _, entry := range localEntries {
		if p.isTombstone(entry.Name) {
			maskedNames[p.originalName(entry.Name)] = struct{}{}
			continue
		}
		byName[entry.Name] = entry
	}
	for _, entry := range upstreamEntries {
		if _, ok := byName[entry.Name]; !ok {
			byName[entry.Name] = entry
		}
	}

	masked := 0
	merged := make([]storage.ObjectInfo, 0, len(byName))
	for name, entry := range byName {
		if _, ok := maskedNames[name]; ok {
			masked++
			log.Debug().Str("object", name).Msg("listing entry masked")
			continue
		}
		merged = append(merged, entry)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })

	return merged, masked
}

// ListContainers returns the union of local and upstream container names.
func (o *Overlay) ListContainers(ctx context.Context) ([]string, error) {
	start := time.Now()
	names, err := o.listContainers(ctx)
	o.observe("list_containers", start, err)
	return names, err
}

func (o *Overlay) listContainers(ctx context.Context) ([]string, error) {
	var localNames, upstreamNames []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		localNames, err = o.local.ListContainers(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		upstreamNames, err = o.upstream.ListContainers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, backendErr("list containers", err)
	}

	seen := make(map[string]struct{}, len(localNames)+len(upstreamNames))
	var names []string
	for _, name := range append(localNames, upstreamNames...) {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
