package relay

import (
	"context"
	"errors"

	"buildrelay/internal/catalog"
	"buildrelay/internal/retry"
	"buildrelay/internal/watch"
	logx "buildrelay/pkg/logx"
)

// NameRefresher backfills what the relay knows about watched packages: display
// names the cache has never seen and starting build ids for fresh subscriptions.
type NameRefresher struct {
	registry *watch.Registry
	names    *watch.NameCache
	meta     catalog.Metadata
	retry    *retry.Executor
	log      logx.Logger
}

func NewNameRefresher(reg *watch.Registry, names *watch.NameCache, meta catalog.Metadata, exec *retry.Executor, log logx.Logger) *NameRefresher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NameRefresher{registry: reg, names: names, meta: meta, retry: exec, log: log}
}

// Refresh requests metadata for watched packages missing a name or a version
// and returns how many packages learned something.
func (r *NameRefresher) Refresh(ctx context.Context) (int, error) {
	pending := catalog.UniqueIDs(append(r.names.Missing(r.registry.Watched()), r.registry.Unversioned()...))
	return r.Seed(ctx, pending)
}

// Seed fetches metadata for ids and records their display names and, for
// packages without a version yet, their current build id.
func (r *NameRefresher) Seed(ctx context.Context, ids []catalog.PackageID) (int, error) {
	ids = r.registry.Filter(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	trees, err := retry.Call(ctx, r.retry, "names", func(ctx context.Context) (map[catalog.PackageID]*catalog.Node, error) {
		return r.meta.BatchMetadata(ctx, ids)
	})
	if err != nil {
		return 0, err
	}
	learned, seeded := 0, 0
	for _, id := range ids {
		t := trees[id]
		got := false
		if name, ok := catalog.DisplayName(t); ok && r.names.SetName(id, name) {
			got = true
		}
		if build, ok := catalog.BuildID(t); ok && r.registry.SeedVersion(id, build) {
			seeded++
			got = true
		}
		if got {
			learned++
		}
	}
	if learned > 0 {
		r.log.Info("package info refreshed",
			logx.Int("learned", learned),
			logx.Int("seeded", seeded),
			logx.Int("requested", len(ids)),
		)
	}
	err = r.names.Save(ctx)
	if seeded > 0 {
		if serr := r.registry.Save(ctx); serr != nil && !errors.Is(serr, watch.ErrNoStore) {
			err = errors.Join(err, serr)
		}
	}
	return learned, err
}
