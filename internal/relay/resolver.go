package relay

import (
	"context"

	"buildrelay/internal/catalog"
	"buildrelay/internal/retry"
	logx "buildrelay/pkg/logx"
)

// NameSink receives display names seen in metadata responses.
type NameSink interface {
	SetName(id catalog.PackageID, name string) bool
}

// Resolver fetches authoritative build ids for candidate packages.
//
// It keeps its own attempt loop instead of retry.Executor.Do because partial
// progress carries over: ids answered by an earlier attempt are not requested again.
type Resolver struct {
	meta  catalog.Metadata
	retry *retry.Executor
	names NameSink
	log   logx.Logger
}

func NewResolver(meta catalog.Metadata, exec *retry.Executor, names NameSink, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{meta: meta, retry: exec, names: names, log: log}
}

// Resolve returns the build id of every package that could be resolved.
// Missing entries are normal: callers treat them as "version unknown".
func (r *Resolver) Resolve(ctx context.Context, ids []catalog.PackageID) map[catalog.PackageID]uint32 {
	out := map[catalog.PackageID]uint32{}
	pending := map[catalog.PackageID]struct{}{}
	for _, id := range ids {
		pending[id] = struct{}{}
	}

	attempts := r.retry.Attempts()
	for attempt := 1; attempt <= attempts && len(pending) > 0; attempt++ {
		if attempt > 1 {
			if err := r.retry.Wait(ctx); err != nil {
				break
			}
		}

		req := make([]catalog.PackageID, 0, len(pending))
		for id := range pending {
			req = append(req, id)
		}
		catalog.SortIDs(req)

		trees, err := r.meta.BatchMetadata(ctx, req)
		if err != nil {
			r.log.Debug("metadata request failed",
				logx.Int("attempt", attempt),
				logx.Int("pending", len(pending)),
				logx.Err(err),
			)
			continue
		}

		for id, tree := range trees {
			if _, asked := pending[id]; !asked {
				continue
			}
			// Answered, even if the build id turns out unusable.
			delete(pending, id)
			if r.names != nil {
				if name, ok := catalog.DisplayName(tree); ok {
					r.names.SetName(id, name)
				}
			}
			v, ok := catalog.BuildID(tree)
			if !ok {
				r.log.Debug("no usable build id", logx.Uint32("package", uint32(id)))
				continue
			}
			out[id] = v
		}
	}

	if len(pending) > 0 {
		r.log.Info("versions partially resolved",
			logx.Int("requested", len(ids)),
			logx.Int("resolved", len(out)),
			logx.Int("unanswered", len(pending)),
		)
	}
	return out
}
