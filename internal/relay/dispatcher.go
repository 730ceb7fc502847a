package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"buildrelay/internal/catalog"
	"buildrelay/internal/retry"
	"buildrelay/internal/watch"
	logx "buildrelay/pkg/logx"
)

// Sender delivers text to one destination.
type Sender interface {
	Send(ctx context.Context, destination uint64, text string) error
}

// NameLookup resolves display names for message text. Misses return a placeholder.
type NameLookup interface {
	Display(id catalog.PackageID) string
}

// Task is one announcement of a package advancing for one destination.
type Task struct {
	Destination watch.DestinationID
	Package     catalog.PackageID
	DisplayName string
	OldVersion  uint32
	NewVersion  uint32
}

// Report summarizes one dispatch pass.
type Report struct {
	Tasks    []Task
	Messages int
	Failed   int
}

// Dispatcher diffs resolved versions against the registry and fans out announcements.
type Dispatcher struct {
	registry *watch.Registry
	names    NameLookup
	sender   Sender
	retry    *retry.Executor
	log      logx.Logger
}

func NewDispatcher(reg *watch.Registry, names NameLookup, sender Sender, exec *retry.Executor, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{registry: reg, names: names, sender: sender, retry: exec, log: log}
}

// RunPass announces every genuine advance among changed, delivers one message per
// destination, and then persists the registry once. Delivery failures are logged
// and never undo a version update. Only a persistence failure is returned.
func (d *Dispatcher) RunPass(ctx context.Context, changed []catalog.PackageID, resolved map[catalog.PackageID]uint32) (Report, error) {
	var rep Report
	byDest := map[watch.DestinationID][]Task{}

	for _, id := range catalog.UniqueIDs(changed) {
		newV, ok := resolved[id]
		if !ok {
			continue
		}
		e, ok := d.registry.Lookup(id)
		if !ok {
			// Unsubscribed while the pass was running.
			continue
		}
		if newV <= e.CachedVersion {
			continue
		}
		name := d.display(id)
		for _, dest := range e.Destinations {
			t := Task{Destination: dest, Package: id, DisplayName: name, OldVersion: e.CachedVersion, NewVersion: newV}
			byDest[dest] = append(byDest[dest], t)
			rep.Tasks = append(rep.Tasks, t)
		}
		d.registry.UpdateVersion(id, newV)
	}

	dests := make([]watch.DestinationID, 0, len(byDest))
	for dest := range byDest {
		dests = append(dests, dest)
	}
	sort.Slice(dests, func(i, j int) bool { return dests[i] < dests[j] })

	for _, dest := range dests {
		tasks := byDest[dest]
		rep.Messages++
		if err := d.deliver(ctx, dest, FormatUpdates(tasks)); err != nil {
			rep.Failed++
			d.log.Warn("delivery failed",
				logx.Uint64("destination", uint64(dest)),
				logx.Int("updates", len(tasks)),
				logx.Err(err),
			)
		}
	}

	// A registry without a store is memory-only and has nothing to commit.
	if err := d.registry.Save(ctx); err != nil && !errors.Is(err, watch.ErrNoStore) {
		return rep, fmt.Errorf("commit pass: %w", err)
	}
	return rep, nil
}

func (d *Dispatcher) deliver(ctx context.Context, dest watch.DestinationID, text string) error {
	if d.sender == nil {
		return fmt.Errorf("destination %d: no sender configured", dest)
	}
	return d.retry.Do(ctx, "deliver", func(ctx context.Context) error {
		return d.sender.Send(ctx, uint64(dest), text)
	})
}

func (d *Dispatcher) display(id catalog.PackageID) string {
	if d.names == nil {
		return fmt.Sprintf("App %d", id)
	}
	return d.names.Display(id)
}
