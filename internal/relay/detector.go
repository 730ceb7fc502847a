package relay

import (
	"context"
	"errors"

	"buildrelay/internal/catalog"
	"buildrelay/internal/retry"
	logx "buildrelay/pkg/logx"
)

// ErrZeroCursor is returned when the upstream reports change number 0, which is never a real position.
var ErrZeroCursor = errors.New("change feed returned cursor 0")

// ChangeBatch is the outcome of one change-feed query.
type ChangeBatch struct {
	CursorBefore uint64
	CursorAfter  uint64
	// ChangedIDs is deduplicated and ascending. It is not filtered against subscriptions.
	ChangedIDs []catalog.PackageID
	// Bootstrap is set when the feed reported nothing and the cursor was simply adopted.
	Bootstrap bool
}

// Detector queries the change feed and advances the cursor.
type Detector struct {
	feed  catalog.ChangeFeed
	retry *retry.Executor
	log   logx.Logger
}

func NewDetector(feed catalog.ChangeFeed, exec *retry.Executor, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{feed: feed, retry: exec, log: log}
}

// Detect returns the packages changed since cursor. An empty result is not an error.
// Exhausted retries surface as an error wrapping retry.ErrExhausted.
func (d *Detector) Detect(ctx context.Context, cursor uint64) (ChangeBatch, error) {
	cs, err := retry.Call(ctx, d.retry, "changes", func(ctx context.Context) (catalog.ChangeSet, error) {
		cs, err := d.feed.ChangesSince(ctx, cursor)
		if err != nil {
			return catalog.ChangeSet{}, err
		}
		if cs.CurrentCursor == 0 {
			return catalog.ChangeSet{}, ErrZeroCursor
		}
		return cs, nil
	})
	if err != nil {
		return ChangeBatch{CursorBefore: cursor, CursorAfter: cursor}, err
	}
	return classify(cursor, cs), nil
}

func classify(cursor uint64, cs catalog.ChangeSet) ChangeBatch {
	b := ChangeBatch{CursorBefore: cursor, CursorAfter: cs.CurrentCursor}
	switch {
	case len(cs.PackageIDs) == 0:
		// First-ever poll and "nothing new" look the same upstream; both adopt the cursor.
		b.Bootstrap = cursor == 0 || cs.CurrentCursor != cursor
	case cs.CurrentCursor == cursor:
		// The feed has not moved, so anything it lists was handled already.
	default:
		b.ChangedIDs = catalog.UniqueIDs(cs.PackageIDs)
	}
	return b
}
