package relay

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"buildrelay/internal/catalog"
	"buildrelay/internal/retry"
	logx "buildrelay/pkg/logx"
)

func TestDetectClassifies(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		cursor    uint64
		cs        catalog.ChangeSet
		wantAfter uint64
		wantIDs   []catalog.PackageID
		bootstrap bool
	}{
		{
			name:      "first poll adopts cursor",
			cursor:    0,
			cs:        catalog.ChangeSet{CurrentCursor: 42},
			wantAfter: 42,
			bootstrap: true,
		},
		{
			name:      "nothing new but cursor moved",
			cursor:    40,
			cs:        catalog.ChangeSet{CurrentCursor: 42},
			wantAfter: 42,
			bootstrap: true,
		},
		{
			name:      "cursor unchanged",
			cursor:    42,
			cs:        catalog.ChangeSet{CurrentCursor: 42},
			wantAfter: 42,
		},
		{
			name:      "unchanged cursor ignores listed ids",
			cursor:    42,
			cs:        catalog.ChangeSet{CurrentCursor: 42, PackageIDs: []catalog.PackageID{1}},
			wantAfter: 42,
		},
		{
			name:      "changes deduplicated and ordered",
			cursor:    42,
			cs:        catalog.ChangeSet{CurrentCursor: 50, PackageIDs: []catalog.PackageID{730, 10, 730, 440}},
			wantAfter: 50,
			wantIDs:   []catalog.PackageID{10, 440, 730},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			feed := &fakeFeed{responses: []feedResponse{{cs: tc.cs}}}
			b, err := NewDetector(feed, fastRetry(), logx.Nop()).Detect(context.Background(), tc.cursor)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if b.CursorBefore != tc.cursor || b.CursorAfter != tc.wantAfter {
				t.Fatalf("cursor %d -> %d, want %d -> %d", b.CursorBefore, b.CursorAfter, tc.cursor, tc.wantAfter)
			}
			if len(b.ChangedIDs) != 0 || len(tc.wantIDs) != 0 {
				if !reflect.DeepEqual(b.ChangedIDs, tc.wantIDs) {
					t.Fatalf("ChangedIDs = %v, want %v", b.ChangedIDs, tc.wantIDs)
				}
			}
			if b.Bootstrap != tc.bootstrap {
				t.Fatalf("Bootstrap = %v, want %v", b.Bootstrap, tc.bootstrap)
			}
		})
	}
}

func TestDetectExhaustsAfterThreeAttempts(t *testing.T) {
	t.Parallel()
	feed := &fakeFeed{responses: []feedResponse{{err: errUpstream}}}
	b, err := NewDetector(feed, fastRetry(), logx.Nop()).Detect(context.Background(), 7)
	if !errors.Is(err, retry.ErrExhausted) || !errors.Is(err, errUpstream) {
		t.Fatalf("err = %v, want exhaustion wrapping the upstream error", err)
	}
	if feed.Calls() != 3 {
		t.Fatalf("calls = %d, want 3", feed.Calls())
	}
	if b.CursorAfter != 7 {
		t.Fatalf("cursor moved to %d on failure", b.CursorAfter)
	}
}

func TestDetectRetriesZeroCursor(t *testing.T) {
	t.Parallel()
	feed := &fakeFeed{responses: []feedResponse{
		{cs: catalog.ChangeSet{CurrentCursor: 0}},
		{cs: catalog.ChangeSet{CurrentCursor: 9, PackageIDs: []catalog.PackageID{3}}},
	}}
	b, err := NewDetector(feed, fastRetry(), logx.Nop()).Detect(context.Background(), 5)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if feed.Calls() != 2 || b.CursorAfter != 9 {
		t.Fatalf("calls = %d cursor = %d", feed.Calls(), b.CursorAfter)
	}
}
