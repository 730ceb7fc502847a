package relay

import (
	"context"
	"testing"

	"buildrelay/internal/catalog"
	"buildrelay/internal/watch"
	logx "buildrelay/pkg/logx"
)

func TestResolvePartialResultIsNotAnError(t *testing.T) {
	t.Parallel()
	meta := &fakeMeta{trees: map[catalog.PackageID]*catalog.Node{
		1: tree(1, "101", ""),
		2: tree(2, "202", ""),
		3: tree(3, "303", ""),
	}}
	got := NewResolver(meta, fastRetry(), nil, logx.Nop()).Resolve(context.Background(), []catalog.PackageID{1, 2, 3, 4, 5})
	if len(got) != 3 || got[1] != 101 || got[2] != 202 || got[3] != 303 {
		t.Fatalf("Resolve = %v", got)
	}
	reqs := meta.Requests()
	if len(reqs) != 3 {
		t.Fatalf("requests = %d, want 3", len(reqs))
	}
	// Later attempts only ask for what is still pending.
	if len(reqs[1]) != 2 || reqs[1][0] != 4 || reqs[1][1] != 5 {
		t.Fatalf("second request = %v, want [4 5]", reqs[1])
	}
}

func TestResolveUnparsableVersionIsNotRetried(t *testing.T) {
	t.Parallel()
	meta := &fakeMeta{trees: map[catalog.PackageID]*catalog.Node{
		1: tree(1, "not-a-number", ""),
		2: tree(2, "", ""),
	}}
	got := NewResolver(meta, fastRetry(), nil, logx.Nop()).Resolve(context.Background(), []catalog.PackageID{1, 2})
	if len(got) != 0 {
		t.Fatalf("Resolve = %v, want empty", got)
	}
	if n := len(meta.Requests()); n != 1 {
		t.Fatalf("requests = %d, want 1", n)
	}
}

func TestResolveRetriesTransportFailure(t *testing.T) {
	t.Parallel()
	meta := &fakeMeta{failFirst: 2, trees: map[catalog.PackageID]*catalog.Node{7: tree(7, "70", "")}}
	got := NewResolver(meta, fastRetry(), nil, logx.Nop()).Resolve(context.Background(), []catalog.PackageID{7})
	if got[7] != 70 {
		t.Fatalf("Resolve = %v", got)
	}
	reqs := meta.Requests()
	if len(reqs) != 3 {
		t.Fatalf("requests = %d, want 3", len(reqs))
	}
	for _, r := range reqs {
		if len(r) != 1 || r[0] != 7 {
			t.Fatalf("failed attempts must not shrink pending: %v", reqs)
		}
	}
}

func TestResolveAlwaysFailingGivesUpAfterThree(t *testing.T) {
	t.Parallel()
	meta := &fakeMeta{failFirst: 100}
	got := NewResolver(meta, fastRetry(), nil, logx.Nop()).Resolve(context.Background(), []catalog.PackageID{1})
	if len(got) != 0 {
		t.Fatalf("Resolve = %v", got)
	}
	if n := len(meta.Requests()); n != 3 {
		t.Fatalf("requests = %d, want 3", n)
	}
}

func TestResolveRecordsNames(t *testing.T) {
	t.Parallel()
	names := watch.NewNameCache(nil, "")
	meta := &fakeMeta{trees: map[catalog.PackageID]*catalog.Node{440: tree(440, "12", "Team Fortress 2")}}
	NewResolver(meta, fastRetry(), names, logx.Nop()).Resolve(context.Background(), []catalog.PackageID{440})
	if n, ok := names.Get(440); !ok || n != "Team Fortress 2" {
		t.Fatalf("name = %q ok=%v", n, ok)
	}
}
