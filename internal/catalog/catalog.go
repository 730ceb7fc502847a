// Package catalog describes the upstream catalog capabilities the relay consumes.
//
// Transport and session handling live in implementations such as httpcatalog;
// the relay only sees these interfaces.
package catalog

import (
	"context"
	"sort"
)

// PackageID identifies a catalog entry. It is stable for the catalog's lifetime.
type PackageID uint32

// ChangeSet is one response from the upstream change feed.
type ChangeSet struct {
	// CurrentCursor is the upstream's most recent change number.
	CurrentCursor uint64
	// PackageIDs lists packages changed since the requested cursor.
	PackageIDs []PackageID
}

// ChangeFeed returns the packages changed since a cursor.
type ChangeFeed interface {
	ChangesSince(ctx context.Context, cursor uint64) (ChangeSet, error)
}

// Metadata fetches authoritative attribute trees for a batch of packages.
// Packages the upstream does not know are absent from the result.
type Metadata interface {
	BatchMetadata(ctx context.Context, ids []PackageID) (map[PackageID]*Node, error)
}

// SortIDs sorts ids ascending in place and returns them.
func SortIDs(ids []PackageID) []PackageID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// UniqueIDs returns the distinct ids in ascending order.
func UniqueIDs(ids []PackageID) []PackageID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[PackageID]struct{}, len(ids))
	out := make([]PackageID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return SortIDs(out)
}
