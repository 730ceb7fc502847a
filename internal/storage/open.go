// Package storage persists the relay's named JSON documents.
//
// Each document is replaced as a whole. A crash mid-write leaves the
// previously committed content intact.
package storage

import (
	"context"
	"errors"
	"strings"

	logx "buildrelay/pkg/logx"
)

// Store is the durable document API used by the watch registry and name cache.
type Store interface {
	// ReadJSON returns the last committed bytes for name. ok is false if the
	// document has never been written.
	ReadJSON(ctx context.Context, name string) (data []byte, ok bool, err error)
	// WriteJSONAtomic replaces the document. Readers never observe a partial write.
	WriteJSONAtomic(ctx context.Context, name string, data []byte) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// docName trims name and rejects names that are empty or escape the store.
// Every driver keys documents by the result.
func docName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}
	return name, nil
}
