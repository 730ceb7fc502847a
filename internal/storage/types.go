package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled    = errors.New("storage disabled")
	ErrClosed      = errors.New("storage closed")
	ErrInvalidName = errors.New("invalid document name")
)

// Config configures storage.
//
// Driver values:
//   - "file": one JSON file per document under Path (a directory)
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
