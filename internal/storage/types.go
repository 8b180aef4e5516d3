package storage

import (
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get for absent keys. It is distinct from I/O errors.
var ErrKeyNotFound = errors.New("key not found")

var ErrClosed = errors.New("store closed")

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite", "badger".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// KV is one entry returned by Scan.
type KV struct {
	Key   string
	Value []byte
}
