package storage

import (
	"errors"
	"io"
	"io/fs"
)

// ErrNamesExhausted is returned by CreateAutoRenamed when the bare name and
// every numbered variant up to the configured bound are taken.
var ErrNamesExhausted = errors.New("storage: all auto-renamed variants are taken")

// Store is a writable byte-addressable handle. Close is idempotent.
type Store interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Truncate(size int64) error
	Size() (int64, error)
	Name() string
}

// Directory is a name-based view over a storage tree.
type Directory interface {
	// Open opens name for read-write, creating it (and parent directories) if missing.
	Open(name string) (Store, error)
	// CreateAutoRenamed creates "base.ext", or the first free "base (n).ext",
	// and returns the created name.
	CreateAutoRenamed(base, ext string) (string, error)
	// FindFile looks up name case-insensitively; fs.ErrNotExist when absent.
	FindFile(name string) (fs.FileInfo, error)
	// Stat looks up name exactly; fs.ErrNotExist when absent.
	Stat(name string) (fs.FileInfo, error)
	Delete(name string) error
	Rename(from, to string) error
}
