// Package storage holds the bytes of buffered objects on the local
// filesystem, and the quarantine sink for objects that could not be stored.
package storage

import (
	"context"
	"io"
)

// Backend stores object bytes under paths relative to a root directory.
// All methods must be safe for concurrent use.
type Backend interface {
	// Write stores the data from the reader at rel, replacing any existing
	// file atomically. It returns the number of bytes written.
	Write(ctx context.Context, rel string, reader io.Reader) (int64, error)

	// Open opens a stored file for reading. The caller closes the returned
	// ReadCloser. Returns the file size.
	Open(path string) (io.ReadCloser, int64, error)

	// Remove deletes a stored file. Removing a missing file is not an error.
	Remove(path string) error

	// Path resolves a relative path to the absolute location of the file.
	Path(rel string) string

	// Root returns the directory holding the shard tree.
	Root() string

	// HealthCheck verifies that the backend is operational.
	HealthCheck(ctx context.Context) error
}
