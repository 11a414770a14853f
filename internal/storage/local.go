package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// tmpDirName is the directory under the root that receives in-progress writes.
const tmpDirName = ".tmp"

// LocalBackend implements Backend on the local filesystem.
type LocalBackend struct {
	// RootDir is the base directory of the shard tree.
	RootDir string
}

// NewLocalBackend creates a LocalBackend rooted at the given directory,
// creating the root and its temp directory if needed.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root %q: %w", rootDir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", abs, err)
	}
	tmpDir := filepath.Join(abs, tmpDirName)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalBackend{RootDir: abs}, nil
}

// CleanTempFiles removes leftovers of writes interrupted by a crash. It runs
// on every startup.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, tmpDirName)
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// Root returns the storage root.
func (b *LocalBackend) Root() string {
	return b.RootDir
}

// Path resolves a relative shard path against the root.
func (b *LocalBackend) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(b.RootDir, rel)
}

// TempDir returns the directory that holds in-progress writes. It is
// emptied by CleanTempFiles.
func (b *LocalBackend) TempDir() string {
	return filepath.Join(b.RootDir, tmpDirName)
}

// tempPath returns a unique temporary file path in the temp directory.
func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, tmpDirName, "tmp-"+uuid.NewString())
}

// Write stores the object with the crash-only pattern: write to a temp
// file, fsync, rename over the final path.
func (b *LocalBackend) Write(ctx context.Context, rel string, reader io.Reader) (int64, error) {
	return writeAtomic(b.Path(rel), b.tempPath(), reader)
}

func writeAtomic(finalPath, tmpPath string, reader io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating parent directories for %q: %w", finalPath, err)
	}

	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	bytesWritten, err := io.Copy(tmpFile, reader)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("writing object data: %w", err)
	}

	// Fsync before rename to guarantee durability.
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return bytesWritten, nil
}

// Open opens a stored file.
func (b *LocalBackend) Open(path string) (io.ReadCloser, int64, error) {
	file, err := os.Open(b.Path(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("stored file not found: %s: %w", path, os.ErrNotExist)
		}
		return nil, 0, fmt.Errorf("opening stored file %q: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat stored file %q: %w", path, err)
	}
	return file, info.Size(), nil
}

// Remove deletes a stored file. Idempotent. Empty shard directories are left
// for shard.ReclaimEmpty.
func (b *LocalBackend) Remove(path string) error {
	err := os.Remove(b.Path(path))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stored file %q: %w", path, err)
	}
	return nil
}

// HealthCheck verifies that the storage root is accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}
