// Package shard places stored objects in a fixed-depth directory tree derived
// from a monotonic counter, and prunes the tree once objects are deleted.
//
// Counter value 0x0A0B0C0D becomes the relative path "0A/0B/0C/0D.dcm": three
// directory levels of at most 256 entries each and 256 files per leaf.
package shard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// ErrCounterExhausted is returned once every 32-bit counter value was used.
var ErrCounterExhausted = errors.New("shard counter exhausted")

// Sequence hands out durable counter values. The first call on a fresh
// index returns 1 and every later call returns a strictly larger value, also
// across restarts.
type Sequence interface {
	NextSequence(ctx context.Context) (uint64, error)
}

// Allocator converts counter values into shard paths.
type Allocator struct {
	seq Sequence
	ext string
}

// NewAllocator returns an Allocator drawing counter values from seq. The
// extension is appended to every file name; a missing leading dot is added.
func NewAllocator(seq Sequence, ext string) *Allocator {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Allocator{seq: seq, ext: ext}
}

// Allocate returns the next unused relative path.
func (a *Allocator) Allocate(ctx context.Context) (string, error) {
	next, err := a.seq.NextSequence(ctx)
	if err != nil {
		return "", fmt.Errorf("advancing shard counter: %w", err)
	}
	if next == 0 || next-1 > math.MaxUint32 {
		return "", ErrCounterExhausted
	}
	return Path(uint32(next-1), a.ext), nil
}

// Path formats a counter value as a relative shard path.
func Path(n uint32, ext string) string {
	return filepath.Join(
		fmt.Sprintf("%02X", byte(n>>24)),
		fmt.Sprintf("%02X", byte(n>>16)),
		fmt.Sprintf("%02X", byte(n>>8)),
		fmt.Sprintf("%02X%s", byte(n), ext),
	)
}

// ReclaimEmpty walks root depth-first and removes every directory left
// empty, returning how many were removed. The root itself and directories
// whose name starts with a dot are kept. A directory that gains an entry
// while the walk runs simply fails to be removed and is skipped.
func ReclaimEmpty(root string) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading shard root %q: %w", root, err)
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		removed += reclaimDir(filepath.Join(root, entry.Name()))
	}
	return removed, nil
}

func reclaimDir(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			removed += reclaimDir(filepath.Join(dir, entry.Name()))
		}
	}
	// os.Remove refuses non-empty directories.
	if err := os.Remove(dir); err == nil {
		removed++
	}
	return removed
}
