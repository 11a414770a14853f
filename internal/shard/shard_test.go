package shard

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// counter is an in-memory Sequence.
type counter struct {
	next uint64
	err  error
}

func (c *counter) NextSequence(ctx context.Context) (uint64, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.next++
	return c.next, nil
}

func TestPath(t *testing.T) {
	tests := []struct {
		n    uint32
		ext  string
		want string
	}{
		{0, ".dcm", "00/00/00/00.dcm"},
		{1, ".dcm", "00/00/00/01.dcm"},
		{255, ".dcm", "00/00/00/FF.dcm"},
		{256, ".dcm", "00/00/01/00.dcm"},
		{0x0A0B0C0D, ".dcm", "0A/0B/0C/0D.dcm"},
		{math.MaxUint32, "", "FF/FF/FF/FF"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := Path(tt.n, tt.ext)
			if got != filepath.FromSlash(tt.want) {
				t.Errorf("Path(%d) = %q, want %q", tt.n, got, tt.want)
			}
		})
	}
}

func TestAllocateUnique(t *testing.T) {
	a := NewAllocator(&counter{}, "dcm")
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		p, err := a.Allocate(ctx)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("Allocate returned %q twice", p)
		}
		seen[p] = true
	}
	first := Path(0, ".dcm")
	if !seen[first] {
		t.Errorf("first allocation %q missing", first)
	}
}

func TestAllocateExhausted(t *testing.T) {
	a := NewAllocator(&counter{next: math.MaxUint32 + 1}, ".dcm")
	if _, err := a.Allocate(context.Background()); !errors.Is(err, ErrCounterExhausted) {
		t.Errorf("Allocate past 2^32 = %v, want ErrCounterExhausted", err)
	}
}

func TestAllocateSequenceError(t *testing.T) {
	boom := errors.New("disk full")
	a := NewAllocator(&counter{err: boom}, ".dcm")
	if _, err := a.Allocate(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Allocate = %v, want wrapped %v", err, boom)
	}
}

func TestReclaimEmpty(t *testing.T) {
	root := t.TempDir()
	keep := filepath.Join(root, Path(1, ".dcm"))
	gone := filepath.Join(root, Path(0x01000000, ".dcm"))
	tmp := filepath.Join(root, ".tmp")

	for _, p := range []string{keep, gone} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(gone); err != nil {
		t.Fatal(err)
	}

	removed, err := ReclaimEmpty(root)
	if err != nil {
		t.Fatalf("ReclaimEmpty: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}
	if _, err := os.Stat(filepath.Join(root, "01")); !os.IsNotExist(err) {
		t.Errorf("empty shard 01 still present: %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("occupied shard removed: %v", err)
	}
	if _, err := os.Stat(tmp); err != nil {
		t.Errorf("dot directory removed: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root removed: %v", err)
	}
}

func TestReclaimEmptyMissingRoot(t *testing.T) {
	removed, err := ReclaimEmpty(filepath.Join(t.TempDir(), "nope"))
	if err != nil || removed != 0 {
		t.Errorf("ReclaimEmpty(missing) = %d, %v; want 0, nil", removed, err)
	}
}
