package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dicombuffer/dicombuffer/internal/model"

	"github.com/google/uuid"
)

// DirQuarantine keeps rejected objects in a flat directory so an operator
// can inspect them. Each object lands in its own file named after the object
// ID plus a random suffix.
type DirQuarantine struct {
	Dir string
}

// NewDirQuarantine creates the quarantine directory.
func NewDirQuarantine(dir string) (*DirQuarantine, error) {
	if err := os.MkdirAll(filepath.Join(dir, tmpDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating quarantine directory %q: %w", dir, err)
	}
	return &DirQuarantine{Dir: dir}, nil
}

// Quarantine copies the object content into the quarantine directory.
func (q *DirQuarantine) Quarantine(ctx context.Context, obj *model.Object, cause error) error {
	if obj.Body == nil {
		return fmt.Errorf("quarantining %q: object has no content", obj.ObjectID)
	}
	if _, err := obj.Body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding %q for quarantine: %w", obj.ObjectID, err)
	}
	name := sanitizeName(obj.ObjectID) + "-" + uuid.NewString()[:8] + ".dcm"
	finalPath := filepath.Join(q.Dir, name)
	tmpPath := filepath.Join(q.Dir, tmpDirName, "tmp-"+uuid.NewString())
	if _, err := writeAtomic(finalPath, tmpPath, obj.Body); err != nil {
		return fmt.Errorf("quarantining %q: %w", obj.ObjectID, err)
	}
	slog.Warn("Object quarantined",
		"component", "quarantine", "object_id", obj.ObjectID, "path", finalPath, "cause", cause)
	return nil
}

// sanitizeName keeps object IDs usable as file names.
func sanitizeName(id string) string {
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
